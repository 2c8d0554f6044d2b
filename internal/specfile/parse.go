package specfile

import (
	"bufio"
	"io"
	"regexp"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	// ErrSyntax wraps every malformed line.
	ErrSyntax = errors.New("spec syntax error")
	// ErrUnsupported is returned for constructs the parser does not evaluate.
	ErrUnsupported = errors.New("unsupported spec construct")
)

var tagLine = regexp.MustCompile(`^([A-Za-z][A-Za-z0-9]*)(\([^)]*\))?\s*:\s*(.*)$`)

type section int

const (
	sectionPreamble section = iota
	sectionDescription
	sectionScript
	sectionFiles
	sectionSkip
)

// scriptSections maps spec section names to rpm scriptlet names.
var scriptSections = map[string]string{
	"%pre":          "prein",
	"%post":         "postin",
	"%preun":        "preun",
	"%postun":       "postun",
	"%pretrans":     "pretrans",
	"%posttrans":    "posttrans",
	"%verifyscript": "verifyscript",
}

var skippedSections = map[string]bool{
	"%package":                true,
	"%prep":                   true,
	"%build":                  true,
	"%install":                true,
	"%check":                  true,
	"%clean":                  true,
	"%changelog":              true,
	"%generate_buildrequires": true,
	"%triggerin":              true,
	"%triggerun":              true,
	"%triggerpostun":          true,
	"%triggerprein":           true,
	"%filetriggerin":          true,
	"%filetriggerun":          true,
	"%filetriggerpostun":      true,
	"%transfiletriggerin":     true,
	"%transfiletriggerun":     true,
	"%transfiletriggerpostun": true,
}

// Parser reads spec files with a set of predefined macros.
type Parser struct {
	// Defines are applied on top of BuiltinMacros, like rpmbuild --define.
	Defines map[string]string
}

// Parse reads a spec with only the builtin macros defined.
func Parse(r io.Reader) (*Spec, error) {
	return (&Parser{}).Parse(r)
}

type parseState struct {
	spec    *Spec
	macros  Macros
	section section
	// script is the rpm scriptlet name while in sectionScript.
	script      string
	interpreter string
	body        []string
	conds       []cond
}

type cond struct {
	active bool
	// taken records whether any branch of the chain was active.
	taken bool
	outer bool
}

// Parse reads a spec from r.
func (p *Parser) Parse(r io.Reader) (*Spec, error) {
	macros := NewMacros(p.Defines)
	if _, ok := macros["_arch"]; !ok {
		macros["_arch"] = hostArch()
	}
	st := &parseState{
		spec: &Spec{
			Scriptlets: make(map[string]Scriptlet),
			Macros:     macros,
		},
		macros: macros,
	}

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	n := 0
	for sc.Scan() {
		n++
		line := sc.Text()
		for strings.HasSuffix(line, "\\") && isDefine(line) && sc.Scan() {
			n++
			line = strings.TrimSuffix(line, "\\") + "\n" + sc.Text()
		}
		if err := st.line(line); err != nil {
			return nil, errors.Wrapf(err, "line %d", n)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, errors.Wrap(err, "read spec")
	}
	if len(st.conds) > 0 {
		return nil, errors.Wrap(ErrSyntax, "missing %endif")
	}
	if err := st.flush(); err != nil {
		return nil, err
	}
	if st.spec.Name == "" || st.spec.Version == "" || st.spec.Release == "" {
		return nil, errors.Wrap(ErrSyntax, "Name, Version and Release are required")
	}
	return st.spec, nil
}

func isDefine(line string) bool {
	t := strings.TrimSpace(line)
	return strings.HasPrefix(t, "%define") || strings.HasPrefix(t, "%global")
}

func (st *parseState) active() bool {
	return len(st.conds) == 0 || st.conds[len(st.conds)-1].active
}

func (st *parseState) line(line string) error {
	trimmed := strings.TrimSpace(line)
	word, rest := splitWord(trimmed)

	if handled, err := st.conditional(word, rest); handled || err != nil {
		return err
	}
	if !st.active() {
		return nil
	}

	switch word {
	case "%define", "%global":
		name, value := splitWord(rest)
		if name == "" {
			return errors.Wrapf(ErrSyntax, "%s without a name", word)
		}
		name = strings.TrimSuffix(name, "()")
		if word == "%global" {
			expanded, err := st.macros.Expand(value)
			if err != nil {
				return err
			}
			value = expanded
		}
		st.macros.Define(name, value)
		return nil
	case "%undefine":
		delete(st.macros, rest)
		return nil
	}

	if strings.HasPrefix(line, "%") {
		if ok, err := st.startSection(word, rest); ok || err != nil {
			return err
		}
	}

	switch st.section {
	case sectionPreamble:
		return st.preamble(trimmed)
	case sectionDescription, sectionScript:
		st.body = append(st.body, line)
	case sectionFiles:
		return st.fileLine(trimmed)
	}
	return nil
}

func (st *parseState) startSection(word, rest string) (bool, error) {
	var next section
	var script string
	switch {
	case word == "%description":
		next = sectionDescription
	case word == "%files":
		next = sectionFiles
	case scriptSections[word] != "":
		next = sectionScript
		script = scriptSections[word]
	case skippedSections[word]:
		next = sectionSkip
	default:
		return false, nil
	}

	if err := st.flush(); err != nil {
		return true, err
	}
	st.section = next
	st.script = script
	st.interpreter = ""

	args := strings.Fields(rest)
	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "-p":
			if i+1 == len(args) {
				return true, errors.Wrapf(ErrSyntax, "%s -p without an interpreter", word)
			}
			i++
			st.interpreter = args[i]
		case "-f":
			// file lists are produced by %install, which is never run here
			i++
		case "-n":
			st.section = sectionSkip
			i++
		default:
			if !strings.HasPrefix(args[i], "-") {
				// a subpackage
				st.section = sectionSkip
			}
		}
	}
	return true, nil
}

// flush stores the body of the section being left.
func (st *parseState) flush() error {
	defer func() { st.body = nil }()
	switch st.section {
	case sectionDescription:
		text, err := st.macros.Expand(strings.Join(st.body, "\n"))
		if err != nil {
			return err
		}
		st.spec.Description = strings.TrimSpace(text)
	case sectionScript:
		text, err := st.macros.Expand(strings.Join(st.body, "\n"))
		if err != nil {
			return err
		}
		st.spec.Scriptlets[st.script] = Scriptlet{
			Interpreter: st.interpreter,
			Body:        strings.TrimSpace(text),
		}
	}
	return nil
}

func (st *parseState) preamble(line string) error {
	if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, "%") {
		return nil
	}
	m := tagLine.FindStringSubmatch(line)
	if m == nil {
		return errors.Wrapf(ErrSyntax, "expected a preamble tag, got %q", line)
	}
	value, err := st.macros.Expand(strings.TrimSpace(m[3]))
	if err != nil {
		return err
	}

	s := st.spec
	switch tag := strings.ToLower(m[1]); {
	case tag == "name":
		s.Name = value
		st.macros.Define("name", value)
	case tag == "version":
		s.Version = value
		st.macros.Define("version", value)
	case tag == "release":
		s.Release = value
		st.macros.Define("release", value)
	case tag == "epoch":
		e, err := strconv.ParseUint(value, 10, 32)
		if err != nil {
			return errors.Wrapf(ErrSyntax, "invalid Epoch %q", value)
		}
		epoch := uint32(e)
		s.Epoch = &epoch
		st.macros.Define("epoch", value)
	case tag == "summary":
		s.Summary = value
		st.macros.Define("summary", value)
	case tag == "license" || tag == "licence":
		s.License = value
	case tag == "group":
		s.Group = value
	case tag == "url":
		s.URL = value
		st.macros.Define("url", value)
	case tag == "vendor":
		s.Vendor = value
	case tag == "packager":
		s.Packager = value
	case tag == "buildarch" || tag == "buildarchitectures":
		s.BuildArch = value
	case tag == "prefix" || tag == "prefixes":
		s.Prefixes = append(s.Prefixes, strings.Fields(value)...)
	case strings.HasPrefix(tag, "source"):
		s.Sources = append(s.Sources, value)
	case tag == "requires":
		s.Requires = append(s.Requires, splitDeps(value)...)
	case tag == "provides":
		s.Provides = append(s.Provides, splitDeps(value)...)
	case tag == "conflicts":
		s.Conflicts = append(s.Conflicts, splitDeps(value)...)
	case tag == "obsoletes":
		s.Obsoletes = append(s.Obsoletes, splitDeps(value)...)
	case tag == "recommends":
		s.Recommends = append(s.Recommends, splitDeps(value)...)
	case tag == "suggests":
		s.Suggests = append(s.Suggests, splitDeps(value)...)
	}
	return nil
}

// splitDeps splits a dependency list such as "python >= 2.7, python-six b"
// into single dependencies.
func splitDeps(value string) []string {
	var out []string
	tokens := strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t'
	})
	for i := 0; i < len(tokens); i++ {
		dep := tokens[i]
		if i+2 < len(tokens) && isOperator(tokens[i+1]) {
			dep += " " + tokens[i+1] + " " + tokens[i+2]
			i += 2
		}
		out = append(out, dep)
	}
	return out
}

func isOperator(s string) bool {
	switch s {
	case "=", "<", ">", "<=", ">=":
		return true
	}
	return false
}

func (st *parseState) fileLine(line string) error {
	if line == "" || strings.HasPrefix(line, "#") {
		return nil
	}
	expanded, err := st.macros.Expand(line)
	if err != nil {
		return err
	}

	var proto FileEntry
	var paths []string
	for _, tok := range fileTokens(expanded) {
		if !strings.HasPrefix(tok, "%") {
			paths = append(paths, tok)
			continue
		}
		name, arg := tok, ""
		if i := strings.IndexByte(tok, '('); i >= 0 && strings.HasSuffix(tok, ")") {
			name, arg = tok[:i], tok[i+1:len(tok)-1]
		}
		switch name {
		case "%defattr", "%docdir":
			return nil
		case "%attr":
			parts := strings.Split(arg, ",")
			if len(parts) != 3 {
				return errors.Wrapf(ErrSyntax, "bad %s", tok)
			}
			proto.Mode = strings.TrimSpace(parts[0])
			proto.Owner = strings.TrimSpace(parts[1])
			proto.Group = strings.TrimSpace(parts[2])
			if proto.Owner == "-" {
				proto.Owner = ""
			}
			if proto.Group == "-" {
				proto.Group = ""
			}
		case "%config":
			proto.Config = true
			if strings.Contains(arg, "noreplace") {
				proto.NoReplace = true
			}
		case "%doc":
			proto.Doc = true
		case "%license":
			proto.License = true
		case "%ghost":
			proto.Ghost = true
		case "%dir":
			proto.Dir = true
		case "%exclude":
			proto.Exclude = true
		case "%verify", "%lang", "%caps", "%readme", "%artifact", "%missingok":
		default:
			return errors.Wrapf(ErrUnsupported, "file directive %s", name)
		}
	}
	for _, p := range paths {
		e := proto
		e.Path = p
		st.spec.Files = append(st.spec.Files, e)
	}
	return nil
}

// fileTokens splits on whitespace outside parentheses.
func fileTokens(line string) []string {
	var out []string
	var cur strings.Builder
	depth := 0
	for _, r := range line {
		switch {
		case r == '(':
			depth++
		case r == ')' && depth > 0:
			depth--
		case (r == ' ' || r == '\t') && depth == 0:
			if cur.Len() > 0 {
				out = append(out, cur.String())
				cur.Reset()
			}
			continue
		}
		cur.WriteRune(r)
	}
	if cur.Len() > 0 {
		out = append(out, cur.String())
	}
	return out
}

// conditional tracks %if blocks. It reports whether the line was one.
func (st *parseState) conditional(word, rest string) (bool, error) {
	switch word {
	case "%if", "%ifarch", "%ifnarch", "%ifos", "%ifnos":
		outer := st.active()
		ok := false
		if outer {
			var err error
			if ok, err = st.evalCond(word, rest); err != nil {
				return true, err
			}
		}
		st.conds = append(st.conds, cond{active: outer && ok, taken: ok, outer: outer})
	case "%elif":
		if len(st.conds) == 0 {
			return true, errors.Wrap(ErrSyntax, "%elif without %if")
		}
		c := &st.conds[len(st.conds)-1]
		if !c.outer || c.taken {
			c.active = false
			return true, nil
		}
		ok, err := st.evalCond("%if", rest)
		if err != nil {
			return true, err
		}
		c.active, c.taken = ok, ok
	case "%else":
		if len(st.conds) == 0 {
			return true, errors.Wrap(ErrSyntax, "%else without %if")
		}
		c := &st.conds[len(st.conds)-1]
		c.active = c.outer && !c.taken
		c.taken = true
	case "%endif":
		if len(st.conds) == 0 {
			return true, errors.Wrap(ErrSyntax, "%endif without %if")
		}
		st.conds = st.conds[:len(st.conds)-1]
	default:
		return false, nil
	}
	return true, nil
}

func (st *parseState) evalCond(word, expr string) (bool, error) {
	expanded, err := st.macros.Expand(expr)
	if err != nil {
		return false, err
	}
	switch word {
	case "%ifarch", "%ifnarch":
		in := contains(strings.Fields(expanded), st.macros["_arch"])
		return in == (word == "%ifarch"), nil
	case "%ifos", "%ifnos":
		in := contains(strings.Fields(expanded), "linux")
		return in == (word == "%ifos"), nil
	}
	return evalExpr(strings.TrimSpace(expanded))
}

// evalExpr handles integers, string and integer (in)equality, negation
// and the boolean operators.
func evalExpr(expr string) (bool, error) {
	if parts := strings.Split(expr, "||"); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalExpr(strings.TrimSpace(p))
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	if parts := strings.Split(expr, "&&"); len(parts) > 1 {
		for _, p := range parts {
			ok, err := evalExpr(strings.TrimSpace(p))
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	}
	for _, op := range []string{"==", "!="} {
		if l, r, ok := strings.Cut(expr, op); ok {
			eq := unquote(l) == unquote(r)
			if li, err := strconv.Atoi(unquote(l)); err == nil {
				if ri, err := strconv.Atoi(unquote(r)); err == nil {
					eq = li == ri
				}
			}
			return eq == (op == "=="), nil
		}
	}
	if strings.HasPrefix(expr, "!") {
		ok, err := evalExpr(strings.TrimSpace(expr[1:]))
		return !ok, err
	}
	if expr == "" {
		return false, nil
	}
	n, err := strconv.Atoi(expr)
	if err != nil {
		return false, errors.Wrapf(ErrUnsupported, "condition %q", expr)
	}
	return n != 0, nil
}

func unquote(s string) string {
	return strings.Trim(strings.TrimSpace(s), `"`)
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func splitWord(s string) (string, string) {
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func hostArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x86_64"
	case "arm64":
		return "aarch64"
	case "386":
		return "i686"
	}
	return runtime.GOARCH
}
