package specfile

import (
	"strings"

	"github.com/pkg/errors"
)

// ErrMacroDepth is returned when macro expansion does not terminate.
var ErrMacroDepth = errors.New("macro expansion too deep")

const maxDepth = 32

// BuiltinMacros are the path macros rpm defines on a typical host.
var BuiltinMacros = map[string]string{
	"nil":             "",
	"_prefix":         "/usr",
	"_exec_prefix":    "%{_prefix}",
	"_bindir":         "%{_exec_prefix}/bin",
	"_sbindir":        "%{_exec_prefix}/sbin",
	"_libdir":         "%{_exec_prefix}/lib",
	"_libexecdir":     "%{_exec_prefix}/libexec",
	"_datadir":        "%{_prefix}/share",
	"_docdir":         "%{_datadir}/doc",
	"_mandir":         "%{_datadir}/man",
	"_sysconfdir":     "/etc",
	"_localstatedir":  "/var",
	"_sharedstatedir": "/var/lib",
	"_unitdir":        "/usr/lib/systemd/system",
}

// Macros is a set of macro definitions. Values are expanded on use.
type Macros map[string]string

// NewMacros returns the builtin macros overlaid with defines.
func NewMacros(defines map[string]string) Macros {
	m := make(Macros, len(BuiltinMacros)+len(defines))
	for k, v := range BuiltinMacros {
		m[k] = v
	}
	for k, v := range defines {
		m[k] = v
	}
	return m
}

// Define sets name to the unexpanded value.
func (m Macros) Define(name, value string) {
	m[name] = value
}

// Expand replaces macro references in s. Undefined plain references are
// left as they are, the way rpm leaves them. Shell expansions %(...) are
// never run.
func (m Macros) Expand(s string) (string, error) {
	return m.expand(s, 0)
}

func (m Macros) expand(s string, depth int) (string, error) {
	if depth > maxDepth {
		return "", errors.Wrap(ErrMacroDepth, s)
	}
	if !strings.Contains(s, "%") {
		return s, nil
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '%' || i+1 == len(s) {
			b.WriteByte(c)
			continue
		}
		next := s[i+1]
		switch {
		case next == '%':
			b.WriteByte('%')
			i++
		case next == '{':
			end := matchBrace(s, i+1)
			if end < 0 {
				return "", errors.Errorf("unterminated macro in %q", s)
			}
			out, err := m.expandBraced(s[i+2:end], depth)
			if err != nil {
				return "", err
			}
			if out == nil {
				b.WriteString(s[i : end+1])
			} else {
				b.WriteString(*out)
			}
			i = end
		case isNameStart(next):
			j := i + 1
			for j < len(s) && isNameChar(s[j]) {
				j++
			}
			name := s[i+1 : j]
			if v, ok := m[name]; ok {
				out, err := m.expand(v, depth+1)
				if err != nil {
					return "", err
				}
				b.WriteString(out)
			} else {
				b.WriteString(s[i:j])
			}
			i = j - 1
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

// expandBraced handles the body of %{...}. A nil result keeps the
// reference unexpanded.
func (m Macros) expandBraced(body string, depth int) (*string, error) {
	negate := false
	conditional := false
	if strings.HasPrefix(body, "!?") {
		negate, conditional = true, true
		body = body[2:]
	} else if strings.HasPrefix(body, "?") {
		conditional = true
		body = body[1:]
	}

	name, alt, hasAlt := strings.Cut(body, ":")
	v, defined := m[name]

	if !conditional {
		if !defined {
			return nil, nil
		}
		out, err := m.expand(v, depth+1)
		return &out, err
	}

	var out string
	var err error
	switch {
	case defined != negate && hasAlt:
		out, err = m.expand(alt, depth+1)
	case defined && !negate:
		out, err = m.expand(v, depth+1)
	}
	return &out, err
}

func matchBrace(s string, open int) int {
	depth := 0
	for i := open; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func isNameStart(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isNameChar(c byte) bool {
	return isNameStart(c) || (c >= '0' && c <= '9')
}
