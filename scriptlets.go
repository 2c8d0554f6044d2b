package rpmstage

import (
	"fmt"
)

const (
	// DefaultScriptletInterpreter runs every shell scriptlet unless changed.
	DefaultScriptletInterpreter = "/bin/sh"
	// MagicLuaMarker is the interpreter rpm uses for its embedded lua.
	MagicLuaMarker = "<lua>"
)

// scriptletTags maps a scriptlet name to its content and interpreter tags.
var scriptletTags = map[string][2]int{
	"pretrans":     {tagPretrans, tagPretransProg},
	"prein":        {tagPrein, tagPreinProg},
	"postin":       {tagPostin, tagPostinProg},
	"preun":        {tagPreun, tagPreunProg},
	"postun":       {tagPostun, tagPostunProg},
	"posttrans":    {tagPosttrans, tagPosttransProg},
	"verifyscript": {tagVerifyScript, tagVerifyScriptProg},
}

// Transaction scriptlets run before rpm has a shell available.
var luaScriptlets = map[string]bool{
	"pretrans":  true,
	"posttrans": true,
}

type scriptlet struct {
	interpreter string
	content     string
}

type explicitScriptlets struct {
	scriptlets map[string]scriptlet
}

// AddPretrans adds a pretrans scriptlet.
func (p *Package) AddPretrans(s string) { p.scripts["pretrans"] = s }

// AddPrein adds a prein scriptlet.
func (p *Package) AddPrein(s string) { p.scripts["prein"] = s }

// AddPostin adds a postin scriptlet.
func (p *Package) AddPostin(s string) { p.scripts["postin"] = s }

// AddPreun adds a preun scriptlet.
func (p *Package) AddPreun(s string) { p.scripts["preun"] = s }

// AddPostun adds a postun scriptlet.
func (p *Package) AddPostun(s string) { p.scripts["postun"] = s }

// AddPosttrans adds a posttrans scriptlet.
func (p *Package) AddPosttrans(s string) { p.scripts["posttrans"] = s }

// AddVerifyScript adds a verifyscript scriptlet.
func (p *Package) AddVerifyScript(s string) { p.scripts["verifyscript"] = s }

// AddScriptlet sets the content of the named scriptlet.
func (p *Package) AddScriptlet(name, content string) error {
	if _, ok := scriptletTags[name]; !ok {
		return fmt.Errorf("unknown scriptlet %q", name)
	}
	p.scripts[name] = content
	return nil
}

// SetDefaultScriptletInterpreter changes the interpreter of every non-lua
// scriptlet without an explicit interpreter. An empty value restores
// DefaultScriptletInterpreter.
func (p *Package) SetDefaultScriptletInterpreter(interpreter string) {
	p.defaultInterpreter = interpreter
}

// SetScriptletInterpreterFor pins the interpreter of one scriptlet.
func (p *Package) SetScriptletInterpreterFor(name, interpreter string) error {
	if _, ok := scriptletTags[name]; !ok {
		return fmt.Errorf("unknown scriptlet %q", name)
	}
	p.interpreters[name] = interpreter
	return nil
}

func (p *Package) implicitToExplicitScriptlets() explicitScriptlets {
	e := explicitScriptlets{scriptlets: map[string]scriptlet{}}
	for name := range scriptletTags {
		content := p.scripts[name]
		interpreter := p.interpreters[name]
		// "%post -p /sbin/ldconfig" has a program but no script
		if content == "" && interpreter == "" {
			continue
		}
		switch {
		case interpreter != "":
		case luaScriptlets[name]:
			interpreter = MagicLuaMarker
		case p.defaultInterpreter != "":
			interpreter = p.defaultInterpreter
		default:
			interpreter = DefaultScriptletInterpreter
		}
		e.scriptlets[name] = scriptlet{interpreter: interpreter, content: content}
	}
	return e
}

func (p *Package) writeScriptlets(h *index) {
	for name, s := range p.implicitToExplicitScriptlets().scriptlets {
		tags := scriptletTags[name]
		if s.content != "" {
			h.Add(tags[0], entryString(s.content))
		}
		h.Add(tags[1], entryString(s.interpreter))
	}
}
