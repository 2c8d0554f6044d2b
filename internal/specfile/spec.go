// Package specfile copies, parses and renders rpm spec files.
//
// The parser understands the subset of the spec grammar a binary package
// needs: the main package preamble, its description, scriptlets and the
// attributes of its %files list. Build sections are skipped and
// subpackages are ignored.
package specfile

import (
	"strconv"

	"github.com/StackStorm/rpmstage"
	"github.com/pkg/errors"
)

// Scriptlet is the body of a %pre, %post, ... section.
type Scriptlet struct {
	// Interpreter is the -p argument, empty for the default shell.
	Interpreter string
	Body        string
}

// FileEntry is one path of the %files section with its directives.
type FileEntry struct {
	Path      string
	Mode      string
	Owner     string
	Group     string
	Config    bool
	NoReplace bool
	Doc       bool
	License   bool
	Ghost     bool
	Dir       bool
	Exclude   bool
}

// Type converts the directives to rpm file flags.
func (f FileEntry) Type() rpmstage.FileType {
	t := rpmstage.GenericFile
	if f.Config {
		t |= rpmstage.ConfigFile
	}
	if f.NoReplace {
		t |= rpmstage.ConfigFile | rpmstage.NoReplaceFile
	}
	if f.Doc {
		t |= rpmstage.DocFile
	}
	if f.License {
		t |= rpmstage.LicenceFile
	}
	if f.Ghost {
		t |= rpmstage.GhostFile
	}
	return t
}

// FileMode returns the %attr mode, if one was given.
func (f FileEntry) FileMode() (uint, bool, error) {
	if f.Mode == "" || f.Mode == "-" {
		return 0, false, nil
	}
	m, err := strconv.ParseUint(f.Mode, 8, 32)
	if err != nil {
		return 0, false, errors.Wrapf(err, "invalid mode %q for %s", f.Mode, f.Path)
	}
	return uint(m), true, nil
}

// Spec is the parsed main package of a spec file.
type Spec struct {
	Name      string
	Version   string
	Release   string
	Epoch     *uint32
	Summary   string
	License   string
	Group     string
	URL       string
	Vendor    string
	Packager  string
	BuildArch string
	Prefixes  []string
	Sources   []string

	Requires   []string
	Provides   []string
	Conflicts  []string
	Obsoletes  []string
	Recommends []string
	Suggests   []string

	Description string
	// Scriptlets is keyed by rpm scriptlet name: prein, postin, preun,
	// postun, pretrans, posttrans and verifyscript.
	Scriptlets map[string]Scriptlet
	Files      []FileEntry
	Macros     Macros
}

// Metadata converts the preamble to package metadata.
func (s *Spec) Metadata() (rpmstage.Metadata, error) {
	md := rpmstage.Metadata{
		Name:        s.Name,
		Version:     s.Version,
		Release:     s.Release,
		Arch:        s.BuildArch,
		Summary:     s.Summary,
		Description: s.Description,
		Licence:     s.License,
		Group:       s.Group,
		URL:         s.URL,
		Vendor:      s.Vendor,
		Packager:    s.Packager,
		Prefixes:    s.Prefixes,
	}
	if s.Epoch != nil {
		md.Epoch = *s.Epoch
	}
	lists := []struct {
		tag  string
		src  []string
		dest *rpmstage.Relations
	}{
		{"Requires", s.Requires, &md.Requires},
		{"Provides", s.Provides, &md.Provides},
		{"Conflicts", s.Conflicts, &md.Conflicts},
		{"Obsoletes", s.Obsoletes, &md.Obsoletes},
		{"Recommends", s.Recommends, &md.Recommends},
		{"Suggests", s.Suggests, &md.Suggests},
	}
	for _, l := range lists {
		for _, dep := range l.src {
			if err := l.dest.Set(dep); err != nil {
				return rpmstage.Metadata{}, errors.Wrapf(err, "%s: %s", l.tag, dep)
			}
		}
	}
	return md, nil
}
