package specfile

import (
	"io"
	"strings"
	"text/template"

	"github.com/pkg/errors"
)

var specTmpl = template.Must(template.New("spec").Funcs(tmplFuncs).Parse(strings.TrimSpace(`
Name: {{ .Name }}
Version: {{ .Version }}
Release: {{ .Release }}%{?dist}
Summary: {{ .Summary }}
License: {{ .License }}
{{ optionalField "URL" .URL -}}
{{ optionalField "Vendor" .Vendor -}}
{{ optionalField "Packager" .Packager -}}
BuildArch: {{ .Arch }}
Source0: {{ .Source }}
{{- range .Requires }}
Requires: {{ . }}
{{- end }}

%description
{{ .Description }}

%prep
%setup -q

%install
mkdir -p %{buildroot}{{ .InstallPrefix }}
cp -a . %{buildroot}{{ .InstallPrefix }}/

%files
{{ .InstallPrefix }}
`)))

func optionalField(key, value string) string {
	if value == "" {
		return ""
	}
	return key + ": " + value + "\n"
}

var tmplFuncs = map[string]any{
	"optionalField": optionalField,
}

// Template holds the values of a generated spec skeleton.
type Template struct {
	Name          string
	Version       string
	Release       string
	Summary       string
	Description   string
	License       string
	URL           string
	Vendor        string
	Packager      string
	Arch          string
	Source        string
	Requires      []string
	InstallPrefix string
}

func (t *Template) fillDefaults() {
	if t.Release == "" {
		t.Release = "1"
	}
	if t.Summary == "" {
		t.Summary = t.Name
	}
	if t.Description == "" {
		t.Description = t.Summary
	}
	if t.License == "" {
		t.License = "Apache-2.0"
	}
	if t.Arch == "" {
		t.Arch = "noarch"
	}
	if t.Source == "" {
		t.Source = t.Name + ".tar.gz"
	}
	if t.InstallPrefix == "" {
		t.InstallPrefix = "/opt/stackstorm/" + t.Name
	}
}

// Render writes a spec for t to w. The result unpacks the source tarball
// and installs its content below InstallPrefix.
func Render(w io.Writer, t Template) error {
	if t.Name == "" || t.Version == "" {
		return errors.New("spec template needs a name and a version")
	}
	t.fillDefaults()
	if err := specTmpl.Execute(w, &t); err != nil {
		return errors.Wrap(err, "render spec")
	}
	_, err := io.WriteString(w, "\n")
	return err
}
