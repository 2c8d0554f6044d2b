package specfile

import (
	"bytes"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestRenderParses(t *testing.T) {
	var buf bytes.Buffer
	err := Render(&buf, Template{
		Name:     "st2actions",
		Version:  "0.4.0",
		Summary:  "StackStorm action runner",
		URL:      "https://stackstorm.com",
		Requires: []string{"st2common = 0.4.0", "python-six"},
	})
	if err != nil {
		t.Fatalf("Render returned error %v", err)
	}
	out := buf.String()
	if strings.Contains(out, "Vendor:") {
		t.Errorf("empty optional field rendered:\n%s", out)
	}

	s, err := Parse(strings.NewReader(out))
	if err != nil {
		t.Fatalf("Parse of rendered spec returned error %v\n%s", err, out)
	}
	got := []string{s.Name, s.Version, s.Release, s.Summary, s.Description, s.License, s.URL, s.BuildArch}
	want := []string{"st2actions", "0.4.0", "1", "StackStorm action runner", "StackStorm action runner", "Apache-2.0", "https://stackstorm.com", "noarch"}
	if d := cmp.Diff(want, got); d != "" {
		t.Errorf("rendered spec differs (want->got):\n%v", d)
	}
	if d := cmp.Diff([]string{"st2common = 0.4.0", "python-six"}, s.Requires); d != "" {
		t.Errorf("requires differ (want->got):\n%v", d)
	}
	if d := cmp.Diff([]string{"st2actions.tar.gz"}, s.Sources); d != "" {
		t.Errorf("sources differ (want->got):\n%v", d)
	}
	if d := cmp.Diff([]FileEntry{{Path: "/opt/stackstorm/st2actions"}}, s.Files); d != "" {
		t.Errorf("files differ (want->got):\n%v", d)
	}
}

func TestRenderRequiresName(t *testing.T) {
	if err := Render(&bytes.Buffer{}, Template{Version: "1"}); err == nil {
		t.Error("Render accepted a template without a name")
	}
}
