package specfile

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestCopy(t *testing.T) {
	src := filepath.Join(t.TempDir(), "st2common.spec")
	if err := os.WriteFile(src, []byte("Name: st2common\n"), 0600); err != nil {
		t.Fatal(err)
	}
	specs := t.TempDir()
	dest, err := Copy(context.Background(), src, specs)
	if err != nil {
		t.Fatalf("Copy returned error %v", err)
	}
	if want := filepath.Join(specs, "st2common.spec"); dest != want {
		t.Errorf("dest = %q, want %q", dest, want)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "Name: st2common\n" {
		t.Errorf("content = %q", b)
	}
}

func TestCopyMissing(t *testing.T) {
	specs := t.TempDir()
	if _, err := Copy(context.Background(), filepath.Join(specs, "nope.spec"), specs); err == nil {
		t.Error("Copy accepted a missing spec")
	}
}
