package fsutil

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
)

func TestWriteAtomic(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "st2common.spec")
	if err := os.WriteFile(dest, []byte("old"), 0600); err != nil {
		t.Fatal(err)
	}
	err := WriteAtomic(dest, 0644, func(w io.Writer) error {
		_, err := io.WriteString(w, "new")
		return err
	})
	if err != nil {
		t.Fatalf("WriteAtomic returned error %v", err)
	}
	b, err := os.ReadFile(dest)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "new" {
		t.Errorf("content = %q, want new", b)
	}
	fi, err := os.Stat(dest)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0644 {
		t.Errorf("mode = %v, want 0644", fi.Mode().Perm())
	}
}

func TestWriteAtomicFailure(t *testing.T) {
	dir := t.TempDir()
	dest := filepath.Join(dir, "st2common.tar.gz")
	boom := errors.New("boom")
	err := WriteAtomic(dest, 0644, func(w io.Writer) error {
		io.WriteString(w, "partial")
		return boom
	})
	if errors.Cause(err) != boom {
		t.Fatalf("WriteAtomic returned %v, want %v", err, boom)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("failed write left %d files behind", len(entries))
	}
}
