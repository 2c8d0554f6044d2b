package source

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// createTree lays out a small python component below a temp dir.
func createTree(t *testing.T) string {
	t.Helper()
	base := t.TempDir()
	files := map[string]string{
		"bin/st2-register-content":       "#!/usr/bin/env python\n",
		"st2common/__init__.py":          "__version__ = '0.4.0'\n",
		"st2common/models/db/action.py":  "class ActionDB(object):\n    pass\n",
		"st2common/models/db/action.pyc": "\x03\xf3\r\n",
		"st2common/tests/test_action.py": "",
		"setup.py":                       "from setuptools import setup\n",
		"requirements.txt":               "six\n",
		"docs/index.rst":                 "not packaged\n",
	}
	for name, body := range files {
		p := filepath.Join(base, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(p, []byte(body), 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Chmod(filepath.Join(base, "bin/st2-register-content"), 0755); err != nil {
		t.Fatal(err)
	}
	return base
}

func readTar(t *testing.T, path string) map[string]*tar.Header {
	t.Helper()
	out := make(map[string]*tar.Header)
	for _, hdr := range readTarHeaders(t, path) {
		out[hdr.Name] = hdr
	}
	return out
}

// readTarHeaders returns the headers of the archive at path in file order.
func readTarHeaders(t *testing.T, path string) []*tar.Header {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	var r io.Reader
	if filepath.Ext(path) == ".xz" {
		r, err = xz.NewReader(f)
	} else {
		r, err = gzip.NewReader(f)
	}
	if err != nil {
		t.Fatal(err)
	}
	var out []*tar.Header
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		out = append(out, hdr)
	}
	return out
}

func names(m map[string]*tar.Header) []string {
	var out []string
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestArchive(t *testing.T) {
	base := createTree(t)
	dest := t.TempDir()
	if err := os.WriteFile(filepath.Join(base, ".rpmignore"), []byte("# tests are not shipped\nst2common/tests\n"), 0644); err != nil {
		t.Fatal(err)
	}
	epoch := time.Unix(1500000000, 0)
	opts := Options{
		Name:            "st2common",
		Version:         "0.4.0",
		BaseDir:         base,
		Paths:           []string{"bin", "st2common", "setup.py", "requirements.txt"},
		Exclude:         []string{"**/*.pyc"},
		IgnoreFile:      ".rpmignore",
		DestDir:         dest,
		SourceDateEpoch: &epoch,
	}
	res, err := Archive(context.Background(), opts)
	if err != nil {
		t.Fatalf("Archive returned error %v", err)
	}
	if want := filepath.Join(dest, "st2common.tar.gz"); res.Path != want {
		t.Errorf("path = %q, want %q", res.Path, want)
	}

	got := readTar(t, res.Path)
	want := []string{
		"st2common-0.4.0/bin/",
		"st2common-0.4.0/bin/st2-register-content",
		"st2common-0.4.0/st2common/",
		"st2common-0.4.0/st2common/__init__.py",
		"st2common-0.4.0/st2common/models/",
		"st2common-0.4.0/st2common/models/db/",
		"st2common-0.4.0/st2common/models/db/action.py",
		"st2common-0.4.0/setup.py",
		"st2common-0.4.0/requirements.txt",
	}
	sortStrings := cmpopts.SortSlices(func(a, b string) bool { return a < b })
	if d := cmp.Diff(want, names(got), sortStrings); d != "" {
		t.Errorf("entries differ (want->got):\n%v", d)
	}
	if res.Entries != len(want) {
		t.Errorf("entries = %d, want %d", res.Entries, len(want))
	}

	bin := got["st2common-0.4.0/bin/st2-register-content"]
	if bin.Mode&0777 != 0755 {
		t.Errorf("mode = %o, want 755", bin.Mode&0777)
	}
	if bin.Uid != 0 || bin.Gid != 0 || bin.Uname != "root" {
		t.Errorf("owner = %d:%d %s, want root", bin.Uid, bin.Gid, bin.Uname)
	}
	if !bin.ModTime.Equal(epoch) {
		t.Errorf("mtime = %v, want %v", bin.ModTime, epoch)
	}

	f, err := os.Open(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		t.Fatal(err)
	}
	if d != res.Digest {
		t.Errorf("digest = %s, file has %s", res.Digest, d)
	}
	fi, err := os.Stat(res.Path)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Size() != res.Size {
		t.Errorf("size = %d, file has %d", res.Size, fi.Size())
	}
}

func TestArchiveReproducible(t *testing.T) {
	base := createTree(t)
	epoch := time.Unix(1500000000, 0)
	opts := Options{
		Name:            "st2common",
		Version:         "0.4.0",
		BaseDir:         base,
		Paths:           []string{"st2common", "setup.py"},
		SourceDateEpoch: &epoch,
	}
	var digests []digest.Digest
	for i := 0; i < 2; i++ {
		opts.DestDir = t.TempDir()
		res, err := Archive(context.Background(), opts)
		if err != nil {
			t.Fatalf("Archive returned error %v", err)
		}
		digests = append(digests, res.Digest)
	}
	if digests[0] != digests[1] {
		t.Errorf("archives differ: %s != %s", digests[0], digests[1])
	}
}

func TestArchiveSortedEntries(t *testing.T) {
	base := createTree(t)
	epoch := time.Unix(1500000000, 0)
	var digests []digest.Digest
	for _, paths := range [][]string{
		{"setup.py", "st2common", "bin", "requirements.txt"},
		{"bin", "requirements.txt", "setup.py", "st2common"},
	} {
		res, err := Archive(context.Background(), Options{
			Name:            "st2common",
			Version:         "0.4.0",
			BaseDir:         base,
			Paths:           paths,
			DestDir:         t.TempDir(),
			SourceDateEpoch: &epoch,
		})
		if err != nil {
			t.Fatalf("Archive(%v) returned error %v", paths, err)
		}
		var got []string
		for _, hdr := range readTarHeaders(t, res.Path) {
			got = append(got, strings.TrimSuffix(hdr.Name, "/"))
		}
		if !sort.StringsAreSorted(got) {
			t.Errorf("Archive(%v) entries are not sorted: %v", paths, got)
		}
		digests = append(digests, res.Digest)
	}
	if digests[0] != digests[1] {
		t.Errorf("path order changed the archive: %s != %s", digests[0], digests[1])
	}
}

func TestArchiveXZ(t *testing.T) {
	base := createTree(t)
	res, err := Archive(context.Background(), Options{
		Name:        "st2common",
		Version:     "1.0",
		BaseDir:     base,
		Paths:       []string{"setup.py"},
		DestDir:     t.TempDir(),
		Compression: XZ,
	})
	if err != nil {
		t.Fatalf("Archive returned error %v", err)
	}
	if filepath.Base(res.Path) != "st2common.tar.xz" {
		t.Errorf("path = %q", res.Path)
	}
	if d := cmp.Diff([]string{"st2common-1.0/setup.py"}, names(readTar(t, res.Path))); d != "" {
		t.Errorf("entries differ (want->got):\n%v", d)
	}
}

func TestArchiveMissingPath(t *testing.T) {
	base := createTree(t)
	dest := t.TempDir()
	_, err := Archive(context.Background(), Options{
		Name:    "st2common",
		Version: "0.4.0",
		BaseDir: base,
		Paths:   []string{"setup.py", "MANIFEST.in"},
		DestDir: dest,
	})
	if errors.Cause(err) != ErrMissingPath {
		t.Fatalf("Archive returned %v, want %v", err, ErrMissingPath)
	}
	left, err := os.ReadDir(dest)
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("failed Archive left %d files behind", len(left))
	}
}

func TestArchiveUnknownCompression(t *testing.T) {
	base := createTree(t)
	dest := t.TempDir()
	_, err := Archive(context.Background(), Options{
		Name:        "st2common",
		Version:     "0.4.0",
		BaseDir:     base,
		Paths:       []string{"setup.py"},
		DestDir:     dest,
		Compression: "bzip2",
	})
	if errors.Cause(err) != ErrUnknownCompression {
		t.Fatalf("Archive returned %v, want %v", err, ErrUnknownCompression)
	}
	left, _ := os.ReadDir(dest)
	if len(left) != 0 {
		t.Errorf("failed Archive left %d files behind", len(left))
	}
}
