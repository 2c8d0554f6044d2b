package native

import (
	"archive/tar"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

const testSpec = `%define prefix /opt/stackstorm/%{name}
Name: st2common
Version: 0.4.0
Release: 1
Summary: St2Common - StackStorm common libraries
License: Apache
Prefix: %{prefix}

%description
Shared libraries.

%post -p /sbin/ldconfig

%files
%{prefix}
%doc README.md
%attr(0755,root,root) %{prefix}/setup.py
%ghost /var/log/st2/st2api.log
%dir /var/run/st2
%exclude %{prefix}/tests
`

// writeTarball writes a gzip tarball with every entry below top/.
func writeTarball(t *testing.T, dir string, files map[string]string) string {
	t.Helper()
	p := filepath.Join(dir, "st2common.tar.gz")
	f, err := os.Create(p)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	zw := gzip.NewWriter(f)
	tw := tar.NewWriter(zw)
	mtime := time.Unix(1400000000, 0)
	if err := tw.WriteHeader(&tar.Header{Name: "st2common/", Typeflag: tar.TypeDir, Mode: 0755, ModTime: mtime}); err != nil {
		t.Fatal(err)
	}
	for name, body := range files {
		hdr := &tar.Header{Name: "st2common/" + name, Mode: 0644, ModTime: mtime}
		if strings.HasSuffix(name, "/") {
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
		} else {
			hdr.Typeflag = tar.TypeReg
			hdr.Size = int64(len(body))
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return p
}

func writeSpec(t *testing.T, dir, body string) string {
	t.Helper()
	p := filepath.Join(dir, "st2common.spec")
	if err := os.WriteFile(p, []byte(body), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

var testFiles = map[string]string{
	"setup.py":              "from setuptools import setup\n",
	"st2common/":            "",
	"st2common/__init__.py": "__version__ = '0.4.0'\n",
	"tests/":                "",
	"tests/test_action.py":  "",
}

func TestBuild(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Spec:      writeSpec(t, dir, testSpec),
		Tarball:   writeTarball(t, dir, testFiles),
		RPMDir:    filepath.Join(dir, "RPMS"),
		BuildHost: "builder",
		BuildTime: time.Unix(1400000000, 0),
	}
	a, err := Build(context.Background(), opts)
	if err != nil {
		t.Fatalf("Build returned error %v", err)
	}
	if want := filepath.Join(dir, "RPMS", "noarch", "st2common-0.4.0-1.noarch.rpm"); a.Path != want {
		t.Errorf("Build wrote %s, want %s", a.Path, want)
	}
	// prefix, setup.py, st2common, __init__.py, the ghost log and the run dir
	if a.Files != 6 {
		t.Errorf("Build packaged %d files, want 6", a.Files)
	}
	b, err := os.ReadFile(a.Path)
	if err != nil {
		t.Fatal(err)
	}
	if got := digest.FromBytes(b); got != a.Digest {
		t.Errorf("artifact digest = %s, file digest = %s", a.Digest, got)
	}
	if !strings.HasPrefix(string(b), "\xed\xab\xee\xdb") {
		t.Error("output does not start with the rpm lead magic")
	}
}

func TestBuildReproducible(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		Spec:      writeSpec(t, dir, testSpec),
		Tarball:   writeTarball(t, dir, testFiles),
		BuildHost: "builder",
		BuildTime: time.Unix(1400000000, 0),
	}
	var digests []digest.Digest
	for _, sub := range []string{"a", "b"} {
		opts.RPMDir = filepath.Join(dir, sub)
		a, err := Build(context.Background(), opts)
		if err != nil {
			t.Fatalf("Build returned error %v", err)
		}
		digests = append(digests, a.Digest)
	}
	if digests[0] != digests[1] {
		t.Errorf("two builds differ: %s != %s", digests[0], digests[1])
	}
}

func TestBuildInstallPrefixOverride(t *testing.T) {
	dir := t.TempDir()
	spec := "Name: st2api\nVersion: 1.0\nRelease: 2\nSummary: api\nLicense: Apache\nBuildArch: x86_64\n"
	a, err := Build(context.Background(), Options{
		Spec:          writeSpec(t, dir, spec),
		Tarball:       writeTarball(t, dir, map[string]string{"app.py": "pass\n"}),
		RPMDir:        filepath.Join(dir, "RPMS"),
		InstallPrefix: "opt/st2api",
		Compressor:    "xz",
		BuildTime:     time.Unix(1400000000, 0),
	})
	if err != nil {
		t.Fatalf("Build returned error %v", err)
	}
	if want := filepath.Join(dir, "RPMS", "x86_64", "st2api-1.0-2.x86_64.rpm"); a.Path != want {
		t.Errorf("Build wrote %s, want %s", a.Path, want)
	}
	if a.Files != 2 {
		t.Errorf("Build packaged %d files, want 2", a.Files)
	}
}

func TestBuildErrors(t *testing.T) {
	testCases := []struct {
		name    string
		spec    string
		wantErr error
	}{
		{
			name:    "missing file",
			spec:    "Name: a\nVersion: 1\nRelease: 1\nSummary: a\nLicense: MIT\nPrefix: /opt/a\n%files\n/etc/a.conf\n",
			wantErr: ErrFileNotFound,
		},
		{
			name: "no prefix",
			spec: "Name: a\nVersion: 1\nRelease: 1\nSummary: a\nLicense: MIT\n",
		},
		{
			name: "bad spec",
			spec: "Version: 1\n",
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			dir := t.TempDir()
			_, err := Build(context.Background(), Options{
				Spec:    writeSpec(t, dir, tc.spec),
				Tarball: writeTarball(t, dir, testFiles),
				RPMDir:  filepath.Join(dir, "RPMS"),
			})
			if err == nil {
				t.Fatal("Build succeeded, want an error")
			}
			if tc.wantErr != nil && errors.Cause(err) != tc.wantErr {
				t.Errorf("Build returned %v, want %v", err, tc.wantErr)
			}
			if _, err := os.Stat(filepath.Join(dir, "RPMS")); !os.IsNotExist(err) {
				t.Errorf("Build left an RPMS directory behind: %v", err)
			}
		})
	}
}
