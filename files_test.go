// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rpmstage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// create some files in a tempdir.
func createFileStructure(t *testing.T) string {
	t.Helper()
	d := t.TempDir()
	if err := os.WriteFile(filepath.Join(d, "testfile1.txt"), []byte("content1"), 0644); err != nil {
		t.Fatalf("failed to write testfile1.txt: %v", err)
	}
	if err := os.Symlink("testfile1.txt", filepath.Join(d, "symlink.txt")); err != nil {
		t.Fatalf("failed to create symlink.txt: %v", err)
	}
	if err := os.Mkdir(filepath.Join(d, "dir1"), 0755); err != nil {
		t.Fatalf("failed to create dir1: %v", err)
	}
	if err := os.WriteFile(filepath.Join(d, "dir1", "testfile2.txt"), []byte("content2"), 0755); err != nil {
		t.Fatalf("failed to create testfile2.txt: %v", err)
	}
	// WriteFile honours the umask, so pin the modes the tests expect.
	for name, mode := range map[string]os.FileMode{
		"testfile1.txt":      0644,
		"dir1":               0755,
		"dir1/testfile2.txt": 0755,
	} {
		if err := os.Chmod(filepath.Join(d, name), mode); err != nil {
			t.Fatalf("failed to chmod %s: %v", name, err)
		}
	}
	return d
}

func TestFromFiles(t *testing.T) {
	d := createFileStructure(t)

	testCases := []struct {
		name          string
		files         []string
		opts          Opts
		wantBasenames []string
		wantFileModes []uint16
	}{{
		name:          "just a file",
		files:         []string{"testfile1.txt"},
		wantBasenames: []string{"testfile1.txt"},
		wantFileModes: []uint16{0100644},
	}, {
		name:          "just a dir",
		files:         []string{"dir1"},
		wantBasenames: []string{"dir1"},
		wantFileModes: []uint16{040755},
	}, {
		name:          "symlink",
		files:         []string{"symlink.txt"},
		wantBasenames: []string{"symlink.txt"},
		wantFileModes: []uint16{0120777},
	}, {
		name:          "forced modes",
		files:         []string{"dir1", "testfile1.txt"},
		opts:          Opts{FileMode: 0600, DirMode: 0700},
		wantBasenames: []string{"dir1", "testfile1.txt"},
		wantFileModes: []uint16{040700, 0100600},
	}}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			p, err := fromFiles(d, tc.files, Metadata{}, tc.opts)
			if err != nil {
				t.Fatalf("fromFiles returned err: %v", err)
			}
			if err := p.Write(io.Discard); err != nil {
				t.Fatalf("Write returned err: %v", err)
			}
			if d := cmp.Diff(tc.wantBasenames, p.basenames); d != "" {
				t.Errorf("fromFiles basenames differs (want->got):\n%v", d)
			}
			if d := cmp.Diff(tc.wantFileModes, p.filemodes); d != "" {
				t.Errorf("fromFiles filemodes differs (want->got):\n%v", d)
			}
		})
	}
}

func TestFromDir(t *testing.T) {
	d := createFileStructure(t)

	p, err := FromDir(d, Metadata{}, Opts{Root: "/opt/stackstorm"})
	if err != nil {
		t.Fatalf("FromDir returned err: %v", err)
	}
	want := []string{
		"/opt/stackstorm/dir1",
		"/opt/stackstorm/dir1/testfile2.txt",
		"/opt/stackstorm/symlink.txt",
		"/opt/stackstorm/testfile1.txt",
	}
	if d := cmp.Diff(want, p.Files()); d != "" {
		t.Errorf("FromDir files differ (want->got):\n%v", d)
	}
	if !p.SetFileType("/opt/stackstorm/testfile1.txt", ConfigFile) {
		t.Errorf("SetFileType did not find an added file")
	}
	if p.SetFileType("/missing", ConfigFile) {
		t.Errorf("SetFileType found a file that was never added")
	}
}

func TestFromFilesMissing(t *testing.T) {
	if _, err := fromFiles(t.TempDir(), []string{"nope"}, Metadata{}, Opts{}); err == nil {
		t.Errorf("fromFiles with a missing file should fail")
	}
}

func TestRemoveFile(t *testing.T) {
	p, err := NewPackage(Metadata{Name: "st2common"})
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"/opt/st2", "/opt/st2/tests", "/opt/st2/tests/test_a.py", "/opt/st2/testsuite.py", "/opt/st2/a.py"} {
		p.AddFile(File{Name: name})
	}
	if n := p.RemoveFile("/opt/st2/tests/"); n != 2 {
		t.Errorf("RemoveFile removed %d entries, want 2", n)
	}
	if d := cmp.Diff([]string{"/opt/st2", "/opt/st2/a.py", "/opt/st2/testsuite.py"}, p.Files()); d != "" {
		t.Errorf("files differ (want->got):\n%v", d)
	}
}
