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
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Opts controls how files read from disk are recorded.
type Opts struct {
	Owner string
	Group string
	// FileMode and DirMode replace the permission bits read from disk when set.
	FileMode uint
	DirMode  uint
	// MTime replaces the modification time read from disk when set.
	MTime uint32
	// Root is prepended to every file name.
	Root string
}

// FromFiles reads files from the filesystem and given filenames,
// and creates an rpm. The paths are relative to the current working directory.
func FromFiles(files []string, md Metadata, opts Opts) (*Package, error) {
	return fromFiles("", files, md, opts)
}

func fromFiles(base string, files []string, md Metadata, opts Opts) (*Package, error) {
	p, err := NewPackage(md)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rpm structure")
	}
	files = append([]string(nil), files...)
	sort.Strings(files)
	for _, f := range files {
		src := filepath.Join(base, f)
		fi, err := os.Lstat(src)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to stat file (%q)", f)
		}
		var mode uint
		var body []byte
		switch {
		case fi.IsDir():
			mode = 040000
			if opts.DirMode != 0 {
				mode |= opts.DirMode
			} else {
				mode |= uint(fi.Mode().Perm())
			}
		case fi.Mode()&os.ModeSymlink != 0:
			mode = 0120777
			s, err := os.Readlink(src)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read link (%q)", f)
			}
			body = []byte(s)
		default:
			if opts.FileMode != 0 {
				mode |= opts.FileMode
			} else {
				mode |= uint(fi.Mode().Perm())
			}
			b, err := os.ReadFile(src)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read file (%q)", f)
			}
			body = b
		}
		mtime := opts.MTime
		if mtime == 0 {
			mtime = uint32(fi.ModTime().Unix())
		}
		p.AddFile(File{
			Name:  path.Join("/", opts.Root, filepath.ToSlash(f)),
			Body:  body,
			Mode:  mode,
			Owner: opts.Owner,
			Group: opts.Group,
			MTime: mtime,
		})
	}
	return p, nil
}

// FromDir walks dir and adds everything below it, with names relative to dir.
func FromDir(dir string, md Metadata, opts Opts) (*Package, error) {
	var files []string
	err := filepath.Walk(dir, func(p string, _ os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to walk %q", dir)
	}
	return fromFiles(dir, files, md, opts)
}

// SetFileType marks an already added file, for example as a config file.
// It reports whether the file exists.
func (p *Package) SetFileType(name string, t FileType) bool {
	f, ok := p.files[name]
	if !ok {
		return false
	}
	f.Type |= t
	p.files[name] = f
	return true
}

// Files returns the names of all added files, sorted.
func (p *Package) Files() []string {
	names := make([]string, 0, len(p.files))
	for n := range p.files {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// File returns the added file with the given name.
func (p *Package) File(name string) (File, bool) {
	f, ok := p.files[name]
	return f, ok
}

// RemoveFile drops name and, if it is a directory, everything below it.
// It returns the number of removed entries.
func (p *Package) RemoveFile(name string) int {
	name = path.Clean(name)
	n := 0
	for f := range p.files {
		if f == name || strings.HasPrefix(f, name+"/") {
			delete(p.files, f)
			n++
		}
	}
	return n
}
