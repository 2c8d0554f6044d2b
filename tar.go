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
	"archive/tar"
	"bufio"
	"bytes"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

// TarOptions controls how tar entries are mapped onto rpm files.
type TarOptions struct {
	// StripComponents drops that many leading path elements from every entry,
	// like tar --strip-components. Entries left without a name are skipped,
	// unless Root is set, in which case they become Root itself.
	StripComponents int
	// Root is prepended to every entry.
	Root string
	// Owner and Group override the names recorded in the tar.
	Owner string
	Group string
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	xzMagic   = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// decompress sniffs the stream and unwraps gzip, xz or zstd compression.
func decompress(r io.Reader) (io.Reader, func(), error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(6)
	if err != nil && err != io.EOF {
		return nil, nil, errors.Wrap(err, "failed to read tar header")
	}
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		z, err := gzip.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open gzip stream")
		}
		return z, func() { z.Close() }, nil
	case bytes.HasPrefix(magic, xzMagic):
		z, err := xz.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open xz stream")
		}
		return z, func() {}, nil
	case bytes.HasPrefix(magic, zstdMagic):
		z, err := zstd.NewReader(br)
		if err != nil {
			return nil, nil, errors.Wrap(err, "failed to open zstd stream")
		}
		return z, z.Close, nil
	}
	return br, func() {}, nil
}

// entryName maps a tar entry name onto an absolute rpm file name.
func entryName(name string, opts TarOptions) (string, bool) {
	name = strings.Trim(path.Clean("/"+name), "/")
	var parts []string
	if name != "" {
		parts = strings.Split(name, "/")
	}
	if len(parts) < opts.StripComponents {
		return "", false
	}
	parts = parts[opts.StripComponents:]
	if len(parts) == 0 && opts.Root == "" {
		return "", false
	}
	return path.Join(append([]string{"/", opts.Root}, parts...)...), true
}

// FromTar reads a tar stream, optionally compressed, and creates an rpm
// holding its directories, symlinks and regular files.
func FromTar(inp io.Reader, md Metadata, opts TarOptions) (*Package, error) {
	p, err := NewPackage(md)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create rpm structure")
	}
	r, done, err := decompress(inp)
	if err != nil {
		return nil, err
	}
	defer done()

	bodies := map[string][]byte{}
	t := tar.NewReader(r)
	for {
		h, err := t.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "failed to read tar file")
		}
		name, ok := entryName(h.Name, opts)
		if !ok {
			continue
		}
		f := File{
			Name:  name,
			Owner: h.Uname,
			Group: h.Gname,
			MTime: uint32(h.ModTime.Unix()),
		}
		if opts.Owner != "" {
			f.Owner = opts.Owner
		}
		if opts.Group != "" {
			f.Group = opts.Group
		}
		perm := uint(h.Mode) & 07777
		switch h.Typeflag {
		case tar.TypeDir:
			f.Mode = 040000 | perm
		case tar.TypeSymlink:
			f.Mode = 0120000 | perm
			f.Body = []byte(h.Linkname)
		case tar.TypeReg, tar.TypeRegA:
			f.Mode = perm
			b, err := io.ReadAll(t)
			if err != nil {
				return nil, errors.Wrapf(err, "failed to read %q from tar", h.Name)
			}
			f.Body = b
			bodies[name] = b
		case tar.TypeLink:
			target, ok := entryName(h.Linkname, opts)
			body, found := bodies[target]
			if !ok || !found {
				return nil, errors.Errorf("hard link %q points to unknown file %q", h.Name, h.Linkname)
			}
			f.Mode = perm
			f.Body = body
		default:
			return nil, errors.Errorf("unsupported tar entry type %q for %q", h.Typeflag, h.Name)
		}
		p.AddFile(f)
	}
	return p, nil
}
