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

// Package rpmstage stages component sources and packs them into rpm files.
// The rpm writer is designed to be simple to use and deploy, not requiring
// any filesystem access to create rpm files.
package rpmstage

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"fmt"
	"io"
	"path"
	"sort"
	"time"

	cpio "github.com/cavaliercoder/go-cpio"
	"github.com/pkg/errors"
)

var (
	// ErrWriteAfterClose is returned when a user calls Write() on a closed rpm.
	ErrWriteAfterClose = errors.New("rpm write after close")
)

// Metadata contains meta info about the whole package.
type Metadata struct {
	Name        string
	Version     string
	Release     string
	Epoch       uint32
	Arch        string
	OS          string
	Summary     string
	Description string
	Licence     string
	Group       string
	URL         string
	Vendor      string
	Packager    string
	BuildHost   string
	BuildTime   time.Time
	// Compressor is "gzip" (the default), "xz", "lzma" or "zstd",
	// optionally followed by ":level".
	Compressor string
	Prefixes   []string

	Provides   Relations
	Requires   Relations
	Obsoletes  Relations
	Suggests   Relations
	Recommends Relations
	Conflicts  Relations
}

// FileType is the rpm file flags bit set.
type FileType int32

const (
	GenericFile   FileType = 0
	ConfigFile    FileType = 1 << 0
	DocFile       FileType = 1 << 1
	NoReplaceFile FileType = 1 << 4
	GhostFile     FileType = 1 << 6
	LicenceFile   FileType = 1 << 7
	ReadmeFile    FileType = 1 << 8
)

// File contains a particular file's entry and data.
type File struct {
	Name  string
	Body  []byte
	Mode  uint
	Owner string
	Group string
	MTime uint32
	Type  FileType
}

// Signer produces a detached signature over the given bytes.
type Signer func([]byte) ([]byte, error)

// Package holds the state of a particular rpm file. Please use NewPackage to instantiate it.
type Package struct {
	Metadata
	compressor  compressor
	di          *dirIndex
	payload     *bytes.Buffer
	payloadSize uint
	basenames   []string
	dirindexes  []uint32
	filesizes   []uint32
	filemodes   []uint16
	fileowners  []string
	filegroups  []string
	filemtimes  []uint32
	filedigests []string
	filelinktos []string
	fileflags   []uint32
	closed      bool
	files       map[string]File

	scripts            map[string]string
	interpreters       map[string]string
	defaultInterpreter string

	signer      Signer
	sigIndex    *index
	headerIndex *index
}

// NewPackage creates and returns a new Package struct.
func NewPackage(m Metadata) (*Package, error) {
	c, err := parseCompressor(m.Compressor)
	if err != nil {
		return nil, err
	}
	return &Package{
		Metadata:     m,
		compressor:   c,
		di:           newDirIndex(),
		payload:      &bytes.Buffer{},
		files:        make(map[string]File),
		scripts:      make(map[string]string),
		interpreters: make(map[string]string),
	}, nil
}

// FullVersion returns version-release, prefixed by "epoch:" when an epoch is set.
func (p *Package) FullVersion() string {
	v := p.Version
	if p.Release != "" {
		v = fmt.Sprintf("%s-%s", p.Version, p.Release)
	}
	if p.Epoch != 0 {
		v = fmt.Sprintf("%d:%s", p.Epoch, v)
	}
	return v
}

func (p *Package) arch() string {
	if p.Arch == "" {
		return "noarch"
	}
	return p.Arch
}

func (p *Package) osName() string {
	if p.OS == "" {
		return "linux"
	}
	return p.OS
}

// FileName is the conventional file name of the binary rpm.
func (p *Package) FileName() string {
	v := p.Version
	if p.Release != "" {
		v += "-" + p.Release
	}
	return fmt.Sprintf("%s-%s.%s.rpm", p.Name, v, p.arch())
}

// SetPGPSigner makes Write add RSA (header only) and PGP (header and
// payload) signatures produced by f.
func (p *Package) SetPGPSigner(f Signer) {
	p.signer = f
}

// AddFile adds a File to an existing rpm. Adding a name twice replaces the
// earlier entry.
func (p *Package) AddFile(f File) {
	if f.Name == "/" { // rpm does not allow the root dir to be included.
		return
	}
	p.files[f.Name] = f
}

// AllowListDirs removes every directory entry whose path is not in allowList.
// It keeps packages from claiming ownership of system directories.
func (p *Package) AllowListDirs(allowList map[string]bool) {
	for name, f := range p.files {
		if f.Mode&040000 == 0 {
			continue
		}
		if !allowList[path.Clean(name)] {
			delete(p.files, name)
		}
	}
}

// Write closes the rpm and writes the whole rpm to an io.Writer
func (p *Package) Write(w io.Writer) error {
	if p.closed {
		return ErrWriteAfterClose
	}
	p.closed = true

	z, err := p.compressor.newWriter(p.payload)
	if err != nil {
		return errors.Wrapf(err, "failed to create %s writer", p.compressor.name)
	}
	cw := cpio.NewWriter(z)
	// Add all of the files, sorted alphabetically.
	fnames := make([]string, 0, len(p.files))
	for fn := range p.files {
		fnames = append(fnames, fn)
	}
	sort.Strings(fnames)
	for _, fn := range fnames {
		if err := p.writeFile(cw, p.files[fn]); err != nil {
			return errors.Wrapf(err, "failed to write file %q", fn)
		}
	}
	if err := cw.Close(); err != nil {
		return errors.Wrap(err, "failed to close cpio payload")
	}
	if err := z.Close(); err != nil {
		return errors.Wrapf(err, "failed to close %s payload", p.compressor.name)
	}

	if _, err := w.Write(lead(p.Name, p.FullVersion())); err != nil {
		return errors.Wrap(err, "failed to write lead")
	}
	// Write the regular header.
	h := newIndex(immutable)
	if err := p.writeGenIndexes(h); err != nil {
		return err
	}
	p.writeFileIndexes(h)
	hb, err := h.Bytes()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve header")
	}
	// Write the signatures
	s := newIndex(signatures)
	if err := p.writeSignatures(s, hb); err != nil {
		return err
	}
	sb, err := s.Bytes()
	if err != nil {
		return errors.Wrap(err, "failed to retrieve signatures header")
	}
	p.headerIndex, p.sigIndex = h, s

	if _, err := w.Write(sb); err != nil {
		return errors.Wrap(err, "failed to write signature bytes")
	}
	// Signatures are padded to 8-byte boundaries
	if _, err := w.Write(make([]byte, (8-len(sb)%8)%8)); err != nil {
		return errors.Wrap(err, "failed to write signature padding")
	}
	if _, err := w.Write(hb); err != nil {
		return errors.Wrap(err, "failed to write header body")
	}
	_, err = w.Write(p.payload.Bytes())
	return errors.Wrap(err, "failed to write payload")
}

// Only call this after the payload and header were written.
func (p *Package) writeSignatures(sigHeader *index, regHeader []byte) error {
	sigHeader.Add(sigSize, entryInt32([]int32{int32(p.payload.Len() + len(regHeader))}))
	sigHeader.Add(sigSHA1, entryString(fmt.Sprintf("%x", sha1.Sum(regHeader))))
	sigHeader.Add(sigSHA256, entryString(fmt.Sprintf("%x", sha256.Sum256(regHeader))))
	sigHeader.Add(sigPayloadSize, entryInt32([]int32{int32(p.payloadSize)}))
	if p.signer == nil {
		return nil
	}
	rsa, err := p.signer(regHeader)
	if err != nil {
		return errors.Wrap(err, "failed to sign header")
	}
	pgp, err := p.signer(append(append([]byte{}, regHeader...), p.payload.Bytes()...))
	if err != nil {
		return errors.Wrap(err, "failed to sign header and payload")
	}
	sigHeader.Add(sigRSA, entryBinary(rsa))
	sigHeader.Add(sigPGP, entryBinary(pgp))
	return nil
}

func (p *Package) writeGenIndexes(h *index) error {
	h.Add(tagHeaderI18NTable, entryString("C"))
	h.Add(tagSize, entryInt32([]int32{int32(p.payloadSize)}))
	h.Add(tagName, entryString(p.Name))
	h.Add(tagVersion, entryString(p.Version))
	h.Add(tagRelease, entryString(p.Release))
	if p.Epoch != 0 {
		h.Add(tagEpoch, entryUint32([]uint32{p.Epoch}))
	}
	h.Add(tagSummary, entryString(p.Summary))
	h.Add(tagDescription, entryString(p.Description))
	h.Add(tagLicence, entryString(p.Licence))
	for tag, v := range map[int]string{
		tagGroup:     p.Group,
		tagURL:       p.URL,
		tagVendor:    p.Vendor,
		tagPackager:  p.Packager,
		tagBuildHost: p.BuildHost,
	} {
		if v != "" {
			h.Add(tag, entryString(v))
		}
	}
	if !p.BuildTime.IsZero() {
		h.Add(tagBuildTime, entryInt32([]int32{int32(p.BuildTime.Unix())}))
	}
	h.Add(tagPayloadFormat, entryString("cpio"))
	h.Add(tagPayloadCompressor, entryString(p.compressor.name))
	h.Add(tagPayloadFlags, entryString(p.compressor.flags()))
	h.Add(tagPayloadDigest, entryStringArray([]string{fmt.Sprintf("%x", sha256.Sum256(p.payload.Bytes()))}))
	h.Add(tagPayloadDigestAlgo, entryInt32([]int32{hashAlgoSHA256}))
	h.Add(tagOS, entryString(p.osName()))
	h.Add(tagArch, entryString(p.arch()))
	if prefixes := nonEmpty(p.Prefixes); len(prefixes) > 0 {
		h.Add(tagPrefixes, entryStringArray(prefixes))
	}

	// A package must provide itself...
	provides := append(Relations{}, p.Provides...)
	provides.addIfMissing(&Relation{Name: p.Name, Version: p.FullVersion(), Sense: SenseEqual})
	for kind, rels := range map[RelationKind]Relations{
		ProvidesKind:   provides,
		RequiresKind:   p.Requires,
		ObsoletesKind:  p.Obsoletes,
		SuggestsKind:   p.Suggests,
		RecommendsKind: p.Recommends,
		ConflictsKind:  p.Conflicts,
	} {
		if err := rels.addToIndex(kind, h); err != nil {
			return errors.Wrapf(err, "failed to add %s", kind)
		}
	}
	// rpm utilities look for the sourcerpm tag to deduce if this is not a source rpm (if it has a sourcerpm,
	// it is NOT a source rpm).
	h.Add(tagSourceRPM, entryString(fmt.Sprintf("%s-%s-%s.src.rpm", p.Name, p.Version, p.Release)))
	p.writeScriptlets(h)
	return nil
}

// We only use the sha256 digest algo.
const hashAlgoSHA256 = 8

// writeFileIndexes writes file related index headers to the header
func (p *Package) writeFileIndexes(h *index) {
	if len(p.basenames) == 0 {
		return
	}
	h.Add(tagBasenames, entryStringArray(p.basenames))
	h.Add(tagDirindexes, entryUint32(p.dirindexes))
	h.Add(tagDirnames, entryStringArray(p.di.AllDirs()))
	h.Add(tagFileSizes, entryUint32(p.filesizes))
	h.Add(tagFileModes, entryUint16(p.filemodes))
	h.Add(tagFileUserName, entryStringArray(p.fileowners))
	h.Add(tagFileGroupName, entryStringArray(p.filegroups))
	h.Add(tagFileMTimes, entryUint32(p.filemtimes))
	h.Add(tagFileDigests, entryStringArray(p.filedigests))
	h.Add(tagFileLinkTos, entryStringArray(p.filelinktos))
	h.Add(tagFileFlags, entryUint32(p.fileflags))

	n := len(p.basenames)
	inodes := make([]int32, n)
	digestAlgo := make([]int32, n)
	verifyFlags := make([]int32, n)
	fileRDevs := make([]int16, n)
	fileLangs := make([]string, n)
	for ii := range inodes {
		inodes[ii] = int32(ii + 1)
		digestAlgo[ii] = hashAlgoSHA256
		// With regular files, it seems like we can always enable all of the verify flags
		verifyFlags[ii] = -1
	}
	h.Add(tagFileINodes, entryInt32(inodes))
	h.Add(tagFileDigestAlgo, entryInt32(digestAlgo))
	h.Add(tagFileVerifyFlags, entryInt32(verifyFlags))
	h.Add(tagFileRDevs, entryInt16(fileRDevs))
	h.Add(tagFileLangs, entryStringArray(fileLangs))
}

// writeFile writes the file to the indexes and cpio.
func (p *Package) writeFile(cw *cpio.Writer, f File) error {
	dir, file := path.Split(f.Name)
	p.dirindexes = append(p.dirindexes, p.di.Get(dir))
	p.basenames = append(p.basenames, file)
	p.fileowners = append(p.fileowners, orRoot(f.Owner))
	p.filegroups = append(p.filegroups, orRoot(f.Group))
	p.filemtimes = append(p.filemtimes, f.MTime)
	p.fileflags = append(p.fileflags, uint32(f.Type))
	links := 1
	switch {
	case f.Mode&040000 != 0: // directory
		p.filesizes = append(p.filesizes, 4096)
		p.filedigests = append(p.filedigests, "")
		p.filelinktos = append(p.filelinktos, "")
		links = 2
	case f.Mode&0120000 == 0120000: //  symlink
		p.filesizes = append(p.filesizes, uint32(len(f.Body)))
		p.filedigests = append(p.filedigests, "")
		p.filelinktos = append(p.filelinktos, string(f.Body))
	default: // regular file
		f.Mode = f.Mode | 0100000
		p.filesizes = append(p.filesizes, uint32(len(f.Body)))
		p.filedigests = append(p.filedigests, fmt.Sprintf("%x", sha256.Sum256(f.Body)))
		p.filelinktos = append(p.filelinktos, "")
	}
	p.filemodes = append(p.filemodes, uint16(f.Mode))
	// Ghost files are owned by the package but never shipped.
	if f.Type&GhostFile != 0 {
		return nil
	}
	return p.writePayload(cw, f, links)
}

func (p *Package) writePayload(cw *cpio.Writer, f File, links int) error {
	hdr := &cpio.Header{
		Name:    f.Name,
		Mode:    cpio.FileMode(f.Mode),
		Size:    int64(len(f.Body)),
		Links:   links,
		ModTime: time.Unix(int64(f.MTime), 0),
	}
	if err := cw.WriteHeader(hdr); err != nil {
		return errors.Wrap(err, "failed to write payload file header")
	}
	if _, err := cw.Write(f.Body); err != nil {
		return errors.Wrap(err, "failed to write payload file content")
	}
	p.payloadSize += uint(len(f.Body))
	return nil
}

func orRoot(s string) string {
	if s == "" {
		return "root"
	}
	return s
}

func nonEmpty(l []string) []string {
	var out []string
	for _, s := range l {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
