// Package source builds the source tarball rpmbuild unpacks in %prep.
//
// The archive is reproducible: entries are sorted by path and owned by
// root, and modification times can be clamped to a fixed epoch.
// Every entry is prefixed with "<name>-<version>/".
package source

import (
	"archive/tar"
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	// registers sha256 for digest.Canonical
	_ "crypto/sha256"

	"github.com/StackStorm/rpmstage/internal/fsutil"
	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/klauspost/compress/gzip"
	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
)

const (
	Gzip = "gzip"
	XZ   = "xz"
)

var (
	// ErrMissingPath is returned when a configured path does not exist.
	ErrMissingPath = errors.New("no such file or directory")
	// ErrUnknownCompression is returned for compressions other than Gzip and XZ.
	ErrUnknownCompression = errors.New("unknown compression")
)

// Options describes one tarball.
type Options struct {
	Name    string
	Version string
	// BaseDir is the directory Paths are relative to.
	BaseDir string
	Paths   []string
	// Exclude holds patterns in .dockerignore syntax, matched against
	// slash separated paths relative to BaseDir.
	Exclude []string
	// IgnoreFile is read for more exclude patterns if it exists.
	IgnoreFile  string
	DestDir     string
	FileName    string
	Compression string
	// SourceDateEpoch clamps entry modification times when set.
	SourceDateEpoch *time.Time
}

// Result describes a written tarball.
type Result struct {
	Path    string        `json:"path"`
	Entries int           `json:"entries"`
	Size    int64         `json:"size"`
	Digest  digest.Digest `json:"digest"`
}

// Prefix is the directory every entry is placed under.
func (o Options) Prefix() string {
	return o.Name + "-" + o.Version
}

func (o Options) fileName() string {
	if o.FileName != "" {
		return o.FileName
	}
	if o.Compression == XZ {
		return o.Name + ".tar.xz"
	}
	return o.Name + ".tar.gz"
}

// Archive writes the tarball described by opts into opts.DestDir.
func Archive(ctx context.Context, opts Options) (Result, error) {
	log := logging.FromContext(ctx)

	pm, err := opts.matcher()
	if err != nil {
		return Result{}, err
	}
	entries, err := collect(ctx, opts, pm)
	if err != nil {
		return Result{}, err
	}

	dest := filepath.Join(opts.DestDir, opts.fileName())
	digester := digest.Canonical.Digester()
	var size int64
	err = fsutil.WriteAtomic(dest, 0644, func(w io.Writer) error {
		counter := &countingWriter{w: io.MultiWriter(w, digester.Hash())}
		err := write(ctx, counter, opts, entries)
		size = counter.n
		return err
	})
	if err != nil {
		return Result{}, err
	}

	res := Result{Path: dest, Entries: len(entries), Size: size, Digest: digester.Digest()}
	log.Info().Str("path", dest).Int("entries", res.Entries).Str("digest", res.Digest.String()).Msg("wrote tarball")
	return res, nil
}

func (o Options) matcher() (*patternmatcher.PatternMatcher, error) {
	patterns := append([]string(nil), o.Exclude...)
	if o.IgnoreFile != "" {
		p := o.IgnoreFile
		if !filepath.IsAbs(p) {
			p = filepath.Join(o.BaseDir, p)
		}
		more, err := readIgnoreFile(p)
		if err != nil {
			return nil, err
		}
		patterns = append(patterns, more...)
	}
	pm, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, errors.Wrap(err, "parse exclude patterns")
	}
	return pm, nil
}

func readIgnoreFile(p string) ([]string, error) {
	f, err := os.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "open ignore file")
	}
	defer f.Close()

	patterns, err := ignorefile.ReadAll(f)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return patterns, nil
}

type entry struct {
	// rel is slash separated and relative to BaseDir
	rel  string
	full string
	fi   os.FileInfo
}

func collect(ctx context.Context, opts Options, pm *patternmatcher.PatternMatcher) ([]entry, error) {
	var entries []entry
	seen := make(map[string]bool)
	for _, p := range opts.Paths {
		root := filepath.Join(opts.BaseDir, p)
		if _, err := os.Lstat(root); err != nil {
			if os.IsNotExist(err) {
				return nil, errors.Wrap(ErrMissingPath, p)
			}
			return nil, errors.Wrapf(err, "stat %s", p)
		}
		err := filepath.Walk(root, func(full string, fi os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(opts.BaseDir, full)
			if err != nil {
				return err
			}
			rel = filepath.ToSlash(rel)
			excluded, err := pm.MatchesOrParentMatches(rel)
			if err != nil {
				return errors.Wrapf(err, "match %s", rel)
			}
			if excluded {
				if fi.IsDir() && !pm.Exclusions() {
					return filepath.SkipDir
				}
				return nil
			}
			if seen[rel] {
				return nil
			}
			seen[rel] = true
			entries = append(entries, entry{rel: rel, full: full, fi: fi})
			return nil
		})
		if err != nil {
			return nil, errors.Wrapf(err, "walk %s", p)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].rel < entries[j].rel })
	return entries, nil
}

func write(ctx context.Context, w io.Writer, opts Options, entries []entry) error {
	var cw io.WriteCloser
	switch opts.Compression {
	case "", Gzip:
		gw, err := gzip.NewWriterLevel(w, gzip.BestCompression)
		if err != nil {
			return err
		}
		cw = gw
	case XZ:
		xw, err := xz.NewWriter(w)
		if err != nil {
			return errors.Wrap(err, "create xz writer")
		}
		cw = xw
	default:
		return errors.Wrap(ErrUnknownCompression, opts.Compression)
	}

	tw := tar.NewWriter(cw)
	prefix := opts.Prefix()
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := writeEntry(tw, prefix, e, opts.SourceDateEpoch); err != nil {
			return errors.Wrapf(err, "add %s", e.rel)
		}
	}
	if err := tw.Close(); err != nil {
		return errors.Wrap(err, "close tar")
	}
	return errors.Wrap(cw.Close(), "close compressor")
}

func writeEntry(tw *tar.Writer, prefix string, e entry, epoch *time.Time) error {
	var link string
	if e.fi.Mode()&os.ModeSymlink != 0 {
		var err error
		if link, err = os.Readlink(e.full); err != nil {
			return err
		}
	}
	hdr, err := tar.FileInfoHeader(e.fi, link)
	if err != nil {
		return err
	}
	hdr.Name = path.Join(prefix, e.rel)
	if e.fi.IsDir() {
		hdr.Name += "/"
	}
	hdr.Uid, hdr.Gid = 0, 0
	hdr.Uname, hdr.Gname = "root", "root"
	hdr.ModTime = hdr.ModTime.Truncate(time.Second)
	if epoch != nil && hdr.ModTime.After(*epoch) {
		hdr.ModTime = *epoch
	}
	hdr.AccessTime, hdr.ChangeTime = time.Time{}, time.Time{}
	if !strings.HasPrefix(hdr.Name, prefix+"/") {
		return errors.Errorf("entry %s escapes %s", hdr.Name, prefix)
	}

	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	if !e.fi.Mode().IsRegular() {
		return nil
	}
	f, err := os.Open(e.full)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
