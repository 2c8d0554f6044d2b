// Package native builds a binary rpm from a staged spec and source tarball
// without calling rpmbuild. The tarball content is installed as is below the
// install prefix; %prep, %build and %install are not run.
package native

import (
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

	"github.com/StackStorm/rpmstage"
	"github.com/StackStorm/rpmstage/internal/fsutil"
	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/StackStorm/rpmstage/internal/specfile"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// ErrFileNotFound is returned for %files entries missing from the tarball.
var ErrFileNotFound = errors.New("file listed in %files not found")

// Options describes one native build.
type Options struct {
	// Spec is the spec file staged in SPECS.
	Spec string
	// Tarball is the source archive staged in SOURCES.
	Tarball string
	// RPMDir is the RPMS directory; packages go to RPMDir/<arch>.
	RPMDir string
	// InstallPrefix is where the tarball content is placed. It defaults to
	// the first Prefix of the spec.
	InstallPrefix string
	// Arch overrides the BuildArch of the spec.
	Arch string
	// Defines are extra macros, like rpmbuild --define.
	Defines map[string]string
	// Compressor is the payload compressor, gzip by default.
	Compressor string
	BuildHost  string
	// BuildTime defaults to now.
	BuildTime time.Time
}

// Artifact is a written package.
type Artifact struct {
	Path   string        `json:"path"`
	Files  int           `json:"files"`
	Digest digest.Digest `json:"digest"`
}

// Build writes the package described by opts.
func Build(ctx context.Context, opts Options) (Artifact, error) {
	log := logging.FromContext(ctx)

	spec, err := parseSpec(opts.Spec, opts.Defines)
	if err != nil {
		return Artifact{}, err
	}
	md, err := spec.Metadata()
	if err != nil {
		return Artifact{}, errors.Wrap(err, "spec metadata")
	}
	if opts.Arch != "" {
		md.Arch = opts.Arch
	}
	if md.Arch == "" {
		md.Arch = "noarch"
	}
	md.Compressor = opts.Compressor
	md.BuildHost = opts.BuildHost
	if md.BuildHost == "" {
		md.BuildHost, _ = os.Hostname()
	}
	md.BuildTime = opts.BuildTime
	if md.BuildTime.IsZero() {
		md.BuildTime = time.Now()
	}

	prefix := opts.InstallPrefix
	if prefix == "" && len(spec.Prefixes) > 0 {
		prefix = spec.Prefixes[0]
	}
	if prefix == "" {
		return Artifact{}, errors.New("no install prefix: set one or add a Prefix tag to the spec")
	}
	prefix = path.Clean("/" + prefix)

	pkg, err := fromTarball(opts.Tarball, md, prefix)
	if err != nil {
		return Artifact{}, err
	}
	pkg.AddFile(rpmstage.File{Name: prefix, Mode: 040755, Owner: "root", Group: "root", MTime: uint32(md.BuildTime.Unix())})
	if err := applyFiles(ctx, pkg, spec.Files, md.BuildTime); err != nil {
		return Artifact{}, err
	}
	if err := applyScriptlets(pkg, spec.Scriptlets); err != nil {
		return Artifact{}, err
	}

	if err := ctx.Err(); err != nil {
		return Artifact{}, err
	}
	dir := filepath.Join(opts.RPMDir, md.Arch)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Artifact{}, errors.Wrap(err, "create rpm directory")
	}
	dest := filepath.Join(dir, pkg.FileName())
	digester := digest.Canonical.Digester()
	err = fsutil.WriteAtomic(dest, 0644, func(w io.Writer) error {
		return errors.Wrap(pkg.Write(io.MultiWriter(w, digester.Hash())), "write rpm")
	})
	if err != nil {
		return Artifact{}, err
	}
	if err := pkg.VerifyRequiredTags(); err != nil {
		os.Remove(dest)
		return Artifact{}, errors.Wrapf(err, "verify %s", dest)
	}

	a := Artifact{Path: dest, Files: len(pkg.Files()), Digest: digester.Digest()}
	log.Info().Str("path", dest).Int("files", a.Files).Str("digest", a.Digest.String()).Msg("wrote rpm")
	return a, nil
}

func parseSpec(p string, defines map[string]string) (*specfile.Spec, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "open spec")
	}
	defer f.Close()
	spec, err := (&specfile.Parser{Defines: defines}).Parse(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", p)
	}
	return spec, nil
}

func fromTarball(p string, md rpmstage.Metadata, prefix string) (*rpmstage.Package, error) {
	f, err := os.Open(p)
	if err != nil {
		return nil, errors.Wrap(err, "open tarball")
	}
	defer f.Close()
	pkg, err := rpmstage.FromTar(f, md, rpmstage.TarOptions{
		StripComponents: 1,
		Root:            prefix,
		Owner:           "root",
		Group:           "root",
	})
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", p)
	}
	return pkg, nil
}

// applyFiles maps %files directives onto the packaged files. Exclusions go
// first so a later directive cannot bring an excluded file back.
func applyFiles(ctx context.Context, pkg *rpmstage.Package, entries []specfile.FileEntry, mtime time.Time) error {
	log := logging.FromContext(ctx)

	sorted := append([]specfile.FileEntry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Exclude && !sorted[j].Exclude })

	for _, e := range sorted {
		if !strings.HasPrefix(e.Path, "/") {
			log.Debug().Str("path", e.Path).Msg("skipping relative %files entry")
			continue
		}
		name := path.Clean(e.Path)
		if e.Exclude {
			n := pkg.RemoveFile(name)
			log.Debug().Str("path", name).Int("removed", n).Msg("excluded")
			continue
		}

		f, ok := pkg.File(name)
		switch {
		case ok:
		case e.Ghost:
			f = rpmstage.File{Name: name, Mode: 0100644, Owner: "root", Group: "root", MTime: uint32(mtime.Unix())}
		case e.Dir:
			f = rpmstage.File{Name: name, Mode: 040755, Owner: "root", Group: "root", MTime: uint32(mtime.Unix())}
		case hasChildren(pkg, name):
			// A directory implied by its content; nothing to adjust.
			continue
		default:
			return errors.Wrap(ErrFileNotFound, name)
		}

		f.Type |= e.Type()
		mode, set, err := e.FileMode()
		if err != nil {
			return err
		}
		if set {
			f.Mode = f.Mode&^07777 | mode
		}
		if e.Owner != "" {
			f.Owner = e.Owner
		}
		if e.Group != "" {
			f.Group = e.Group
		}
		pkg.AddFile(f)
	}
	return nil
}

func hasChildren(pkg *rpmstage.Package, dir string) bool {
	for _, f := range pkg.Files() {
		if strings.HasPrefix(f, dir+"/") {
			return true
		}
	}
	return false
}

func applyScriptlets(pkg *rpmstage.Package, scriptlets map[string]specfile.Scriptlet) error {
	for name, s := range scriptlets {
		if err := pkg.AddScriptlet(name, s.Body); err != nil {
			return err
		}
		if s.Interpreter == "" {
			continue
		}
		if err := pkg.SetScriptletInterpreterFor(name, s.Interpreter); err != nil {
			return err
		}
	}
	return nil
}
