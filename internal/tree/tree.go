// Package tree creates the directory layout rpmbuild expects under its
// top directory, the same set rpmdev-setuptree creates.
package tree

import (
	"context"
	"os"
	"path/filepath"

	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/pkg/errors"
)

// ErrNotDir is returned when a layout path exists but is not a directory.
var ErrNotDir = errors.New("not a directory")

// Subdirs lists the directories created below the root, in creation order.
var Subdirs = []string{"BUILD", "BUILDROOT", "RPMS", "SOURCES", "SPECS", "SRPMS"}

// Layout holds the paths of an rpmbuild top directory.
type Layout struct {
	Root      string
	Build     string
	BuildRoot string
	RPMS      string
	Sources   string
	Specs     string
	SRPMS     string
}

// New returns the layout rooted at root without touching the filesystem.
func New(root string) Layout {
	return Layout{
		Root:      root,
		Build:     filepath.Join(root, "BUILD"),
		BuildRoot: filepath.Join(root, "BUILDROOT"),
		RPMS:      filepath.Join(root, "RPMS"),
		Sources:   filepath.Join(root, "SOURCES"),
		Specs:     filepath.Join(root, "SPECS"),
		SRPMS:     filepath.Join(root, "SRPMS"),
	}
}

// RPMDir is where binary packages for arch end up.
func (l Layout) RPMDir(arch string) string {
	return filepath.Join(l.RPMS, arch)
}

// Dirs returns every directory of the layout, root first.
func (l Layout) Dirs() []string {
	return []string{l.Root, l.Build, l.BuildRoot, l.RPMS, l.Sources, l.Specs, l.SRPMS}
}

// Setup creates the layout below root. Existing directories are left alone.
func Setup(ctx context.Context, root string) (Layout, error) {
	l := New(root)
	log := logging.FromContext(ctx)
	for _, dir := range l.Dirs() {
		if err := ctx.Err(); err != nil {
			return l, err
		}
		created, err := ensureDir(dir)
		if err != nil {
			return l, err
		}
		if created {
			log.Debug().Str("path", dir).Msg("created directory")
		}
	}
	return l, nil
}

func ensureDir(dir string) (bool, error) {
	fi, err := os.Stat(dir)
	switch {
	case err == nil:
		if !fi.IsDir() {
			return false, errors.Wrap(ErrNotDir, dir)
		}
		return false, nil
	case !os.IsNotExist(err):
		return false, errors.Wrapf(err, "stat %s", dir)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, errors.Wrapf(err, "create %s", dir)
	}
	return true, nil
}
