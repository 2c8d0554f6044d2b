// Package fsutil holds small filesystem helpers shared by the build steps.
package fsutil

import (
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// WriteAtomic writes dest through a temporary file in the same directory,
// so readers never observe a partial file and a failed fill leaves nothing
// behind.
func WriteAtomic(dest string, mode os.FileMode, fill func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer func() {
		// both fail harmlessly once the rename happened
		tmp.Close()
		os.Remove(tmp.Name())
	}()

	if err := fill(tmp); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return errors.Wrapf(err, "sync %s", dest)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrapf(err, "close %s", dest)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return errors.Wrapf(err, "chmod %s", dest)
	}
	return errors.Wrapf(os.Rename(tmp.Name(), dest), "rename %s", dest)
}
