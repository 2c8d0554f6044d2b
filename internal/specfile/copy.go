package specfile

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/StackStorm/rpmstage/internal/fsutil"
	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/pkg/errors"
)

// Copy places src in specsDir under its own base name and returns the new
// path. The destination is replaced atomically.
func Copy(ctx context.Context, src, specsDir string) (string, error) {
	in, err := os.Open(src)
	if err != nil {
		return "", errors.Wrap(err, "open spec")
	}
	defer in.Close()

	dest := filepath.Join(specsDir, filepath.Base(src))
	if err := fsutil.WriteAtomic(dest, 0644, func(w io.Writer) error {
		_, err := io.Copy(w, in)
		return errors.Wrap(err, "copy spec")
	}); err != nil {
		return "", err
	}
	logging.FromContext(ctx).Debug().Str("path", dest).Msg("copied spec")
	return dest, nil
}
