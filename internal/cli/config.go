package cli

import (
	"os"

	"github.com/StackStorm/rpmstage/internal/config"
	"github.com/StackStorm/rpmstage/internal/stage"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// configFlags are shared by every command that reads the manifest.
type configFlags struct {
	path       string
	root       string
	version    string
	release    string
	backend    string
	components []string
}

func (f *configFlags) bind(fs *pflag.FlagSet) {
	fs.StringVarP(&f.path, "config", "c", "", "manifest `FILE` (default "+config.DefaultFile+" if present)")
	fs.StringVar(&f.root, "root", "", "rpmbuild top directory (default "+config.DefaultRoot+")")
	fs.StringVar(&f.version, "version", "", "package version (default "+config.DefaultVersion+")")
	fs.StringVar(&f.release, "release", "", "package release (default "+config.DefaultRelease+")")
	fs.StringVar(&f.backend, "backend", "", "packaging backend: rpmbuild or native")
	fs.StringArrayVar(&f.components, "component", nil, "only handle this `NAME`; repeatable")
}

func (f *configFlags) load() (*config.Config, error) {
	cfg, err := config.Load(f.path, config.Overrides{
		Root:       f.root,
		Version:    f.version,
		Release:    f.release,
		Backend:    f.backend,
		Components: f.components,
	}, os.Getenv)
	// A bad flag value is reported like any other bad flag.
	if errors.Cause(err) == config.ErrInvalid && f.overrides() {
		return nil, &usageError{err: err}
	}
	return cfg, err
}

func (f *configFlags) overrides() bool {
	return f.root != "" || f.version != "" || f.release != "" || f.backend != ""
}

func (f *configFlags) pipeline(dryRun bool) (*stage.Pipeline, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	return &stage.Pipeline{Config: cfg, DryRun: dryRun}, nil
}
