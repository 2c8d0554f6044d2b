// Package stage runs the rpm target: it prepares the rpmbuild top directory,
// stages the source tarball and spec of every component and packages them.
package stage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/StackStorm/rpmstage/internal/config"
	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/StackStorm/rpmstage/internal/native"
	"github.com/StackStorm/rpmstage/internal/rpmbuild"
	"github.com/StackStorm/rpmstage/internal/source"
	"github.com/StackStorm/rpmstage/internal/specfile"
	"github.com/StackStorm/rpmstage/internal/tree"
	digest "github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

// Step names, as used in errors and logs.
const (
	StepSetupTree = "setuptree"
	StepTarball   = "tarball"
	StepCopySpec  = "copy spec"
	StepPackage   = "package"
)

// StepError ties a failure to the component and step it happened in.
type StepError struct {
	Component string
	Step      string
	Err       error
}

func (e *StepError) Error() string {
	if e.Component == "" {
		return fmt.Sprintf("%s: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Component, e.Step, e.Err)
}

// Cause lets errors.Cause reach the underlying error.
func (e *StepError) Cause() error { return e.Err }

func (e *StepError) Unwrap() error { return e.Err }

// Artifact is a file produced by a step.
type Artifact struct {
	Kind   string        `json:"kind"`
	Path   string        `json:"path"`
	Digest digest.Digest `json:"digest,omitempty"`
}

// Artifact kinds.
const (
	KindTarball = "tarball"
	KindSpec    = "spec"
	KindRPM     = "rpm"
	KindSRPM    = "srpm"
)

// ComponentReport lists what was staged and built for one component.
type ComponentReport struct {
	Name      string     `json:"name"`
	Artifacts []Artifact `json:"artifacts"`
}

// Report is the outcome of Run.
type Report struct {
	Root       string            `json:"root"`
	Backend    string            `json:"backend"`
	DryRun     bool              `json:"dry_run,omitempty"`
	Components []ComponentReport `json:"components"`
}

// Pipeline holds everything a run needs. Config is expected to be loaded
// with config.Load, so defaults are filled and paths expanded.
type Pipeline struct {
	Config *config.Config
	// Runner runs rpmbuild. It defaults to rpmbuild.ExecRunner.
	Runner rpmbuild.Runner
	// DryRun logs every step without touching the filesystem.
	DryRun bool
	// Now is used as the native build time; defaults to time.Now.
	Now func() time.Time
}

func (p *Pipeline) runner() rpmbuild.Runner {
	if p.Runner == nil {
		return rpmbuild.ExecRunner{}
	}
	return p.Runner
}

func (p *Pipeline) now() time.Time {
	if p.Now == nil {
		return time.Now()
	}
	return p.Now()
}

// Run stages and packages every configured component in order and stops at
// the first failure.
func (p *Pipeline) Run(ctx context.Context) (Report, error) {
	cfg := p.Config
	report := Report{Root: cfg.Root, Backend: cfg.Backend, DryRun: p.DryRun}

	if _, err := p.SetupTree(ctx); err != nil {
		return report, &StepError{Step: StepSetupTree, Err: err}
	}
	for _, comp := range cfg.Components {
		cr, err := p.component(ctx, comp)
		report.Components = append(report.Components, cr)
		if err != nil {
			return report, err
		}
	}
	return report, nil
}

func (p *Pipeline) component(ctx context.Context, comp config.Component) (ComponentReport, error) {
	log := logging.FromContext(ctx).With().Str("component", comp.Name).Logger()
	ctx = logging.WithLogger(ctx, &log)
	cr := ComponentReport{Name: comp.Name}

	tarball, err := p.Tarball(ctx, comp)
	if err != nil {
		return cr, &StepError{Component: comp.Name, Step: StepTarball, Err: err}
	}
	cr.Artifacts = append(cr.Artifacts, tarball)

	spec, err := p.CopySpec(ctx, comp)
	if err != nil {
		return cr, &StepError{Component: comp.Name, Step: StepCopySpec, Err: err}
	}
	cr.Artifacts = append(cr.Artifacts, spec)

	pkgs, err := p.Package(ctx, comp)
	if err != nil {
		return cr, &StepError{Component: comp.Name, Step: StepPackage, Err: err}
	}
	cr.Artifacts = append(cr.Artifacts, pkgs...)
	return cr, nil
}

// Layout is the top directory layout of the configured root.
func (p *Pipeline) Layout() tree.Layout {
	l := tree.New(p.Config.Root)
	l.Sources = p.Config.SourcesDir
	l.Specs = p.Config.SpecsDir
	return l
}

// SetupTree creates the rpmbuild directories, including relocated SOURCES
// and SPECS directories.
func (p *Pipeline) SetupTree(ctx context.Context) (tree.Layout, error) {
	log := logging.FromContext(ctx)
	l := p.Layout()
	if p.DryRun {
		log.Info().Str("root", l.Root).Msg("would create rpmbuild tree")
		return l, nil
	}
	if _, err := tree.Setup(ctx, l.Root); err != nil {
		return l, err
	}
	for _, dir := range []string{l.Sources, l.Specs} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return l, errors.Wrapf(err, "create %s", dir)
		}
	}
	return l, nil
}

// Tarball archives the component sources into the SOURCES directory.
func (p *Pipeline) Tarball(ctx context.Context, comp config.Component) (Artifact, error) {
	cfg := p.Config
	opts := source.Options{
		Name:        comp.Name,
		Version:     cfg.Version,
		BaseDir:     cfg.BaseDir,
		Paths:       comp.Paths,
		Exclude:     comp.Exclude,
		IgnoreFile:  comp.IgnoreFile,
		DestDir:     cfg.SourcesDir,
		FileName:    cfg.Tarball(comp.Name),
		Compression: cfg.Compression,
	}
	if cfg.SourceEpoch != nil {
		t := time.Unix(*cfg.SourceEpoch, 0).UTC()
		opts.SourceDateEpoch = &t
	}
	path := filepath.Join(opts.DestDir, opts.FileName)
	if p.DryRun {
		logging.FromContext(ctx).Info().
			Str("path", path).
			Str("prefix", opts.Prefix()).
			Strs("paths", opts.Paths).
			Msg("would write tarball")
		return Artifact{Kind: KindTarball, Path: path}, nil
	}
	res, err := source.Archive(ctx, opts)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Kind: KindTarball, Path: res.Path, Digest: res.Digest}, nil
}

// SpecPath resolves the spec of comp against the base directory.
func (p *Pipeline) SpecPath(comp config.Component) string {
	if filepath.IsAbs(comp.Spec) {
		return comp.Spec
	}
	return filepath.Join(p.Config.BaseDir, comp.Spec)
}

// StagedSpec is where CopySpec puts the spec of comp.
func (p *Pipeline) StagedSpec(comp config.Component) string {
	return filepath.Join(p.Config.SpecsDir, filepath.Base(comp.Spec))
}

// CopySpec copies the component spec into the SPECS directory.
func (p *Pipeline) CopySpec(ctx context.Context, comp config.Component) (Artifact, error) {
	src := p.SpecPath(comp)
	if p.DryRun {
		logging.FromContext(ctx).Info().Str("from", src).Str("to", p.StagedSpec(comp)).Msg("would copy spec")
		return Artifact{Kind: KindSpec, Path: p.StagedSpec(comp)}, nil
	}
	dest, err := specfile.Copy(ctx, src, p.Config.SpecsDir)
	if err != nil {
		return Artifact{}, err
	}
	d, err := fileDigest(dest)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Kind: KindSpec, Path: dest, Digest: d}, nil
}

// Package builds the staged component with the configured backend.
func (p *Pipeline) Package(ctx context.Context, comp config.Component) ([]Artifact, error) {
	cfg := p.Config
	log := logging.FromContext(ctx)
	spec := p.StagedSpec(comp)

	if cfg.Backend == config.BackendNative {
		opts := native.Options{
			Spec:          spec,
			Tarball:       filepath.Join(cfg.SourcesDir, cfg.Tarball(comp.Name)),
			RPMDir:        filepath.Join(cfg.Root, "RPMS"),
			InstallPrefix: comp.InstallPrefix,
			Arch:          cfg.Arch,
			Defines:       p.defines(),
			BuildTime:     p.now(),
		}
		if p.DryRun {
			log.Info().Str("spec", spec).Str("tarball", opts.Tarball).Msg("would build rpm natively")
			return nil, nil
		}
		a, err := native.Build(ctx, opts)
		if err != nil {
			return nil, err
		}
		return []Artifact{{Kind: KindRPM, Path: a.Path, Digest: a.Digest}}, nil
	}

	extra, err := cfg.ExtraArgs()
	if err != nil {
		return nil, errors.Wrap(err, "rpmbuild args")
	}
	opts := rpmbuild.Options{
		Binary:     cfg.RPMBuild.Binary,
		Mode:       cfg.RPMBuild.Mode,
		Root:       cfg.Root,
		SourcesDir: cfg.SourcesDir,
		SpecsDir:   cfg.SpecsDir,
		Spec:       spec,
		Arch:       cfg.Arch,
		Defines:    cfg.RPMBuild.Defines,
		ExtraArgs:  extra,
	}
	if p.DryRun {
		log.Info().Strs("args", rpmbuild.Args(opts)).Msg("would run " + opts.Binary)
		return nil, nil
	}
	res, err := rpmbuild.Build(ctx, p.runner(), opts)
	if err != nil {
		return nil, err
	}
	out := make([]Artifact, 0, len(res.Packages))
	for _, pkg := range res.Packages {
		d, err := fileDigest(pkg)
		if err != nil {
			return nil, err
		}
		kind := KindRPM
		if filepath.Base(filepath.Dir(pkg)) == "SRPMS" {
			kind = KindSRPM
		}
		out = append(out, Artifact{Kind: kind, Path: pkg, Digest: d})
	}
	return out, nil
}

// defines are the rpmbuild defines plus the directory macros rpmbuild
// would set for the staged tree.
func (p *Pipeline) defines() map[string]string {
	cfg := p.Config
	out := map[string]string{
		rpmbuild.TopDirDefine:    cfg.Root,
		rpmbuild.SourceDirDefine: cfg.SourcesDir,
		rpmbuild.SpecDirDefine:   cfg.SpecsDir,
	}
	for k, v := range cfg.RPMBuild.Defines {
		out[k] = v
	}
	return out
}

func fileDigest(p string) (digest.Digest, error) {
	f, err := os.Open(p)
	if err != nil {
		return "", errors.Wrap(err, "open for digest")
	}
	defer f.Close()
	d, err := digest.Canonical.FromReader(f)
	if err != nil {
		return "", errors.Wrapf(err, "digest %s", p)
	}
	return d, nil
}
