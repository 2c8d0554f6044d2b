// Package config loads the rpmstage manifest and applies environment and
// command line overrides on top of it.
package config

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/shlex"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/shell"
)

// DefaultFile is the manifest looked up when no path is given.
const DefaultFile = "rpmstage.yaml"

const (
	DefaultRoot        = "~/rpmbuild"
	DefaultVersion     = "0.4.0"
	DefaultRelease     = "1"
	DefaultComponent   = "st2common"
	DefaultIgnoreFile  = ".rpmignore"
	DefaultBinary      = "rpmbuild"
	DefaultMode        = "-ba"
	DefaultBackend     = BackendRPMBuild
	DefaultCompression = CompressionGzip
)

const (
	BackendRPMBuild = "rpmbuild"
	BackendNative   = "native"

	CompressionGzip = "gzip"
	CompressionXZ   = "xz"
)

// Environment variables consulted by Load.
const (
	EnvRoot    = "RPMSTAGE_ROOT"
	EnvVersion = "RPMSTAGE_VERSION"
	EnvRelease = "RPMSTAGE_RELEASE"
	EnvBackend = "RPMSTAGE_BACKEND"
)

var (
	// ErrInvalid is the cause of every validation failure.
	ErrInvalid = errors.New("invalid configuration")
	// ErrUnknownComponent is returned by Select for names not in the manifest.
	ErrUnknownComponent = errors.New("unknown component")
)

var (
	validBackends     = map[string]bool{BackendRPMBuild: true, BackendNative: true}
	validCompressions = map[string]bool{CompressionGzip: true, CompressionXZ: true}
	validModes        = map[string]bool{"-ba": true, "-bb": true, "-bs": true}
)

// Config is the resolved manifest.
type Config struct {
	Root        string      `yaml:"root"`
	SourcesDir  string      `yaml:"sources_dir"`
	SpecsDir    string      `yaml:"specs_dir"`
	BaseDir     string      `yaml:"base_dir"`
	Version     string      `yaml:"version"`
	Release     string      `yaml:"release"`
	Arch        string      `yaml:"arch"`
	Backend     string      `yaml:"backend"`
	Compression string      `yaml:"compression"`
	SourceEpoch *int64      `yaml:"source_date_epoch"`
	Components  []Component `yaml:"components"`
	RPMBuild    RPMBuild    `yaml:"rpmbuild"`
}

// Component is one directory tree turned into a package.
type Component struct {
	Name          string   `yaml:"name"`
	Paths         []string `yaml:"paths"`
	Spec          string   `yaml:"spec"`
	Exclude       []string `yaml:"exclude"`
	IgnoreFile    string   `yaml:"ignore_file"`
	InstallPrefix string   `yaml:"install_prefix"`
}

// RPMBuild configures the external rpmbuild invocation.
type RPMBuild struct {
	Binary  string            `yaml:"binary"`
	Mode    string            `yaml:"mode"`
	Args    string            `yaml:"args"`
	Defines map[string]string `yaml:"defines"`
}

// Overrides holds values given on the command line. Empty fields are ignored.
type Overrides struct {
	Root       string
	Version    string
	Release    string
	Backend    string
	Components []string
}

// Getenv looks up an environment variable. os.Getenv satisfies it.
type Getenv func(string) string

// Load reads the manifest at path, applies environment overrides and ov,
// fills defaults, expands variables and validates the result. An empty path
// reads DefaultFile if it exists and otherwise starts from the defaults.
func Load(path string, ov Overrides, getenv Getenv) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &Config{}
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := cfg.decode(bytes.NewReader(data)); err != nil {
			return nil, errors.Wrapf(err, "parse %s", path)
		}
		if cfg.BaseDir == "" {
			cfg.BaseDir = filepath.Dir(path)
		} else if !filepath.IsAbs(cfg.BaseDir) && !strings.HasPrefix(cfg.BaseDir, "~") && !strings.HasPrefix(cfg.BaseDir, "$") {
			cfg.BaseDir = filepath.Join(filepath.Dir(path), cfg.BaseDir)
		}
	case os.IsNotExist(err) && !explicit:
	default:
		return nil, errors.Wrap(err, "read config")
	}

	cfg.applyEnv(getenv)
	if err := cfg.apply(ov); err != nil {
		return nil, err
	}
	cfg.FillDefaults()
	if err := cfg.expand(getenv); err != nil {
		return nil, err
	}
	if err := cfg.absolute(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// absolute anchors the tree and checkout directories at the working
// directory. rpmbuild runs from SPECS, so relative paths would resolve
// against the wrong directory.
func (c *Config) absolute() error {
	for _, p := range []*string{&c.Root, &c.SourcesDir, &c.SpecsDir, &c.BaseDir} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return errors.Wrapf(err, "resolve %s", *p)
		}
		*p = abs
	}
	return nil
}

// Parse decodes a manifest from r without applying overrides.
func Parse(r io.Reader) (*Config, error) {
	cfg := &Config{}
	if err := cfg.decode(r); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && err != io.EOF {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv Getenv) {
	if v := getenv(EnvRoot); v != "" {
		c.Root = v
		// A relocated root drags the derived directories with it.
		c.SourcesDir, c.SpecsDir = "", ""
	}
	if v := getenv(EnvVersion); v != "" {
		c.Version = v
	}
	if v := getenv(EnvRelease); v != "" {
		c.Release = v
	}
	if v := getenv(EnvBackend); v != "" {
		c.Backend = v
	}
}

func (c *Config) apply(ov Overrides) error {
	if ov.Root != "" {
		c.Root = ov.Root
		c.SourcesDir, c.SpecsDir = "", ""
	}
	if ov.Version != "" {
		c.Version = ov.Version
	}
	if ov.Release != "" {
		c.Release = ov.Release
	}
	if ov.Backend != "" {
		c.Backend = ov.Backend
	}
	if len(ov.Components) > 0 {
		if len(c.Components) == 0 {
			c.Components = []Component{{Name: DefaultComponent}}
		}
		selected, err := c.Select(ov.Components)
		if err != nil {
			return err
		}
		c.Components = selected
	}
	return nil
}

// FillDefaults sets every empty field to its default value.
func (c *Config) FillDefaults() {
	if c.Root == "" {
		c.Root = DefaultRoot
	}
	if c.SourcesDir == "" {
		c.SourcesDir = filepath.Join(c.Root, "SOURCES")
	}
	if c.SpecsDir == "" {
		c.SpecsDir = filepath.Join(c.Root, "SPECS")
	}
	if c.BaseDir == "" {
		c.BaseDir = "."
	}
	if c.Version == "" {
		c.Version = DefaultVersion
	}
	if c.Release == "" {
		c.Release = DefaultRelease
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.Compression == "" {
		c.Compression = DefaultCompression
	}
	if len(c.Components) == 0 {
		c.Components = []Component{{Name: DefaultComponent}}
	}
	for i := range c.Components {
		c.Components[i].fillDefaults()
	}
	if c.RPMBuild.Binary == "" {
		c.RPMBuild.Binary = DefaultBinary
	}
	if c.RPMBuild.Mode == "" {
		c.RPMBuild.Mode = DefaultMode
	}
}

func (comp *Component) fillDefaults() {
	if len(comp.Paths) == 0 {
		comp.Paths = []string{"bin", comp.Name, "setup.py", "requirements.txt"}
	}
	if comp.Spec == "" {
		comp.Spec = filepath.Join("packaging", "rpm", comp.Name+".spec")
	}
	if comp.IgnoreFile == "" {
		comp.IgnoreFile = DefaultIgnoreFile
	}
	if comp.InstallPrefix == "" {
		comp.InstallPrefix = "/opt/stackstorm/" + comp.Name
	}
}

func (c *Config) expand(getenv Getenv) error {
	env := func(name string) string { return getenv(name) }
	fields := []*string{&c.Root, &c.SourcesDir, &c.SpecsDir, &c.BaseDir}
	for i := range c.Components {
		fields = append(fields, &c.Components[i].Spec, &c.Components[i].IgnoreFile, &c.Components[i].InstallPrefix)
	}
	for _, f := range fields {
		v, err := expandValue(*f, env)
		if err != nil {
			return err
		}
		*f = v
	}
	for k, v := range c.RPMBuild.Defines {
		expanded, err := expandValue(v, env)
		if err != nil {
			return errors.Wrapf(err, "define %s", k)
		}
		c.RPMBuild.Defines[k] = expanded
	}
	return nil
}

func expandValue(s string, env func(string) string) (string, error) {
	if s == "~" || strings.HasPrefix(s, "~/") {
		home := env("HOME")
		if home == "" {
			var err error
			if home, err = os.UserHomeDir(); err != nil {
				return "", errors.Wrapf(err, "expand %q", s)
			}
		}
		s = home + s[1:]
	}
	if !strings.Contains(s, "$") {
		return s, nil
	}
	out, err := shell.Expand(s, env)
	if err != nil {
		return "", errors.Wrapf(err, "expand %q", s)
	}
	return out, nil
}

// Validate reports the first problem found in c. It expects defaults to be filled.
func (c *Config) Validate() error {
	if c.Version == "" {
		return errors.Wrap(ErrInvalid, "version is empty")
	}
	if strings.Contains(c.Version, "-") {
		return errors.Wrapf(ErrInvalid, "version %q contains '-'", c.Version)
	}
	if strings.Contains(c.Release, "-") {
		return errors.Wrapf(ErrInvalid, "release %q contains '-'", c.Release)
	}
	if !validBackends[c.Backend] {
		return errors.Wrapf(ErrInvalid, "unknown backend %q (want one of %s)", c.Backend, keys(validBackends))
	}
	if !validCompressions[c.Compression] {
		return errors.Wrapf(ErrInvalid, "unknown compression %q (want one of %s)", c.Compression, keys(validCompressions))
	}
	if !validModes[c.RPMBuild.Mode] {
		return errors.Wrapf(ErrInvalid, "unknown rpmbuild mode %q (want one of %s)", c.RPMBuild.Mode, keys(validModes))
	}
	if _, err := shlex.Split(c.RPMBuild.Args); err != nil {
		return errors.Wrapf(ErrInvalid, "rpmbuild args: %v", err)
	}
	seen := make(map[string]bool)
	for _, comp := range c.Components {
		if comp.Name == "" {
			return errors.Wrap(ErrInvalid, "component without a name")
		}
		if strings.ContainsAny(comp.Name, "/ \t\n") {
			return errors.Wrapf(ErrInvalid, "component name %q contains '/' or whitespace", comp.Name)
		}
		if seen[comp.Name] {
			return errors.Wrapf(ErrInvalid, "duplicate component %q", comp.Name)
		}
		seen[comp.Name] = true
	}
	return nil
}

// Select returns the named components in manifest order.
func (c *Config) Select(names []string) ([]Component, error) {
	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}
	var out []Component
	for _, comp := range c.Components {
		if want[comp.Name] {
			out = append(out, comp)
			delete(want, comp.Name)
		}
	}
	if len(want) > 0 {
		return nil, errors.Wrapf(ErrUnknownComponent, "%s", keys(want))
	}
	return out, nil
}

// ExtraArgs splits the configured rpmbuild args the way a shell would.
func (c *Config) ExtraArgs() ([]string, error) {
	return shlex.Split(c.RPMBuild.Args)
}

// Tarball returns the archive file name for a component.
func (c *Config) Tarball(name string) string {
	ext := ".tar.gz"
	if c.Compression == CompressionXZ {
		ext = ".tar.xz"
	}
	return name + ext
}

func keys(m map[string]bool) string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return strings.Join(out, ", ")
}
