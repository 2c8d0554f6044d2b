// Package rpmbuild runs the external rpmbuild program against a staged
// top directory and collects the packages it produces.
package rpmbuild

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// TopDirDefine is the macro rpmbuild resolves every other directory from.
	TopDirDefine    = "_topdir"
	SourceDirDefine = "_sourcedir"
	SpecDirDefine   = "_specdir"

	DefaultBinary = "rpmbuild"
	DefaultMode   = "-ba"
)

// ErrNotFound is returned when the rpmbuild binary is not on PATH.
var ErrNotFound = errors.New("rpmbuild not found; install rpm-build or switch to the native backend")

var goArchToRpmArch = map[string]string{
	"amd64": "x86_64",
	"arm64": "aarch64",
	"386":   "i686",
}

// Command is one program invocation.
type Command struct {
	Path string
	Args []string
	Dir  string
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Runner executes commands. ExecRunner is the real one.
type Runner interface {
	Run(ctx context.Context, cmd Command) error
}

// ExitError reports a command that ran and exited non-zero.
type ExitError struct {
	Command string
	Code    int
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s exited with status %d", e.Command, e.Code)
}

// ExecRunner runs commands as child processes and logs their output line
// by line.
type ExecRunner struct{}

// Run starts cmd and waits for it.
func (ExecRunner) Run(ctx context.Context, c Command) error {
	log := logging.FromContext(ctx)

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "stderr pipe")
	}

	log.Debug().Str("dir", c.Dir).Msg(c.String())
	if err := cmd.Start(); err != nil {
		return errors.Wrapf(err, "start %s", c.Path)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go stream(&wg, stdout, log, zerolog.InfoLevel, "stdout")
	go stream(&wg, stderr, log, zerolog.WarnLevel, "stderr")
	// Wait closes the pipes, so drain them first.
	wg.Wait()

	err = cmd.Wait()
	if err == nil {
		return nil
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) && ee.ExitCode() > 0 {
		return &ExitError{Command: filepath.Base(c.Path), Code: ee.ExitCode()}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.Wrapf(err, "run %s", c.Path)
}

func stream(wg *sync.WaitGroup, r io.Reader, log *zerolog.Logger, level zerolog.Level, name string) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.WithLevel(level).Str("stream", name).Msg(sc.Text())
	}
	// keep draining after an overlong line so the child never blocks
	io.Copy(io.Discard, r)
}

// Options controls one rpmbuild invocation.
type Options struct {
	Binary string
	// Mode is -ba, -bb or -bs.
	Mode       string
	Root       string
	SourcesDir string
	SpecsDir   string
	Spec       string
	// Arch is passed as --target when it differs from the host and is not noarch.
	Arch      string
	Defines   map[string]string
	ExtraArgs []string
}

func (o Options) binary() string {
	if o.Binary == "" {
		return DefaultBinary
	}
	return o.Binary
}

// Args builds the rpmbuild argument list for o.
func Args(o Options) []string {
	mode := o.Mode
	if mode == "" {
		mode = DefaultMode
	}
	args := []string{mode, "--define", TopDirDefine + " " + o.Root}
	if o.SourcesDir != "" && filepath.Clean(o.SourcesDir) != filepath.Join(o.Root, "SOURCES") {
		args = append(args, "--define", SourceDirDefine+" "+o.SourcesDir)
	}
	if o.SpecsDir != "" && filepath.Clean(o.SpecsDir) != filepath.Join(o.Root, "SPECS") {
		args = append(args, "--define", SpecDirDefine+" "+o.SpecsDir)
	}

	keys := make([]string, 0, len(o.Defines))
	for k := range o.Defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--define", k+" "+o.Defines[k])
	}

	if o.Arch != "" && o.Arch != "noarch" && o.Arch != HostArch() {
		args = append(args, "--target", o.Arch)
	}
	args = append(args, o.ExtraArgs...)
	return append(args, o.Spec)
}

// HostArch is the rpm name of the running architecture.
func HostArch() string {
	if a, ok := goArchToRpmArch[runtime.GOARCH]; ok {
		return a
	}
	return runtime.GOARCH
}

// Result lists the packages a build produced.
type Result struct {
	Packages []string `json:"packages"`
}

var lookPath = exec.LookPath

// Build runs rpmbuild for o and returns the packages written below the
// RPMS and SRPMS directories while it ran.
func Build(ctx context.Context, runner Runner, o Options) (Result, error) {
	bin, err := lookPath(o.binary())
	if err != nil {
		return Result{}, errors.Wrap(ErrNotFound, o.binary())
	}
	// rpmbuild runs from SPECS, which breaks relative paths.
	for _, p := range []*string{&o.Root, &o.SourcesDir, &o.SpecsDir, &o.Spec} {
		if *p == "" || filepath.IsAbs(*p) {
			continue
		}
		abs, err := filepath.Abs(*p)
		if err != nil {
			return Result{}, errors.Wrapf(err, "resolve %s", *p)
		}
		*p = abs
	}

	dir := o.SpecsDir
	if dir == "" {
		dir = filepath.Join(o.Root, "SPECS")
	}
	start := time.Now().Truncate(time.Second)
	cmd := Command{Path: bin, Args: Args(o), Dir: dir}
	if err := runner.Run(ctx, cmd); err != nil {
		return Result{}, err
	}

	var res Result
	for _, sub := range []string{"RPMS", "SRPMS"} {
		found, err := collect(filepath.Join(o.Root, sub), start)
		if err != nil {
			return Result{}, err
		}
		res.Packages = append(res.Packages, found...)
	}
	logging.FromContext(ctx).Info().Strs("packages", res.Packages).Msg("rpmbuild finished")
	return res, nil
}

func collect(dir string, since time.Time) ([]string, error) {
	var out []string
	err := filepath.Walk(dir, func(p string, fi os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if fi.Mode().IsRegular() && strings.HasSuffix(p, ".rpm") && !fi.ModTime().Before(since) {
			out = append(out, p)
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrapf(err, "scan %s", dir)
	}
	sort.Strings(out)
	return out, nil
}
