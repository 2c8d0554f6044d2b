// Package cli implements the rpmstage commands.
//
// Every subcommand lives in its own file and is built by a NewXCommand
// constructor, so tests can create a fresh command tree per case.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/StackStorm/rpmstage/internal/logging"
	"github.com/StackStorm/rpmstage/internal/rpmbuild"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Exit codes other than the ones passed through from rpmbuild.
const (
	ExitOK      = 0
	ExitFailure = 1
	ExitUsage   = 2
)

type globalFlags struct {
	logLevel string
	verbose  bool
}

// usageError marks errors caused by bad flags or arguments.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func usageErrorf(format string, args ...interface{}) error {
	return &usageError{err: fmt.Errorf(format, args...)}
}

// usageArgs turns a positional argument check into a usage error.
func usageArgs(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, args []string) error {
		if err := check(cmd, args); err != nil {
			return &usageError{err: err}
		}
		return nil
	}
}

// NewRootCommand builds the rpmstage command tree.
func NewRootCommand() *cobra.Command {
	g := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "rpmstage",
		Short: "Stage StackStorm components and build their rpms",
		Long: `rpmstage prepares an rpmbuild top directory, archives a component into
SOURCES, copies its spec into SPECS and runs rpmbuild on it.

Without a configuration file it packages st2common version 0.4.0 from the
current directory into ~/rpmbuild, like "make rpm" does.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return setupLogging(cmd, g)
		},
	}
	cmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return &usageError{err: err}
	})

	cmd.PersistentFlags().StringVar(&g.logLevel, "log-level", "info", "log level: trace, debug, info, warn or error")
	cmd.PersistentFlags().BoolVarP(&g.verbose, "verbose", "v", false, "log at debug level")

	cmd.AddCommand(NewRPMCommand())
	cmd.AddCommand(NewSetupTreeCommand())
	cmd.AddCommand(NewTarballCommand())
	cmd.AddCommand(NewSpecCommand())
	cmd.AddCommand(NewPackCommand())
	return cmd
}

func setupLogging(cmd *cobra.Command, g *globalFlags) error {
	level := g.logLevel
	if g.verbose {
		level = zerolog.DebugLevel.String()
	}
	log, err := logging.New(cmd.ErrOrStderr(), level)
	if err != nil {
		return &usageError{err: err}
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	cmd.SetContext(logging.WithLogger(ctx, &log))
	return nil
}

// Execute runs cmd and returns the process exit status. Errors are
// printed to stderr on a single line.
func Execute(ctx context.Context, cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	if err == nil {
		return ExitOK
	}
	printError(cmd.ErrOrStderr(), err)
	return ExitCode(err)
}

// ExitCode maps an error returned by a command to an exit status.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var ee *rpmbuild.ExitError
	if errors.As(err, &ee) && ee.Code > 0 {
		return ee.Code
	}
	var ue *usageError
	if errors.As(err, &ue) || strings.HasPrefix(err.Error(), "unknown command") {
		return ExitUsage
	}
	return ExitFailure
}

func printError(w io.Writer, err error) {
	msg := strings.Join(strings.Fields(err.Error()), " ")
	fmt.Fprintf(w, "rpmstage: %s\n", msg)
	var ue *usageError
	if errors.As(err, &ue) {
		fmt.Fprintln(w, `Run "rpmstage --help" for usage.`)
	}
}
