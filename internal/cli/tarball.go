package cli

import (
	"os"

	"github.com/StackStorm/rpmstage/internal/stage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type tarballFlags struct {
	configFlags
	dryRun bool
	json   bool
}

// NewTarballCommand creates the "tarball" command, which only writes the
// source archives into SOURCES.
func NewTarballCommand() *cobra.Command {
	flags := &tarballFlags{}
	cmd := &cobra.Command{
		Use:   "tarball",
		Short: "Archive every component into the SOURCES directory",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline(flags.dryRun)
			if err != nil {
				return err
			}
			cfg := p.Config
			if !flags.dryRun {
				if err := os.MkdirAll(cfg.SourcesDir, 0755); err != nil {
					return errors.Wrap(err, "create sources directory")
				}
			}
			report := stage.Report{Root: cfg.Root, Backend: cfg.Backend, DryRun: flags.dryRun}
			for _, comp := range cfg.Components {
				a, err := p.Tarball(cmd.Context(), comp)
				if err != nil {
					return &stage.StepError{Component: comp.Name, Step: stage.StepTarball, Err: err}
				}
				report.Components = append(report.Components, stage.ComponentReport{Name: comp.Name, Artifacts: []stage.Artifact{a}})
			}
			return printReport(cmd.OutOrStdout(), report, flags.json)
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "log what would be archived")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print the result as JSON")
	return cmd
}
