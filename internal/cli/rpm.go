package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/StackStorm/rpmstage/internal/stage"
	"github.com/spf13/cobra"
)

type rpmFlags struct {
	configFlags
	dryRun bool
	json   bool
}

// NewRPMCommand creates the "rpm" command, the whole staging target.
func NewRPMCommand() *cobra.Command {
	flags := &rpmFlags{}
	cmd := &cobra.Command{
		Use:   "rpm",
		Short: "Set up the tree, stage every component and build its rpm",
		Long: `Run the rpm target for every configured component, in order:

  1. create the rpmbuild directory tree
  2. archive the component into SOURCES/<name>.tar.gz
  3. copy its spec into SPECS
  4. build the package with rpmbuild (or the native backend)

The first failing step stops the run. When rpmbuild fails its exit status
becomes the exit status of rpmstage.`,
		Args: usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline(flags.dryRun)
			if err != nil {
				return err
			}
			report, err := p.Run(cmd.Context())
			if err != nil {
				return err
			}
			return printReport(cmd.OutOrStdout(), report, flags.json)
		},
	}
	flags.bind(cmd.Flags())
	cmd.Flags().BoolVarP(&flags.dryRun, "dry-run", "n", false, "log the steps without running them")
	cmd.Flags().BoolVar(&flags.json, "json", false, "print the report as JSON")
	return cmd
}

func printReport(w io.Writer, r stage.Report, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	for _, c := range r.Components {
		for _, a := range c.Artifacts {
			if a.Digest == "" {
				fmt.Fprintf(w, "%s\t%s\t%s\n", c.Name, a.Kind, a.Path)
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, a.Kind, a.Path, a.Digest)
		}
	}
	return nil
}
