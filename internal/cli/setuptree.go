package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewSetupTreeCommand creates the "setuptree" command, the rpmdev-setuptree
// step on its own.
func NewSetupTreeCommand() *cobra.Command {
	flags := &configFlags{}
	cmd := &cobra.Command{
		Use:   "setuptree",
		Short: "Create the rpmbuild directory tree",
		Args:  usageArgs(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := flags.pipeline(false)
			if err != nil {
				return err
			}
			l, err := p.SetupTree(cmd.Context())
			if err != nil {
				return err
			}
			for _, dir := range l.Dirs() {
				fmt.Fprintln(cmd.OutOrStdout(), dir)
			}
			return nil
		},
	}
	flags.bind(cmd.Flags())
	return cmd
}
