package cli

import (
	"fmt"

	"github.com/dshills/tracecore/internal/config"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <profile>",
		Short: "Load and validate a session profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := config.Load(args[0])
			if err != nil {
				for _, e := range multierr.Errors(err) {
					fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", e)
				}
				return fmt.Errorf("profile %s is invalid", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d sessions)\n", args[0], len(p.Sessions))
			for _, s := range p.Sessions {
				slot := "legacy"
				if s.Slot != nil {
					slot = fmt.Sprintf("slot %d", *s.Slot)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "  %-16s session %-4d %-10s source=%s level=%s\n",
					s.Name, s.TraceSession, slot, s.Source, s.Level)
			}
			return nil
		},
	}
}
