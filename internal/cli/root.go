// Package cli implements the tracectl command tree.
package cli

import (
	"github.com/spf13/cobra"
)

// BuildInfo is stamped into the binary at link time.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// NewRootCommand returns the tracectl root command with every subcommand
// attached.
func NewRootCommand(info BuildInfo) *cobra.Command {
	root := &cobra.Command{
		Use:           "tracectl",
		Short:         "Drive and inspect tracecore event sources",
		Long:          "tracectl runs a demo event source under a session profile, prints source manifests and validates profiles.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error); overrides the profile")
	root.PersistentFlags().Bool("log-json", false, "write logs as JSON")

	root.AddCommand(
		newDemoCommand(),
		newSchemaCommand(),
		newValidateCommand(),
		newVersionCommand(info),
	)
	return root
}
