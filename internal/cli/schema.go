package cli

import (
	"bytes"
	"fmt"

	"github.com/dshills/tracecore/internal/trace"
	"github.com/spf13/cobra"
	"github.com/tidwall/pretty"
)

func newSchemaCommand() *cobra.Command {
	var compact bool
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Print the demo source manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := trace.NewRegistry()
			defer reg.Close()
			src, err := reg.NewSource(demoSourceName, demoEvents())
			if err != nil {
				return err
			}
			out := src.Manifest()
			if !compact {
				out = pretty.Pretty(out)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(bytes.TrimSpace(out)))
			return err
		},
	}
	cmd.Flags().BoolVar(&compact, "compact", false, "print the manifest on one line")
	return cmd
}
