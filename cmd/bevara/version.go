package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
)

func newVersionCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the bevara version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{"version": version, "go": runtime.Version()}
			return render(cmd.OutOrStdout(), g.output, info, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "bevara %s (%s)\n", version, runtime.Version())
				return err
			})
		},
	}
}
