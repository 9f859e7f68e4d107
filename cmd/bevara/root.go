package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type globalFlags struct {
	configFile string
	output     string
	project    string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}

	root := &cobra.Command{
		Use:           "bevara",
		Short:         "Remote compilation and library management for Bevara projects",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			switch g.output {
			case outputText, outputJSON, outputYAML:
				return nil
			}
			return fmt.Errorf("unknown output format %q (want text, json or yaml)", g.output)
		},
	}

	root.PersistentFlags().StringVar(&g.configFile, "config", "", "config file (default: ./bevara.yaml or ~/.bevara/bevara.yaml)")
	root.PersistentFlags().StringVarP(&g.output, "output", "o", outputText, "output format: text, json or yaml")
	root.PersistentFlags().StringVarP(&g.project, "project", "p", "", "project directory (default: current directory)")

	root.AddCommand(
		newCompileCommand(g),
		newRerunCommand(g),
		newCancelCommand(g),
		newBuildsCommand(g),
		newLibraryCommand(g),
		newWatchCommand(g),
		newServeCommand(g),
		newVersionCommand(g),
	)
	return root
}
