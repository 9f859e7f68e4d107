package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/bevara/compiler/pkg/ledger"
)

func newBuildsCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "builds",
		Short: "Inspect the build ledger of a project",
	}
	cmd.AddCommand(
		newBuildsListCommand(g),
		newBuildsShowCommand(g),
		newBuildsLastCommand(g),
		newBuildsClearCommand(g),
	)
	return cmd
}

func newBuildsListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List build attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				builds, err := a.ledger.List(a.project)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), g.output, builds, func(w io.Writer) error {
					if len(builds) == 0 {
						fmt.Fprintln(w, "no builds")
						return nil
					}
					rows := make([][]any, 0, len(builds))
					for _, b := range builds {
						rows = append(rows, []any{b.ID, b.Status, codeString(b.ReturnCode), b.CreatedAt.Local().Format(time.DateTime)})
					}
					return table(w, "ID\tSTATUS\tCODE\tCREATED", rows)
				})
			})
		},
	}
}

func newBuildsShowCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "show <attempt>",
		Short: "Show one build attempt with its steps and artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseAttempt(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				d, err := a.ledger.Get(a.project, id)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), g.output, d, func(w io.Writer) error {
					return printDetail(w, d)
				})
			})
		},
	}
}

func printDetail(w io.Writer, d *ledger.Detail) error {
	fmt.Fprintf(w, "attempt %d  %s  code %s  %s\n", d.ID, d.Status, codeString(d.ReturnCode), d.CreatedAt.Local().Format(time.DateTime))
	if d.Terminal != "" {
		fmt.Fprint(w, indent(d.Terminal))
	}
	for _, st := range d.Steps {
		fmt.Fprintf(w, "\nstep %d: %s (code %s)\n", st.Index, st.Name, codeString(st.ReturnCode))
		fmt.Fprint(w, indent(st.Terminal))
	}
	if len(d.Artifacts) > 0 {
		fmt.Fprintln(w, "\nartifacts:")
		for _, art := range d.Artifacts {
			trust := "trusted"
			if !art.Trusted {
				trust = fmt.Sprintf("UNTRUSTED expected %s actual %s", art.Expected, art.Actual)
			}
			fmt.Fprintf(w, "  %s  %d bytes  %s\n", art.Name, art.Size, trust)
		}
	}
	return nil
}

func indent(text string) string {
	if text == "" {
		return ""
	}
	lines := strings.SplitAfter(text, "\n")
	var b strings.Builder
	for _, l := range lines {
		if l == "" {
			continue
		}
		b.WriteString("    ")
		b.WriteString(l)
	}
	if !strings.HasSuffix(text, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

func newBuildsLastCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "last",
		Short: "Print the last successful attempt",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				id, ok, err := a.ledger.LastSuccessful(a.project)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no successful build in %s", a.project)
				}
				return render(cmd.OutOrStdout(), g.output, map[string]int{"attemptId": id}, func(w io.Writer) error {
					_, err := fmt.Fprintln(w, id)
					return err
				})
			})
		},
	}
}

func newBuildsClearCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete all completed attempts of a project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				n, err := a.ledger.Clear(a.project)
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), g.output, map[string]int{"removed": n}, func(w io.Writer) error {
					_, err := fmt.Fprintf(w, "removed %d attempts\n", n)
					return err
				})
			})
		},
	}
}
