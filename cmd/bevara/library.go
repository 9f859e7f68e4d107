package main

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/bevara/compiler/pkg/export"
	"github.com/bevara/compiler/pkg/registry"
)

func newLibraryCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "library",
		Aliases: []string{"lib"},
		Short:   "Manage installed libraries",
	}
	cmd.AddCommand(
		newLibraryListCommand(g),
		newLibraryInstallCommand(g),
		newLibraryUninstallCommand(g),
		newLibraryExportCommand(g),
	)
	return cmd
}

func newLibraryListCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List installed libraries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				reg, err := a.openRegistry(cmd.Context())
				if err != nil {
					return err
				}
				libs := reg.ListInstalled()
				return render(cmd.OutOrStdout(), g.output, libs, func(w io.Writer) error {
					return printLibraries(w, libs)
				})
			})
		},
	}
}

func printLibraries(w io.Writer, libs []registry.LibraryEntry) error {
	if len(libs) == 0 {
		_, err := fmt.Fprintln(w, "no libraries installed")
		return err
	}
	rows := make([][]any, 0, len(libs))
	for _, l := range libs {
		rows = append(rows, []any{l.Key, l.Provenance.String(), l.InstalledAt.Local().Format(time.DateTime)})
	}
	return table(w, "KEY\tPROVENANCE\tINSTALLED", rows)
}

func newLibraryInstallCommand(g *globalFlags) *cobra.Command {
	var (
		build int
		run   int64
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install the libraries of a build attempt or a CI run",
		Long: `Install the library binaries produced by a local build attempt or by a
workflow run of the configured GitHub repository.

Examples:
  bevara library install --build 12
  bevara library install --run 9876543210`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (build == 0) == (run == 0) {
				return errors.New("exactly one of --build and --run is required")
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				reg, err := a.openRegistry(cmd.Context())
				if err != nil {
					return err
				}
				var installed []registry.LibraryEntry
				if build != 0 {
					installed, err = reg.InstallFromLedger(cmd.Context(), a.ledger, a.project, build)
				} else {
					repo, rerr := a.repo()
					if rerr != nil {
						return rerr
					}
					installed, err = reg.InstallFromCI(cmd.Context(), a.ci, repo, run)
				}
				if err != nil {
					return err
				}
				return render(cmd.OutOrStdout(), g.output, installed, func(w io.Writer) error {
					for _, e := range installed {
						fmt.Fprintf(w, "installed %s (%s)\n", e.Key, e.Provenance.String())
					}
					return nil
				})
			})
		},
	}
	cmd.Flags().IntVar(&build, "build", 0, "attempt id in the project's build ledger")
	cmd.Flags().Int64Var(&run, "run", 0, "workflow run id of the configured repository")
	return cmd
}

func newLibraryUninstallCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall <key>",
		Short: "Remove an installed library",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				reg, err := a.openRegistry(cmd.Context())
				if err != nil {
					return err
				}
				if err := reg.Uninstall(cmd.Context(), args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "uninstalled %s\n", args[0])
				return nil
			})
		},
	}
}

func newLibraryExportCommand(g *globalFlags) *cobra.Command {
	var (
		zipPath string
		useSFTP bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export installed libraries as a zip bundle or over SFTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if (zipPath == "") == !useSFTP {
				return errors.New("exactly one of --zip and --sftp is required")
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				reg, err := a.openRegistry(cmd.Context())
				if err != nil {
					return err
				}

				var n int
				if zipPath != "" {
					n, err = export.WriteBundleFile(cmd.Context(), a.fs, zipPath, reg)
				} else {
					var up *export.SFTPUploader
					up, err = export.NewSFTPUploader(export.SFTPConfig{
						Addr:      a.cfg.SFTP.Addr,
						User:      a.cfg.SFTP.User,
						KeyPath:   a.cfg.SFTP.KeyPath,
						Password:  a.cfg.SFTP.Password,
						RemoteDir: a.cfg.SFTP.RemoteDir,
						Logger:    a.logger,
					})
					if err == nil {
						n, err = up.Export(cmd.Context(), reg)
					}
				}
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d libraries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&zipPath, "zip", "", "write a zip bundle to this path")
	cmd.Flags().BoolVar(&useSFTP, "sftp", false, "upload to the configured sftp destination")
	return cmd
}
