package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/bevara/compiler/pkg/watch"
)

type watchFlags struct {
	mode    string
	install bool
}

func newWatchCommand(g *globalFlags) *cobra.Command {
	flags := &watchFlags{}
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Report new successful builds of the project until interrupted",
		Long: `Poll the project's build ledger (local mode) or the configured GitHub
repository (ci mode) and report every new successful build. With --install
the new libraries are installed as they appear.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			mode, err := watch.ParseMode(flags.mode)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), g, func(a *app) error {
				m, err := a.watchManager(cmd)
				if err != nil {
					return err
				}
				defer m.StopAll()

				out := cmd.OutOrStdout()
				if err := a.startWatch(cmd, m, mode, flags.install, func(ev watch.Event) {
					printEvent(out, g.output, ev)
				}); err != nil {
					return err
				}
				<-cmd.Context().Done()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&flags.mode, "mode", string(watch.ModeLocal), "where builds come from: local or ci")
	cmd.Flags().BoolVar(&flags.install, "install", false, "install new libraries automatically")
	return cmd
}

func (a *app) watchManager(cmd *cobra.Command) (*watch.Manager, error) {
	reg, err := a.openRegistry(cmd.Context())
	if err != nil {
		return nil, err
	}
	cfg := watch.Config{
		Ledger:   a.ledger,
		Registry: reg,
		Interval: a.cfg.PollInterval,
		Logger:   a.logger,
	}
	if a.ci != nil {
		cfg.CI = a.ci
	}
	return watch.NewManager(cfg), nil
}

func (a *app) startWatch(cmd *cobra.Command, m *watch.Manager, mode watch.Mode, install bool, onEvent func(watch.Event)) error {
	opts := watch.Options{Mode: mode, AutoInstall: install, OnEvent: onEvent}
	if mode == watch.ModeCI {
		repo, err := a.repo()
		if err != nil {
			return err
		}
		opts.Repo = repo
		opts.Branch = a.cfg.GitHub.Branch
	}
	return m.Watch(cmd.Context(), a.project, opts)
}

type eventView struct {
	Project   string   `json:"project" yaml:"project"`
	Mode      string   `json:"mode" yaml:"mode"`
	AttemptID int      `json:"attemptId,omitempty" yaml:"attemptId,omitempty"`
	RunID     int64    `json:"runId,omitempty" yaml:"runId,omitempty"`
	Installed []string `json:"installed,omitempty" yaml:"installed,omitempty"`
	Error     string   `json:"error,omitempty" yaml:"error,omitempty"`
}

func printEvent(w io.Writer, format string, ev watch.Event) {
	v := eventView{Project: ev.Project, Mode: string(ev.Mode), AttemptID: ev.AttemptID}
	if ev.Run != nil {
		v.RunID = ev.Run.ID
	}
	for _, e := range ev.Installed {
		v.Installed = append(v.Installed, e.Key)
	}
	if ev.Err != nil {
		v.Error = ev.Err.Error()
	}
	_ = render(w, format, v, func(w io.Writer) error {
		origin := fmt.Sprintf("attempt %d", v.AttemptID)
		if v.RunID != 0 {
			origin = fmt.Sprintf("run %d", v.RunID)
		}
		fmt.Fprintf(w, "new build: %s %s\n", v.Project, origin)
		for _, key := range v.Installed {
			fmt.Fprintf(w, "  installed %s\n", key)
		}
		if v.Error != "" {
			fmt.Fprintf(w, "  install failed: %s\n", v.Error)
		}
		return nil
	})
}
