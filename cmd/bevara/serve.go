package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/bevara/compiler/pkg/api"
	"github.com/bevara/compiler/pkg/watch"
)

func newServeCommand(g *globalFlags) *cobra.Command {
	var (
		addr      string
		watchMode string
		install   bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local API for editor integrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), g, func(a *app) error {
				if addr == "" {
					addr = a.cfg.ListenAddr
				}
				return a.serve(cmd, addr, watchMode, install)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: listen_addr)")
	cmd.Flags().StringVar(&watchMode, "watch", "", "also watch the project for new builds: local or ci")
	cmd.Flags().BoolVar(&install, "install", false, "install new libraries found by the watcher")
	return cmd
}

func (a *app) serve(cmd *cobra.Command, addr, watchMode string, install bool) error {
	ctx := cmd.Context()
	reg, err := a.openRegistry(ctx)
	if err != nil {
		return err
	}

	cfg := api.Config{
		Compiler:       a.compiler,
		Registry:       reg,
		Hub:            a.hub,
		DefaultProject: a.project,
		Token:          a.cfg.APIToken,
		Context:        ctx,
		Logger:         a.logger,
	}
	if repo, err := a.repo(); err == nil {
		cfg.CI = a.ci
		cfg.Repo = repo
	}

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           api.NewServer(cfg).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grp, gctx := errgroup.WithContext(ctx)

	if watchMode != "" {
		mode, err := watch.ParseMode(watchMode)
		if err != nil {
			return err
		}
		m, err := a.watchManager(cmd)
		if err != nil {
			return err
		}
		if err := a.startWatch(cmd, m, mode, install, nil); err != nil {
			return err
		}
		grp.Go(func() error {
			<-gctx.Done()
			m.StopAll()
			return nil
		})
	}

	grp.Go(func() error {
		a.logger.Info("api listening", "addr", addr, "project", a.project)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	grp.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("api shutdown", "error", err)
		}
		return nil
	})

	err = grp.Wait()
	a.logger.Info("api stopped")
	return err
}
