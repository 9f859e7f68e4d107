package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"

	"github.com/bevara/compiler/pkg/auth"
	"github.com/bevara/compiler/pkg/ci"
	"github.com/bevara/compiler/pkg/config"
	"github.com/bevara/compiler/pkg/ledger"
	"github.com/bevara/compiler/pkg/livelog"
	"github.com/bevara/compiler/pkg/orchestrator"
	"github.com/bevara/compiler/pkg/registry"
	"github.com/bevara/compiler/pkg/telemetry"
)

// app holds the wired components for one command invocation.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	fs       afero.Fs
	project  string
	ledger   *ledger.Ledger
	hub      *livelog.Hub
	compiler *orchestrator.Compiler
	ci       *ci.Client

	registry *registry.Registry
	closers  []func(context.Context) error
}

func newApp(ctx context.Context, g *globalFlags) (*app, error) {
	cfg, err := config.Load(g.configFile)
	if err != nil {
		return nil, err
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	project, err := resolveProject(g.project)
	if err != nil {
		return nil, err
	}

	fs := afero.NewOsFs()
	a := &app{
		cfg:     cfg,
		logger:  logger,
		fs:      fs,
		project: project,
		hub:     livelog.NewHub(),
	}
	a.closers = append(a.closers, telemetry.InitTracer(ctx, telemetry.Options{ServiceName: "bevara", Version: version, Enabled: cfg.Tracing}))

	a.ledger = ledger.New(ledger.Config{FS: fs, Dir: cfg.LedgerDir, Logger: logger})
	a.compiler = orchestrator.NewCompiler(orchestrator.Config{
		Service: orchestrator.NewClient(cfg.ServiceURL, auth.StaticToken(cfg.Token)),
		Ledger:  a.ledger,
		FS:      fs,
		Sink:    a.hub,
		Logger:  logger,
	})

	if cfg.GitHub.Owner != "" && cfg.GitHub.Repo != "" {
		a.ci, err = ci.NewClient(ci.Config{
			BaseURL: cfg.GitHub.BaseURL,
			Token:   auth.StaticToken(cfg.GitHub.Token),
			Logger:  logger,
		})
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

// openRegistry connects the configured registry backend on first use.
func (a *app) openRegistry(ctx context.Context) (*registry.Registry, error) {
	if a.registry != nil {
		return a.registry, nil
	}

	var store registry.Store
	switch a.cfg.Registry.Backend {
	case "postgres":
		pg, err := registry.NewPostgresStore(ctx, a.cfg.Registry.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return pg.Close() })
		store = pg
	case "redis":
		rs, err := registry.NewRedisStore(ctx, a.cfg.Registry.RedisURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func(context.Context) error { return rs.Close() })
		store = rs
	default:
		store = registry.NewFileStore(a.fs, expandHome(a.cfg.Registry.Path))
	}

	reg, err := registry.New(ctx, registry.Config{
		Store:  store,
		FS:     a.fs,
		Dir:    expandHome(a.cfg.LibraryDir),
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	a.registry = reg
	return reg, nil
}

func (a *app) repo() (ci.Repo, error) {
	if a.ci == nil {
		return ci.Repo{}, errors.New("no CI repository configured (set github.owner and github.repo)")
	}
	return ci.Repo{Owner: a.cfg.GitHub.Owner, Name: a.cfg.GitHub.Repo}, nil
}

func (a *app) Close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown", "error", err)
		}
	}
}

func resolveProject(dir string) (string, error) {
	if dir == "" {
		dir = "."
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve project dir: %w", err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("project dir: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("project dir %s is not a directory", abs)
	}
	return abs, nil
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// withApp wires the app for a command and closes it afterwards.
func withApp(ctx context.Context, g *globalFlags, fn func(*app) error) error {
	a, err := newApp(ctx, g)
	if err != nil {
		return err
	}
	defer a.Close(context.Background())
	return fn(a)
}
