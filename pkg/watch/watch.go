// Package watch notices newly completed builds of open projects, either in
// the local build ledger or on a remote CI, and optionally installs them.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/bevara/compiler/pkg/ci"
	"github.com/bevara/compiler/pkg/poller"
	"github.com/bevara/compiler/pkg/registry"
)

// DefaultInterval matches the refresh period of the editor integration.
const DefaultInterval = 5 * time.Second

// Mode selects where a project's builds come from.
type Mode string

const (
	ModeLocal Mode = "local"
	ModeCI    Mode = "ci"
)

// ParseMode accepts "local" and "ci".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeLocal, ModeCI:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown watch mode %q", s)
}

// Ledger is the build ledger as seen by the local watcher.
type Ledger interface {
	LastSuccessful(projectDir string) (int, bool, error)
	registry.BuildLedger
}

// CI is the workflow API as seen by the remote watcher.
type CI interface {
	LatestSuccessfulRun(ctx context.Context, repo ci.Repo, branch string) (*ci.WorkflowRun, error)
	registry.ArtifactSource
}

// Installer is the library registry as seen by the watchers.
type Installer interface {
	IsInstalled(pred registry.Predicate) bool
	InstallFromLedger(ctx context.Context, l registry.BuildLedger, projectDir string, attemptID int) ([]registry.LibraryEntry, error)
	InstallFromCI(ctx context.Context, src registry.ArtifactSource, repo ci.Repo, runID int64) ([]registry.LibraryEntry, error)
}

// Event announces a completed build that is not installed yet. AttemptID is
// set for ModeLocal, Run for ModeCI. Installed lists the entries added when
// auto-install is on.
type Event struct {
	Project   string
	Mode      Mode
	AttemptID int
	Run       *ci.WorkflowRun
	Installed []registry.LibraryEntry
	Err       error
}

// Config wires a Manager. CI may be nil when remote mode is never used.
type Config struct {
	Ledger   Ledger
	CI       CI
	Registry Installer
	Interval time.Duration
	Logger   *slog.Logger
}

// Options configure the watcher of one project.
type Options struct {
	Mode Mode

	// Repo and Branch are required for ModeCI.
	Repo   ci.Repo
	Branch string

	AutoInstall bool
	OnEvent     func(Event)
}

// Manager keeps at most one watcher per project.
type Manager struct {
	cfg    Config
	group  *poller.Group
	logger *slog.Logger

	mu    sync.Mutex
	modes map[string]Mode
}

func NewManager(cfg Config) *Manager {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg:    cfg,
		group:  poller.NewGroup(),
		logger: cfg.Logger,
		modes:  map[string]Mode{},
	}
}

// Watch starts watching projectDir, replacing any watcher it already has.
func (m *Manager) Watch(ctx context.Context, projectDir string, opts Options) error {
	projectDir = filepath.Clean(projectDir)

	var check poller.Func
	switch opts.Mode {
	case ModeLocal:
		if m.cfg.Ledger == nil {
			return errors.New("watch: local mode needs a build ledger")
		}
		check = m.localCheck(projectDir, opts)
	case ModeCI:
		if m.cfg.CI == nil {
			return errors.New("watch: ci mode needs a CI client")
		}
		if opts.Repo.Owner == "" || opts.Repo.Name == "" {
			return errors.New("watch: ci mode needs a repository")
		}
		check = m.ciCheck(projectDir, opts)
	default:
		return fmt.Errorf("watch: unknown mode %q", opts.Mode)
	}

	m.mu.Lock()
	m.modes[projectDir] = opts.Mode
	m.mu.Unlock()

	m.group.Replace(ctx, projectDir, m.cfg.Interval, check)
	m.logger.Info("watching project", "project", projectDir, "mode", opts.Mode)
	return nil
}

// Close stops the watcher of projectDir. It reports whether one was running.
func (m *Manager) Close(projectDir string) bool {
	projectDir = filepath.Clean(projectDir)
	m.mu.Lock()
	delete(m.modes, projectDir)
	m.mu.Unlock()
	return m.group.Stop(projectDir)
}

// Mode returns the mode projectDir is watched in.
func (m *Manager) Mode(projectDir string) (Mode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mode, ok := m.modes[filepath.Clean(projectDir)]
	return mode, ok
}

// Projects lists the watched projects.
func (m *Manager) Projects() []string {
	keys := m.group.Keys()
	sort.Strings(keys)
	return keys
}

// StopAll stops every watcher.
func (m *Manager) StopAll() {
	m.mu.Lock()
	m.modes = map[string]Mode{}
	m.mu.Unlock()
	m.group.StopAll()
}

func (m *Manager) localCheck(projectDir string, opts Options) poller.Func {
	last := 0
	return func(ctx context.Context) {
		id, ok, err := m.cfg.Ledger.LastSuccessful(projectDir)
		if err != nil {
			m.logger.Warn("watch ledger", "project", projectDir, "error", err)
			return
		}
		if !ok || id == last {
			return
		}
		last = id
		if m.cfg.Registry != nil && m.cfg.Registry.IsInstalled(registry.FromLocalBuild(projectDir, id)) {
			return
		}

		ev := Event{Project: projectDir, Mode: ModeLocal, AttemptID: id}
		if opts.AutoInstall && m.cfg.Registry != nil {
			ev.Installed, ev.Err = m.cfg.Registry.InstallFromLedger(ctx, m.cfg.Ledger, projectDir, id)
		}
		m.emit(opts, ev)
	}
}

func (m *Manager) ciCheck(projectDir string, opts Options) poller.Func {
	var last int64
	return func(ctx context.Context) {
		run, err := m.cfg.CI.LatestSuccessfulRun(ctx, opts.Repo, opts.Branch)
		if errors.Is(err, ci.ErrNoSuccessfulRun) {
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("watch ci", "project", projectDir, "repo", opts.Repo.String(), "error", err)
			}
			return
		}
		if run.ID == last {
			return
		}
		artifacts, err := m.cfg.CI.ListArtifacts(ctx, opts.Repo, run.ID)
		if err != nil {
			if ctx.Err() == nil {
				m.logger.Warn("watch ci artifacts", "project", projectDir, "run", run.ID, "error", err)
			}
			return
		}
		if len(artifacts) == 0 {
			return
		}
		last = run.ID
		if m.cfg.Registry != nil && m.cfg.Registry.IsInstalled(registry.FromRemoteRun(opts.Repo.Owner, opts.Repo.Name, run.ID)) {
			return
		}

		ev := Event{Project: projectDir, Mode: ModeCI, Run: run}
		if opts.AutoInstall && m.cfg.Registry != nil {
			ev.Installed, ev.Err = m.cfg.Registry.InstallFromCI(ctx, m.cfg.CI, opts.Repo, run.ID)
		}
		m.emit(opts, ev)
	}
}

func (m *Manager) emit(opts Options, ev Event) {
	if ev.Err != nil {
		m.logger.Error("auto-install failed", "project", ev.Project, "mode", ev.Mode, "error", ev.Err)
	} else {
		m.logger.Info("new build available", "project", ev.Project, "mode", ev.Mode, "attempt", ev.AttemptID, "installed", len(ev.Installed))
	}
	if opts.OnEvent != nil {
		opts.OnEvent(ev)
	}
}
