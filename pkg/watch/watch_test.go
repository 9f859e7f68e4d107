package watch

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
	"go.uber.org/goleak"

	"github.com/bevara/compiler/pkg/ci"
	"github.com/bevara/compiler/pkg/ledger"
	"github.com/bevara/compiler/pkg/registry"
)

const project = "/work/codec"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixture struct {
	fs       afero.Fs
	ledger   *ledger.Ledger
	registry *registry.Registry
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	fs := afero.NewMemMapFs()
	reg, err := registry.New(context.Background(), registry.Config{
		Store: registry.NewFileStore(fs, "/state/registry.json"),
		FS:    fs,
		Dir:   "/lib",
	})
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return fixture{fs: fs, ledger: ledger.New(ledger.Config{FS: fs}), registry: reg}
}

func (f fixture) build(t *testing.T, code int) int {
	t.Helper()
	a, err := f.ledger.NewAttempt(context.Background(), project)
	if err != nil {
		t.Fatalf("new attempt: %v", err)
	}
	if err := a.RecordArtifact(ledger.ArtifactRecord{Name: "codec.wasm", Data: []byte("bin"), Trusted: true}); err != nil {
		t.Fatalf("record artifact: %v", err)
	}
	if err := a.Finalize(code); err != nil {
		t.Fatalf("finalize: %v", err)
	}
	return a.ID()
}

func next(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("no watch event")
	}
	return Event{}
}

func collector() (chan Event, func(Event)) {
	ch := make(chan Event, 16)
	return ch, func(ev Event) { ch <- ev }
}

func TestLocalWatcherReportsNewSuccessfulBuild(t *testing.T) {
	f := newFixture(t)
	m := NewManager(Config{Ledger: f.ledger, Registry: f.registry, Interval: 5 * time.Millisecond})
	defer m.StopAll()

	events, onEvent := collector()
	if err := m.Watch(context.Background(), project, Options{Mode: ModeLocal, OnEvent: onEvent}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	f.build(t, 2)
	id := f.build(t, 0)

	ev := next(t, events)
	if ev.Mode != ModeLocal || ev.AttemptID != id {
		t.Fatalf("event = %+v, want local attempt %d", ev, id)
	}
	if len(ev.Installed) != 0 {
		t.Fatalf("installed without auto-install: %+v", ev.Installed)
	}

	select {
	case ev := <-events:
		t.Fatalf("duplicate event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

func TestLocalWatcherAutoInstalls(t *testing.T) {
	f := newFixture(t)
	id := f.build(t, 0)

	m := NewManager(Config{Ledger: f.ledger, Registry: f.registry, Interval: 5 * time.Millisecond})
	defer m.StopAll()

	events, onEvent := collector()
	if err := m.Watch(context.Background(), project, Options{Mode: ModeLocal, AutoInstall: true, OnEvent: onEvent}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	ev := next(t, events)
	if ev.Err != nil {
		t.Fatalf("auto-install: %v", ev.Err)
	}
	if len(ev.Installed) != 1 || ev.Installed[0].Key != "codec.wasm" {
		t.Fatalf("installed = %+v", ev.Installed)
	}
	if !f.registry.IsInstalled(registry.FromLocalBuild(project, id)) {
		t.Fatalf("attempt %d not installed", id)
	}
}

func TestLocalWatcherSkipsInstalledBuild(t *testing.T) {
	f := newFixture(t)
	id := f.build(t, 0)
	if _, err := f.registry.InstallFromLedger(context.Background(), f.ledger, project, id); err != nil {
		t.Fatalf("install: %v", err)
	}

	m := NewManager(Config{Ledger: f.ledger, Registry: f.registry, Interval: 5 * time.Millisecond})
	defer m.StopAll()

	events, onEvent := collector()
	if err := m.Watch(context.Background(), project, Options{Mode: ModeLocal, OnEvent: onEvent}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}
}

type fakeCI struct {
	mu        sync.Mutex
	run       *ci.WorkflowRun
	artifacts []ci.Artifact
	archive   []byte
}

func (c *fakeCI) set(run *ci.WorkflowRun, artifacts []ci.Artifact) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.run, c.artifacts = run, artifacts
}

func (c *fakeCI) LatestSuccessfulRun(context.Context, ci.Repo, string) (*ci.WorkflowRun, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.run == nil {
		return nil, ci.ErrNoSuccessfulRun
	}
	run := *c.run
	return &run, nil
}

func (c *fakeCI) ListArtifacts(context.Context, ci.Repo, int64) ([]ci.Artifact, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.artifacts, nil
}

func (c *fakeCI) DownloadArtifact(context.Context, ci.Repo, int64) ([]byte, error) {
	return c.archive, nil
}

func artifactZip(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("remote.wasm")
	if err != nil {
		t.Fatalf("zip: %v", err)
	}
	w.Write([]byte("wasm"))
	if err := zw.Close(); err != nil {
		t.Fatalf("zip: %v", err)
	}
	return buf.Bytes()
}

func TestCIWatcherWaitsForArtifacts(t *testing.T) {
	f := newFixture(t)
	remote := &fakeCI{archive: artifactZip(t)}
	m := NewManager(Config{CI: remote, Registry: f.registry, Interval: 5 * time.Millisecond})
	defer m.StopAll()

	repo := ci.Repo{Owner: "bevara", Name: "codecs"}
	events, onEvent := collector()
	if err := m.Watch(context.Background(), project, Options{Mode: ModeCI, Repo: repo, AutoInstall: true, OnEvent: onEvent}); err != nil {
		t.Fatalf("watch: %v", err)
	}

	remote.set(&ci.WorkflowRun{ID: 11, Conclusion: "success"}, nil)
	select {
	case ev := <-events:
		t.Fatalf("event before artifacts were uploaded: %+v", ev)
	case <-time.After(30 * time.Millisecond):
	}

	remote.set(&ci.WorkflowRun{ID: 11, Conclusion: "success"}, []ci.Artifact{{ID: 3, Name: "libs"}})
	ev := next(t, events)
	if ev.Run == nil || ev.Run.ID != 11 {
		t.Fatalf("event = %+v, want run 11", ev)
	}
	if ev.Err != nil {
		t.Fatalf("auto-install: %v", ev.Err)
	}
	if !f.registry.IsInstalled(registry.FromRemoteRun("bevara", "codecs", 11)) {
		t.Fatalf("run 11 not installed")
	}
}

func TestSwitchingModeReplacesWatcher(t *testing.T) {
	f := newFixture(t)
	m := NewManager(Config{Ledger: f.ledger, CI: &fakeCI{}, Interval: 5 * time.Millisecond})
	defer m.StopAll()

	ctx := context.Background()
	if err := m.Watch(ctx, project, Options{Mode: ModeLocal}); err != nil {
		t.Fatalf("watch local: %v", err)
	}
	if err := m.Watch(ctx, project+"/", Options{Mode: ModeCI, Repo: ci.Repo{Owner: "o", Name: "r"}}); err != nil {
		t.Fatalf("watch ci: %v", err)
	}

	if got := m.Projects(); len(got) != 1 || got[0] != project {
		t.Fatalf("projects = %v", got)
	}
	if mode, _ := m.Mode(project); mode != ModeCI {
		t.Fatalf("mode = %q, want ci", mode)
	}

	if !m.Close(project) {
		t.Fatalf("close reported no watcher")
	}
	if m.Close(project) {
		t.Fatalf("second close reported a watcher")
	}
	if len(m.Projects()) != 0 {
		t.Fatalf("projects after close = %v", m.Projects())
	}
}

func TestWatchRejectsIncompleteOptions(t *testing.T) {
	m := NewManager(Config{})
	defer m.StopAll()

	ctx := context.Background()
	if err := m.Watch(ctx, project, Options{Mode: ModeLocal}); err == nil {
		t.Fatalf("local mode without ledger accepted")
	}
	if err := m.Watch(ctx, project, Options{Mode: "svn"}); err == nil {
		t.Fatalf("unknown mode accepted")
	}
	if _, err := ParseMode("ci"); err != nil {
		t.Fatalf("parse ci: %v", err)
	}
}
