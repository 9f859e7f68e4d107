package registry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
)

// Config wires a Registry. Dir holds the installed binaries.
type Config struct {
	Store  Store
	FS     afero.Fs
	Dir    string
	Logger *slog.Logger
}

// Registry tracks the installed libraries. Mutations are serialized; reads
// work on an immutable snapshot and never block.
type Registry struct {
	store  Store
	fs     afero.Fs
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	snapshot atomic.Pointer[map[string]LibraryEntry]

	obsMu     sync.RWMutex
	observers map[int]func(Change)
	nextObs   int
}

// New loads the persisted mapping once and returns a ready registry.
func New(ctx context.Context, cfg Config) (*Registry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry: store is required")
	}
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if err := cfg.FS.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: create library dir: %w", err)
	}

	entries, err := cfg.Store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	if entries == nil {
		entries = map[string]LibraryEntry{}
	}

	r := &Registry{
		store:     cfg.Store,
		fs:        cfg.FS,
		dir:       cfg.Dir,
		logger:    cfg.Logger,
		observers: map[int]func(Change){},
	}
	r.snapshot.Store(&entries)
	r.logger.Info("library registry loaded", "entries", len(entries))
	return r, nil
}

func (r *Registry) current() map[string]LibraryEntry {
	return *r.snapshot.Load()
}

// Install stores binary under entry.Key and records entry, replacing any
// library installed under the same key. Either both the file and the
// mapping are updated or neither is.
func (r *Registry) Install(ctx context.Context, entry LibraryEntry, binary io.Reader) (LibraryEntry, error) {
	if !validKey(entry.Key) {
		return LibraryEntry{}, fmt.Errorf("install %q: %w", entry.Key, ErrInvalidKey)
	}
	if err := entry.Provenance.validate(); err != nil {
		return LibraryEntry{}, fmt.Errorf("install %s: %w", entry.Key, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	final := filepath.Join(r.dir, entry.Key)
	staged, err := r.stage(entry.Key, binary)
	if err != nil {
		return LibraryEntry{}, &ConflictError{Key: entry.Key, Err: err}
	}

	entry.Path = final
	if entry.InstalledAt.IsZero() {
		entry.InstalledAt = time.Now().UTC()
	}

	prev, hadPrev := r.current()[entry.Key]
	if err := r.store.Put(ctx, entry); err != nil {
		r.fs.Remove(staged)
		return LibraryEntry{}, fmt.Errorf("install %s: persist: %w", entry.Key, err)
	}

	if err := r.fs.Rename(staged, final); err != nil {
		r.fs.Remove(staged)
		var rerr error
		if hadPrev {
			rerr = r.store.Put(ctx, prev)
		} else {
			rerr = r.store.Delete(ctx, entry.Key)
		}
		if rerr != nil {
			r.logger.Error("registry rollback failed", "key", entry.Key, "error", rerr)
		}
		return LibraryEntry{}, &ConflictError{Key: entry.Key, Err: err}
	}

	next := clone(r.current())
	next[entry.Key] = entry
	r.snapshot.Store(&next)

	r.logger.Info("library installed", "key", entry.Key, "provenance", entry.Provenance.String())
	r.notify(Change{Op: OpInstall, Entry: entry})
	return entry, nil
}

// stage copies binary into a hidden temp file next to its final location.
func (r *Registry) stage(key string, binary io.Reader) (string, error) {
	if binary == nil {
		return "", fmt.Errorf("no binary provided")
	}
	f, err := afero.TempFile(r.fs, r.dir, "."+key+".*")
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, binary); err != nil {
		f.Close()
		r.fs.Remove(f.Name())
		return "", err
	}
	if err := f.Close(); err != nil {
		r.fs.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}

// Uninstall removes the library under key and deletes its binary. Removing
// an absent key is a no-op.
func (r *Registry) Uninstall(ctx context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.current()[key]
	if !ok {
		return nil
	}
	if err := r.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("uninstall %s: persist: %w", key, err)
	}

	next := clone(r.current())
	delete(next, key)
	r.snapshot.Store(&next)

	if err := r.fs.Remove(entry.Path); err != nil && !os.IsNotExist(err) {
		r.logger.Warn("remove library binary", "key", key, "path", entry.Path, "error", err)
	}

	r.logger.Info("library uninstalled", "key", key)
	r.notify(Change{Op: OpUninstall, Entry: entry})
	return nil
}

// ListInstalled returns the installed libraries ordered by key.
func (r *Registry) ListInstalled() []LibraryEntry {
	cur := r.current()
	out := make([]LibraryEntry, 0, len(cur))
	for _, e := range cur {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Get returns the library installed under key.
func (r *Registry) Get(key string) (LibraryEntry, bool) {
	e, ok := r.current()[key]
	return e, ok
}

// IsInstalled reports whether any installed library matches pred.
func (r *Registry) IsInstalled(pred Predicate) bool {
	for _, e := range r.current() {
		if pred(e) {
			return true
		}
	}
	return false
}

// Open returns the binary of an installed library.
func (r *Registry) Open(key string) (afero.File, error) {
	e, ok := r.Get(key)
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return r.fs.Open(e.Path)
}

// Subscribe registers fn to be called after every mutation. Observers run
// synchronously in mutation order and must not mutate the registry. The
// returned function unregisters fn.
func (r *Registry) Subscribe(fn func(Change)) func() {
	r.obsMu.Lock()
	id := r.nextObs
	r.nextObs++
	r.observers[id] = fn
	r.obsMu.Unlock()

	return func() {
		r.obsMu.Lock()
		delete(r.observers, id)
		r.obsMu.Unlock()
	}
}

func (r *Registry) notify(c Change) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, fn := range r.observers {
		fn(c)
	}
}

func clone(m map[string]LibraryEntry) map[string]LibraryEntry {
	out := make(map[string]LibraryEntry, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}
