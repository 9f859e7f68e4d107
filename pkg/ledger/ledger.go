// Package ledger persists build attempts under a per-project history root.
//
// Layout, relative to the root:
//
//	<id>/STATUS             in_progress | completed
//	<id>/RETURNCODE         final code, written by Finalize
//	<id>/source.zip         packaged sources
//	<id>/TERMINAL, ERROR    output not attributed to a step
//	<id>/<step>/NAME        step label
//	<id>/<step>/TERMINAL    append-only step output
//	<id>/<step>/RETURNCODE  step exit status
//	<id>/<step>/ERROR       step error text
//	<id>/output/<artifact>  produced binaries
package ledger

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/afero"
)

// DefaultDir is the history root created inside each project directory.
const DefaultDir = ".bevara"

// maxAllocRetries bounds id allocation when another process keeps winning.
const maxAllocRetries = 64

var allocLocks keyedMutex

// Config configures a Ledger. Dir is the history root relative to each
// project directory.
type Config struct {
	FS     afero.Fs
	Dir    string
	Logger *slog.Logger
}

// Ledger reads and writes build history for any number of projects.
type Ledger struct {
	fs     afero.Fs
	dir    string
	logger *slog.Logger
}

// New returns a Ledger. Missing fields fall back to the OS filesystem,
// DefaultDir and slog.Default().
func New(cfg Config) *Ledger {
	if cfg.FS == nil {
		cfg.FS = afero.NewOsFs()
	}
	if cfg.Dir == "" {
		cfg.Dir = DefaultDir
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Ledger{fs: cfg.FS, dir: cfg.Dir, logger: cfg.Logger}
}

// Root returns the history root of projectDir.
func (l *Ledger) Root(projectDir string) string {
	return filepath.Join(filepath.Clean(projectDir), l.dir)
}

func (l *Ledger) attemptDir(projectDir string, id int) string {
	return filepath.Join(l.Root(projectDir), strconv.Itoa(id))
}

// NewAttempt allocates the next attempt id for projectDir, creates its
// directory and marks it in progress.
func (l *Ledger) NewAttempt(ctx context.Context, projectDir string) (*Attempt, error) {
	root := l.Root(projectDir)
	unlock := allocLocks.Lock(root)
	defer unlock()

	if err := l.fs.MkdirAll(root, 0o755); err != nil {
		return nil, &FilesystemError{Op: "mkdir", Path: root, Err: err}
	}

	ids, err := l.ids(root)
	if err != nil {
		return nil, err
	}
	next := 1
	if len(ids) > 0 {
		next = ids[len(ids)-1] + 1
	}

	for i := 0; i < maxAllocRetries; i++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dir := filepath.Join(root, strconv.Itoa(next))
		err := l.fs.Mkdir(dir, 0o755)
		if errors.Is(err, fs.ErrExist) {
			next++
			continue
		}
		if err != nil {
			return nil, &FilesystemError{Op: "mkdir", Path: dir, Err: err}
		}
		if err := writeFileAtomic(l.fs, filepath.Join(dir, fileStatus), []byte(StatusInProgress)); err != nil {
			return nil, err
		}
		l.logger.Info("attempt allocated", "project", projectDir, "attempt", next)
		return &Attempt{fs: l.fs, id: next, dir: dir}, nil
	}
	return nil, &FilesystemError{Op: "allocate", Path: root, Err: errors.New("too many concurrent attempts")}
}

// ids returns the numeric attempt ids under root in ascending order.
func (l *Ledger) ids(root string) ([]int, error) {
	entries, err := afero.ReadDir(l.fs, root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &FilesystemError{Op: "readdir", Path: root, Err: err}
	}
	var ids []int
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		id, err := strconv.Atoi(e.Name())
		if err != nil || id < 1 || strconv.Itoa(id) != e.Name() {
			continue
		}
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids, nil
}

// List returns every attempt of projectDir ordered by id.
func (l *Ledger) List(projectDir string) ([]Summary, error) {
	root := l.Root(projectDir)
	ids, err := l.ids(root)
	if err != nil {
		return nil, err
	}
	out := make([]Summary, 0, len(ids))
	for _, id := range ids {
		s, err := l.summary(projectDir, id)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (l *Ledger) summary(projectDir string, id int) (Summary, error) {
	dir := l.attemptDir(projectDir, id)
	info, err := l.fs.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return Summary{}, ErrNotFound
		}
		return Summary{}, &FilesystemError{Op: "stat", Path: dir, Err: err}
	}

	status, err := readOptional(l.fs, filepath.Join(dir, fileStatus))
	if err != nil {
		return Summary{}, err
	}
	code, err := l.readCode(filepath.Join(dir, fileReturnCode))
	if err != nil {
		return Summary{}, err
	}

	s := Summary{
		ID:         id,
		Status:     Status(strings.TrimSpace(status)),
		ReturnCode: code,
		CreatedAt:  info.ModTime(),
	}
	if s.Status != StatusCompleted {
		s.Status = StatusInProgress
	}
	return s, nil
}

func (l *Ledger) readCode(path string) (*int, error) {
	raw, err := readOptional(l.fs, path)
	if err != nil || raw == "" {
		return nil, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		l.logger.Warn("ignoring unreadable return code", "path", path, "error", err)
		return nil, nil
	}
	return &code, nil
}

// Get returns the full record of one attempt.
func (l *Ledger) Get(projectDir string, id int) (*Detail, error) {
	s, err := l.summary(projectDir, id)
	if err != nil {
		return nil, err
	}
	dir := l.attemptDir(projectDir, id)

	d := &Detail{Summary: s, Steps: []Step{}, Artifacts: []ArtifactInfo{}}
	if d.Terminal, err = readOptional(l.fs, filepath.Join(dir, fileTerminal)); err != nil {
		return nil, err
	}
	if d.Error, err = readOptional(l.fs, filepath.Join(dir, fileError)); err != nil {
		return nil, err
	}

	stepIDs, err := l.ids(dir)
	if err != nil {
		return nil, err
	}
	for _, idx := range stepIDs {
		step, err := l.step(filepath.Join(dir, strconv.Itoa(idx)), idx)
		if err != nil {
			return nil, err
		}
		d.Steps = append(d.Steps, step)
	}

	if d.Artifacts, err = l.artifacts(filepath.Join(dir, dirOutput)); err != nil {
		return nil, err
	}
	return d, nil
}

func (l *Ledger) step(dir string, idx int) (Step, error) {
	step := Step{Index: idx}
	var err error
	if step.Name, err = readOptional(l.fs, filepath.Join(dir, fileName)); err != nil {
		return Step{}, err
	}
	if step.Terminal, err = readOptional(l.fs, filepath.Join(dir, fileTerminal)); err != nil {
		return Step{}, err
	}
	if step.Error, err = readOptional(l.fs, filepath.Join(dir, fileError)); err != nil {
		return Step{}, err
	}
	if step.ReturnCode, err = l.readCode(filepath.Join(dir, fileReturnCode)); err != nil {
		return Step{}, err
	}
	return step, nil
}

func (l *Ledger) artifacts(dir string) ([]ArtifactInfo, error) {
	entries, err := afero.ReadDir(l.fs, dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []ArtifactInfo{}, nil
		}
		return nil, &FilesystemError{Op: "readdir", Path: dir, Err: err}
	}
	out := []ArtifactInfo{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, untrustedSuffix) {
			continue
		}
		info := ArtifactInfo{Name: name, Size: e.Size(), Trusted: true}
		marker, err := readOptional(l.fs, filepath.Join(dir, name+untrustedSuffix))
		if err != nil {
			return nil, err
		}
		if marker != "" {
			info.Trusted = false
			info.Expected, info.Actual = parseMarker(marker)
		}
		out = append(out, info)
	}
	return out, nil
}

// LastSuccessful returns the highest completed attempt id whose final
// return code is 0. ok is false when there is none.
func (l *Ledger) LastSuccessful(projectDir string) (id int, ok bool, err error) {
	list, err := l.List(projectDir)
	if err != nil {
		return 0, false, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].Succeeded() {
			return list[i].ID, true, nil
		}
	}
	return 0, false, nil
}

// SourceArchive returns the packaged sources stored with an attempt.
func (l *Ledger) SourceArchive(projectDir string, id int) ([]byte, error) {
	return l.readAttemptFile(projectDir, id, fileSource)
}

// ReadArtifact returns the bytes of one stored artifact.
func (l *Ledger) ReadArtifact(projectDir string, id int, name string) ([]byte, error) {
	if !validName(name) {
		return nil, ErrInvalidName
	}
	return l.readAttemptFile(projectDir, id, filepath.Join(dirOutput, name))
}

func (l *Ledger) readAttemptFile(projectDir string, id int, rel string) ([]byte, error) {
	dir := l.attemptDir(projectDir, id)
	if _, err := l.fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, &FilesystemError{Op: "stat", Path: dir, Err: err}
	}
	path := filepath.Join(dir, rel)
	b, err := afero.ReadFile(l.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", rel, ErrNotFound)
		}
		return nil, &FilesystemError{Op: "read", Path: path, Err: err}
	}
	return b, nil
}

// Remove deletes one attempt. History is never pruned implicitly; this is
// only called on explicit request.
func (l *Ledger) Remove(projectDir string, id int) error {
	dir := l.attemptDir(projectDir, id)
	if _, err := l.fs.Stat(dir); err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return &FilesystemError{Op: "stat", Path: dir, Err: err}
	}
	if err := l.fs.RemoveAll(dir); err != nil {
		return &FilesystemError{Op: "remove", Path: dir, Err: err}
	}
	l.logger.Info("attempt removed", "project", projectDir, "attempt", id)
	return nil
}

// Clear deletes every completed attempt of projectDir and returns how many
// were removed. Attempts still in progress are kept.
func (l *Ledger) Clear(projectDir string) (int, error) {
	list, err := l.List(projectDir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, s := range list {
		if s.Status != StatusCompleted {
			continue
		}
		if err := l.Remove(projectDir, s.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func validName(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

func parseMarker(marker string) (expected, actual string) {
	for _, line := range strings.Split(marker, "\n") {
		k, v, ok := strings.Cut(line, " ")
		if !ok {
			continue
		}
		switch k {
		case "expected":
			expected = v
		case "actual":
			actual = v
		}
	}
	return expected, actual
}
