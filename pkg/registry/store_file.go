package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"
)

// FileStore keeps the mapping in one JSON document. Every write replaces the
// document through a temp file and a rename.
type FileStore struct {
	fs   afero.Fs
	path string

	mu      sync.Mutex
	entries map[string]LibraryEntry
}

func NewFileStore(fs afero.Fs, path string) *FileStore {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	return &FileStore{fs: fs, path: path}
}

func (s *FileStore) Load(ctx context.Context) (map[string]LibraryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := s.read()
	if err != nil {
		return nil, err
	}
	s.entries = entries
	return clone(entries), nil
}

func (s *FileStore) read() (map[string]LibraryEntry, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]LibraryEntry{}, nil
		}
		return nil, fmt.Errorf("read registry file: %w", err)
	}
	entries := map[string]LibraryEntry{}
	if len(data) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decode registry file %s: %w", s.path, err)
	}
	return entries, nil
}

func (s *FileStore) Put(ctx context.Context, entry LibraryEntry) error {
	return s.update(func(m map[string]LibraryEntry) { m[entry.Key] = entry })
}

func (s *FileStore) Delete(ctx context.Context, key string) error {
	return s.update(func(m map[string]LibraryEntry) { delete(m, key) })
}

func (s *FileStore) update(fn func(map[string]LibraryEntry)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries == nil {
		entries, err := s.read()
		if err != nil {
			return err
		}
		s.entries = entries
	}
	next := clone(s.entries)
	fn(next)
	if err := s.write(next); err != nil {
		return err
	}
	s.entries = next
	return nil
}

func (s *FileStore) write(entries map[string]LibraryEntry) error {
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode registry: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := s.fs.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	tmp, err := afero.TempFile(s.fs, dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("create registry temp file: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		s.fs.Remove(name)
		return fmt.Errorf("write registry temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		s.fs.Remove(name)
		return fmt.Errorf("sync registry temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		s.fs.Remove(name)
		return fmt.Errorf("close registry temp file: %w", err)
	}
	if err := s.fs.Rename(name, s.path); err != nil {
		s.fs.Remove(name)
		return fmt.Errorf("replace registry file: %w", err)
	}
	return nil
}
