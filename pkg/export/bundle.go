// Package export ships installed libraries out of the registry, either as a
// zip bundle or by uploading them to an SFTP destination.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"

	"github.com/bevara/compiler/pkg/registry"
)

// ManifestName is the bundle entry describing its libraries.
const ManifestName = "manifest.json"

// Library is the registry as seen by the exporters.
type Library interface {
	ListInstalled() []registry.LibraryEntry
	Open(key string) (afero.File, error)
}

// ManifestEntry is one library listed in the manifest.
type ManifestEntry struct {
	Key           string              `json:"key"`
	Provenance    registry.Provenance `json:"provenance"`
	IsDevelopment bool                `json:"isDevelopment"`
	InstalledAt   time.Time           `json:"installedAt"`
	Description   string              `json:"description,omitempty"`
}

// Files collects the exported files: every library binary, a <name>.json
// description for entries that carry one and the manifest.
func Files(ctx context.Context, lib Library) (map[string][]byte, error) {
	files, _, err := collect(ctx, lib)
	return files, err
}

func collect(ctx context.Context, lib Library) (map[string][]byte, int, error) {
	entries := lib.ListInstalled()
	files := make(map[string][]byte, 2*len(entries)+1)
	manifest := make([]ManifestEntry, 0, len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		data, err := readLibrary(lib, e.Key)
		if err != nil {
			return nil, 0, err
		}
		files[e.Key] = data

		m := ManifestEntry{
			Key:           e.Key,
			Provenance:    e.Provenance,
			IsDevelopment: e.IsDevelopment,
			InstalledAt:   e.InstalledAt,
		}
		if len(e.Description) > 0 {
			m.Description = strings.TrimSuffix(e.Key, filepath.Ext(e.Key)) + ".json"
			files[m.Description] = e.Description
		}
		manifest = append(manifest, m)
	}

	raw, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, 0, fmt.Errorf("encode manifest: %w", err)
	}
	files[ManifestName] = raw
	return files, len(manifest), nil
}

func readLibrary(lib Library, key string) ([]byte, error) {
	f, err := lib.Open(key)
	if err != nil {
		return nil, fmt.Errorf("open library %s: %w", key, err)
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read library %s: %w", key, err)
	}
	return data, nil
}

// WriteBundle writes the exported files of lib to w as a zip archive and
// returns the number of libraries. Entries are ordered by name.
func WriteBundle(ctx context.Context, w io.Writer, lib Library) (int, error) {
	files, count, err := collect(ctx, lib)
	if err != nil {
		return 0, err
	}

	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	zw := zip.NewWriter(w)
	for _, name := range names {
		fw, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
		if err != nil {
			return 0, fmt.Errorf("add %s to bundle: %w", name, err)
		}
		if _, err := fw.Write(files[name]); err != nil {
			return 0, fmt.Errorf("add %s to bundle: %w", name, err)
		}
	}
	if err := zw.Close(); err != nil {
		return 0, fmt.Errorf("finish bundle: %w", err)
	}
	return count, nil
}

// WriteBundleFile writes the bundle to path on fs. The file only appears
// once the archive is complete.
func WriteBundleFile(ctx context.Context, fs afero.Fs, path string, lib Library) (int, error) {
	dir := filepath.Dir(path)
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create bundle dir: %w", err)
	}
	tmp, err := afero.TempFile(fs, dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return 0, fmt.Errorf("create bundle: %w", err)
	}
	n, err := WriteBundle(ctx, tmp, lib)
	if cerr := tmp.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("close bundle: %w", cerr)
	}
	if err != nil {
		fs.Remove(tmp.Name())
		return 0, err
	}
	if err := fs.Rename(tmp.Name(), path); err != nil {
		fs.Remove(tmp.Name())
		return 0, fmt.Errorf("move bundle into place: %w", err)
	}
	return n, nil
}
