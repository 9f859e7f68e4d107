package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/afero"

	"github.com/bevara/compiler/pkg/ci"
	"github.com/bevara/compiler/pkg/cmake"
	"github.com/bevara/compiler/pkg/ledger"
)

const (
	libraryExt     = ".wasm"
	descriptionExt = ".json"
)

var (
	ErrAttemptNotSuccessful = errors.New("build attempt did not succeed")
	ErrNoLibraries          = errors.New("no library binaries found")
)

// BuildLedger is the part of the build ledger read by InstallFromLedger.
type BuildLedger interface {
	Get(projectDir string, id int) (*ledger.Detail, error)
	ReadArtifact(projectDir string, id int, name string) ([]byte, error)
}

// ArtifactSource is the part of the CI client read by InstallFromCI.
type ArtifactSource interface {
	ListArtifacts(ctx context.Context, repo ci.Repo, runID int64) ([]ci.Artifact, error)
	DownloadArtifact(ctx context.Context, repo ci.Repo, artifactID int64) ([]byte, error)
}

// InstallFromLedger installs every trusted library binary of a completed,
// successful attempt. A sibling <name>.json artifact becomes the entry's
// description; the library named by the project's add_filter falls back to
// the description kept in the source tree. Untrusted artifacts are skipped.
func (r *Registry) InstallFromLedger(ctx context.Context, l BuildLedger, projectDir string, attemptID int) ([]LibraryEntry, error) {
	d, err := l.Get(projectDir, attemptID)
	if err != nil {
		return nil, err
	}
	if !d.Succeeded() {
		return nil, fmt.Errorf("attempt %d: %w", attemptID, ErrAttemptNotSuccessful)
	}

	trusted := map[string]bool{}
	for _, a := range d.Artifacts {
		if a.Trusted {
			trusted[a.Name] = true
		} else {
			r.logger.Warn("skipping untrusted artifact", "project", projectDir, "attempt", attemptID, "artifact", a.Name)
		}
	}

	filter, hasFilter, err := cmake.Load(r.fs, projectDir)
	if err != nil {
		r.logger.Warn("read filter target", "project", projectDir, "error", err)
	}

	var installed []LibraryEntry
	for _, name := range sortedKeys(trusted) {
		if !strings.HasSuffix(name, libraryExt) {
			continue
		}
		data, err := l.ReadArtifact(projectDir, attemptID, name)
		if err != nil {
			return installed, err
		}
		entry := LibraryEntry{
			Key:           name,
			Provenance:    FromLedger(projectDir, attemptID),
			IsDevelopment: true,
		}
		if desc := descriptionName(name); trusted[desc] {
			raw, err := l.ReadArtifact(projectDir, attemptID, desc)
			if err != nil {
				return installed, err
			}
			entry.Description = validDescription(raw)
		}
		if entry.Description == nil && hasFilter && name == filter.Library() {
			entry.Description = r.projectDescription(projectDir, filter)
		}
		e, err := r.Install(ctx, entry, bytes.NewReader(data))
		if err != nil {
			return installed, err
		}
		installed = append(installed, e)
	}
	if len(installed) == 0 {
		return nil, fmt.Errorf("attempt %d: %w", attemptID, ErrNoLibraries)
	}
	return installed, nil
}

// InstallFromCI downloads the single artifact of a workflow run and installs
// the library binaries it contains.
func (r *Registry) InstallFromCI(ctx context.Context, src ArtifactSource, repo ci.Repo, runID int64) ([]LibraryEntry, error) {
	artifacts, err := src.ListArtifacts(ctx, repo, runID)
	if err != nil {
		return nil, err
	}
	live := artifacts[:0:0]
	for _, a := range artifacts {
		if !a.Expired {
			live = append(live, a)
		}
	}
	if len(live) != 1 {
		return nil, fmt.Errorf("run %d of %s: expected exactly one artifact, found %d", runID, repo, len(live))
	}

	archive, err := src.DownloadArtifact(ctx, repo, live[0].ID)
	if err != nil {
		return nil, err
	}
	files, err := ci.DecompressArtifact(archive)
	if err != nil {
		return nil, err
	}

	var installed []LibraryEntry
	for _, name := range sortedKeys(files) {
		if !strings.HasSuffix(name, libraryExt) {
			continue
		}
		entry := LibraryEntry{
			Key:           path.Base(name),
			Provenance:    FromCI(repo.Owner, repo.Name, runID),
			IsDevelopment: true,
		}
		if raw, ok := files[descriptionName(name)]; ok {
			entry.Description = validDescription(raw)
		}
		e, err := r.Install(ctx, entry, bytes.NewReader(files[name]))
		if err != nil {
			return installed, err
		}
		installed = append(installed, e)
	}
	if len(installed) == 0 {
		return nil, fmt.Errorf("run %d of %s: %w", runID, repo, ErrNoLibraries)
	}
	return installed, nil
}

// projectDescription reads the description a filter project keeps in its
// source tree, as <name>.json or <name>_<version>.json.
func (r *Registry) projectDescription(projectDir string, f cmake.Filter) json.RawMessage {
	for _, name := range []string{f.Name + descriptionExt, f.Description()} {
		raw, err := afero.ReadFile(r.fs, filepath.Join(projectDir, name))
		if err != nil {
			continue
		}
		if desc := validDescription(raw); desc != nil {
			return desc
		}
	}
	return nil
}

func descriptionName(binary string) string {
	return strings.TrimSuffix(binary, libraryExt) + descriptionExt
}

// validDescription drops descriptions that are not JSON documents.
func validDescription(raw []byte) json.RawMessage {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil
	}
	return json.RawMessage(raw)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
