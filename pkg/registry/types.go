package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

var (
	ErrNotFound   = errors.New("library not installed")
	ErrInvalidKey = errors.New("invalid library key")
)

// ProvenanceKind tells which kind of build produced a library.
type ProvenanceKind string

const (
	KindRemoteCI   ProvenanceKind = "remote_ci"
	KindLocalBuild ProvenanceKind = "local_build"
)

// RemoteCI identifies a workflow run of a hosted repository.
type RemoteCI struct {
	Owner string `json:"owner" yaml:"owner"`
	Repo  string `json:"repo" yaml:"repo"`
	RunID int64  `json:"runId" yaml:"runId"`
}

// LocalBuild identifies an attempt in a project's build ledger.
type LocalBuild struct {
	ProjectDir string `json:"projectDir" yaml:"projectDir"`
	AttemptID  int    `json:"attemptId" yaml:"attemptId"`
}

// Provenance is the origin of an installed library. Exactly one of RemoteCI
// and LocalBuild is set, matching Kind.
type Provenance struct {
	Kind       ProvenanceKind `json:"kind" yaml:"kind"`
	RemoteCI   *RemoteCI      `json:"remoteCi,omitempty" yaml:"remoteCi,omitempty"`
	LocalBuild *LocalBuild    `json:"localBuild,omitempty" yaml:"localBuild,omitempty"`
}

// FromCI returns the provenance of a workflow run artifact.
func FromCI(owner, repo string, runID int64) Provenance {
	return Provenance{Kind: KindRemoteCI, RemoteCI: &RemoteCI{Owner: owner, Repo: repo, RunID: runID}}
}

// FromLedger returns the provenance of a local build attempt.
func FromLedger(projectDir string, attemptID int) Provenance {
	return Provenance{Kind: KindLocalBuild, LocalBuild: &LocalBuild{ProjectDir: filepath.Clean(projectDir), AttemptID: attemptID}}
}

func (p Provenance) String() string {
	switch {
	case p.Kind == KindRemoteCI && p.RemoteCI != nil:
		return fmt.Sprintf("ci %s/%s run %d", p.RemoteCI.Owner, p.RemoteCI.Repo, p.RemoteCI.RunID)
	case p.Kind == KindLocalBuild && p.LocalBuild != nil:
		return fmt.Sprintf("build %s #%d", p.LocalBuild.ProjectDir, p.LocalBuild.AttemptID)
	}
	return string(p.Kind)
}

func (p Provenance) validate() error {
	switch p.Kind {
	case KindRemoteCI:
		if p.RemoteCI == nil || p.LocalBuild != nil {
			return errors.New("remote_ci provenance needs exactly the remoteCi origin")
		}
	case KindLocalBuild:
		if p.LocalBuild == nil || p.RemoteCI != nil {
			return errors.New("local_build provenance needs exactly the localBuild origin")
		}
	default:
		return fmt.Errorf("unknown provenance kind %q", p.Kind)
	}
	return nil
}

// LibraryEntry is one installed library.
type LibraryEntry struct {
	Key           string          `json:"key" yaml:"key"`
	Provenance    Provenance      `json:"provenance" yaml:"provenance"`
	IsDevelopment bool            `json:"isDevelopment" yaml:"isDevelopment"`
	Description   json.RawMessage `json:"description,omitempty" yaml:"-"`
	InstalledAt   time.Time       `json:"installedAt" yaml:"installedAt"`
	Path          string          `json:"path" yaml:"path"`
}

// Op is the kind of registry mutation.
type Op string

const (
	OpInstall   Op = "install"
	OpUninstall Op = "uninstall"
)

// Change is delivered to observers after every mutation.
type Change struct {
	Op    Op           `json:"op"`
	Entry LibraryEntry `json:"entry"`
}

// Predicate matches installed entries.
type Predicate func(LibraryEntry) bool

// FromRemoteRun matches libraries installed from one workflow run.
func FromRemoteRun(owner, repo string, runID int64) Predicate {
	return func(e LibraryEntry) bool {
		ci := e.Provenance.RemoteCI
		return e.Provenance.Kind == KindRemoteCI && ci != nil &&
			ci.Owner == owner && ci.Repo == repo && ci.RunID == runID
	}
}

// FromLocalBuild matches libraries installed from one ledger attempt.
func FromLocalBuild(projectDir string, attemptID int) Predicate {
	dir := filepath.Clean(projectDir)
	return func(e LibraryEntry) bool {
		lb := e.Provenance.LocalBuild
		return e.Provenance.Kind == KindLocalBuild && lb != nil &&
			lb.ProjectDir == dir && lb.AttemptID == attemptID
	}
}

// FromProject matches every library built locally from projectDir.
func FromProject(projectDir string) Predicate {
	dir := filepath.Clean(projectDir)
	return func(e LibraryEntry) bool {
		lb := e.Provenance.LocalBuild
		return e.Provenance.Kind == KindLocalBuild && lb != nil && lb.ProjectDir == dir
	}
}

// ConflictError reports that the backing file of an install could not be put
// in place. The registry is left unchanged.
type ConflictError struct {
	Key string
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("install %s: %v", e.Key, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// validKey accepts plain, non-hidden file names.
func validKey(key string) bool {
	return key != "" && !strings.HasPrefix(key, ".") && !strings.ContainsAny(key, `/\`)
}
