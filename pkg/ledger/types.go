package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of an attempt.
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// File names inside an attempt directory.
const (
	fileStatus     = "STATUS"
	fileReturnCode = "RETURNCODE"
	fileName       = "NAME"
	fileTerminal   = "TERMINAL"
	fileError      = "ERROR"
	fileSource     = "source.zip"
	dirOutput      = "output"

	untrustedSuffix = ".untrusted"
)

var (
	ErrNotFound         = errors.New("attempt not found")
	ErrAttemptCompleted = errors.New("attempt already completed")
	ErrInvalidName      = errors.New("invalid artifact name")
)

// FilesystemError reports a failed ledger read or write.
type FilesystemError struct {
	Op   string
	Path string
	Err  error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error { return e.Err }

// Summary is the listing view of an attempt.
type Summary struct {
	ID         int       `json:"id" yaml:"id"`
	Status     Status    `json:"status" yaml:"status"`
	ReturnCode *int      `json:"returnCode,omitempty" yaml:"returnCode,omitempty"`
	CreatedAt  time.Time `json:"createdAt" yaml:"createdAt"`
}

// Succeeded reports whether the attempt completed with return code 0.
func (s Summary) Succeeded() bool {
	return s.Status == StatusCompleted && s.ReturnCode != nil && *s.ReturnCode == 0
}

// Detail is the full persisted record of one build attempt.
type Detail struct {
	Summary   `yaml:",inline"`
	Terminal  string         `json:"terminal,omitempty" yaml:"terminal,omitempty"`
	Error     string         `json:"error,omitempty" yaml:"error,omitempty"`
	Steps     []Step         `json:"steps" yaml:"steps"`
	Artifacts []ArtifactInfo `json:"artifacts" yaml:"artifacts"`
}

// Step is one persisted build step.
type Step struct {
	Index      int    `json:"index" yaml:"index"`
	Name       string `json:"name" yaml:"name"`
	Terminal   string `json:"terminal" yaml:"terminal"`
	ReturnCode *int   `json:"returnCode,omitempty" yaml:"returnCode,omitempty"`
	Error      string `json:"error,omitempty" yaml:"error,omitempty"`
}

// ArtifactInfo describes a stored artifact. Expected and Actual are only set
// for artifacts whose digest did not match.
type ArtifactInfo struct {
	Name     string `json:"name" yaml:"name"`
	Size     int64  `json:"size" yaml:"size"`
	Trusted  bool   `json:"trusted" yaml:"trusted"`
	Expected string `json:"expected,omitempty" yaml:"expected,omitempty"`
	Actual   string `json:"actual,omitempty" yaml:"actual,omitempty"`
}

// ArtifactRecord is an artifact to be written into an attempt.
type ArtifactRecord struct {
	Name     string
	Data     []byte
	Trusted  bool
	Expected string
	Actual   string
}
