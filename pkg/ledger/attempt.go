package ledger

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/afero"
)

// Attempt is the write handle of one in-progress attempt. Records are applied
// in call order; once Finalize succeeds every record method returns
// ErrAttemptCompleted.
type Attempt struct {
	fs  afero.Fs
	id  int
	dir string

	mu        sync.Mutex
	completed bool
}

// ID returns the attempt id.
func (a *Attempt) ID() int { return a.id }

// stepDir maps step 0 to the attempt directory itself.
func (a *Attempt) stepDir(step int) string {
	if step <= 0 {
		return a.dir
	}
	return filepath.Join(a.dir, strconv.Itoa(step))
}

func (a *Attempt) do(fn func() error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.completed {
		return ErrAttemptCompleted
	}
	return fn()
}

// RecordSource stores the packaged sources submitted for this attempt.
func (a *Attempt) RecordSource(archive []byte) error {
	return a.do(func() error {
		return writeFileAtomic(a.fs, filepath.Join(a.dir, fileSource), archive)
	})
}

// RecordStep creates the directory of step index and records its name.
func (a *Attempt) RecordStep(index int, name string) error {
	if index < 1 {
		return fmt.Errorf("record step: invalid index %d", index)
	}
	return a.do(func() error {
		return writeFileAtomic(a.fs, filepath.Join(a.stepDir(index), fileName), []byte(name))
	})
}

// AppendTerminal appends text to the terminal log of step, or of the attempt
// when step is 0.
func (a *Attempt) AppendTerminal(step int, text string) error {
	return a.do(func() error {
		return a.appendTo(step, fileTerminal, text)
	})
}

// RecordReturnCode stores the exit status of a step. The attempt-level code
// is only written by Finalize, so step 0 is a no-op.
func (a *Attempt) RecordReturnCode(step, code int) error {
	return a.do(func() error {
		if step <= 0 {
			return nil
		}
		return writeFileAtomic(a.fs, filepath.Join(a.stepDir(step), fileReturnCode), []byte(strconv.Itoa(code)))
	})
}

// RecordError appends text to the error log of step and mirrors it into the
// terminal log.
func (a *Attempt) RecordError(step int, text string) error {
	return a.do(func() error {
		line := text + "\n"
		if err := a.appendTo(step, fileError, line); err != nil {
			return err
		}
		return a.appendTo(step, fileTerminal, line)
	})
}

// RecordArtifact writes an artifact into the output directory. Untrusted
// artifacts are kept next to a marker holding both digests.
func (a *Attempt) RecordArtifact(rec ArtifactRecord) error {
	if !validName(rec.Name) {
		return fmt.Errorf("record artifact %q: %w", rec.Name, ErrInvalidName)
	}
	return a.do(func() error {
		out := filepath.Join(a.dir, dirOutput)
		marker := filepath.Join(out, rec.Name+untrustedSuffix)
		if err := writeFileAtomic(a.fs, filepath.Join(out, rec.Name), rec.Data); err != nil {
			return err
		}
		if rec.Trusted {
			if err := a.fs.Remove(marker); err != nil && !os.IsNotExist(err) {
				return &FilesystemError{Op: "remove", Path: marker, Err: err}
			}
			return nil
		}
		body := fmt.Sprintf("expected %s\nactual %s\n", rec.Expected, rec.Actual)
		return writeFileAtomic(a.fs, marker, []byte(body))
	})
}

// Finalize writes the final return code and marks the attempt completed.
func (a *Attempt) Finalize(code int) error {
	return a.do(func() error {
		if err := writeFileAtomic(a.fs, filepath.Join(a.dir, fileReturnCode), []byte(strconv.Itoa(code))); err != nil {
			return err
		}
		if err := writeFileAtomic(a.fs, filepath.Join(a.dir, fileStatus), []byte(StatusCompleted)); err != nil {
			return err
		}
		a.completed = true
		return nil
	})
}

// Completed reports whether Finalize has succeeded.
func (a *Attempt) Completed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.completed
}

func (a *Attempt) appendTo(step int, file, text string) error {
	dir := a.stepDir(step)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return &FilesystemError{Op: "mkdir", Path: dir, Err: err}
	}
	return appendFile(a.fs, filepath.Join(dir, file), []byte(text))
}
