package packager

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/spf13/afero"
)

// epoch is stamped on every entry so identical trees produce identical archives.
var epoch = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)

// IOError reports a project tree that could not be read.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("pack %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Pack collects dir into a zip archive with paths relative to dir. Entries
// whose name starts with "." are skipped at every depth.
func Pack(ctx context.Context, fsys afero.Fs, dir string) ([]byte, error) {
	info, err := fsys.Stat(dir)
	if err != nil {
		return nil, &IOError{Path: dir, Err: err}
	}
	if !info.IsDir() {
		return nil, &IOError{Path: dir, Err: fmt.Errorf("not a directory")}
	}

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)

	err = afero.Walk(fsys, dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return &IOError{Path: path, Err: walkErr}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if Hidden(info.Name()) {
			if info.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return &IOError{Path: path, Err: err}
		}
		name := filepath.ToSlash(rel)

		if info.IsDir() {
			_, err := zw.CreateHeader(&zip.FileHeader{Name: name + "/", Modified: epoch})
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		return addFile(fsys, zw, path, name)
	})
	if err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close archive: %w", err)
	}
	return buf.Bytes(), nil
}

// Hidden reports whether a single path element is excluded from archives.
func Hidden(name string) bool {
	return strings.HasPrefix(name, ".")
}

func addFile(fsys afero.Fs, zw *zip.Writer, path, name string) error {
	src, err := fsys.Open(path)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}
	defer src.Close()

	w, err := zw.CreateHeader(&zip.FileHeader{
		Name:     name,
		Method:   zip.Deflate,
		Modified: epoch,
	})
	if err != nil {
		return fmt.Errorf("add %s: %w", name, err)
	}
	if _, err := io.Copy(w, src); err != nil {
		return &IOError{Path: path, Err: err}
	}
	return nil
}
