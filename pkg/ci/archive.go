package ci

import (
	"bytes"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
)

// maxEntrySize bounds a single decompressed artifact entry.
const maxEntrySize = 128 << 20

// DecompressArtifact unpacks an artifact zip into a map of entry name to
// content. Directory entries are skipped; entries escaping the archive root
// are rejected.
func DecompressArtifact(data []byte) (map[string][]byte, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open artifact archive: %w", err)
	}

	files := make(map[string][]byte, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		name := path.Clean(strings.ReplaceAll(f.Name, `\`, "/"))
		if name == "." || path.IsAbs(name) || name == ".." || strings.HasPrefix(name, "../") {
			return nil, fmt.Errorf("artifact entry %q escapes archive", f.Name)
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("open artifact entry %s: %w", f.Name, err)
		}
		b, err := io.ReadAll(io.LimitReader(rc, maxEntrySize+1))
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read artifact entry %s: %w", f.Name, err)
		}
		if len(b) > maxEntrySize {
			return nil, fmt.Errorf("artifact entry %s larger than %d bytes", f.Name, maxEntrySize)
		}
		files[name] = b
	}
	return files, nil
}
