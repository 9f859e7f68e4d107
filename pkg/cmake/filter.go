// Package cmake reads the filter target a project declares with add_filter in
// its CMakeLists.txt.
package cmake

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// ListsFile is the build description read from a project root.
const ListsFile = "CMakeLists.txt"

// versionArg is the position of the version among the add_filter arguments.
const versionArg = 7

var ErrNoFilter = errors.New("no add_filter command")

// Filter is the target declared by add_filter(<name> ... <version> ...).
type Filter struct {
	Name    string
	Version string
}

// Library is the file name the build produces for the filter.
func (f Filter) Library() string { return f.Name + "_" + f.Version + ".wasm" }

// Description is the file name of the filter's JSON description.
func (f Filter) Description() string { return f.Name + "_" + f.Version + ".json" }

// Load parses <dir>/CMakeLists.txt. ok is false when the project has no
// lists file or it declares no filter.
func Load(fsys afero.Fs, dir string) (f Filter, ok bool, err error) {
	data, err := afero.ReadFile(fsys, filepath.Join(dir, ListsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Filter{}, false, nil
	}
	if err != nil {
		return Filter{}, false, fmt.Errorf("read %s: %w", ListsFile, err)
	}
	f, err = Parse(string(data))
	if errors.Is(err, ErrNoFilter) {
		return Filter{}, false, nil
	}
	if err != nil {
		return Filter{}, false, err
	}
	return f, true, nil
}

// Parse extracts the first add_filter invocation of a lists file.
func Parse(src string) (Filter, error) {
	args, found := firstInvocation(stripComments(src), "add_filter")
	if !found {
		return Filter{}, ErrNoFilter
	}
	if len(args) <= versionArg {
		return Filter{}, fmt.Errorf("add_filter: want at least %d arguments, got %d", versionArg+1, len(args))
	}
	return Filter{Name: args[0], Version: args[versionArg]}, nil
}

// stripComments drops line comments outside quoted arguments.
func stripComments(src string) string {
	var b strings.Builder
	quoted, comment := false, false
	for _, r := range src {
		switch {
		case comment:
			if r == '\n' {
				comment = false
				b.WriteRune(r)
			}
			continue
		case r == '"':
			quoted = !quoted
		case r == '#' && !quoted:
			comment = true
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// firstInvocation returns the arguments of the first call to command.
// Command names match case-insensitively, as in CMake.
func firstInvocation(src, command string) ([]string, bool) {
	lower := strings.ToLower(src)
	for from := 0; ; {
		i := strings.Index(lower[from:], command)
		if i < 0 {
			return nil, false
		}
		start := from + i
		from = start + len(command)
		if start > 0 && isIdent(src[start-1]) {
			continue
		}
		rest := strings.TrimLeft(src[from:], " \t")
		if !strings.HasPrefix(rest, "(") {
			continue
		}
		body := rest[1:]
		end := closingParen(body)
		if end < 0 {
			return nil, false
		}
		return splitArgs(body[:end]), true
	}
}

func closingParen(s string) int {
	depth, quoted := 0, false
	for i := 0; i < len(s); i++ {
		switch c := s[i]; {
		case c == '"':
			quoted = !quoted
		case quoted:
		case c == '(':
			depth++
		case c == ')':
			if depth == 0 {
				return i
			}
			depth--
		}
	}
	return -1
}

func splitArgs(s string) []string {
	var (
		args   []string
		cur    strings.Builder
		quoted bool
		inArg  bool
	)
	flush := func() {
		if inArg {
			args = append(args, cur.String())
			cur.Reset()
			inArg = false
		}
	}
	for _, r := range s {
		switch {
		case r == '"':
			quoted = !quoted
			inArg = true
		case !quoted && (r == ' ' || r == '\t' || r == '\n' || r == '\r'):
			flush()
		default:
			cur.WriteRune(r)
			inArg = true
		}
	}
	flush()
	return args
}

func isIdent(c byte) bool {
	return c == '_' || c >= '0' && c <= '9' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z'
}
