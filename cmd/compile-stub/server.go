package main

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zip"

	"github.com/bevara/compiler/pkg/auth"
	"github.com/bevara/compiler/pkg/stream"
)

const maxUpload = 256 << 20

type server struct {
	delay   time.Duration
	fail    bool
	corrupt bool
	token   string
}

// handleCompile unpacks the uploaded archive and streams three steps:
// unpack, build and link. ?fail=1 and ?corrupt=1 override the flags.
func (s *server) handleCompile(w http.ResponseWriter, r *http.Request) {
	if s.token != "" {
		token, err := auth.ExtractBearer(r)
		if err != nil || token != s.token {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxUpload)
	file, _, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("missing file part: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()
	archive, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read archive", http.StatusBadRequest)
		return
	}

	folder := strings.TrimSpace(r.FormValue("folder"))
	if folder == "" {
		folder = "project"
	}
	debug := r.FormValue("debug") == "True"
	fail := s.fail || r.URL.Query().Get("fail") == "1"
	corrupt := s.corrupt || r.URL.Query().Get("corrupt") == "1"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	out := stream.NewWriter(w)
	job := s.newJob(r, out)

	job.step("unpack")
	names, err := listArchive(archive)
	if err != nil {
		out.Error(err.Error())
		out.ReturnCode(1)
		return
	}
	out.Terminal(fmt.Sprintf("job %s: %d files", job.id, len(names)))
	for _, name := range names {
		out.Terminal("  " + name)
	}
	out.ReturnCode(0)

	job.step("build")
	if debug {
		out.Terminal("emcc -g -O0 " + strings.Join(sources(names), " "))
	} else {
		out.Terminal("emcc -O3 " + strings.Join(sources(names), " "))
	}
	if fail {
		out.Error("build failed: simulated compiler error")
		out.ReturnCode(2)
		return
	}
	out.ReturnCode(0)

	job.step("link")
	wasm := fakeModule(folder, archive)
	name := folder + ".wasm"
	if corrupt {
		out.ArtifactWithDigest(name, strings.Repeat("0", sha256.Size*2), wasm)
	} else {
		sum := sha256.Sum256(wasm)
		out.ArtifactWithDigest(name, hex.EncodeToString(sum[:]), wasm)
	}
	out.Terminal(fmt.Sprintf("wrote %s (%d bytes)", name, len(wasm)))
	out.ReturnCode(0)
}

type job struct {
	id    string
	out   *stream.Writer
	delay time.Duration
	r     *http.Request
}

func (s *server) newJob(r *http.Request, out *stream.Writer) *job {
	id := r.Header.Get("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	return &job{id: id, out: out, delay: s.delay, r: r}
}

func (j *job) step(name string) {
	if j.delay > 0 {
		select {
		case <-time.After(j.delay):
		case <-j.r.Context().Done():
		}
	}
	j.out.Step(name)
}

func listArchive(data []byte) ([]string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("invalid archive: %w", err)
	}
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if !f.FileInfo().IsDir() {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func sources(names []string) []string {
	var out []string
	for _, n := range names {
		switch filepath.Ext(n) {
		case ".c", ".cc", ".cpp", ".h":
			out = append(out, n)
		}
	}
	return out
}

// fakeModule returns a minimal wasm header followed by a digest of the
// sources, so every distinct upload yields a distinct artifact.
func fakeModule(folder string, archive []byte) []byte {
	sum := sha256.Sum256(append([]byte(folder), archive...))
	return append([]byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}, sum[:]...)
}
