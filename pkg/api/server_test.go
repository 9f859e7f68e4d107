package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bevara/compiler/pkg/livelog"
	"github.com/bevara/compiler/pkg/orchestrator"
	"github.com/bevara/compiler/pkg/registry"
	"github.com/bevara/compiler/pkg/stream"
)

const project = "/work/codec"

// scriptService answers every compile with a fixed record stream.
type scriptService func(w *stream.Writer)

func (f scriptService) Compile(ctx context.Context, archive []byte, opts orchestrator.CompileOptions) (*http.Response, error) {
	var buf bytes.Buffer
	f(stream.NewWriter(&buf))
	return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(&buf)}, nil
}

// holdService keeps the response open until the request context ends.
type holdService struct{}

func (holdService) Compile(ctx context.Context, archive []byte, opts orchestrator.CompileOptions) (*http.Response, error) {
	pr, pw := io.Pipe()
	go func() {
		pw.Write([]byte("data: step: build\n"))
		<-ctx.Done()
		pw.CloseWithError(ctx.Err())
	}()
	return &http.Response{StatusCode: http.StatusOK, Body: pr}, nil
}

func succeed(w *stream.Writer) {
	w.Step("build")
	w.Terminal("hello")
	w.Artifact("codec.wasm", []byte("\x00asm"))
	w.ReturnCode(0)
}

type harness struct {
	srv      *httptest.Server
	compiler *orchestrator.Compiler
	registry *registry.Registry
	token    string
}

func newHarness(t *testing.T, svc orchestrator.Service, token string) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, project+"/codec.c", []byte("int main(){}"), 0o644))

	hub := livelog.NewHub()
	compiler := orchestrator.NewCompiler(orchestrator.Config{Service: svc, FS: fs, Sink: hub})
	reg, err := registry.New(context.Background(), registry.Config{
		Store: registry.NewFileStore(fs, "/state/registry.json"),
		FS:    fs,
		Dir:   "/lib",
	})
	require.NoError(t, err)

	s := NewServer(Config{Compiler: compiler, Registry: reg, Hub: hub, Token: token})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &harness{srv: srv, compiler: compiler, registry: reg, token: token}
}

func (h *harness) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, h.srv.URL+path, rd)
	require.NoError(t, err)
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := map[string]any{}
	raw, _ := io.ReadAll(resp.Body)
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(raw, &out))
	}
	return resp, out
}

func (h *harness) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !h.compiler.Running(project) }, 2*time.Second, 5*time.Millisecond)
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "")
	resp, body := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}

func TestTokenRequired(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "s3cret")

	resp, err := http.Get(h.srv.URL + "/api/library")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/library", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCompileAndQueryBuilds(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "")

	resp, body := h.do(t, http.MethodPost, "/api/builds?project="+project, CompileRequest{Debug: true})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 1, body["attemptId"])
	h.waitIdle(t)

	resp, body = h.do(t, http.MethodGet, "/api/builds?project="+project, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	builds := body["builds"].([]any)
	require.Len(t, builds, 1)
	assert.Equal(t, "completed", builds[0].(map[string]any)["status"])

	resp, body = h.do(t, http.MethodGet, "/api/builds/last-success?project="+project, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 1, body["attemptId"])

	resp, body = h.do(t, http.MethodGet, "/api/builds/1?project="+project, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	build := body["build"].(map[string]any)
	assert.Len(t, build["artifacts"], 1)

	resp, _ = h.do(t, http.MethodGet, "/api/builds/7?project="+project, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = h.do(t, http.MethodGet, "/api/builds/nope?project="+project, nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = h.do(t, http.MethodPost, "/api/builds/1/rerun?project="+project, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.EqualValues(t, 2, body["attemptId"])
	h.waitIdle(t)

	resp, body = h.do(t, http.MethodDelete, "/api/builds?project="+project, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.EqualValues(t, 2, body["removed"])
}

func TestProjectRequired(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "")
	resp, _ := h.do(t, http.MethodGet, "/api/builds", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStreamLogsOfFinishedBuild(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "")
	resp, _ := h.do(t, http.MethodPost, "/api/builds?project="+project, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.waitIdle(t)

	logs, err := http.Get(h.srv.URL + "/api/builds/1/logs?project=" + project)
	require.NoError(t, err)
	defer logs.Body.Close()
	assert.Equal(t, "text/event-stream", logs.Header.Get("Content-Type"))

	raw, err := io.ReadAll(logs.Body)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"text":"hello\n"`)
	assert.Contains(t, string(raw), "event: end")
}

func TestStreamLogsFromLedgerGroupsBySteps(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, project+"/codec.c", []byte("int main(){}"), 0o644))
	compiler := orchestrator.NewCompiler(orchestrator.Config{
		FS: fs,
		Service: scriptService(func(w *stream.Writer) {
			w.Terminal("preparing")
			w.Step("configure")
			w.Terminal("cmake")
			w.ReturnCode(0)
			w.Step("build")
			w.Terminal("emcc")
			w.ReturnCode(0)
		}),
	})
	_, err := compiler.Compile(context.Background(), project, orchestrator.Options{})
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(Config{Compiler: compiler}).Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/api/builds/1/logs?project=" + project)
	require.NoError(t, err)
	defer resp.Body.Close()

	var got []livelog.Line
	scanner := bufio.NewScanner(resp.Body)
	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: ") && event == "":
			var l livelog.Line
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &l))
			got = append(got, l)
		case line == "":
			event = ""
		}
	}
	require.NoError(t, scanner.Err())

	assert.Equal(t, []livelog.Line{
		{Step: 0, Text: "preparing\n"},
		{Step: 1, Text: "cmake\n"},
		{Step: 2, Text: "emcc\n"},
	}, got)
}

func TestConcurrentBuildConflictsAndCancel(t *testing.T) {
	h := newHarness(t, holdService{}, "")

	resp, _ := h.do(t, http.MethodPost, "/api/builds?project="+project, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/builds?project="+project, nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/builds/cancel?project="+project, nil)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.waitIdle(t)

	resp, _ = h.do(t, http.MethodPost, "/api/builds/cancel?project="+project, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	d, err := h.compiler.Ledger().Get(project, 1)
	require.NoError(t, err)
	require.NotNil(t, d.ReturnCode)
	assert.Equal(t, 1, *d.ReturnCode)
}

func TestLibraryInstallListUninstall(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "")
	resp, _ := h.do(t, http.MethodPost, "/api/builds?project="+project, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	h.waitIdle(t)

	resp, _ = h.do(t, http.MethodPost, "/api/library", InstallRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = h.do(t, http.MethodPost, "/api/library", InstallRequest{RunID: 3})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "no CI configured")

	resp, body := h.do(t, http.MethodPost, "/api/library?project="+project, InstallRequest{AttemptID: 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Len(t, body["installed"], 1)

	resp, body = h.do(t, http.MethodGet, "/api/library", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	libs := body["libraries"].([]any)
	require.Len(t, libs, 1)
	assert.Equal(t, "codec.wasm", libs[0].(map[string]any)["key"])

	resp, _ = h.do(t, http.MethodDelete, "/api/library/codec.wasm", nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = h.do(t, http.MethodDelete, "/api/library/codec.wasm", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestLibraryEvents(t *testing.T) {
	h := newHarness(t, scriptService(succeed), "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.srv.URL+"/api/library/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	entry := registry.LibraryEntry{Key: "x.wasm", Provenance: registry.FromCI("o", "r", 1)}
	_, err = h.registry.Install(context.Background(), entry, strings.NewReader("bin"))
	require.NoError(t, err)

	sc := bufio.NewScanner(resp.Body)
	var event, data string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	assert.Equal(t, "install", event)

	var change registry.Change
	require.NoError(t, json.Unmarshal([]byte(data), &change))
	assert.Equal(t, "x.wasm", change.Entry.Key)
}
