package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/bevara/compiler/pkg/ledger"
	"github.com/bevara/compiler/pkg/livelog"
	"github.com/bevara/compiler/pkg/orchestrator"
)

// CompileRequest is the optional body of POST /api/builds.
type CompileRequest struct {
	Debug  bool   `json:"debug"`
	Folder string `json:"folder,omitempty"`
}

func decodeCompileRequest(r *http.Request) (CompileRequest, error) {
	var req CompileRequest
	if r.Body == nil {
		return req, nil
	}
	err := json.NewDecoder(r.Body).Decode(&req)
	if errors.Is(err, io.EOF) {
		return req, nil
	}
	return req, err
}

func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	req, err := decodeCompileRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}

	s.start(w, project, func(opts orchestrator.Options) (orchestrator.Result, error) {
		return s.compiler.Compile(s.baseCtx, project, opts)
	}, req)
}

func (s *Server) handleRerun(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	id, ok := attemptParam(w, r)
	if !ok {
		return
	}
	req, err := decodeCompileRequest(r)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if _, err := s.ledger.SourceArchive(project, id); err != nil {
		respondErr(w, err)
		return
	}

	s.start(w, project, func(opts orchestrator.Options) (orchestrator.Result, error) {
		return s.compiler.Rerun(s.baseCtx, project, id, opts)
	}, req)
}

// start runs an attempt in the background and answers once the ledger has
// allocated it, or with the error that prevented allocation.
func (s *Server) start(w http.ResponseWriter, project string, run func(orchestrator.Options) (orchestrator.Result, error), req CompileRequest) {
	started := make(chan int, 1)
	failed := make(chan error, 1)
	go func() {
		res, err := run(orchestrator.Options{
			Debug:     req.Debug,
			Folder:    req.Folder,
			OnAttempt: func(id int) { started <- id },
		})
		if err != nil {
			s.logger.Warn("build ended with error", "project", project, "attempt", res.AttemptID, "error", err)
			failed <- err
			return
		}
		s.logger.Info("build finished", "project", project, "attempt", res.AttemptID, "state", res.State)
	}()

	select {
	case id := <-started:
		respondJSON(w, map[string]any{"project": project, "attemptId": id}, http.StatusAccepted)
	case err := <-failed:
		select {
		case id := <-started:
			respondJSON(w, map[string]any{"project": project, "attemptId": id}, http.StatusAccepted)
		default:
			respondErr(w, err)
		}
	}
}

func (s *Server) handleListBuilds(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	builds, err := s.ledger.List(project)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]any{"builds": builds, "running": s.compiler.Running(project)}, http.StatusOK)
}

func (s *Server) handleClearBuilds(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	removed, err := s.ledger.Clear(project)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]int{"removed": removed}, http.StatusOK)
}

func (s *Server) handleLastSuccess(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	id, found, err := s.ledger.LastSuccessful(project)
	if err != nil {
		respondErr(w, err)
		return
	}
	if !found {
		respondError(w, http.StatusNotFound, "no successful build")
		return
	}
	respondJSON(w, map[string]int{"attemptId": id}, http.StatusOK)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	if !s.compiler.Cancel(project) {
		respondError(w, http.StatusNotFound, "no build running")
		return
	}
	respondJSON(w, map[string]bool{"cancelled": true}, http.StatusAccepted)
}

func (s *Server) handleGetBuild(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	id, ok := attemptParam(w, r)
	if !ok {
		return
	}
	detail, err := s.ledger.Get(project, id)
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]any{"build": detail}, http.StatusOK)
}

// handleStreamLogs streams the terminal output of an attempt. Live attempts
// are followed until they finish in arrival order. Attempts no longer held by
// the hub are replayed from the ledger grouped by step: attempt-level output
// (step 0) first, then each step in index order.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	project, ok := s.projectDir(w, r)
	if !ok {
		return
	}
	id, ok := attemptParam(w, r)
	if !ok {
		return
	}

	var lines <-chan livelog.Line
	if s.hub != nil {
		ch, cancel, err := s.hub.Subscribe(livelog.Key{Project: project, Attempt: id})
		if err == nil {
			defer cancel()
			lines = ch
		}
	}

	var stored []livelog.Line
	if lines == nil {
		detail, err := s.ledger.Get(project, id)
		if err != nil {
			respondErr(w, err)
			return
		}
		stored = storedLines(detail)
	}

	out, err := startSSE(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if lines == nil {
		for _, line := range stored {
			if err := out.send("", line); err != nil {
				return
			}
		}
		_ = out.send("end", map[string]int{"attemptId": id})
		return
	}

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case line, ok := <-lines:
			if !ok {
				_ = out.send("end", map[string]int{"attemptId": id})
				return
			}
			if err := out.send("", line); err != nil {
				return
			}
		}
	}
}

func storedLines(d *ledger.Detail) []livelog.Line {
	var out []livelog.Line
	if d.Terminal != "" {
		out = append(out, livelog.Line{Text: d.Terminal})
	}
	for _, st := range d.Steps {
		if st.Terminal != "" {
			out = append(out, livelog.Line{Step: st.Index, Text: st.Terminal})
		}
	}
	return out
}
