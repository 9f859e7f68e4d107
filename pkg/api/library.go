package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bevara/compiler/pkg/registry"
)

// InstallRequest is the body of POST /api/library. Exactly one of AttemptID
// and RunID is set.
type InstallRequest struct {
	AttemptID int   `json:"attemptId,omitempty"`
	RunID     int64 `json:"runId,omitempty"`
}

func (s *Server) handleListLibrary(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]any{"libraries": s.registry.ListInstalled()}, http.StatusOK)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req InstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid JSON payload")
		return
	}
	if (req.AttemptID == 0) == (req.RunID == 0) {
		respondError(w, http.StatusBadRequest, "exactly one of attemptId and runId is required")
		return
	}

	var (
		installed []registry.LibraryEntry
		err       error
	)
	if req.AttemptID != 0 {
		project, ok := s.projectDir(w, r)
		if !ok {
			return
		}
		installed, err = s.registry.InstallFromLedger(r.Context(), s.ledger, project, req.AttemptID)
	} else {
		if s.ci == nil || s.repo.Owner == "" || s.repo.Name == "" {
			respondError(w, http.StatusBadRequest, "no CI repository configured")
			return
		}
		installed, err = s.registry.InstallFromCI(r.Context(), s.ci, s.repo, req.RunID)
	}
	if err != nil {
		respondErr(w, err)
		return
	}
	respondJSON(w, map[string]any{"installed": installed}, http.StatusCreated)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")
	if _, ok := s.registry.Get(key); !ok {
		respondError(w, http.StatusNotFound, "library not installed")
		return
	}
	if err := s.registry.Uninstall(r.Context(), key); err != nil {
		respondErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleLibraryEvents streams registry changes until the client goes away.
func (s *Server) handleLibraryEvents(w http.ResponseWriter, r *http.Request) {
	changes := make(chan registry.Change, 16)
	cancel := s.registry.Subscribe(func(c registry.Change) {
		select {
		case changes <- c:
		default:
			s.logger.Warn("dropping library event for slow client", "key", c.Entry.Key)
		}
	})
	defer cancel()

	out, err := startSSE(w)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	done := r.Context().Done()
	for {
		select {
		case <-done:
			return
		case c := <-changes:
			if err := out.send(string(c.Op), c); err != nil {
				return
			}
		}
	}
}
