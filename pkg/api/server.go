// Package api serves the local HTTP API used by the editor integration: build
// history, live terminal output, compilation control and the library
// registry.
package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/bevara/compiler/pkg/auth"
	"github.com/bevara/compiler/pkg/ci"
	"github.com/bevara/compiler/pkg/ledger"
	"github.com/bevara/compiler/pkg/livelog"
	"github.com/bevara/compiler/pkg/orchestrator"
	"github.com/bevara/compiler/pkg/registry"
)

// Config wires a Server. CI and Repo are only needed to install libraries
// from workflow runs.
type Config struct {
	Compiler *orchestrator.Compiler
	Registry *registry.Registry
	Hub      *livelog.Hub
	CI       registry.ArtifactSource
	Repo     ci.Repo

	// DefaultProject is used when a request has no project parameter.
	DefaultProject string

	// Token, when set, is required as a bearer token on /api routes.
	Token string

	// Context bounds builds started through the API. It defaults to
	// context.Background.
	Context context.Context

	Logger *slog.Logger
}

type Server struct {
	compiler *orchestrator.Compiler
	ledger   *ledger.Ledger
	registry *registry.Registry
	hub      *livelog.Hub
	ci       registry.ArtifactSource
	repo     ci.Repo
	project  string
	token    string
	baseCtx  context.Context
	logger   *slog.Logger
}

func NewServer(cfg Config) *Server {
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		compiler: cfg.Compiler,
		registry: cfg.Registry,
		hub:      cfg.Hub,
		ci:       cfg.CI,
		repo:     cfg.Repo,
		project:  cfg.DefaultProject,
		token:    cfg.Token,
		baseCtx:  cfg.Context,
		logger:   cfg.Logger,
	}
	if cfg.Compiler != nil {
		s.ledger = cfg.Compiler.Ledger()
	}
	return s
}

// Handler returns the routed API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthzHandler)

	r.Route("/api", func(r chi.Router) {
		if s.token != "" {
			r.Use(s.requireToken)
		}
		r.Route("/builds", func(r chi.Router) {
			r.Post("/", s.handleCompile)
			r.Get("/", s.handleListBuilds)
			r.Delete("/", s.handleClearBuilds)
			r.Get("/last-success", s.handleLastSuccess)
			r.Post("/cancel", s.handleCancel)
			r.Route("/{attemptID}", func(r chi.Router) {
				r.Get("/", s.handleGetBuild)
				r.Get("/logs", s.handleStreamLogs)
				r.Post("/rerun", s.handleRerun)
			})
		})
		r.Route("/library", func(r chi.Router) {
			r.Get("/", s.handleListLibrary)
			r.Post("/", s.handleInstall)
			r.Get("/events", s.handleLibraryEvents)
			r.Delete("/{key}", s.handleUninstall)
		})
	})
	return r
}

func (s *Server) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := auth.ExtractBearer(r)
		if err != nil {
			respondError(w, http.StatusUnauthorized, err.Error())
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.token)) != 1 {
			respondError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func healthzHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, map[string]string{"status": "ok"}, http.StatusOK)
}

// projectDir resolves the project a request targets.
func (s *Server) projectDir(w http.ResponseWriter, r *http.Request) (string, bool) {
	project := r.URL.Query().Get("project")
	if project == "" {
		project = s.project
	}
	if project == "" {
		respondError(w, http.StatusBadRequest, "project is required")
		return "", false
	}
	return filepath.Clean(project), true
}

func attemptParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "attemptID"))
	if err != nil || id < 1 {
		respondError(w, http.StatusBadRequest, "invalid attempt id")
		return 0, false
	}
	return id, true
}

func respondJSON(w http.ResponseWriter, payload any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, map[string]string{"error": message}, status)
}

// respondErr maps domain errors onto HTTP statuses.
func respondErr(w http.ResponseWriter, err error) {
	var conflict *registry.ConflictError
	switch {
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, registry.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, orchestrator.ErrBuildRunning), errors.As(err, &conflict):
		respondError(w, http.StatusConflict, err.Error())
	case errors.Is(err, registry.ErrInvalidKey),
		errors.Is(err, registry.ErrAttemptNotSuccessful),
		errors.Is(err, registry.ErrNoLibraries):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		respondError(w, http.StatusInternalServerError, err.Error())
	}
}

// sse writes server-sent events to a flushing response.
type sse struct {
	w http.ResponseWriter
	f http.Flusher
}

func startSSE(w http.ResponseWriter) (*sse, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("streaming unsupported")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	f.Flush()
	return &sse{w: w, f: f}, nil
}

func (s *sse) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.f.Flush()
	return nil
}
