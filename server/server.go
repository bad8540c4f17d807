// Package server exposes the read-only discovery and operations API the
// configuration UI consumes: adapter schemas, configured sources, source
// connectivity tests, outbound sends, and metrics.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/teranos/intake/errors"
	"github.com/teranos/intake/ingest"
	"github.com/teranos/intake/version"
)

// Ingester is the engine surface the API needs.
type Ingester interface {
	TestSource(ctx context.Context, src *ingest.Source) (*ingest.TestResult, error)
	Send(ctx context.Context, sourceID, target, message string) error
	SessionState(sourceID string) ingest.SessionState
	Running() []string
}

// SourceProvider returns the currently loaded source list. The command
// layer keeps it in sync with the sources file.
type SourceProvider func() []*ingest.Source

// Server is the HTTP API server.
type Server struct {
	registry *ingest.Registry
	engine   Ingester
	sources  SourceProvider
	log      *zap.SugaredLogger

	http *http.Server
}

// New creates the API server bound to addr.
func New(addr string, registry *ingest.Registry, engine Ingester, sources SourceProvider, log *zap.SugaredLogger) *Server {
	s := &Server{
		registry: registry,
		engine:   engine,
		sources:  sources,
		log:      log,
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Router builds the chi route tree. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(2 * time.Minute))

	r.Get("/healthz", s.handleHealth)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	r.Route("/api", func(r chi.Router) {
		r.Get("/plugins", s.handlePlugins)
		r.Get("/sources", s.handleSources)
		r.Post("/sources/{id}/test", s.handleTestSource)
		r.Post("/sources/{id}/send", s.handleSend)
	})

	return r
}

// ListenAndServe blocks serving the API until Shutdown.
func (s *Server) ListenAndServe() error {
	s.log.Infow("API server listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return errors.Wrap(err, "api server failed")
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": version.Version,
	})
}

func (s *Server) handlePlugins(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.Infos())
}

// sourceView is the API shape of a configured source: settings are
// redacted wholesale because adapter settings may embed secret names and
// the UI re-reads the sources file for editing anyway.
type sourceView struct {
	ID             string                   `json:"id"`
	Type           string                   `json:"type"`
	Enabled        bool                     `json:"enabled"`
	ConnectionMode ingest.ConnectionMode    `json:"connection_mode"`
	Running        bool                     `json:"running"`
	SessionState   ingest.SessionState      `json:"session_state,omitempty"`
	Filter         []ingest.FilterCondition `json:"filter,omitempty"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	running := make(map[string]bool)
	for _, id := range s.engine.Running() {
		running[id] = true
	}

	sources := s.sources()
	views := make([]sourceView, 0, len(sources))
	for _, src := range sources {
		view := sourceView{
			ID:             src.ID,
			Type:           src.Type,
			Enabled:        src.Enabled,
			ConnectionMode: src.ConnectionMode,
			Running:        running[src.ID],
			Filter:         src.Filter,
		}
		if src.ConnectionMode == ingest.ModeRealtime {
			view.SessionState = s.engine.SessionState(src.ID)
		}
		views = append(views, view)
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleTestSource(w http.ResponseWriter, r *http.Request) {
	src := s.findSource(chi.URLParam(r, "id"))
	if src == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown source"))
		return
	}

	result, err := s.engine.TestSource(r.Context(), src)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type sendRequest struct {
	Target  string `json:"target"`
	Message string `json:"message"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	src := s.findSource(chi.URLParam(r, "id"))
	if src == nil {
		writeError(w, http.StatusNotFound, errors.New("unknown source"))
		return
	}

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "invalid request body"))
		return
	}
	if req.Message == "" {
		writeError(w, http.StatusBadRequest, errors.New("message is required"))
		return
	}

	if err := s.engine.Send(r.Context(), src.ID, req.Target, req.Message); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "sent"})
}

func (s *Server) findSource(id string) *ingest.Source {
	for _, src := range s.sources() {
		if src.ID == id {
			return src
		}
	}
	return nil
}

// statusFor maps the shared error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, errors.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, errors.ErrUnsupported), errors.IsConfigError(err):
		return http.StatusBadRequest
	case errors.IsAuthError(err):
		return http.StatusUnauthorized
	case errors.IsScopeError(err):
		return http.StatusForbidden
	case errors.IsNotFoundError(err), errors.Is(err, errors.ErrUnknownAdapterType):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":    err.Error(),
		"category": errors.Category(err),
	})
}
