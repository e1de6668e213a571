// Package admin exposes the read-only observability endpoints over the
// projection registry, plus Prometheus metrics.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/authapp/readside/pkg/projection"
)

// Engine is the registry surface the admin API reads from.
type Engine interface {
	List() []projection.ProjectionInfo
	Health(ctx context.Context) (projection.HealthSummary, error)
	HealthFor(ctx context.Context, name string) (projection.HealthRecord, error)
}

// Server serves the admin HTTP API.
type Server struct {
	engine Engine
	logger *zap.Logger
	http   *http.Server
}

// New builds the server listening on addr.
func New(addr string, engine Engine, logger *zap.Logger) *Server {
	s := &Server{
		engine: engine,
		logger: logger.Named("admin"),
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the router. Exposed for tests.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1/admin/projections", func(r chi.Router) {
		r.Get("/list", s.handleList)
		r.Get("/health", s.handleHealth)
		r.Get("/health/{name}", s.handleHealthFor)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// ListenAndServe blocks until the server exits.
func (s *Server) ListenAndServe() error {
	s.logger.Info("admin server listening", zap.String("addr", s.http.Addr))
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type listResponse struct {
	Total       int                         `json:"total"`
	Projections []projection.ProjectionInfo `json:"projections"`
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	infos := s.engine.List()
	s.writeJSON(w, http.StatusOK, listResponse{Total: len(infos), Projections: infos})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	summary, err := s.engine.Health(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleHealthFor(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	record, err := s.engine.HealthFor(r.Context(), name)
	if errors.Is(err, projection.ErrNotRegistered) {
		s.writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, record)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
