package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mtwire/mtwire/internal/capture"
)

// AdminHandler returns the operator HTTP API:
//
//	GET /healthz            200 while serving, 503 during shutdown
//	GET /metrics            Prometheus metrics
//	GET /connections        open connections as JSON
//	GET /connections/{id}   one connection
//	GET /captures/{id}      a captured connection's raw bytes
func (s *Server) AdminHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.NoCache)

	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	r.Route("/connections", func(r chi.Router) {
		r.Get("/", s.listConnections)
		r.Get("/{id}", s.getConnection)
	})
	r.Get("/captures/{id}", s.getCapture)
	return r
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	if s.closing.Load() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.Write([]byte("ok\n"))
}

func (s *Server) listConnections(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, s.Connections())
}

func (s *Server) getConnection(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "bad connection id", http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	c, ok := s.conns[id]
	s.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, c.info())
}

func (s *Server) getCapture(w http.ResponseWriter, r *http.Request) {
	if s.captures == nil {
		http.NotFound(w, r)
		return
	}
	rec, err := s.captures.Load(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, capture.ErrNotFound) {
		http.NotFound(w, r)
		return
	}
	if err != nil {
		s.logger.Error("load capture", "error", err)
		http.Error(w, "capture store unavailable", http.StatusBadGateway)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Capture-Transport", rec.Transport)
	w.Header().Set("X-Capture-Error", rec.Error)
	w.Write(rec.Data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.Encode(v)
}
