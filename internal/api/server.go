// Package api exposes the head's HTTP surface: a health check, a
// status endpoint describing the run, and Prometheus metrics.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Status is the run description served at /api/status.
type Status struct {
	Machine       string      `json:"machine"`
	Head          bool        `json:"head"`
	ModelSize     int         `json:"model_size"`
	ModelSig      string      `json:"model_sig"`
	Gamma         float64     `json:"gamma"`
	RootGamma     float64     `json:"root_gamma"`
	SampleVersion int         `json:"sample_version"`
	Accepted      int         `json:"accepted"`
	OpenNodes     int         `json:"open_nodes"`
	Assignments   map[int]int `json:"assignments,omitempty"`
}

// Server is the trainer's HTTP API server.
type Server struct {
	status         func() Status
	metricsEnabled bool
}

// NewServer creates an API server around a status snapshot function.
func NewServer(status func() Status) *Server {
	return &Server{status: status}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, s.status())
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
