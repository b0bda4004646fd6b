// Package status exposes health and metrics endpoints for a running
// batch process.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Report is the snapshot served by the health endpoints.
type Report struct {
	Status        string            `json:"status"` // healthy, degraded
	StoreDegraded bool              `json:"store_degraded"`
	Breakers      map[string]string `json:"breakers,omitempty"`
}

// Source provides the current coordination state.
type Source interface {
	StatusReport() Report
}

// Server provides HTTP endpoints for health monitoring.
type Server struct {
	source Source
	server *http.Server
}

// NewServer creates a new status server.
func NewServer(source Source, port int) *Server {
	mux := http.NewServeMux()
	s := &Server{
		source: source,
		server: &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: mux,
		},
	}

	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/health/detailed", s.handleDetailed)
	mux.Handle("/metrics", promhttp.Handler())

	return s
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	return s.server.ListenAndServe()
}

// Stop stops the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := s.source.StatusReport()

	w.Header().Set("Content-Type", "application/json")
	if report.Status == "degraded" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]string{"status": report.Status})
}

func (s *Server) handleDetailed(w http.ResponseWriter, r *http.Request) {
	report := s.source.StatusReport()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(report)
}
