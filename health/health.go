// Package health exposes liveness and readiness endpoints over the
// component health snapshots. Liveness answers as long as the process
// serves HTTP; readiness requires every registered component to report
// healthy.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coinpulse/newswire/component"
	"github.com/coinpulse/newswire/errors"
	"github.com/coinpulse/newswire/pkg/timestamp"
)

const (
	defaultPort = 8081

	livenessPath  = "/healthz"
	readinessPath = "/readyz"
)

// Report is the readiness response body.
type Report struct {
	Ready      bool               `json:"ready"`
	CheckedAt  int64              `json:"checked_at"` // Unix ms
	Components []component.Health `json:"components"`
}

// Server serves the health endpoints for a set of components.
type Server struct {
	port   int
	logger *slog.Logger

	mu         sync.RWMutex
	components []component.Component

	server *http.Server
}

// NewServer creates a health server on the given port (0 uses the
// default).
func NewServer(port int, logger *slog.Logger) *Server {
	if port <= 0 {
		port = defaultPort
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{port: port, logger: logger.With("component", "health")}
}

// Register adds a component to the readiness check.
func (s *Server) Register(c component.Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components = append(s.components, c)
}

// Report collects the current component snapshots.
func (s *Server) Report() Report {
	s.mu.RLock()
	components := make([]component.Component, len(s.components))
	copy(components, s.components)
	s.mu.RUnlock()

	report := Report{Ready: true, CheckedAt: timestamp.Now()}
	for _, c := range components {
		h := c.Health()
		report.Components = append(report.Components, h)
		if !h.Healthy {
			report.Ready = false
		}
	}
	return report
}

// Start begins serving. Non-blocking; errors after startup are logged.
func (s *Server) Start() error {
	mux := http.NewServeMux()
	mux.HandleFunc(livenessPath, s.handleLiveness)
	mux.HandleFunc(readinessPath, s.handleReadiness)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("health server stopped", "error", err)
		}
	}()

	s.logger.Info("health server started", "port", s.port)
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(timeout time.Duration) error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown health server")
	}
	return nil
}

func (s *Server) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	report := s.Report()

	w.Header().Set("Content-Type", "application/json")
	if !report.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		s.logger.Error("encode readiness report", "error", err)
	}
}
