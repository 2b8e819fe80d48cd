// Package server provides the management endpoints: health checks and metrics.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// HealthStatus represents the health status of the service
type HealthStatus struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Version   string            `json:"version,omitempty"`
	Uptime    string            `json:"uptime,omitempty"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// HealthChecker reports a component's health; nil means healthy
type HealthChecker func(ctx context.Context) error

// Pinger is anything with a connectivity probe, such as a pool store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingCheck adapts a Pinger to a HealthChecker
func PingCheck(p Pinger) HealthChecker {
	return p.Ping
}

// Server provides HTTP endpoints for metrics and health
type Server struct {
	mu           sync.RWMutex
	server       *http.Server
	mux          *http.ServeMux
	checkers     map[string]HealthChecker
	checkTimeout time.Duration
	startTime    time.Time
	version      string
	log          zerolog.Logger
}

// Config holds management server configuration
type Config struct {
	// Addr is the address to listen on (e.g., ":9090")
	Addr string

	// MetricsPath is the path for Prometheus metrics; empty disables them
	MetricsPath string

	HealthPath string
	ReadyPath  string
	LivePath   string

	// CheckTimeout bounds each health check
	CheckTimeout time.Duration

	Version string
}

// DefaultConfig returns the default server configuration
func DefaultConfig() *Config {
	return &Config{
		Addr:         ":9090",
		MetricsPath:  "/metrics",
		HealthPath:   "/health",
		ReadyPath:    "/ready",
		LivePath:     "/live",
		CheckTimeout: 2 * time.Second,
		Version:      "dev",
	}
}

// New creates a new management server
func New(cfg *Config, log zerolog.Logger) *Server {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = 2 * time.Second
	}

	s := &Server{
		mux:          http.NewServeMux(),
		checkers:     make(map[string]HealthChecker),
		checkTimeout: cfg.CheckTimeout,
		startTime:    time.Now(),
		version:      cfg.Version,
		log:          log,
	}

	if cfg.MetricsPath != "" {
		s.mux.Handle(cfg.MetricsPath, promhttp.Handler())
	}
	s.mux.HandleFunc(cfg.HealthPath, s.healthHandler)
	s.mux.HandleFunc(cfg.ReadyPath, s.readyHandler)
	s.mux.HandleFunc(cfg.LivePath, s.liveHandler)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s
}

// RegisterHealthCheck registers a health checker
func (s *Server) RegisterHealthCheck(name string, checker HealthChecker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkers[name] = checker
}

// Start starts the management server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Management server listening")
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// runChecks runs every checker and returns failures by name
func (s *Server) runChecks(ctx context.Context) map[string]error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	failed := make(map[string]error)
	for name, checker := range s.checkers {
		cctx, cancel := context.WithTimeout(ctx, s.checkTimeout)
		err := checker(cctx)
		cancel()
		if err != nil {
			failed[name] = err
		}
	}
	return failed
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	failed := s.runChecks(r.Context())

	status := &HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   s.version,
		Uptime:    time.Since(s.startTime).Round(time.Second).String(),
		Checks:    make(map[string]string),
	}

	s.mu.RLock()
	for name := range s.checkers {
		if err, ok := failed[name]; ok {
			status.Checks[name] = err.Error()
		} else {
			status.Checks[name] = "ok"
		}
	}
	s.mu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	if len(failed) > 0 {
		status.Status = "unhealthy"
		s.log.Warn().Int("failed", len(failed)).Msg("Health check failed")
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	if err := json.NewEncoder(w).Encode(status); err != nil {
		http.Error(w, "Failed to encode status", http.StatusInternalServerError)
	}
}

// readyHandler indicates if the service is ready to receive traffic
func (s *Server) readyHandler(w http.ResponseWriter, r *http.Request) {
	failed := s.runChecks(r.Context())
	if len(failed) > 0 {
		names := make([]string, 0, len(failed))
		for name := range failed {
			names = append(names, name)
		}
		sort.Strings(names)

		w.WriteHeader(http.StatusServiceUnavailable)
		if _, err := fmt.Fprintf(w, "not ready: %s check failed", names[0]); err != nil {
			return
		}
		return
	}

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ready")); err != nil {
		return
	}
}

// liveHandler indicates if the service is alive
func (s *Server) liveHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("alive")); err != nil {
		return
	}
}

// Handler returns the HTTP handler for testing
func (s *Server) Handler() http.Handler {
	return s.mux
}

// Addr returns the server address
func (s *Server) Addr() string {
	return s.server.Addr
}
