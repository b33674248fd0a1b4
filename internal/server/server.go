// Package server exposes the supervisor to observers over HTTP: read-only
// session queries, fleet stats, Prometheus metrics and a WebSocket event
// stream. Mutating transport belongs to the surrounding system, not here.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workspace/cli-supervisor/internal/config"
	"github.com/workspace/cli-supervisor/internal/supervisor"
	"github.com/workspace/cli-supervisor/internal/sysinfo"
)

// Server is the observer HTTP server.
type Server struct {
	config     *config.Config
	sup        *supervisor.Supervisor
	host       *sysinfo.Collector
	httpServer *http.Server
}

// New creates a server. registry may be nil when metrics are collected
// elsewhere; the /metrics endpoint is then omitted.
func New(cfg *config.Config, sup *supervisor.Supervisor, registry *prometheus.Registry) *Server {
	s := &Server{
		config: cfg,
		sup:    sup,
		host:   sysinfo.NewCollector(sysinfo.Config{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /api/sessions", s.handleListSessions)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/logs", s.handleSessionLogs)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	mux.HandleFunc("GET /api/host", s.handleHostInfo)
	mux.HandleFunc("GET /api/events", s.handleEvents)
	if registry != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      mux,
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	return s
}

// Handler returns the route handler (useful for tests).
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start runs the HTTP server until it is stopped.
func (s *Server) Start() error {
	slog.Info("Observer server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
