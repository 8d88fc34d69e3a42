// Package core provides the API chassis for vshift. It creates a chi router
// compatible with both standard HTTP (for local dev) and AWS Lambda Proxy
// Integration, and enforces cross-cutting concerns (security headers,
// logging, metrics, timeouts and error handling) before requests reach the
// handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"vshift/internal/config"
	"vshift/internal/metrics"
)

// Server encapsulates the dependencies of the API, allowing for easy
// injection during testing and distinct configuration per environment.
type Server struct {
	Config       *config.Config
	Logger       *slog.Logger
	Validator    *Validator
	Metrics      metrics.Recorder
	HealthProbes []HealthProbe

	// MetricsHandler, when set, is mounted at GET /metrics.
	MetricsHandler http.Handler

	// V1RouteRegistrars mount the handler packages under /v1. They are set
	// by main to avoid an import cycle between core and the handlers.
	V1RouteRegistrars []func(chi.Router)

	// Closers run on Shutdown in order (database pool, Redis client).
	Closers []func() error

	builds chan struct{}
	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares the router.
// The caller mounts routes with MountRoutes after registering handlers.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	limit := cfg.Server.MaxConcurrentBuilds
	if limit <= 0 {
		limit = 1
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   metrics.Noop{},
		builds:    make(chan struct{}, limit),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources. Every closer runs; the first error is
// returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown initiated")

	var first error
	for _, c := range s.Closers {
		if err := c(); err != nil {
			s.Logger.ErrorContext(ctx, "error closing resource", "error", err)
			if first == nil {
				first = fmt.Errorf("closing resources: %w", err)
			}
		}
	}

	s.Logger.InfoContext(ctx, "server shutdown complete")
	return first
}
