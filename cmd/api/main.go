// Package main is the entry point for the vshift API server.
//
// It loads the configuration, assembles the mosaic engine and its outbound
// clients, builds the HTTP server with the core chassis (middleware, routing,
// health checks) and starts listening for requests.
//
// Outside AWS Lambda it runs as a standard HTTP server on the configured port.
// Inside Lambda it serves API Gateway HTTP API events through the same router.
//
// Graceful shutdown is handled via OS signal interception (SIGINT, SIGTERM).
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"vshift/internal/api/handlers"
	"vshift/internal/config"
	"vshift/internal/core"
	"vshift/internal/db"
	"vshift/internal/engine"
	"vshift/internal/external"
	"vshift/internal/queue"
	"vshift/internal/sources"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

// run encapsulates the startup lifecycle so that main() can cleanly exit on error.
func run() error {
	cfg, err := config.LoadConfig(secretProvider())
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("vshift API starting",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
		"commit", cfg.Build.Commit,
		"port", cfg.Server.Port,
	)

	srv, err := buildServer(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	if isLambdaEnvironment() {
		return runLambda(srv, logger)
	}
	return runHTTPServer(srv, cfg, logger)
}

// secretProvider returns the SSM provider for deployed environments. Local
// runs resolve nothing from SSM.
func secretProvider() config.SecretProvider {
	if env, ok := os.LookupEnv("APP_ENV"); !ok || env == "local" {
		return nil
	}
	return config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
}

// buildServer wires clients, the optional database, the engine and the
// handlers into a server with its routes mounted.
func buildServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*core.Server, error) {
	srv, err := core.NewServer(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating server: %w", err)
	}

	clients, err := external.NewClientRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating clients: %w", err)
	}
	srv.Closers = append(srv.Closers, clients.Close)

	var pool *pgxpool.Pool
	if cfg.Database.URL.Set() {
		pool, err = db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
			MaxConns:        cfg.Database.MaxConns,
			MinConns:        cfg.Database.MinConns,
			MaxConnLifetime: cfg.Database.MaxConnLifetime,
			AcquireTimeout:  cfg.Database.AcquireTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting to database: %w", err)
		}
		srv.Closers = append(srv.Closers, func() error { pool.Close(); return nil })
	}

	rec, metricsHandler, err := engine.NewRecorder(cfg, clients, logger)
	if err != nil {
		return nil, fmt.Errorf("creating metrics recorder: %w", err)
	}
	srv.Metrics = rec
	srv.MetricsHandler = metricsHandler

	deps := engine.Deps{Clients: clients, Metrics: rec, Logger: logger}
	if pool != nil {
		deps.DB = pool
	}
	if cfg.Cache.Dir != "" {
		tier, err := sources.NewDirTier(cfg.Cache.Dir)
		if err != nil {
			return nil, fmt.Errorf("opening cache directory: %w", err)
		}
		deps.Tiers = append(deps.Tiers, tier)
	}

	eng, err := engine.FromConfig(cfg, deps)
	if err != nil {
		return nil, fmt.Errorf("assembling engine: %w", err)
	}

	registerProbes(srv, pool, clients)

	shiftGrids := handlers.NewShiftGridHandler(eng, srv.Validator, srv.BuildLimiter, logger)
	datums := handlers.NewDatumHandler()
	srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
		r.Route("/shift-grids", shiftGrids.RegisterRoutes)
		r.Route("/datums", datums.RegisterRoutes)
	})

	if pool != nil && clients.SQS != nil && cfg.AWS.JobQueueURL != "" {
		jobs := handlers.NewJobHandler(
			eng,
			db.NewJobHistoryRepository(pool),
			queue.NewJobPublisher(clients.SQS, cfg.AWS.JobQueueURL, logger),
			srv.Validator,
			logger,
		)
		srv.V1RouteRegistrars = append(srv.V1RouteRegistrars, func(r chi.Router) {
			r.Route("/jobs", jobs.RegisterRoutes)
		})
	} else {
		logger.Info("job endpoints disabled", "database", pool != nil, "job_queue", cfg.AWS.JobQueueURL != "")
	}

	srv.MountRoutes()
	return srv, nil
}

// registerProbes adds health probes for the configured dependencies.
func registerProbes(srv *core.Server, pool *pgxpool.Pool, clients *external.ClientRegistry) {
	if pool != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.HealthProbeFunc{
			ProbeName: "database",
			Fn:        pool.Ping,
		})
	}
	if clients.Redis != nil {
		srv.HealthProbes = append(srv.HealthProbes, core.HealthProbeFunc{
			ProbeName: "redis",
			Fn:        func(ctx context.Context) error { return clients.Redis.Ping(ctx).Err() },
		})
	}
}

// isLambdaEnvironment returns true if the process is running inside AWS Lambda.
func isLambdaEnvironment() bool {
	_, hasRuntimeAPI := os.LookupEnv("AWS_LAMBDA_RUNTIME_API")
	_, hasServerPort := os.LookupEnv("_LAMBDA_SERVER_PORT")
	return hasRuntimeAPI || hasServerPort
}

// runHTTPServer starts the server in standard HTTP mode with graceful shutdown.
func runHTTPServer(srv *core.Server, cfg *config.Config, logger *slog.Logger) error {
	addr := ":" + cfg.Server.Port

	// Builds can run up to the request timeout; the write deadline must not
	// cut them off first.
	writeTimeout := cfg.Server.RequestTimeout + 30*time.Second

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      writeTimeout,
		IdleTimeout:       120 * time.Second,
	}

	serverErr := make(chan error, 1)

	go func() {
		logger.Info("HTTP server listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	logger.Info("initiating graceful shutdown")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("server resource shutdown error", "error", err)
		return fmt.Errorf("server shutdown: %w", err)
	}

	logger.Info("server stopped cleanly")
	return nil
}

// newLogger creates a structured slog.Logger configured for the given log level.
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
