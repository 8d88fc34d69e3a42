// Package main is the entrypoint for the grid worker Lambda function.
//
// The worker consumes types.ShiftGridJobMessage batches from the job queue,
// builds each grid with the same engine the API uses, uploads the result to
// OUTPUT_BUCKET and records the outcome in job history.
//
// Cold Start (main):
//  1. Load configuration (SSM pointers resolved outside local mode).
//  2. Initialize structured logger.
//  3. Build outbound clients, the database pool and the metrics recorder.
//  4. Assemble the engine.
//  5. Register the handler and call lambda.Start.
//
// Failed records are reported through SQSEventResponse.BatchItemFailures so
// only they are redelivered.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"

	"vshift/internal/config"
	"vshift/internal/db"
	"vshift/internal/engine"
	"vshift/internal/external"
	"vshift/internal/sources"
	"vshift/internal/worker"
)

func main() {
	provider := config.SecretProvider(nil)
	if env, ok := os.LookupEnv("APP_ENV"); ok && env != "local" {
		provider = config.NewSSMProvider(os.Getenv("AWS_REGION"), os.Getenv("AWS_ENDPOINT_URL"))
	}
	cfg, err := config.LoadConfig(provider)
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: loading configuration: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.LogLevel)}))
	logger.Info("grid worker initializing (cold start)",
		"environment", cfg.Environment,
		"version", cfg.Build.Version,
	)

	h, err := setup(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("grid worker setup failed", "error", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
}

// setup wires the worker. The database and the output bucket are required;
// the pool lives for the lifetime of the execution environment.
func setup(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*worker.Handler, error) {
	if !cfg.Database.URL.Set() {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.AWS.OutputBucket == "" {
		return nil, errors.New("OUTPUT_BUCKET is required")
	}

	clients, err := external.NewClientRegistry(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("creating clients: %w", err)
	}
	pool, err := db.NewPool(ctx, cfg.Database.URL.Unmask(), db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		AcquireTimeout:  cfg.Database.AcquireTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	rec, _, err := engine.NewRecorder(cfg, clients, logger)
	if err != nil {
		return nil, fmt.Errorf("creating metrics recorder: %w", err)
	}

	deps := engine.Deps{Clients: clients, DB: pool, Metrics: rec, Logger: logger}
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

	return worker.NewHandler(eng, db.NewJobHistoryRepository(pool), clients.S3, cfg.AWS.OutputBucket, logger), nil
}

func parseLevel(level string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}
