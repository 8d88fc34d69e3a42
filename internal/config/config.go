// Package config defines the process configuration for the vshift API, grid
// worker and CLI. Configuration is loaded once at startup and is immutable
// thereafter.
//
// Values are resolved via a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> AWS SSM Parameter Store (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"vshift/internal/types"
)

// SecretString is an alias for types.SecretString so that credentials are
// redacted wherever the config is printed or logged.
type SecretString = types.SecretString

// Config is the top-level configuration struct. Components receive only the
// sub-config they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"vshift"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Catalog       CatalogConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Engine        EngineConfig
	HTTP          HTTPConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds HTTP API settings.
type ServerConfig struct {
	Port                string        `envconfig:"PORT" default:"8080"`
	RequestTimeout      time.Duration `envconfig:"REQUEST_TIMEOUT" default:"5m"`
	MaxGridCells        int           `envconfig:"MAX_GRID_CELLS" default:"25000000" validate:"gt=0"`
	MaxConcurrentBuilds int           `envconfig:"MAX_CONCURRENT_BUILDS" default:"4" validate:"gte=1"`
	CorsAllowedOrigins  []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// CatalogConfig selects where source grids are listed. Any combination may be
// configured; the first available is used in the order YAML manifest,
// PostgreSQL, S3 listing.
type CatalogConfig struct {
	Path       string `envconfig:"CATALOG_PATH"`
	GridBucket string `envconfig:"GRID_BUCKET"`
	GridPrefix string `envconfig:"GRID_PREFIX" default:"grids/"`
}

// DatabaseConfig holds the optional PostgreSQL connection used for the grid
// catalog and job history.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"omitempty,url"`

	MaxConns        int32         `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns        int32         `envconfig:"DB_MIN_CONNS" default:"1" validate:"gte=0,ltefield=MaxConns"`
	MaxConnLifetime time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout  time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
}

// CacheConfig sizes the fragment cache and its optional lower tiers.
type CacheConfig struct {
	MaxEntries int           `envconfig:"CACHE_MAX_ENTRIES" default:"256" validate:"gte=1"`
	TTL        time.Duration `envconfig:"CACHE_TTL" default:"1h"`
	RedisURL   SecretString  `envconfig:"REDIS_URL" validate:"omitempty,url"`
	RedisTTL   time.Duration `envconfig:"REDIS_TTL" default:"24h"`
	Dir        string        `envconfig:"CACHE_DIR"`
}

// EngineConfig tunes the mosaic engine.
type EngineConfig struct {
	FetchConcurrency int `envconfig:"FETCH_CONCURRENCY" default:"4" validate:"gte=1,lte=64"`
	FeatherCells     int `envconfig:"FEATHER_CELLS" default:"4" validate:"gte=0,lte=64"`
}

// HTTPConfig configures the HTTP grid store. BlockPrivate refuses mirrors
// that resolve to private, loopback or link-local addresses.
type HTTPConfig struct {
	Timeout      time.Duration `envconfig:"HTTP_TIMEOUT" default:"60s"`
	UserAgent    string        `envconfig:"HTTP_USER_AGENT" default:"vshift/1.0"`
	BlockPrivate bool          `envconfig:"HTTP_BLOCK_PRIVATE" default:"false"`
}

// AWSConfig holds AWS resource identifiers and regional configuration.
type AWSConfig struct {
	Region       string `envconfig:"AWS_REGION" default:"us-east-1"`
	OutputBucket string `envconfig:"OUTPUT_BUCKET"`
	JobQueueURL  string `envconfig:"JOB_QUEUE_URL" validate:"omitempty,url"`

	// LocalStack Support (Empty in Prod)
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL" validate:"omitempty,url"`
}

// ObservabilityConfig selects the metrics backend.
type ObservabilityConfig struct {
	MetricsBackend  string `envconfig:"METRICS_BACKEND" default:"none" validate:"oneof=none cloudwatch prometheus"`
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"VShift"`
}

// BuildInfo holds build-time metadata injected via ldflags.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)

// IsLocal reports whether the process runs in local development mode.
func (c *Config) IsLocal() bool {
	return c.Environment == localEnv
}
