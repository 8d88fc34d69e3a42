package engine

import (
	"fmt"
	"log/slog"
	"net/http"

	"vshift/internal/config"
	"vshift/internal/db"
	"vshift/internal/external"
	"vshift/internal/metrics"
	"vshift/internal/mosaic"
	"vshift/internal/sources"
)

// redisFragmentPrefix namespaces fragment keys in a shared Redis.
const redisFragmentPrefix = "vshift:frag:"

// Deps carries the infrastructure an Engine is assembled from. Every field
// but Clients is optional.
type Deps struct {
	Clients *external.ClientRegistry
	DB      db.DBTX
	Metrics metrics.Recorder
	// Tiers are extra cache levels below memory and Redis, such as the CLI's
	// cache directory.
	Tiers  []sources.Tier
	Logger *slog.Logger
}

// FromConfig assembles the provider stack (catalog, stores, fragment cache)
// and the compositor, and returns an Engine over them.
func FromConfig(cfg *config.Config, deps Deps) (*Engine, error) {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rec := metrics.OrNoop(deps.Metrics)

	catalog, kind, err := NewCatalog(cfg, deps)
	if err != nil {
		return nil, err
	}

	router := sources.NewRouter()
	if deps.Clients != nil {
		if deps.Clients.HTTP != nil {
			router.Register(sources.NewHTTPStore(deps.Clients.HTTP), "http", "https")
		}
		if deps.Clients.S3 != nil {
			router.Register(sources.NewS3Store(deps.Clients.S3), "s3")
		}
	}

	var tiers []sources.Tier
	if deps.Clients != nil && deps.Clients.Redis != nil {
		tiers = append(tiers, sources.NewRedisTier(deps.Clients.Redis, redisFragmentPrefix, cfg.Cache.RedisTTL))
	}
	tiers = append(tiers, deps.Tiers...)

	cache := sources.NewFragmentCache(sources.CacheOptions{
		MaxEntries: cfg.Cache.MaxEntries,
		TTL:        cfg.Cache.TTL,
		Tiers:      tiers,
		Metrics:    rec,
		Logger:     logger,
	})
	provider := sources.NewProvider(catalog, router,
		sources.WithCache(cache),
		sources.WithConcurrency(cfg.Engine.FetchConcurrency),
		sources.WithMetrics(rec),
		sources.WithLogger(logger),
	)

	logger.Info("engine assembled",
		"catalog", kind,
		"cache_entries", cfg.Cache.MaxEntries,
		"cache_tiers", len(tiers),
		"fetch_concurrency", cfg.Engine.FetchConcurrency,
		"feather_cells", cfg.Engine.FeatherCells,
	)

	return New(provider, mosaic.NewCompositor(cfg.Engine.FeatherCells, logger),
		WithMaxCells(cfg.Server.MaxGridCells),
		WithLogger(logger),
		WithMetrics(rec),
	), nil
}

// NewCatalog picks the first configured catalog in the order YAML manifest,
// PostgreSQL, S3 listing. The second result names the choice for logs.
func NewCatalog(cfg *config.Config, deps Deps) (sources.Catalog, string, error) {
	switch {
	case cfg.Catalog.Path != "":
		c, err := sources.LoadYAMLCatalog(cfg.Catalog.Path)
		if err != nil {
			return nil, "", fmt.Errorf("loading catalog manifest: %w", err)
		}
		return c, "yaml", nil
	case deps.DB != nil:
		return db.NewGridCatalogRepository(deps.DB), "postgres", nil
	case cfg.Catalog.GridBucket != "" && deps.Clients != nil && deps.Clients.S3 != nil:
		return sources.NewS3Catalog(deps.Clients.S3, cfg.Catalog.GridBucket, cfg.Catalog.GridPrefix, deps.Logger), "s3", nil
	}
	return nil, "", fmt.Errorf("no grid catalog configured: set CATALOG_PATH, DATABASE_URL or GRID_BUCKET")
}

// NewRecorder builds the metrics backend named by METRICS_BACKEND. The
// handler is non-nil only for prometheus and serves the scrape endpoint.
func NewRecorder(cfg *config.Config, clients *external.ClientRegistry, logger *slog.Logger) (metrics.Recorder, http.Handler, error) {
	switch cfg.Observability.MetricsBackend {
	case "cloudwatch":
		if clients == nil || clients.CloudWatch == nil {
			return nil, nil, fmt.Errorf("cloudwatch metrics require AWS clients")
		}
		return metrics.NewCloudWatchRecorder(clients.CloudWatch, cfg.Observability.MetricNamespace, logger), nil, nil
	case "prometheus":
		p := metrics.NewPrometheusRecorder()
		return p, p.Handler(), nil
	}
	return metrics.Noop{}, nil, nil
}
