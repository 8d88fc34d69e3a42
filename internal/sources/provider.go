package sources

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
	"golang.org/x/sync/errgroup"

	"vshift/internal/datum"
	"vshift/internal/grid"
	"vshift/internal/metrics"
	"vshift/internal/rasterio"
	"vshift/internal/types"
)

// DefaultFetchConcurrency bounds parallel source downloads within one step.
const DefaultFetchConcurrency = 4

// errNoCoverage marks a source that resolved no cell of the region. It is
// not a failure and is never logged as one.
var errNoCoverage = errors.New("source does not cover region")

// Provider fetches the partial grids of a transformation step.
type Provider struct {
	catalog     Catalog
	router      *Router
	zarr        *rasterio.ZarrReader
	cache       *FragmentCache
	concurrency int
	metrics     metrics.Recorder
	logger      *slog.Logger
}

// ProviderOption configures a Provider.
type ProviderOption func(*Provider)

// WithCache shares a fragment cache across fetches.
func WithCache(c *FragmentCache) ProviderOption {
	return func(p *Provider) { p.cache = c }
}

// WithConcurrency bounds parallel downloads. Values below 1 are ignored.
func WithConcurrency(n int) ProviderOption {
	return func(p *Provider) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) ProviderOption {
	return func(p *Provider) { p.metrics = metrics.OrNoop(m) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ProviderOption {
	return func(p *Provider) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewProvider creates a Provider reading catalog entries through router.
func NewProvider(catalog Catalog, router *Router, opts ...ProviderOption) *Provider {
	p := &Provider{
		catalog:     catalog,
		router:      router,
		concurrency: DefaultFetchConcurrency,
		metrics:     metrics.Noop{},
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.zarr = rasterio.NewZarrReader(p.logger)
	return p
}

type fetchJob struct {
	term int
	src  types.GridSource
}

// Fetch returns one PartialGrid per source that resolves at least one cell of
// region, for every term of step. Partials are ordered by term, then by
// catalog order. A source that cannot be downloaded or decoded is logged and
// left out. Fetch itself fails only on cancellation or a catalog error.
func (p *Provider) Fetch(ctx context.Context, step datum.TransformStep, region grid.Region) ([]grid.PartialGrid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var jobs []fetchJob
	for ti, term := range step.Terms {
		srcs, err := p.catalog.Lookup(ctx, term.Dataset, region.Bound())
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("catalog lookup for %s: %w", term.Dataset, err)
		}
		for _, src := range srcs {
			jobs = append(jobs, fetchJob{term: ti, src: src})
		}
	}

	results := make([]*grid.PartialGrid, len(jobs))

	// Sources are isolated: a goroutine only returns an error on
	// cancellation, so one bad mirror never aborts its siblings.
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)
	for i, job := range jobs {
		g.Go(func() error {
			start := time.Now()
			pg, err := p.fetchOne(ctx, job, region)
			switch {
			case err == nil:
				results[i] = pg
			case ctx.Err() != nil:
				return ctx.Err()
			case errors.Is(err, errNoCoverage):
				p.logger.DebugContext(ctx, "source grid does not cover region",
					"source_id", job.src.ID,
					"dataset", job.src.Dataset,
				)
			default:
				p.logger.WarnContext(ctx, "source grid unavailable",
					"source_id", job.src.ID,
					"dataset", job.src.Dataset,
					"error", err,
				)
				p.metrics.RecordSourceUnavailable(ctx, job.src.Dataset)
				return nil
			}
			if pg != nil {
				p.logger.DebugContext(ctx, "source grid resampled",
					"source_id", job.src.ID,
					"resolved", pg.ResolvedCount(),
					"duration_ms", time.Since(start).Milliseconds(),
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	out := make([]grid.PartialGrid, 0, len(results))
	for _, pg := range results {
		if pg != nil {
			out = append(out, *pg)
		}
	}
	return out, nil
}

func (p *Provider) fetchOne(ctx context.Context, job fetchJob, region grid.Region) (*grid.PartialGrid, error) {
	src := job.src
	format, err := sourceFormat(src.Format, src.URI)
	if err != nil {
		return nil, types.NewSourceUnavailableError(src.ID, err)
	}

	values, err := p.load(ctx, src.ID, src.Locations(), format, region)
	if err != nil {
		return nil, err
	}

	var sigma *grid.Raster
	if src.UncertaintyURI != "" {
		uncFormat, _ := sourceFormat("", src.UncertaintyURI)
		sigma, err = p.load(ctx, src.ID+"#uncertainty", []string{src.UncertaintyURI}, uncFormat, region)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.WarnContext(ctx, "uncertainty grid unavailable, using nominal value",
				"source_id", src.ID,
				"error", err,
			)
			sigma = nil
		}
	}

	constSigma := datum.DatasetUncertainty(src.Dataset)
	if src.Uncertainty != nil {
		constSigma = *src.Uncertainty
	}

	surface := grid.Resample(values, sigma, constSigma, region, coverageFilter(src.Coverage))
	if surface.ResolvedCount() == 0 {
		return nil, errNoCoverage
	}

	resolution := src.Resolution
	if resolution <= 0 {
		resolution = values.Region.DX()
	}
	return &grid.PartialGrid{
		Surface:    surface,
		SourceID:   src.ID,
		Dataset:    src.Dataset,
		Term:       job.term,
		Priority:   src.Priority,
		Resolution: resolution,
		Published:  src.Published,
	}, nil
}

// load returns the decoded raster of a source, trying each location in turn
// and going through the fragment cache when one is configured.
func (p *Provider) load(ctx context.Context, id string, locations []string, format rasterio.Format, region grid.Region) (*grid.Raster, error) {
	var window *orb.Bound
	if format == rasterio.FormatZarr {
		b := snapBound(region.Bound())
		window = &b
	}
	loader := func(ctx context.Context) (*grid.Raster, error) {
		return p.download(ctx, id, locations, format, window)
	}
	if p.cache == nil {
		return loader(ctx)
	}
	return p.cache.Get(ctx, FragmentKey(id, locations[0], window), loader)
}

// download iterates through locations sequentially, returns on first success
// and errors only if all fail.
func (p *Provider) download(ctx context.Context, id string, locations []string, format rasterio.Format, window *orb.Bound) (*grid.Raster, error) {
	var lastErr error
	for _, uri := range locations {
		ras, err := p.decode(ctx, uri, format, window)
		if err == nil {
			return ras, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, rasterio.ErrNoOverlap) {
			return nil, errNoCoverage
		}
		p.logger.WarnContext(ctx, "mirror unavailable",
			"source_id", id,
			"uri", uri,
			"error", err,
		)
		lastErr = err
	}

	if lastErr != nil {
		return nil, types.NewSourceUnavailableError(id, lastErr)
	}
	return nil, types.NewSourceUnavailableError(id, errors.New("no locations configured"))
}

func (p *Provider) decode(ctx context.Context, uri string, format rasterio.Format, window *orb.Bound) (*grid.Raster, error) {
	if format == rasterio.FormatZarr {
		return p.zarr.ReadWindow(ctx, p.router, uri, *window)
	}
	data, err := p.router.ReadAll(ctx, uri)
	if err != nil {
		return nil, err
	}
	return rasterio.DecodeRaster(format, data)
}

func sourceFormat(declared, uri string) (rasterio.Format, error) {
	if declared == "" {
		return rasterio.FormatFromPath(uri), nil
	}
	return rasterio.ParseFormat(declared)
}

// coverageFilter returns a cell filter for a coverage polygon, or nil when
// the source has none.
func coverageFilter(poly orb.Polygon) func(lon, lat float64) bool {
	if len(poly) == 0 {
		return nil
	}
	return func(lon, lat float64) bool {
		for _, shift := range []float64{0, 360, -360} {
			if planar.PolygonContains(poly, orb.Point{lon + shift, lat}) {
				return true
			}
		}
		return false
	}
}
