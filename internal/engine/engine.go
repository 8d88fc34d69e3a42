// Package engine is the entry point shared by the API, the grid worker and
// the CLI. It turns a request into a Region and a resolved chain, runs the
// chain, and encodes the resulting shift grid.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"vshift/internal/chain"
	"vshift/internal/datum"
	"vshift/internal/grid"
	"vshift/internal/metrics"
	"vshift/internal/mosaic"
	"vshift/internal/rasterio"
	"vshift/internal/types"
)

// Engine plans and builds shift grids. It is safe for concurrent use.
type Engine struct {
	resolver   *datum.Resolver
	strict     *chain.Executor
	bestEffort *chain.Executor
	maxCells   int
	logger     *slog.Logger
	clock      types.Clock
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	maxCells int
	logger   *slog.Logger
	metrics  metrics.Recorder
	clock    types.Clock
}

// WithMaxCells bounds the cell count of a planned Region.
func WithMaxCells(n int) Option {
	return func(c *options) { c.maxCells = n }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *options) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m metrics.Recorder) Option {
	return func(c *options) { c.metrics = metrics.OrNoop(m) }
}

func WithClock(clk types.Clock) Option {
	return func(c *options) {
		if clk != nil {
			c.clock = clk
		}
	}
}

// New wires the resolver and two executors, one strict and one best-effort,
// around the same provider and compositor.
func New(provider chain.GridProvider, compositor *mosaic.Compositor, opts ...Option) *Engine {
	cfg := options{
		maxCells: types.DefaultMaxGridCells,
		logger:   slog.Default(),
		metrics:  metrics.Noop{},
		clock:    types.RealClock{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	execOpts := []chain.Option{
		chain.WithLogger(cfg.logger),
		chain.WithMetrics(cfg.metrics),
		chain.WithClock(cfg.clock),
	}
	return &Engine{
		resolver:   datum.NewResolver(cfg.logger),
		strict:     chain.NewExecutor(provider, compositor, execOpts...),
		bestEffort: chain.NewExecutor(provider, compositor, append(execOpts, chain.WithBestEffort(true))...),
		maxCells:   cfg.maxCells,
		logger:     cfg.logger,
		clock:      cfg.clock,
	}
}

// Plan is a validated Region plus the chain between two endpoints.
type Plan struct {
	Region grid.Region
	In     datum.Spec
	Out    datum.Spec
	Steps  []datum.TransformStep
}

// Chain renders the steps for logs and job summaries.
func (p *Plan) Chain() string {
	return datum.Describe(p.Steps)
}

// PlanRequest parses the region and increment of req, checks the grid size
// and resolves the datum chain.
func (e *Engine) PlanRequest(req types.ShiftGridRequest) (*Plan, error) {
	if req.Region == "" || req.Increment == "" {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField,
			"region and increment are required", nil)
	}
	w, east, s, n, err := grid.ParseBounds(req.Region)
	if err != nil {
		return nil, err
	}
	incX, incY, err := grid.ParseIncrement(req.Increment)
	if err != nil {
		return nil, err
	}
	region, err := grid.RegionFromIncrement(w, east, s, n, incX, incY)
	if err != nil {
		return nil, err
	}
	return e.PlanRegion(region, req.DatumIn, req.DatumOut, req.EpochIn, req.EpochOut)
}

// PlanRegion resolves the chain over an existing Region, as taken from a DEM.
// Non-nil epochs replace any epoch given in the datum strings.
func (e *Engine) PlanRegion(region grid.Region, datumIn, datumOut string, epochIn, epochOut *float64) (*Plan, error) {
	if err := types.CheckGridSize(region.NX, region.NY, e.maxCells); err != nil {
		return nil, err
	}
	in, err := datum.ParseSpec(datumIn)
	if err != nil {
		return nil, err
	}
	out, err := datum.ParseSpec(datumOut)
	if err != nil {
		return nil, err
	}
	if epochIn != nil {
		if err := types.ValidateEpoch(*epochIn); err != nil {
			return nil, err
		}
		in = in.WithEpoch(*epochIn)
	}
	if epochOut != nil {
		if err := types.ValidateEpoch(*epochOut); err != nil {
			return nil, err
		}
		out = out.WithEpoch(*epochOut)
	}

	steps, err := e.resolver.Resolve(in, out)
	if err != nil {
		return nil, err
	}
	return &Plan{Region: region, In: in, Out: out, Steps: steps}, nil
}

// Result is a built shift grid. StepErr holds the step failures (or the
// cancellation) behind an Incomplete grid.
type Result struct {
	Plan     *Plan
	Shift    *grid.ShiftGrid
	Stats    grid.Stats
	Duration time.Duration
	StepErr  error
}

// Build executes the plan. A partially resolved grid is returned with a nil
// error and its failures in StepErr. A grid with no resolved cell is an
// error, as is a cancellation outside best-effort mode.
func (e *Engine) Build(ctx context.Context, plan *Plan, bestEffort bool) (*Result, error) {
	exec := e.strict
	if bestEffort {
		exec = e.bestEffort
	}

	start := e.clock.Now()
	shift, err := exec.Execute(ctx, plan.Region, plan.Steps)
	if shift == nil {
		return nil, err
	}

	res := &Result{
		Plan:     plan,
		Shift:    shift,
		Stats:    shift.Stats(),
		Duration: e.clock.Now().Sub(start),
		StepErr:  err,
	}
	if res.Stats.Resolved == 0 && res.Stats.Total > 0 {
		return res, types.NewAppError(types.ErrCodeUpstreamChainStep,
			fmt.Sprintf("no cell of %s resolved", plan.Chain()), err)
	}

	attrs := []any{
		"chain", plan.Chain(),
		"region", plan.Region.String(),
		"resolved_fraction", shift.ResolvedFraction(),
		"incomplete", shift.Incomplete,
		"min", res.Stats.Min,
		"max", res.Stats.Max,
		"mean", res.Stats.Mean,
		"duration_ms", res.Duration.Milliseconds(),
	}
	if shift.Incomplete {
		e.logger.WarnContext(ctx, "shift grid partially resolved", append(attrs, "error", err)...)
	} else {
		e.logger.InfoContext(ctx, "shift grid built", attrs...)
	}
	return res, nil
}

// Summary condenses the result for job history.
func (r *Result) Summary() types.JobSummary {
	s := types.JobSummary{
		Chain:            r.Plan.Chain(),
		NX:               r.Plan.Region.NX,
		NY:               r.Plan.Region.NY,
		ResolvedFraction: r.Shift.ResolvedFraction(),
		Incomplete:       r.Shift.Incomplete,
		DurationMS:       r.Duration.Milliseconds(),
	}
	if r.Stats.Resolved > 0 {
		lo, hi, mean := r.Stats.Min, r.Stats.Max, r.Stats.Mean
		s.Min, s.Max, s.Mean = &lo, &hi, &mean
	}
	for _, f := range r.Shift.Failures {
		s.Failures = append(s.Failures, fmt.Sprintf("step %d (%s): %s", f.Step, f.Kind, f.Error))
	}
	return s
}

// Encode writes the shift grid in format. GeoTIFF carries the shift and
// uncertainty bands; GTX carries the shift only.
func Encode(w io.Writer, shift *grid.ShiftGrid, format types.OutputFormat) error {
	switch format {
	case types.OutputGeoTIFF, "":
		return rasterio.WriteGeoTIFF(w, shift.Region, [][]float64{shift.Values, shift.Uncertainty}, rasterio.DefaultWriteOptions)
	case types.OutputGTX:
		return rasterio.WriteGTX(w, shift.Region, shift.Values)
	default:
		return types.NewAppError(types.ErrCodeValidationMissingField,
			fmt.Sprintf("unsupported output format %q", format), nil)
	}
}

// EncodeUncertaintyGTX writes the uncertainty layer as a companion GTX grid.
func EncodeUncertaintyGTX(w io.Writer, shift *grid.ShiftGrid) error {
	return rasterio.WriteGTX(w, shift.Region, shift.Uncertainty)
}

// ContentType returns the MIME type of an encoded grid.
func ContentType(format types.OutputFormat) string {
	if format == types.OutputGTX {
		return "application/octet-stream"
	}
	return "image/tiff"
}

// Extension returns the file extension of an encoded grid.
func Extension(format types.OutputFormat) string {
	if format == types.OutputGTX {
		return ".gtx"
	}
	return ".tif"
}
