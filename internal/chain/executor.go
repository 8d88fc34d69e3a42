// Package chain executes a resolved transformation chain over a region and
// composes the per-step shift surfaces into one ShiftGrid.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"

	"vshift/internal/datum"
	"vshift/internal/grid"
	"vshift/internal/metrics"
	"vshift/internal/mosaic"
	"vshift/internal/types"
)

// GridProvider fetches the partial grids of one step.
type GridProvider interface {
	Fetch(ctx context.Context, step datum.TransformStep, region grid.Region) ([]grid.PartialGrid, error)
}

// Executor walks transformation steps strictly in order. One Executor may run
// many chains concurrently; each Execute call owns its accumulator.
type Executor struct {
	provider   GridProvider
	compositor *mosaic.Compositor
	bestEffort bool
	metrics    metrics.Recorder
	logger     *slog.Logger
	clock      types.Clock
}

// Option configures an Executor.
type Option func(*Executor)

// WithBestEffort returns the partial accumulator, flagged Incomplete, when
// the context is cancelled mid-chain instead of discarding it.
func WithBestEffort(enabled bool) Option {
	return func(e *Executor) { e.bestEffort = enabled }
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = metrics.OrNoop(m) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock sets the clock used for step timings.
func WithClock(c types.Clock) Option {
	return func(e *Executor) {
		if c != nil {
			e.clock = c
		}
	}
}

// NewExecutor creates an Executor.
func NewExecutor(provider GridProvider, compositor *mosaic.Compositor, opts ...Option) *Executor {
	e := &Executor{
		provider:   provider,
		compositor: compositor,
		metrics:    metrics.Noop{},
		logger:     slog.Default(),
		clock:      types.RealClock{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// accumulator tracks the running chain sum. A dead cell was unresolved in
// some executed step and stays unresolved for the whole chain.
type accumulator struct {
	shift *grid.ShiftGrid
	dead  []bool
}

func newAccumulator(region grid.Region) *accumulator {
	s := grid.NewSurface(region)
	for i := range s.Values {
		s.Values[i], s.Uncertainty[i] = 0, 0
	}
	return &accumulator{
		shift: &grid.ShiftGrid{Surface: s},
		dead:  make([]bool, region.Cells()),
	}
}

// fold adds one resolved step surface into the accumulator.
func (a *accumulator) fold(step *grid.Surface) {
	acc := &a.shift.Surface
	for i := range acc.Values {
		if a.dead[i] {
			continue
		}
		if !step.Valid[i] {
			a.dead[i] = true
			acc.Invalidate(i)
			continue
		}
		acc.Values[i] += step.Values[i]
		acc.Uncertainty[i] = math.Hypot(acc.Uncertainty[i], step.Uncertainty[i])
		acc.Valid[i] = true
	}
}

// kill marks every cell unresolved for the rest of the chain.
func (a *accumulator) kill() {
	for i := range a.dead {
		a.dead[i] = true
		a.shift.Invalidate(i)
	}
}

// Execute runs steps over region and returns the composed ShiftGrid.
//
// A step with a term that has no source grid at all is recorded as a
// ChainStepFailedError and leaves every cell unresolved. The remaining steps
// still run so their failures are reported too, and the result is flagged
// Incomplete and returned together with the joined step errors. Cells a
// successful step leaves unresolved are unresolved in the result. An empty
// chain yields a resolved zero grid.
//
// On cancellation the context error is returned and the accumulator is
// discarded, unless the Executor runs in best-effort mode.
func (e *Executor) Execute(ctx context.Context, region grid.Region, steps []datum.TransformStep) (*grid.ShiftGrid, error) {
	if err := region.Validate(); err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidRegion, err.Error(), err)
	}

	acc := newAccumulator(region)
	if len(steps) == 0 {
		for i := range acc.shift.Valid {
			acc.shift.Valid[i] = true
		}
		return acc.shift, nil
	}

	var stepErrs []error
	for k, step := range steps {
		if err := ctx.Err(); err != nil {
			return e.cancelled(ctx, acc, k, steps, err)
		}

		start := e.clock.Now()
		surface, summary, err := e.runStep(ctx, k, step, region)
		if err != nil {
			if ctx.Err() != nil {
				return e.cancelled(ctx, acc, k, steps, ctx.Err())
			}
			e.logger.WarnContext(ctx, "chain step failed",
				"step", k,
				"kind", string(step.Kind),
				"error", err,
			)
			acc.shift.Incomplete = true
			acc.shift.Failures = append(acc.shift.Failures, grid.StepFailure{
				Step:  k,
				Kind:  string(step.Kind),
				Error: err.Error(),
			})
			stepErrs = append(stepErrs, err)
			acc.kill()
			continue
		}

		acc.fold(surface)
		summary.Duration = e.clock.Now().Sub(start)
		acc.shift.Steps = append(acc.shift.Steps, summary)

		e.metrics.RecordStep(ctx, string(step.Kind), summary.Duration, summary.ResolvedFraction)
		e.logger.InfoContext(ctx, "chain step complete",
			"step", k,
			"kind", string(step.Kind),
			"sources", len(summary.Sources),
			"resolved_fraction", summary.ResolvedFraction,
			"duration_ms", summary.Duration.Milliseconds(),
		)
	}

	if acc.shift.Incomplete {
		e.metrics.RecordChainIncomplete(ctx)
		return acc.shift, errors.Join(stepErrs...)
	}
	return acc.shift, nil
}

// runStep fetches, merges and sums the terms of one step.
func (e *Executor) runStep(ctx context.Context, k int, step datum.TransformStep, region grid.Region) (*grid.Surface, grid.StepSummary, error) {
	summary := grid.StepSummary{
		Step:     k,
		Kind:     string(step.Kind),
		Datasets: step.Datasets(),
	}

	partials, err := e.provider.Fetch(ctx, step, region)
	if err != nil {
		if ctx.Err() != nil {
			return nil, summary, ctx.Err()
		}
		return nil, summary, types.NewChainStepFailedError(k, string(step.Kind), err)
	}

	byTerm := make([][]grid.PartialGrid, len(step.Terms))
	for _, p := range partials {
		if p.Term < 0 || p.Term >= len(byTerm) {
			return nil, summary, types.NewAppError(types.ErrCodeInternalUnexpected,
				fmt.Sprintf("partial grid %s has term %d outside step", p.SourceID, p.Term), nil)
		}
		byTerm[p.Term] = append(byTerm[p.Term], p)
	}

	mosaics := make([]*grid.MosaicGrid, len(step.Terms))
	for t, term := range step.Terms {
		if len(byTerm[t]) == 0 {
			return nil, summary, types.NewChainStepFailedError(k, string(step.Kind),
				fmt.Errorf("no source grid for dataset %s", term.Dataset)).
				WithDetails(map[string]any{"dataset": term.Dataset})
		}
		m, err := e.compositor.Merge(region, byTerm[t])
		if err != nil {
			return nil, summary, types.NewChainStepFailedError(k, string(step.Kind), err)
		}
		mosaics[t] = m
		summary.Sources = append(summary.Sources, m.Sources...)
	}

	out := grid.NewSurface(region)
	for i := range out.Values {
		v, variance := 0.0, 0.0
		resolved := true
		for t, term := range step.Terms {
			m := mosaics[t]
			if !m.Valid[i] {
				resolved = false
				break
			}
			v += term.Factor * m.Values[i]
			s := math.Abs(term.Factor) * m.Uncertainty[i]
			variance += s * s
		}
		if resolved {
			out.Set(i, v, math.Sqrt(variance))
		}
	}
	summary.ResolvedFraction = out.ResolvedFraction()
	return &out, summary, nil
}

func (e *Executor) cancelled(ctx context.Context, acc *accumulator, k int, steps []datum.TransformStep, err error) (*grid.ShiftGrid, error) {
	e.logger.WarnContext(ctx, "chain cancelled",
		"step", k,
		"steps", len(steps),
		"best_effort", e.bestEffort,
		"error", err,
	)
	if !e.bestEffort {
		return nil, err
	}
	acc.shift.Incomplete = true
	for j := k; j < len(steps); j++ {
		acc.shift.Failures = append(acc.shift.Failures, grid.StepFailure{
			Step:  j,
			Kind:  string(steps[j].Kind),
			Error: err.Error(),
		})
	}
	if len(acc.shift.Steps) == 0 {
		for i := range acc.shift.Valid {
			acc.shift.Invalidate(i)
		}
	}
	e.metrics.RecordChainIncomplete(ctx)
	return acc.shift, err
}
