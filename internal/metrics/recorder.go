// Package metrics records engine telemetry. Components depend on the Recorder
// interface; cmd/* picks the backend from METRICS_BACKEND.
package metrics

import (
	"context"
	"time"
)

// Recorder receives chain, provider and API measurements. Implementations
// must be safe for concurrent use and must never fail the caller: emission
// errors are logged and dropped.
type Recorder interface {
	// RecordStep reports one executed chain step.
	RecordStep(ctx context.Context, kind string, duration time.Duration, resolvedFraction float64)
	// RecordChainIncomplete reports a chain returned with the Incomplete flag.
	RecordChainIncomplete(ctx context.Context)
	// RecordSourceUnavailable reports a source grid that was absorbed as missing.
	RecordSourceUnavailable(ctx context.Context, dataset string)
	// RecordCacheLookup reports a fragment cache hit or miss.
	RecordCacheLookup(ctx context.Context, hit bool)
	// RecordAPILatency reports the latency of an API endpoint.
	RecordAPILatency(ctx context.Context, endpoint string, duration time.Duration)
}

// Noop discards everything.
type Noop struct{}

var _ Recorder = Noop{}

func (Noop) RecordStep(context.Context, string, time.Duration, float64) {}
func (Noop) RecordChainIncomplete(context.Context) {}
func (Noop) RecordSourceUnavailable(context.Context, string) {}
func (Noop) RecordCacheLookup(context.Context, bool) {}
func (Noop) RecordAPILatency(context.Context, string, time.Duration) {}

// OrNoop returns r, or Noop when r is nil.
func OrNoop(r Recorder) Recorder {
	if r == nil {
		return Noop{}
	}
	return r
}
