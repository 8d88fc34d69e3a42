package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var _ Recorder = (*PrometheusRecorder)(nil)

// PrometheusRecorder exposes metrics for scraping on /metrics. Each recorder
// owns its registry so several can coexist in one process.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	stepDuration      *prometheus.HistogramVec
	stepCoverage      *prometheus.GaugeVec
	chainIncomplete   prometheus.Counter
	sourceUnavailable *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	apiLatency        *prometheus.HistogramVec
}

// NewPrometheusRecorder registers the vshift collectors on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &PrometheusRecorder{
		registry: reg,
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vshift_chain_step_duration_seconds",
			Help:    "Duration of one transformation chain step",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 180},
		}, []string{"kind"}),
		stepCoverage: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vshift_chain_step_resolved_fraction",
			Help: "Resolved fraction of the most recent step of each kind",
		}, []string{"kind"}),
		chainIncomplete: f.NewCounter(prometheus.CounterOpts{
			Name: "vshift_chain_incomplete_total",
			Help: "Chains returned with at least one missing step",
		}),
		sourceUnavailable: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vshift_source_unavailable_total",
			Help: "Source grids that could not be fetched or decoded",
		}, []string{"dataset"}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "vshift_fragment_cache_lookups_total",
			Help: "Fragment cache lookups by result",
		}, []string{"result"}),
		apiLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vshift_api_request_duration_seconds",
			Help:    "API request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"endpoint"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusRecorder) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (p *PrometheusRecorder) Registry() *prometheus.Registry { return p.registry }

func (p *PrometheusRecorder) RecordStep(_ context.Context, kind string, duration time.Duration, resolvedFraction float64) {
	p.stepDuration.WithLabelValues(kind).Observe(duration.Seconds())
	p.stepCoverage.WithLabelValues(kind).Set(resolvedFraction)
}

func (p *PrometheusRecorder) RecordChainIncomplete(context.Context) {
	p.chainIncomplete.Inc()
}

func (p *PrometheusRecorder) RecordSourceUnavailable(_ context.Context, dataset string) {
	p.sourceUnavailable.WithLabelValues(dataset).Inc()
}

func (p *PrometheusRecorder) RecordCacheLookup(_ context.Context, hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(result).Inc()
}

func (p *PrometheusRecorder) RecordAPILatency(_ context.Context, endpoint string, duration time.Duration) {
	p.apiLatency.WithLabelValues(endpoint).Observe(duration.Seconds())
}
