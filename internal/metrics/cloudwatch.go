package metrics

import (
	"context"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"vshift/internal/types"
)

// CloudWatchClient abstracts the CloudWatch PutMetricData operation for testability.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchRecorder emits metrics to AWS CloudWatch.
//
// Metrics emitted:
//   - ChainStepDuration: Dims {StepKind} -- milliseconds per executed step
//   - ChainStepCoverage: Dims {StepKind} -- resolved fraction of the step, in percent
//   - ChainIncomplete: No dims -- chains returned with missing steps
//   - SourceUnavailable: Dims {Dataset} -- absorbed source failures
//   - FragmentCacheHit / FragmentCacheMiss: No dims
//   - APILatency: Dims {Endpoint}
var _ Recorder = (*CloudWatchRecorder)(nil)

type CloudWatchRecorder struct {
	client    CloudWatchClient
	namespace string
	logger    *slog.Logger
}

// NewCloudWatchRecorder creates a recorder publishing to namespace. An empty
// namespace uses types.MetricNamespace.
func NewCloudWatchRecorder(client CloudWatchClient, namespace string, logger *slog.Logger) *CloudWatchRecorder {
	if namespace == "" {
		namespace = types.MetricNamespace
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CloudWatchRecorder{
		client:    client,
		namespace: namespace,
		logger:    logger,
	}
}

func dims(kv ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, cwtypes.Dimension{
			Name:  aws.String(kv[i]),
			Value: aws.String(kv[i+1]),
		})
	}
	return out
}

func (m *CloudWatchRecorder) put(ctx context.Context, data ...cwtypes.MetricDatum) {
	input := &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(m.namespace),
		MetricData: data,
	}
	if _, err := m.client.PutMetricData(ctx, input); err != nil {
		m.logger.ErrorContext(ctx, "failed to record metric",
			"error", err.Error(),
			"metric", aws.ToString(data[0].MetricName),
		)
	}
}

// RecordStep emits duration and coverage for one chain step.
func (m *CloudWatchRecorder) RecordStep(ctx context.Context, kind string, duration time.Duration, resolvedFraction float64) {
	d := dims(types.DimStepKind, kind)
	m.put(ctx,
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricStepDuration),
			Value:      aws.Float64(float64(duration.Milliseconds())),
			Unit:       cwtypes.StandardUnitMilliseconds,
			Dimensions: d,
		},
		cwtypes.MetricDatum{
			MetricName: aws.String(types.MetricStepCoverage),
			Value:      aws.Float64(resolvedFraction * 100),
			Unit:       cwtypes.StandardUnitPercent,
			Dimensions: d,
		},
	)
}

func (m *CloudWatchRecorder) RecordChainIncomplete(ctx context.Context) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricChainIncomplete),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchRecorder) RecordSourceUnavailable(ctx context.Context, dataset string) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricSourceUnavailable),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
		Dimensions: dims(types.DimDataset, dataset),
	})
}

func (m *CloudWatchRecorder) RecordCacheLookup(ctx context.Context, hit bool) {
	name := types.MetricCacheMiss
	if hit {
		name = types.MetricCacheHit
	}
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(1),
		Unit:       cwtypes.StandardUnitCount,
	})
}

func (m *CloudWatchRecorder) RecordAPILatency(ctx context.Context, endpoint string, duration time.Duration) {
	m.put(ctx, cwtypes.MetricDatum{
		MetricName: aws.String(types.MetricAPILatency),
		Value:      aws.Float64(float64(duration.Milliseconds())),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Dimensions: dims(types.DimEndpoint, endpoint),
	})
}
