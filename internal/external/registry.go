package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"

	"vshift/internal/config"
	"vshift/internal/security"
)

// ClientRegistry holds the outbound clients built from configuration. A nil
// field means the corresponding resource is not configured: the HTTP client
// always exists, AWS clients only when an AWS resource is named, Redis only
// when REDIS_URL is set.
type ClientRegistry struct {
	HTTP       *BaseClient
	S3         *s3.Client
	SQS        *sqs.Client
	CloudWatch *cloudwatch.Client
	Redis      *redis.Client
}

// NewClientRegistry initializes the clients the configuration asks for.
// AWS_ENDPOINT_URL redirects every AWS client (LocalStack); S3 then uses
// path-style addressing.
func NewClientRegistry(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*ClientRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := &http.Client{Timeout: cfg.HTTP.Timeout}
	if cfg.HTTP.BlockPrivate {
		httpClient = security.NewHTTPClient(cfg.HTTP.Timeout, security.DefaultMaxRedirects)
	}
	reg := &ClientRegistry{
		HTTP: NewBaseClient(httpClient, DefaultRetryPolicy(), cfg.HTTP.UserAgent),
	}

	if needsAWS(cfg) {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
		if err != nil {
			return nil, fmt.Errorf("loading AWS config (region=%s): %w", cfg.AWS.Region, err)
		}
		endpoint := cfg.AWS.EndpointURL

		reg.S3 = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
				o.UsePathStyle = true
			}
		})
		reg.SQS = sqs.NewFromConfig(awsCfg, func(o *sqs.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		reg.CloudWatch = cloudwatch.NewFromConfig(awsCfg, func(o *cloudwatch.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		})
		logger.Info("AWS clients initialized",
			"region", cfg.AWS.Region,
			"endpoint_override", endpoint != "",
		)
	}

	if cfg.Cache.RedisURL.Set() {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL.Unmask())
		if err != nil {
			return nil, fmt.Errorf("parsing REDIS_URL: %w", err)
		}
		reg.Redis = redis.NewClient(opts)
		logger.Info("redis client initialized", "addr", opts.Addr, "db", opts.DB)
	}

	return reg, nil
}

// needsAWS reports whether any configured resource lives in AWS.
func needsAWS(cfg *config.Config) bool {
	return cfg.Catalog.GridBucket != "" ||
		cfg.AWS.OutputBucket != "" ||
		cfg.AWS.JobQueueURL != "" ||
		cfg.Observability.MetricsBackend == "cloudwatch"
}

// Close releases pooled connections.
func (r *ClientRegistry) Close() error {
	var errs []error
	if r.Redis != nil {
		errs = append(errs, r.Redis.Close())
	}
	return errors.Join(errs...)
}
