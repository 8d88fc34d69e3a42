// Package worker builds queued shift-grid jobs. It is driven by the
// grid-worker Lambda, one SQS batch per invocation.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"vshift/internal/engine"
	"vshift/internal/queue"
	"vshift/internal/types"
)

// DefaultOutputPrefix is the key prefix of persisted job grids.
const DefaultOutputPrefix = "jobs/"

// Builder plans and executes shift grids. Implemented by engine.Engine.
type Builder interface {
	PlanRequest(req types.ShiftGridRequest) (*engine.Plan, error)
	Build(ctx context.Context, plan *engine.Plan, bestEffort bool) (*engine.Result, error)
}

// JobStore records job transitions. Implemented by db.JobHistoryRepository.
type JobStore interface {
	MarkRunning(ctx context.Context, id string) error
	Complete(ctx context.Context, id string, status types.JobStatus, outputURI string, summary *types.JobSummary, errMsg string) error
}

// S3Uploader abstracts the S3 PutObject operation for testability.
type S3Uploader interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Handler processes SQS batches of types.ShiftGridJobMessage.
type Handler struct {
	builder Builder
	jobs    JobStore
	s3      S3Uploader
	bucket  string
	prefix  string
	logger  *slog.Logger
}

func NewHandler(builder Builder, jobs JobStore, uploader S3Uploader, bucket string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		builder: builder,
		jobs:    jobs,
		s3:      uploader,
		bucket:  bucket,
		prefix:  DefaultOutputPrefix,
		logger:  logger,
	}
}

// Handle processes each record independently and reports failed records in
// BatchItemFailures so SQS redelivers only those.
//
// A record is retried only for transient failures: the job store or S3
// being unavailable, or the invocation running out of time. A request that
// cannot be planned or resolves no cell is recorded as failed and acknowledged.
func (h *Handler) Handle(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
	var resp events.SQSEventResponse
	for _, record := range event.Records {
		if err := h.process(ctx, record); err != nil {
			h.logger.ErrorContext(ctx, "shift grid job will be retried",
				"message_id", record.MessageId,
				"error", err,
			)
			resp.BatchItemFailures = append(resp.BatchItemFailures,
				events.SQSBatchItemFailure{ItemIdentifier: record.MessageId})
		}
	}
	return resp, nil
}

func (h *Handler) process(ctx context.Context, record events.SQSMessage) error {
	msg, err := queue.DecodeJobMessage(record.Body)
	if err != nil {
		// Poison message; retrying cannot help.
		h.logger.ErrorContext(ctx, "discarding malformed job message",
			"message_id", record.MessageId,
			"error", err,
		)
		return nil
	}

	ctx = types.WithJobID(ctx, msg.JobID)
	logger := h.logger.With("job_id", msg.JobID, "trace_id", msg.TraceID, "retry_count", msg.RetryCount)

	if err := h.jobs.MarkRunning(ctx, msg.JobID); err != nil {
		if types.IsCode(err, types.ErrCodeNotFoundJob) {
			logger.InfoContext(ctx, "job already finished or unknown; skipping")
			return nil
		}
		return fmt.Errorf("mark running: %w", err)
	}

	plan, err := h.builder.PlanRequest(msg.Request)
	if err != nil {
		logger.WarnContext(ctx, "job request rejected", "error", err)
		return h.complete(ctx, msg.JobID, types.JobStatusFailed, "", nil, err.Error())
	}

	res, err := h.builder.Build(ctx, plan, msg.Request.BestEffort)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("build interrupted: %w", err)
		}
		var summary *types.JobSummary
		if res != nil {
			s := res.Summary()
			summary = &s
		}
		logger.WarnContext(ctx, "job build failed", "chain", plan.Chain(), "error", err)
		return h.complete(ctx, msg.JobID, types.JobStatusFailed, "", summary, err.Error())
	}

	uri, err := h.upload(ctx, msg.JobID, msg.Request.Format, res)
	if err != nil {
		return err
	}

	status := types.JobStatusSucceeded
	errMsg := ""
	if res.Shift.Incomplete {
		status = types.JobStatusPartial
		if res.StepErr != nil {
			errMsg = res.StepErr.Error()
		}
	}
	summary := res.Summary()
	if err := h.complete(ctx, msg.JobID, status, uri, &summary, errMsg); err != nil {
		return err
	}

	logger.InfoContext(ctx, "shift grid job finished",
		"status", status,
		"output_uri", uri,
		"resolved_fraction", summary.ResolvedFraction,
		"duration_ms", summary.DurationMS,
	)
	return nil
}

// upload writes the grid, plus the uncertainty companion for GTX output,
// and returns the s3:// URI of the grid.
func (h *Handler) upload(ctx context.Context, jobID string, format types.OutputFormat, res *engine.Result) (string, error) {
	if format == "" {
		format = types.OutputGeoTIFF
	}

	var buf bytes.Buffer
	if err := engine.Encode(&buf, res.Shift, format); err != nil {
		return "", fmt.Errorf("encode grid: %w", err)
	}
	key := path.Join(h.prefix, jobID+engine.Extension(format))
	if err := h.put(ctx, key, engine.ContentType(format), buf.Bytes()); err != nil {
		return "", err
	}

	if format == types.OutputGTX {
		buf.Reset()
		if err := engine.EncodeUncertaintyGTX(&buf, res.Shift); err != nil {
			return "", fmt.Errorf("encode uncertainty: %w", err)
		}
		if err := h.put(ctx, path.Join(h.prefix, jobID+"_unc.gtx"), engine.ContentType(format), buf.Bytes()); err != nil {
			return "", err
		}
	}
	return "s3://" + h.bucket + "/" + key, nil
}

func (h *Handler) put(ctx context.Context, key, contentType string, body []byte) error {
	_, err := h.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(h.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("failed to upload s3://%s/%s", h.bucket, key), err)
	}
	return nil
}

func (h *Handler) complete(ctx context.Context, id string, status types.JobStatus, uri string, summary *types.JobSummary, errMsg string) error {
	if err := h.jobs.Complete(ctx, id, status, uri, summary, errMsg); err != nil {
		return fmt.Errorf("complete job as %s: %w", status, err)
	}
	return nil
}
