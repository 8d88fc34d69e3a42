// Package queue carries shift-grid jobs from the API to the grid worker over
// SQS.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"vshift/internal/types"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message attribute names set on every job message.
const (
	AttrReason     = "reason"
	AttrRetryCount = "retry_count"
)

// JobPublisher enqueues ShiftGridJobMessages on the job queue.
type JobPublisher struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewJobPublisher creates a JobPublisher. A nil logger uses slog.Default().
func NewJobPublisher(client SQSSender, queueURL string, logger *slog.Logger) *JobPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobPublisher{client: client, queueURL: queueURL, logger: logger}
}

// Publish serializes msg and sends it to the job queue. reason is recorded as
// a message attribute ("submitted", "retry").
func (p *JobPublisher) Publish(ctx context.Context, msg types.ShiftGridJobMessage, reason string) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal ShiftGridJobMessage: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			AttrReason: {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
			AttrRetryCount: {
				DataType:    aws.String("Number"),
				StringValue: aws.String(strconv.Itoa(msg.RetryCount)),
			},
		},
	}

	out, err := p.client.SendMessage(ctx, input)
	if err != nil {
		return types.NewAppError(types.ErrCodeUpstreamUnavailable,
			fmt.Sprintf("failed to enqueue job %s", msg.JobID), err)
	}

	p.logger.InfoContext(ctx, "shift grid job enqueued",
		"queue_url", p.queueURL,
		"job_id", msg.JobID,
		"trace_id", msg.TraceID,
		"message_id", aws.ToString(out.MessageId),
		"reason", reason,
	)
	return nil
}

// DecodeJobMessage parses an SQS message body written by Publish.
func DecodeJobMessage(body string) (types.ShiftGridJobMessage, error) {
	var msg types.ShiftGridJobMessage
	if err := json.Unmarshal([]byte(body), &msg); err != nil {
		return msg, fmt.Errorf("queue: malformed job message: %w", err)
	}
	if msg.JobID == "" {
		return msg, fmt.Errorf("queue: job message has no job_id")
	}
	return msg, nil
}
