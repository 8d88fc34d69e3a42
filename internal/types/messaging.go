package types

import "time"

// ShiftGridJobMessage is the SQS payload the API publishes for an
// asynchronous shift grid and the grid worker consumes.
type ShiftGridJobMessage struct {
	JobID       string           `json:"job_id"`
	Request     ShiftGridRequest `json:"request"`
	RequestedAt time.Time        `json:"requested_at"`

	// RetryCount is incremented by the worker before a message is re-published
	// after a transient failure.
	RetryCount int `json:"retry_count"`

	TraceID string `json:"trace_id,omitempty"`
}
