package types

import (
	"time"
)

// JobStatus represents the lifecycle state of an asynchronous shift-grid job.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusPartial   JobStatus = "partial"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is expected.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobStatusSucceeded, JobStatusPartial, JobStatusFailed:
		return true
	}
	return false
}

// OutputFormat selects the encoding of a persisted shift grid.
type OutputFormat string

const (
	OutputGeoTIFF OutputFormat = "tif"
	OutputGTX     OutputFormat = "gtx"
)

// ShiftGridRequest describes one shift grid: the datum pair and the caller's
// grid. Region is "west/east/south/north" in degrees; Increment accepts the
// same units as the CLI (degrees, or an "s"/"m" suffix for arc-seconds and
// arc-minutes).
type ShiftGridRequest struct {
	Region     string       `json:"region" validate:"required,region"`
	Increment  string       `json:"increment" validate:"required,increment"`
	DatumIn    string       `json:"datum_in" validate:"required,datum"`
	DatumOut   string       `json:"datum_out" validate:"required,datum"`
	EpochIn    *float64     `json:"epoch_in,omitempty" validate:"omitempty,gte=1900,lte=2100"`
	EpochOut   *float64     `json:"epoch_out,omitempty" validate:"omitempty,gte=1900,lte=2100"`
	Format     OutputFormat `json:"format,omitempty" validate:"omitempty,oneof=tif gtx"`
	BestEffort bool         `json:"best_effort,omitempty"`
}

// JobSummary records the outcome of a finished job. It is persisted as JSONB
// alongside the job row.
type JobSummary struct {
	Chain            string   `json:"chain"`
	NX               int      `json:"nx"`
	NY               int      `json:"ny"`
	ResolvedFraction float64  `json:"resolved_fraction"`
	Incomplete       bool     `json:"incomplete"`
	Min              *float64 `json:"min,omitempty"`
	Max              *float64 `json:"max,omitempty"`
	Mean             *float64 `json:"mean,omitempty"`
	Failures         []string `json:"failures,omitempty"`
	DurationMS       int64    `json:"duration_ms"`
}

// Job is a queued shift-grid computation and its recorded outcome.
type Job struct {
	ID        string           `json:"id"`
	Status    JobStatus        `json:"status"`
	Request   ShiftGridRequest `json:"request"`
	OutputURI string           `json:"output_uri,omitempty"`
	Summary   *JobSummary      `json:"summary,omitempty"`
	Error     string           `json:"error,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}
