package db

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"vshift/internal/types"
)

// JobHistoryRepository records asynchronous shift-grid jobs.
//
//	shift_grid_jobs(id text primary key, status text, request jsonb,
//	                output_uri text, summary jsonb, error text,
//	                created_at timestamptz, updated_at timestamptz)
type JobHistoryRepository struct {
	db DBTX
}

// NewJobHistoryRepository creates a JobHistoryRepository backed by the given
// database connection (pool or transaction).
func NewJobHistoryRepository(db DBTX) *JobHistoryRepository {
	return &JobHistoryRepository{db: db}
}

const jobColumns = `j.id, j.status, j.request, j.output_uri, j.summary, j.error,
	j.created_at, j.updated_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var (
		job       types.Job
		outputURI *string
		errMsg    *string
	)
	err := row.Scan(
		&job.ID,
		&job.Status,
		&job.Request,
		&outputURI,
		&job.Summary,
		&errMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if outputURI != nil {
		job.OutputURI = *outputURI
	}
	if errMsg != nil {
		job.Error = *errMsg
	}
	return &job, nil
}

// Create inserts a queued job. The caller sets ID and Request.
func (r *JobHistoryRepository) Create(ctx context.Context, job *types.Job) error {
	status := job.Status
	if status == "" {
		status = types.JobStatusQueued
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO shift_grid_jobs (id, status, request, created_at, updated_at)
		 VALUES ($1, $2, $3, COALESCE($4, NOW()), COALESCE($4, NOW()))`,
		job.ID,
		status,
		job.Request,
		nilIfZeroTime(job.CreatedAt),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to create job", err)
	}
	return nil
}

// Get returns the job with the given ID.
func (r *JobHistoryRepository) Get(ctx context.Context, id string) (*types.Job, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+jobColumns+`
		 FROM shift_grid_jobs j
		 WHERE j.id = $1`,
		id,
	)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
		}
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to retrieve job", err)
	}
	return job, nil
}

// MarkRunning moves a queued job to running. A job that is already terminal
// is left untouched and reported as not found, so a redelivered message does
// not rerun it.
func (r *JobHistoryRepository) MarkRunning(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE shift_grid_jobs
		 SET status = $1, updated_at = NOW()
		 WHERE id = $2 AND status IN ($3, $1)`,
		types.JobStatusRunning,
		id,
		types.JobStatusQueued,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to mark job running", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found or already finished", nil)
	}
	return nil
}

// Complete records the terminal outcome of a job.
func (r *JobHistoryRepository) Complete(ctx context.Context, id string, status types.JobStatus, outputURI string, summary *types.JobSummary, errMsg string) error {
	if !status.Terminal() {
		return types.NewAppError(types.ErrCodeInternalUnexpected,
			fmt.Sprintf("status %q is not terminal", status), nil)
	}
	tag, err := r.db.Exec(ctx,
		`UPDATE shift_grid_jobs
		 SET status = $1,
		     output_uri = $2,
		     summary = $3,
		     error = $4,
		     updated_at = NOW()
		 WHERE id = $5`,
		status,
		nilIfEmpty(outputURI),
		summary,
		nilIfEmpty(errMsg),
		id,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to complete job", err)
	}
	if tag.RowsAffected() == 0 {
		return types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil)
	}
	return nil
}

// List returns jobs newest first with cursor pagination on created_at.
func (r *JobHistoryRepository) List(ctx context.Context, filter types.JobFilter) ([]*types.Job, types.PageInfo, error) {
	limit := types.ClampJobListLimit(filter.Limit)

	var conditions []string
	var args []any
	argIdx := 1

	if len(filter.Status) > 0 {
		placeholders := make([]string, len(filter.Status))
		for i, s := range filter.Status {
			placeholders[i] = fmt.Sprintf("$%d", argIdx)
			args = append(args, s)
			argIdx++
		}
		conditions = append(conditions, fmt.Sprintf("j.status IN (%s)", strings.Join(placeholders, ", ")))
	}

	if filter.Cursor != "" {
		cursorTime, err := time.Parse(time.RFC3339Nano, filter.Cursor)
		if err != nil {
			return nil, types.PageInfo{}, types.NewAppError(
				types.ErrCodeValidationMissingField,
				"invalid cursor format; expected RFC3339 timestamp",
				err,
			)
		}
		conditions = append(conditions, fmt.Sprintf("j.created_at < $%d", argIdx))
		args = append(args, cursorTime)
		argIdx++
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	// Fetch limit+1 to detect if there are more results.
	query := fmt.Sprintf(
		`SELECT %s
		 FROM shift_grid_jobs j
		 %s
		 ORDER BY j.created_at DESC
		 LIMIT $%d`,
		jobColumns,
		whereClause,
		argIdx,
	)
	args = append(args, limit+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to list jobs", err)
	}
	defer rows.Close()

	var results []*types.Job
	for rows.Next() {
		job, scanErr := scanJob(rows)
		if scanErr != nil {
			return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job row", scanErr)
		}
		results = append(results, job)
	}
	if err := rows.Err(); err != nil {
		return nil, types.PageInfo{}, types.NewAppError(types.ErrCodeInternalDB, "error iterating job rows", err)
	}

	pageInfo := types.PageInfo{}
	if len(results) > limit {
		pageInfo.HasMore = true
		pageInfo.NextCursor = results[limit-1].CreatedAt.Format(time.RFC3339Nano)
		results = results[:limit]
	}
	return results, pageInfo, nil
}

func nilIfZeroTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
