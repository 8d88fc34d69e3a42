package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"vshift/internal/core"
	"vshift/internal/engine"
	"vshift/internal/types"
)

// JobStore is the job history contract. Implemented by db.JobHistoryRepository.
type JobStore interface {
	Create(ctx context.Context, job *types.Job) error
	Get(ctx context.Context, id string) (*types.Job, error)
	List(ctx context.Context, filter types.JobFilter) ([]*types.Job, types.PageInfo, error)
	Complete(ctx context.Context, id string, status types.JobStatus, outputURI string, summary *types.JobSummary, errMsg string) error
}

// JobQueue hands a job to the grid worker. Implemented by queue.JobPublisher.
type JobQueue interface {
	Publish(ctx context.Context, msg types.ShiftGridJobMessage, reason string) error
}

// JobPlanner validates a request before it is queued.
type JobPlanner interface {
	PlanRequest(req types.ShiftGridRequest) (*engine.Plan, error)
}

// JobHandler accepts asynchronous shift grid jobs and reports their state.
type JobHandler struct {
	planner   JobPlanner
	store     JobStore
	queue     JobQueue
	validator *core.Validator
	clock     types.Clock
	logger    *slog.Logger
	newID     func() string
}

func NewJobHandler(
	planner JobPlanner,
	store JobStore,
	queue JobQueue,
	val *core.Validator,
	logger *slog.Logger,
) *JobHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &JobHandler{
		planner:   planner,
		store:     store,
		queue:     queue,
		validator: val,
		clock:     types.RealClock{},
		logger:    logger,
		newID:     uuid.NewString,
	}
}

func (h *JobHandler) RegisterRoutes(r chi.Router) {
	r.Post("/", h.HandleCreate)
	r.Get("/", h.HandleList)
	r.Get("/{id}", h.HandleGet)
}

// HandleCreate handles POST /v1/jobs.
//
//  1. Decode and validate the request.
//  2. Plan it, so an unsupported datum or oversized grid fails now with 4xx.
//  3. Record the job as queued and publish it to the worker queue.
//
// If publishing fails the job is marked failed and the error returned, so a
// job row never stays queued without a message.
func (h *JobHandler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req types.ShiftGridRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}
	if req.Format == "" {
		req.Format = types.OutputGeoTIFF
	}

	plan, err := h.planner.PlanRequest(req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	now := h.clock.Now()
	job := &types.Job{
		ID:        h.newID(),
		Status:    types.JobStatusQueued,
		Request:   req,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := h.store.Create(ctx, job); err != nil {
		core.Error(w, r, err)
		return
	}

	msg := types.ShiftGridJobMessage{
		JobID:       job.ID,
		Request:     req,
		RequestedAt: now,
		TraceID:     types.GetRequestID(ctx),
	}
	if err := h.queue.Publish(ctx, msg, "api_submit"); err != nil {
		if cerr := h.store.Complete(ctx, job.ID, types.JobStatusFailed, "", nil, "enqueue failed"); cerr != nil {
			h.logger.ErrorContext(ctx, "failed to mark unqueued job failed", "job_id", job.ID, "error", cerr)
		}
		core.Error(w, r, err)
		return
	}

	h.logger.InfoContext(ctx, "shift grid job accepted",
		"job_id", job.ID,
		"chain", plan.Chain(),
		"cells", plan.Region.Cells(),
	)

	w.Header().Set("Location", "/v1/jobs/"+job.ID)
	core.JSON(w, r, http.StatusAccepted, core.APIResponse{Data: job})
}

// HandleGet handles GET /v1/jobs/{id}.
func (h *JobHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := uuid.Parse(id); err != nil {
		core.Error(w, r, types.NewAppError(types.ErrCodeNotFoundJob, "job not found", nil))
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: job})
}

// HandleList handles GET /v1/jobs?status=a,b&limit=n&cursor=c.
func (h *JobHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := types.JobFilter{Cursor: q.Get("cursor")}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			core.Error(w, r, types.NewAppError(types.ErrCodeValidationMissingField,
				"limit must be a positive integer", err))
			return
		}
		filter.Limit = limit
	}
	filter.Limit = types.ClampJobListLimit(filter.Limit)

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := types.JobStatus(strings.TrimSpace(s))
			switch status {
			case types.JobStatusQueued, types.JobStatusRunning, types.JobStatusSucceeded,
				types.JobStatusPartial, types.JobStatusFailed:
				filter.Status = append(filter.Status, status)
			default:
				core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationMissingField,
					"unknown job status "+strconv.Quote(string(status)), nil,
					map[string]any{"field": "status"}))
				return
			}
		}
	}

	jobs, page, err := h.store.List(r.Context(), filter)
	if err != nil {
		core.Error(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []*types.Job{}
	}
	core.JSON(w, r, http.StatusOK, core.APIResponse{
		Data: jobs,
		Meta: &types.ResponseMeta{Pagination: &page},
	})
}
