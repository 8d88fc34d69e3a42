// Package handlers contains the HTTP handlers of the vshift API:
//   - Synchronous shift grids (POST /v1/shift-grids, POST /v1/shift-grids/plan)
//   - Asynchronous jobs (POST /v1/jobs, GET /v1/jobs, GET /v1/jobs/{id})
//   - Datum discovery (GET /v1/datums)
package handlers

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"vshift/internal/core"
	"vshift/internal/datum"
	"vshift/internal/engine"
	"vshift/internal/grid"
	"vshift/internal/types"
)

// Response headers describing a built grid.
const (
	HeaderChain            = "X-Chain"
	HeaderResolvedFraction = "X-Resolved-Fraction"
	HeaderIncomplete       = "X-Incomplete"
)

// GridBuilder is the subset of engine.Engine the handlers need.
type GridBuilder interface {
	PlanRequest(req types.ShiftGridRequest) (*engine.Plan, error)
	Build(ctx context.Context, plan *engine.Plan, bestEffort bool) (*engine.Result, error)
}

// ShiftGridHandler builds shift grids inside the request.
type ShiftGridHandler struct {
	builder   GridBuilder
	validator *core.Validator
	limiter   func(http.Handler) http.Handler
	logger    *slog.Logger
}

// NewShiftGridHandler creates the handler. limiter wraps the build route
// (core.Server.BuildLimiter in production) and may be nil.
func NewShiftGridHandler(
	builder GridBuilder,
	val *core.Validator,
	limiter func(http.Handler) http.Handler,
	logger *slog.Logger,
) *ShiftGridHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ShiftGridHandler{
		builder:   builder,
		validator: val,
		limiter:   limiter,
		logger:    logger,
	}
}

// RegisterRoutes mounts the shift grid endpoints.
func (h *ShiftGridHandler) RegisterRoutes(r chi.Router) {
	build := r
	if h.limiter != nil {
		build = r.With(h.limiter)
	}
	build.Post("/", h.HandleBuild)
	r.Post("/plan", h.HandlePlan)
}

// PlanResponse describes a resolved chain without executing it.
type PlanResponse struct {
	Region   grid.Region           `json:"region"`
	DatumIn  string                `json:"datum_in"`
	DatumOut string                `json:"datum_out"`
	Chain    string                `json:"chain"`
	Steps    []datum.TransformStep `json:"steps"`
	Cells    int                   `json:"cells"`
}

// HandlePlan handles POST /v1/shift-grids/plan. It validates the request and
// returns the chain that a build would run.
func (h *ShiftGridHandler) HandlePlan(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	plan, err := h.builder.PlanRequest(req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	core.JSON(w, r, http.StatusOK, core.APIResponse{Data: PlanResponse{
		Region:   plan.Region,
		DatumIn:  plan.In.String(),
		DatumOut: plan.Out.String(),
		Chain:    plan.Chain(),
		Steps:    plan.Steps,
		Cells:    plan.Region.Cells(),
	}})
}

// HandleBuild handles POST /v1/shift-grids.
//
// The grid is encoded in the requested format (GeoTIFF by default) and
// returned as the body. X-Resolved-Fraction and X-Incomplete report coverage;
// a grid with no resolved cell is a 502.
func (h *ShiftGridHandler) HandleBuild(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decodeRequest(w, r)
	if !ok {
		return
	}

	plan, err := h.builder.PlanRequest(req)
	if err != nil {
		core.Error(w, r, err)
		return
	}

	res, err := h.builder.Build(r.Context(), plan, req.BestEffort)
	if err != nil {
		h.logger.WarnContext(r.Context(), "shift grid build failed",
			"chain", plan.Chain(),
			"request_id", types.GetRequestID(r.Context()),
			"error", err,
		)
		core.Error(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := engine.Encode(&buf, res.Shift, req.Format); err != nil {
		core.Error(w, r, err)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", engine.ContentType(req.Format))
	hdr.Set("Content-Disposition", `attachment; filename="shift`+engine.Extension(req.Format)+`"`)
	hdr.Set("Content-Length", strconv.Itoa(buf.Len()))
	hdr.Set(HeaderChain, plan.Chain())
	hdr.Set(HeaderResolvedFraction, strconv.FormatFloat(res.Shift.ResolvedFraction(), 'f', 6, 64))
	hdr.Set(HeaderIncomplete, strconv.FormatBool(res.Shift.Incomplete))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (h *ShiftGridHandler) decodeRequest(w http.ResponseWriter, r *http.Request) (types.ShiftGridRequest, bool) {
	var req types.ShiftGridRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return req, false
	}
	return req, true
}
