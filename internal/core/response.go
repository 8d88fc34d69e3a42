package core

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"vshift/internal/types"
)

// maxRequestBodySize caps JSON request bodies. Shift grid and job requests
// are a handful of short strings.
const maxRequestBodySize = 64 << 10

// errCodeValidationInvalidJSON is returned for any body DecodeJSON rejects.
const errCodeValidationInvalidJSON types.ErrorCode = "validation_invalid_json"

// APIResponse wraps every JSON success body.
type APIResponse struct {
	Data any                 `json:"data,omitempty"`
	Meta *types.ResponseMeta `json:"meta,omitempty"`
}

// APIErrorResponse wraps every JSON error body.
type APIErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail is the client-facing error. Failures lists the chain steps that
// had no source coverage when a build could not resolve any cell.
type ErrorDetail struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Failures  []StepFailure  `json:"failures,omitempty"`
	RequestID string         `json:"request_id"`
}

// StepFailure is one failed chain step in an error body.
type StepFailure struct {
	Step    int    `json:"step"`
	Kind    string `json:"kind"`
	Dataset string `json:"dataset,omitempty"`
	Message string `json:"message"`
}

// JSON marshals data and writes it with status. A value that cannot be
// marshalled becomes a 500 error envelope.
func JSON(w http.ResponseWriter, r *http.Request, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		status = http.StatusInternalServerError
		body, _ = json.Marshal(APIErrorResponse{Error: ErrorDetail{
			Code:      string(types.ErrCodeInternalUnexpected),
			Message:   "failed to encode response",
			RequestID: types.GetRequestID(r.Context()),
		}})
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Error writes err as an error envelope. An AppError anywhere in the chain
// sets the status, code, message and details; step failures joined beneath
// it are listed. Any other error is a 500 whose text is not exposed.
func Error(w http.ResponseWriter, r *http.Request, err error) {
	detail := ErrorDetail{
		Code:      string(types.ErrCodeInternalUnexpected),
		Message:   "an unexpected error occurred",
		RequestID: types.GetRequestID(r.Context()),
	}
	status := http.StatusInternalServerError

	var appErr *types.AppError
	if errors.As(err, &appErr) {
		status = appErr.HTTPStatus()
		detail.Code = string(appErr.Code)
		detail.Message = appErr.Message
		detail.Details = appErr.Details
		detail.Failures = stepFailures(appErr)
	}
	JSON(w, r, status, APIErrorResponse{Error: detail})
}

// stepFailures collects the ChainStepFailed errors wrapped or joined beneath
// err, in chain order. err itself is skipped when it carries no step.
func stepFailures(err error) []StepFailure {
	var out []StepFailure
	var walk func(error)
	walk = func(e error) {
		if e == nil {
			return
		}
		if ae, ok := e.(*types.AppError); ok && ae.Code == types.ErrCodeUpstreamChainStep {
			if step, ok := ae.Details["step"].(int); ok {
				kind, _ := ae.Details["kind"].(string)
				dataset, _ := ae.Details["dataset"].(string)
				out = append(out, StepFailure{Step: step, Kind: kind, Dataset: dataset, Message: ae.Message})
				return
			}
		}
		switch u := e.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(u.Unwrap())
		}
	}
	walk(err)
	return out
}

// DecodeJSON decodes a single JSON object from the body into dst. Unknown
// fields, trailing values, empty bodies and bodies over 64KB are rejected
// with validation_invalid_json.
func DecodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return invalidJSON(err)
	}
	if dec.More() {
		return types.NewAppError(errCodeValidationInvalidJSON,
			"request body must contain a single JSON object", nil)
	}
	return nil
}

func invalidJSON(err error) *types.AppError {
	var maxBytesErr *http.MaxBytesError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	var details map[string]any
	message := "invalid JSON in request body"
	switch {
	case errors.As(err, &maxBytesErr):
		message = "request body must not exceed 64KB"
	case errors.As(err, &syntaxErr):
		message = "malformed JSON in request body"
	case errors.As(err, &typeErr):
		message = "invalid value for field " + typeErr.Field
		details = map[string]any{"field": typeErr.Field, "expected": typeErr.Type.String()}
	case strings.HasPrefix(err.Error(), "json: unknown field "):
		message = "unknown field in request body: " + strings.TrimPrefix(err.Error(), "json: unknown field ")
	case errors.Is(err, io.EOF):
		message = "request body must not be empty"
	}
	return types.NewAppErrorWithDetails(errCodeValidationInvalidJSON, message, err, details)
}
