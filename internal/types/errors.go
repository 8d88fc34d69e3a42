package types

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrorCode is a typed string for categorizing application errors.
type ErrorCode string

// Complete error code constants.
// All handlers MUST use these constants instead of hardcoded strings.
const (
	// Validation (400)
	ErrCodeValidationUnsupportedDatum ErrorCode = "validation_unsupported_datum"
	ErrCodeValidationInvalidRegion    ErrorCode = "validation_invalid_region"
	ErrCodeValidationInvalidIncrement ErrorCode = "validation_invalid_increment"
	ErrCodeValidationInvalidEpoch     ErrorCode = "validation_invalid_epoch"
	ErrCodeValidationMissingField     ErrorCode = "validation_missing_required_field"
	ErrCodeValidationGridTooLarge     ErrorCode = "validation_grid_too_large"

	// Unprocessable (422)
	ErrCodeNoDatumPath  ErrorCode = "unprocessable_no_datum_path"
	ErrCodeGridMismatch ErrorCode = "unprocessable_grid_mismatch"

	// Not Found (404)
	ErrCodeNotFoundJob    ErrorCode = "not_found_job"
	ErrCodeNotFoundSource ErrorCode = "not_found_source"

	// Too Many Requests (429)
	ErrCodeRateLimit ErrorCode = "rate_limit_exceeded"

	// Internal/Upstream (500/502)
	ErrCodeInternalDB             ErrorCode = "internal_database_error"
	ErrCodeInternalUnexpected     ErrorCode = "internal_unexpected_error"
	ErrCodeInternalGridCorruption ErrorCode = "internal_grid_corruption"
	ErrCodeUpstreamSource         ErrorCode = "upstream_source_unavailable"
	ErrCodeUpstreamChainStep      ErrorCode = "upstream_chain_step_failed"
	ErrCodeUpstreamUnavailable    ErrorCode = "upstream_unavailable"
	ErrCodeUpstreamRateLimited    ErrorCode = "upstream_rate_limited"
)

// HTTPStatus maps an ErrorCode to its corresponding HTTP status code.
// Used by the API layer to translate AppErrors into HTTP responses.
// Returns 500 for unrecognized error codes as a safe default.
func (c ErrorCode) HTTPStatus() int {
	s := string(c)
	switch {
	case s == string(ErrCodeValidationGridTooLarge):
		return http.StatusRequestEntityTooLarge // 413
	case strings.HasPrefix(s, "validation_"):
		return http.StatusBadRequest // 400
	case strings.HasPrefix(s, "unprocessable_"):
		return http.StatusUnprocessableEntity // 422
	case strings.HasPrefix(s, "not_found_"):
		return http.StatusNotFound // 404
	case s == string(ErrCodeRateLimit), s == string(ErrCodeUpstreamRateLimited):
		return http.StatusTooManyRequests // 429
	case strings.HasPrefix(s, "upstream_"):
		return http.StatusBadGateway // 502
	case strings.HasPrefix(s, "internal_"):
		return http.StatusInternalServerError // 500
	default:
		return http.StatusInternalServerError // 500
	}
}

// AppError is the standard application error type used throughout the module.
// All domain and handler errors should be expressed as AppError to enable
// consistent error formatting, HTTP status mapping, and error chain support.
type AppError struct {
	Code    ErrorCode      `json:"code"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	Details map[string]any `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/errors.As support.
func (e *AppError) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the HTTP status code corresponding to this error's code.
func (e *AppError) HTTPStatus() int {
	return e.Code.HTTPStatus()
}

// WithDetails returns a copy of the error with the provided details merged in.
func (e *AppError) WithDetails(details map[string]any) *AppError {
	merged := make(map[string]any, len(e.Details)+len(details))
	for k, v := range e.Details {
		merged[k] = v
	}
	for k, v := range details {
		merged[k] = v
	}
	return &AppError{
		Code:    e.Code,
		Message: e.Message,
		Err:     e.Err,
		Details: merged,
	}
}

// NewAppError creates a new AppError with the given code, message, and optional
// underlying error. This is the standard constructor for domain errors.
func NewAppError(code ErrorCode, message string, err error) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// NewAppErrorWithDetails creates a new AppError with the given code, message,
// underlying error, and structured details.
func NewAppErrorWithDetails(code ErrorCode, message string, err error, details map[string]any) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
		Details: details,
	}
}

// NewUnsupportedDatumError reports a datum spec that is malformed or not in the
// definitions table.
func NewUnsupportedDatumError(spec string, err error) *AppError {
	return NewAppErrorWithDetails(ErrCodeValidationUnsupportedDatum,
		fmt.Sprintf("unsupported datum %q", spec), err,
		map[string]any{"datum": spec})
}

// NewNoPathError reports that no transformation chain connects two datums.
func NewNoPathError(from, to string, reason string) *AppError {
	return NewAppErrorWithDetails(ErrCodeNoDatumPath,
		fmt.Sprintf("no transformation path from %s to %s: %s", from, to, reason), nil,
		map[string]any{"from": from, "to": to})
}

// NewSourceUnavailableError reports a single source grid that could not be
// fetched or decoded. Providers absorb these; they are surfaced for logging.
func NewSourceUnavailableError(sourceID string, err error) *AppError {
	return NewAppErrorWithDetails(ErrCodeUpstreamSource,
		fmt.Sprintf("source grid %s unavailable", sourceID), err,
		map[string]any{"source_id": sourceID})
}

// NewChainStepFailedError reports a chain step that produced no coverage at all.
func NewChainStepFailedError(step int, kind string, err error) *AppError {
	return NewAppErrorWithDetails(ErrCodeUpstreamChainStep,
		fmt.Sprintf("chain step %d (%s) has no source coverage", step, kind), err,
		map[string]any{"step": step, "kind": kind})
}

// NewGridMismatchError reports two rasters whose geometry differs.
func NewGridMismatchError(want, got string) *AppError {
	return NewAppErrorWithDetails(ErrCodeGridMismatch,
		fmt.Sprintf("grid geometry mismatch: want %s, got %s", want, got), nil,
		map[string]any{"want": want, "got": got})
}

// IsCode reports whether err carries an AppError with the given code anywhere
// in its chain.
func IsCode(err error, code ErrorCode) bool {
	var appErr *AppError
	for err != nil {
		if !errors.As(err, &appErr) {
			return false
		}
		if appErr.Code == code {
			return true
		}
		err = appErr.Err
	}
	return false
}
