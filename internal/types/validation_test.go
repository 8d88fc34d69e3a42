package types

import (
	"errors"
	"math"
	"testing"
)

func TestCheckGridSize(t *testing.T) {
	tests := []struct {
		name     string
		nx, ny   int
		maxCells int
		wantCode ErrorCode
	}{
		{"within default", 1200, 1200, 0, ""},
		{"exactly at limit", 100, 100, 10000, ""},
		{"one over limit", 101, 100, 10000, ErrCodeValidationGridTooLarge},
		{"default limit", 5001, 5000, 0, ErrCodeValidationGridTooLarge},
		{"empty grid", 0, 10, 0, ErrCodeValidationInvalidRegion},
		{"negative", 10, -1, 0, ErrCodeValidationInvalidRegion},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckGridSize(tt.nx, tt.ny, tt.maxCells)
			if tt.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !IsCode(err, tt.wantCode) {
				t.Fatalf("CheckGridSize(%d, %d, %d) = %v, want code %s", tt.nx, tt.ny, tt.maxCells, err, tt.wantCode)
			}
		})
	}
}

func TestCheckGridSize_TooLargeMapsTo413(t *testing.T) {
	err := CheckGridSize(10000, 10000, 0)
	var appErr *AppError
	if !errors.As(err, &appErr) {
		t.Fatalf("expected AppError, got %T", err)
	}
	if appErr.HTTPStatus() != 413 {
		t.Errorf("HTTPStatus() = %d, want 413", appErr.HTTPStatus())
	}
	if appErr.Details["max_cells"] != DefaultMaxGridCells {
		t.Errorf("max_cells detail = %v", appErr.Details["max_cells"])
	}
}

func TestValidateEpoch(t *testing.T) {
	for _, epoch := range []float64{MinEpoch, 1997.0, 2010.5, MaxEpoch} {
		if err := ValidateEpoch(epoch); err != nil {
			t.Errorf("ValidateEpoch(%g) = %v", epoch, err)
		}
	}
	for _, epoch := range []float64{1899.99, 2100.01, 0, math.NaN(), math.Inf(1), math.Inf(-1)} {
		if !IsCode(ValidateEpoch(epoch), ErrCodeValidationInvalidEpoch) {
			t.Errorf("ValidateEpoch(%g) should fail", epoch)
		}
	}
}

func TestClampJobListLimit(t *testing.T) {
	tests := []struct{ in, want int }{
		{0, DefaultJobListLimit},
		{-5, DefaultJobListLimit},
		{7, 7},
		{MaxJobListLimit, MaxJobListLimit},
		{MaxJobListLimit + 1, MaxJobListLimit},
	}
	for _, tt := range tests {
		if got := ClampJobListLimit(tt.in); got != tt.want {
			t.Errorf("ClampJobListLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestJobStatusTerminal(t *testing.T) {
	terminal := map[JobStatus]bool{
		JobStatusQueued:    false,
		JobStatusRunning:   false,
		JobStatusSucceeded: true,
		JobStatusPartial:   true,
		JobStatusFailed:    true,
	}
	for status, want := range terminal {
		if got := status.Terminal(); got != want {
			t.Errorf("%s.Terminal() = %v, want %v", status, got, want)
		}
	}
}
