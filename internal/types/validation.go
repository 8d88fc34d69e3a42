package types

import (
	"fmt"
	"math"
)

// Validation constraint constants.
const (
	MinLat = -90.0
	MaxLat = 90.0
	MinLon = -180.0
	MaxLon = 360.0

	MinEpoch = 1900.0
	MaxEpoch = 2100.0

	// DefaultMaxGridCells bounds a single request; 25M cells is a 5000x5000
	// grid, about 400 MB of float64 layers per surface.
	DefaultMaxGridCells = 25_000_000

	MaxJobListLimit     = 100
	DefaultJobListLimit = 20
)

// CheckGridSize rejects grids with more than maxCells cells. A maxCells of 0
// or less applies DefaultMaxGridCells.
func CheckGridSize(nx, ny, maxCells int) error {
	if maxCells <= 0 {
		maxCells = DefaultMaxGridCells
	}
	if nx <= 0 || ny <= 0 {
		return NewAppError(ErrCodeValidationInvalidRegion,
			fmt.Sprintf("grid must have at least one cell, got %dx%d", nx, ny), nil)
	}
	if cells := int64(nx) * int64(ny); cells > int64(maxCells) {
		return NewAppErrorWithDetails(ErrCodeValidationGridTooLarge,
			fmt.Sprintf("grid of %dx%d cells exceeds the limit of %d", nx, ny, maxCells), nil,
			map[string]any{"nx": nx, "ny": ny, "max_cells": maxCells})
	}
	return nil
}

// ValidateEpoch checks a decimal-year epoch.
func ValidateEpoch(epoch float64) error {
	if math.IsNaN(epoch) || math.IsInf(epoch, 0) {
		return NewAppError(ErrCodeValidationInvalidEpoch,
			fmt.Sprintf("epoch %g is not a decimal year", epoch), nil)
	}
	if epoch < MinEpoch || epoch > MaxEpoch {
		return NewAppError(ErrCodeValidationInvalidEpoch,
			fmt.Sprintf("epoch %g outside [%g, %g]", epoch, MinEpoch, MaxEpoch), nil)
	}
	return nil
}

// ClampJobListLimit applies the default and maximum page sizes.
func ClampJobListLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultJobListLimit
	case limit > MaxJobListLimit:
		return MaxJobListLimit
	}
	return limit
}
