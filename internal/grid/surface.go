package grid

import (
	"math"
	"time"

	"gonum.org/v1/gonum/floats"
)

// NoDataValue is the sentinel written for unresolved cells in persisted grids.
const NoDataValue = -9999.0

// Surface is a value/uncertainty layer aligned to a Region. Unresolved cells
// have Valid=false and NaN in both layers; they are never zero-filled.
type Surface struct {
	Region      Region
	Values      []float64
	Uncertainty []float64
	Valid       []bool
}

// NewSurface allocates a Surface over region with every cell unresolved.
func NewSurface(region Region) Surface {
	n := region.Cells()
	s := Surface{
		Region:      region,
		Values:      make([]float64, n),
		Uncertainty: make([]float64, n),
		Valid:       make([]bool, n),
	}
	for i := 0; i < n; i++ {
		s.Values[i] = math.NaN()
		s.Uncertainty[i] = math.NaN()
	}
	return s
}

// Set marks cell i resolved with the given value and uncertainty.
func (s *Surface) Set(i int, value, sigma float64) {
	s.Values[i] = value
	s.Uncertainty[i] = sigma
	s.Valid[i] = true
}

// Invalidate marks cell i unresolved.
func (s *Surface) Invalidate(i int) {
	s.Values[i] = math.NaN()
	s.Uncertainty[i] = math.NaN()
	s.Valid[i] = false
}

// ResolvedCount returns the number of resolved cells.
func (s *Surface) ResolvedCount() int {
	n := 0
	for _, ok := range s.Valid {
		if ok {
			n++
		}
	}
	return n
}

// ResolvedFraction returns the share of resolved cells in [0, 1].
func (s *Surface) ResolvedFraction() float64 {
	if len(s.Valid) == 0 {
		return 0
	}
	return float64(s.ResolvedCount()) / float64(len(s.Valid))
}

// Clone returns a deep copy.
func (s Surface) Clone() Surface {
	return Surface{
		Region:      s.Region,
		Values:      append([]float64(nil), s.Values...),
		Uncertainty: append([]float64(nil), s.Uncertainty...),
		Valid:       append([]bool(nil), s.Valid...),
	}
}

// PartialGrid is one source grid resampled onto a step's Region. Term is the
// index of the step term the source contributes to.
type PartialGrid struct {
	Surface

	SourceID   string
	Dataset    string
	Term       int
	Priority   int
	Resolution float64
	Published  time.Time
}

// MosaicGrid is the merge of several PartialGrids. Owner holds, per cell, the
// index into Sources of the grid that won the cell, or -1.
type MosaicGrid struct {
	Surface

	Sources []string
	Owner   []int
}

// StepFailure records a chain step that could not be resolved.
type StepFailure struct {
	Step  int    `json:"step"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// StepSummary describes one executed chain step.
type StepSummary struct {
	Step             int           `json:"step"`
	Kind             string        `json:"kind"`
	Datasets         []string      `json:"datasets"`
	Sources          []string      `json:"sources"`
	ResolvedFraction float64       `json:"resolved_fraction"`
	Duration         time.Duration `json:"duration"`
}

// ShiftGrid is the final chained shift surface. Adding Values to an elevation
// model on the same Region converts it to the target datum.
type ShiftGrid struct {
	Surface

	Incomplete bool
	Failures   []StepFailure
	Steps      []StepSummary
}

// Stats summarizes the resolved cells of a surface.
type Stats struct {
	Min      float64 `json:"min"`
	Max      float64 `json:"max"`
	Mean     float64 `json:"mean"`
	Resolved int     `json:"resolved"`
	Total    int     `json:"total"`
}

// Stats computes min, max and mean over the resolved cells. All three are NaN
// when no cell is resolved.
func (s *Surface) Stats() Stats {
	vals := make([]float64, 0, len(s.Values))
	for i, ok := range s.Valid {
		if ok {
			vals = append(vals, s.Values[i])
		}
	}
	st := Stats{Resolved: len(vals), Total: len(s.Valid)}
	if len(vals) == 0 {
		st.Min, st.Max, st.Mean = math.NaN(), math.NaN(), math.NaN()
		return st
	}
	st.Min = floats.Min(vals)
	st.Max = floats.Max(vals)
	st.Mean = floats.Sum(vals) / float64(len(vals))
	return st
}
