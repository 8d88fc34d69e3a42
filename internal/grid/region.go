// Package grid holds the raster geometry shared by every stage of the shift
// pipeline: the caller's Region, native source Rasters, and the aligned
// Surfaces (partial, mosaic and shift grids) built on top of a Region.
//
// All grids use pixel-is-area registration. Column 0 is the western column and
// row 0 is the northern row, so cell (col, row) has its center at
//
//	lon = West  + (col+0.5)*dx
//	lat = North - (row+0.5)*dy
package grid

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"

	"vshift/internal/types"
)

// sameGridTolerance is the fraction of a cell by which two region edges may
// differ and still be considered the same grid.
const sameGridTolerance = 1e-9

// Region is the caller's output grid: a geographic bounding box and a cell
// count along each axis. Regions are immutable once constructed.
type Region struct {
	West  float64 `json:"west"`
	East  float64 `json:"east"`
	South float64 `json:"south"`
	North float64 `json:"north"`
	NX    int     `json:"nx"`
	NY    int     `json:"ny"`
}

// NewRegion validates and returns a Region.
func NewRegion(west, east, south, north float64, nx, ny int) (Region, error) {
	r := Region{West: west, East: east, South: south, North: north, NX: nx, NY: ny}
	if err := r.Validate(); err != nil {
		return Region{}, err
	}
	return r, nil
}

// RegionFromIncrement builds a Region whose cell counts are derived from a cell
// size in degrees. Counts are rounded to the nearest integer so that
// 1 degree at 3 arc-seconds gives exactly 1200 cells.
func RegionFromIncrement(west, east, south, north, incX, incY float64) (Region, error) {
	if incX <= 0 || incY <= 0 || math.IsNaN(incX) || math.IsNaN(incY) {
		return Region{}, types.NewAppError(types.ErrCodeValidationInvalidIncrement,
			fmt.Sprintf("increment must be positive, got %g/%g", incX, incY), nil)
	}
	nx := int(math.Round((east - west) / incX))
	ny := int(math.Round((north - south) / incY))
	return NewRegion(west, east, south, north, nx, ny)
}

// RegionFromGeoTransform builds a Region from a GDAL-ordered north-up
// geotransform (originX, dx, 0, originY, 0, -dy) and raster dimensions.
func RegionFromGeoTransform(gt [6]float64, nx, ny int) (Region, error) {
	if gt[2] != 0 || gt[4] != 0 {
		return Region{}, types.NewAppError(types.ErrCodeValidationInvalidRegion,
			"rotated geotransforms are not supported", nil)
	}
	if gt[1] <= 0 || gt[5] >= 0 {
		return Region{}, types.NewAppError(types.ErrCodeValidationInvalidRegion,
			fmt.Sprintf("geotransform must be north-up, got dx=%g dy=%g", gt[1], gt[5]), nil)
	}
	west := gt[0]
	north := gt[3]
	east := west + float64(nx)*gt[1]
	south := north + float64(ny)*gt[5]
	return NewRegion(west, east, south, north, nx, ny)
}

// Validate checks the Region invariants.
func (r Region) Validate() error {
	for _, v := range []float64{r.West, r.East, r.South, r.North} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return types.NewAppError(types.ErrCodeValidationInvalidRegion,
				"region bounds must be finite", nil)
		}
	}
	if r.West >= r.East {
		return types.NewAppError(types.ErrCodeValidationInvalidRegion,
			fmt.Sprintf("west (%g) must be less than east (%g)", r.West, r.East), nil)
	}
	if r.South >= r.North {
		return types.NewAppError(types.ErrCodeValidationInvalidRegion,
			fmt.Sprintf("south (%g) must be less than north (%g)", r.South, r.North), nil)
	}
	if r.NX <= 0 || r.NY <= 0 {
		return types.NewAppError(types.ErrCodeValidationInvalidRegion,
			fmt.Sprintf("cell counts must be positive, got %dx%d", r.NX, r.NY), nil)
	}
	return nil
}

// DX returns the cell width in degrees.
func (r Region) DX() float64 { return (r.East - r.West) / float64(r.NX) }

// DY returns the cell height in degrees.
func (r Region) DY() float64 { return (r.North - r.South) / float64(r.NY) }

// Cells returns the total number of cells.
func (r Region) Cells() int { return r.NX * r.NY }

// Index returns the row-major index of (col, row).
func (r Region) Index(col, row int) int { return row*r.NX + col }

// CellCenter returns the geographic center of cell (col, row).
func (r Region) CellCenter(col, row int) (lon, lat float64) {
	lon = r.West + (float64(col)+0.5)*r.DX()
	lat = r.North - (float64(row)+0.5)*r.DY()
	return lon, lat
}

// GeoTransform returns the GDAL-ordered geotransform of the Region.
func (r Region) GeoTransform() [6]float64 {
	return [6]float64{r.West, r.DX(), 0, r.North, 0, -r.DY()}
}

// Bound returns the Region's bounding box.
func (r Region) Bound() orb.Bound {
	return orb.Bound{Min: orb.Point{r.West, r.South}, Max: orb.Point{r.East, r.North}}
}

// SameGrid reports whether two Regions describe the same cells: identical
// counts and edges equal to within a tiny fraction of a cell.
func (r Region) SameGrid(o Region) bool {
	if r.NX != o.NX || r.NY != o.NY {
		return false
	}
	tolX := r.DX() * sameGridTolerance
	tolY := r.DY() * sameGridTolerance
	return math.Abs(r.West-o.West) <= tolX &&
		math.Abs(r.East-o.East) <= tolX &&
		math.Abs(r.South-o.South) <= tolY &&
		math.Abs(r.North-o.North) <= tolY
}

// String renders the Region as "w/e/s/n (nx x ny)".
func (r Region) String() string {
	return fmt.Sprintf("%g/%g/%g/%g (%dx%d)", r.West, r.East, r.South, r.North, r.NX, r.NY)
}

// ParseBounds parses a "west/east/south/north" bounding box.
func ParseBounds(s string) (west, east, south, north float64, err error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) != 4 {
		return 0, 0, 0, 0, types.NewAppError(types.ErrCodeValidationInvalidRegion,
			fmt.Sprintf("region %q must have the form west/east/south/north", s), nil)
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, perr := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if perr != nil {
			return 0, 0, 0, 0, types.NewAppError(types.ErrCodeValidationInvalidRegion,
				fmt.Sprintf("region %q has a non-numeric bound %q", s, p), perr)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], vals[3], nil
}

// ParseIncrement parses a cell size. Each axis accepts a plain number of
// degrees or a number suffixed with "s" (arc-seconds) or "m" (arc-minutes).
// "x/y" gives separate sizes per axis; a single value applies to both.
func ParseIncrement(s string) (incX, incY float64, err error) {
	parts := strings.Split(strings.TrimSpace(s), "/")
	if len(parts) > 2 || parts[0] == "" {
		return 0, 0, types.NewAppError(types.ErrCodeValidationInvalidIncrement,
			fmt.Sprintf("increment %q must have the form x[/y]", s), nil)
	}
	incX, err = parseIncrementValue(parts[0])
	if err != nil {
		return 0, 0, err
	}
	incY = incX
	if len(parts) == 2 {
		if incY, err = parseIncrementValue(parts[1]); err != nil {
			return 0, 0, err
		}
	}
	return incX, incY, nil
}

func parseIncrementValue(s string) (float64, error) {
	s = strings.TrimSpace(s)
	scale := 1.0
	switch {
	case strings.HasSuffix(s, "s"):
		scale = 1.0 / 3600.0
		s = strings.TrimSuffix(s, "s")
	case strings.HasSuffix(s, "m"):
		scale = 1.0 / 60.0
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "d"):
		s = strings.TrimSuffix(s, "d")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, types.NewAppError(types.ErrCodeValidationInvalidIncrement,
			fmt.Sprintf("invalid increment value %q", s), err)
	}
	return v * scale, nil
}
