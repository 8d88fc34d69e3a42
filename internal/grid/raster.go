package grid

import (
	"fmt"
	"math"
)

// Raster is a single-band grid in its native geometry, as decoded from a
// source file or a DEM. Missing cells are stored as NaN; NoData records the
// sentinel the file used so it can be written back unchanged.
type Raster struct {
	Region    Region
	Data      []float64
	NoData    float64
	HasNoData bool
}

// NewRaster allocates a Raster over region with every cell missing.
func NewRaster(region Region) *Raster {
	data := make([]float64, region.Cells())
	for i := range data {
		data[i] = math.NaN()
	}
	return &Raster{Region: region, Data: data}
}

// At returns the value at (col, row) and whether it is present.
func (r *Raster) At(col, row int) (float64, bool) {
	v := r.Data[r.Region.Index(col, row)]
	return v, !math.IsNaN(v)
}

// MaskNoData converts every cell equal to the sentinel into NaN.
func (r *Raster) MaskNoData(sentinel float64) {
	r.NoData = sentinel
	r.HasNoData = true
	for i, v := range r.Data {
		if v == sentinel || float64(float32(v)) == float64(float32(sentinel)) {
			r.Data[i] = math.NaN()
		}
	}
}

// Check verifies that the data slice matches the Region.
func (r *Raster) Check() error {
	if len(r.Data) != r.Region.Cells() {
		return fmt.Errorf("raster has %d values for a %dx%d grid", len(r.Data), r.Region.NX, r.Region.NY)
	}
	return nil
}

// normalizeLon shifts lon by whole turns so that it falls inside [west, east)
// when possible. Grids published on a 0..360 axis are sampled with -180..180
// queries this way.
func normalizeLon(lon, west, east float64) float64 {
	switch {
	case lon < west && lon+360 <= east:
		return lon + 360
	case lon > east && lon-360 >= west:
		return lon - 360
	}
	return lon
}

// Sample bilinearly interpolates the raster at a geographic point. It reports
// false when the point lies outside the raster's extent or when any of the
// contributing cells is missing; values are never extrapolated.
//
// Between the outermost cell centers and the raster edge the nearest row or
// column is used, matching how the edge cells cover that area.
func (r *Raster) Sample(lon, lat float64) (float64, bool) {
	reg := r.Region
	lon = normalizeLon(lon, reg.West, reg.East)
	if lon < reg.West || lon > reg.East || lat < reg.South || lat > reg.North {
		return 0, false
	}

	fracCol := (lon-reg.West)/reg.DX() - 0.5
	fracRow := (reg.North-lat)/reg.DY() - 0.5

	col0 := clampIndex(int(math.Floor(fracCol)), reg.NX)
	col1 := clampIndex(col0+1, reg.NX)
	row0 := clampIndex(int(math.Floor(fracRow)), reg.NY)
	row1 := clampIndex(row0+1, reg.NY)

	colFrac := fracCol - math.Floor(fracCol)
	rowFrac := fracRow - math.Floor(fracRow)

	// Clamped to a single column or row: use the edge cell directly.
	if fracCol < 0 || col0 == col1 {
		col1 = col0
		colFrac = 0
	}
	if fracRow < 0 || row0 == row1 {
		row1 = row0
		rowFrac = 0
	}

	tl, ok := r.At(col0, row0)
	if !ok {
		return 0, false
	}
	tr, ok := r.At(col1, row0)
	if !ok && colFrac > 0 {
		return 0, false
	}
	bl, ok := r.At(col0, row1)
	if !ok && rowFrac > 0 {
		return 0, false
	}
	br, ok := r.At(col1, row1)
	if !ok && colFrac > 0 && rowFrac > 0 {
		return 0, false
	}

	// f(x,y) = f00(1-x)(1-y) + f10(x)(1-y) + f01(1-x)(y) + f11(x)(y)
	v := tl*(1-rowFrac)*(1-colFrac)
	if colFrac > 0 {
		v += tr * (1 - rowFrac) * colFrac
	}
	if rowFrac > 0 {
		v += bl * rowFrac * (1 - colFrac)
	}
	if colFrac > 0 && rowFrac > 0 {
		v += br * rowFrac * colFrac
	}
	return v, true
}

// clampIndex ensures a grid index is within valid bounds.
func clampIndex(idx, n int) int {
	if idx < 0 {
		return 0
	}
	if idx >= n {
		return n - 1
	}
	return idx
}
