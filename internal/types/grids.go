package types

import (
	"time"

	"github.com/paulmach/orb"
)

// GridSource describes one catalogued source grid: a raster of a single
// dataset (a tidal separation, a geoid, the TSS, a velocity layer) over some
// area. Coverage, when set, restricts which cells the grid may resolve.
type GridSource struct {
	ID             string       `json:"id" yaml:"id" validate:"required"`
	Dataset        string       `json:"dataset" yaml:"dataset" validate:"required"`
	URI            string       `json:"uri" yaml:"uri" validate:"required"`
	Mirrors        []string     `json:"mirrors,omitempty" yaml:"mirrors"`
	UncertaintyURI string       `json:"uncertainty_uri,omitempty" yaml:"uncertainty_uri"`
	Format         string       `json:"format" yaml:"format" validate:"omitempty,oneof=gtx tif tiff geotiff zarr"`
	Priority       int          `json:"priority" yaml:"priority"`
	Resolution     float64      `json:"resolution" yaml:"resolution" validate:"gte=0"`
	Published      time.Time    `json:"published" yaml:"published"`
	Uncertainty    *float64     `json:"uncertainty,omitempty" yaml:"uncertainty" validate:"omitempty,gte=0"`
	Coverage       orb.Polygon  `json:"-" yaml:"-"`
	CoverageRing   [][2]float64 `json:"coverage,omitempty" yaml:"coverage"`
}

// Locations returns the primary URI followed by any mirrors.
func (s GridSource) Locations() []string {
	out := make([]string, 0, 1+len(s.Mirrors))
	out = append(out, s.URI)
	return append(out, s.Mirrors...)
}

// BuildCoverage compiles CoverageRing into Coverage, closing the ring if
// needed. Rings with fewer than three vertices leave Coverage empty.
func (s *GridSource) BuildCoverage() {
	if len(s.CoverageRing) < 3 {
		s.Coverage = nil
		return
	}
	ring := make(orb.Ring, 0, len(s.CoverageRing)+1)
	for _, p := range s.CoverageRing {
		ring = append(ring, orb.Point{p[0], p[1]})
	}
	if !ring.Closed() {
		ring = append(ring, ring[0])
	}
	s.Coverage = orb.Polygon{ring}
}
