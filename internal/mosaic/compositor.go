// Package mosaic merges partial grids that share a region into one surface.
//
// Each cell takes the value of the highest-precedence partial grid that
// resolves it. Precedence is total: higher Priority, then finer Resolution,
// then newer Published, then lexically smaller SourceID.
//
// Seams between grids owned by different sources are feathered over
// FeatherCells cells on the owning side. A cell c owned by A is blended
// toward the nearest cell n owned by another source B, provided B does not
// itself resolve c. With seam distance s = |c-n| - 0.5 in cells and s < F:
//
//	w = 0.5 * (1 - s/F)
//	v = (1-w)*v_A(c) + w*v_B(n)
//
// Uncertainty uses the same weights. Blending reads only the unblended
// precedence mosaic, so the result is independent of iteration order, stays
// strictly between the two source values inside the band and is untouched
// outside it. Unresolved cells are never filled.
package mosaic

import (
	"log/slog"
	"math"
	"sort"

	"vshift/internal/grid"
	"vshift/internal/types"
)

// DefaultFeatherCells is the default width of the seam transition band.
const DefaultFeatherCells = 4

// Compositor merges PartialGrids. It holds no per-merge state and is safe for
// concurrent use.
type Compositor struct {
	featherCells int
	logger       *slog.Logger
}

// NewCompositor creates a Compositor. A featherCells of 0 disables blending;
// negative values use DefaultFeatherCells.
func NewCompositor(featherCells int, logger *slog.Logger) *Compositor {
	if featherCells < 0 {
		featherCells = DefaultFeatherCells
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Compositor{featherCells: featherCells, logger: logger}
}

// FeatherCells returns the configured band width.
func (c *Compositor) FeatherCells() int { return c.featherCells }

// Precedes reports whether a wins over b.
func Precedes(a, b *grid.PartialGrid) bool {
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	if a.Resolution != b.Resolution {
		return a.Resolution < b.Resolution
	}
	if !a.Published.Equal(b.Published) {
		return a.Published.After(b.Published)
	}
	return a.SourceID < b.SourceID
}

// Merge composites partials onto region. Every partial must be aligned to
// region, otherwise a GridMismatchError is returned. The inputs are not
// modified; the returned MosaicGrid is owned by the caller.
func (c *Compositor) Merge(region grid.Region, partials []grid.PartialGrid) (*grid.MosaicGrid, error) {
	n := region.Cells()
	for i := range partials {
		p := &partials[i]
		if !p.Region.SameGrid(region) {
			return nil, types.NewGridMismatchError(region.String(), p.Region.String())
		}
		if len(p.Values) != n || len(p.Uncertainty) != n || len(p.Valid) != n {
			return nil, types.NewAppError(types.ErrCodeInternalGridCorruption,
				"partial grid "+p.SourceID+" has inconsistent layers", nil)
		}
	}

	ranked := make([]*grid.PartialGrid, len(partials))
	for i := range partials {
		ranked[i] = &partials[i]
	}
	sort.SliceStable(ranked, func(i, j int) bool { return Precedes(ranked[i], ranked[j]) })

	out := &grid.MosaicGrid{
		Surface: grid.NewSurface(region),
		Sources: make([]string, len(ranked)),
		Owner:   make([]int, n),
	}
	for r, p := range ranked {
		out.Sources[r] = p.SourceID
	}

	for i := 0; i < n; i++ {
		out.Owner[i] = -1
		for r, p := range ranked {
			if p.Valid[i] {
				out.Set(i, p.Values[i], p.Uncertainty[i])
				out.Owner[i] = r
				break
			}
		}
	}

	if c.featherCells > 0 && len(ranked) > 1 {
		c.feather(out, ranked)
	}
	return out, nil
}

// offset is a window position relative to the cell being blended.
type offset struct {
	dx, dy int
	dist   float64
}

// windowOffsets lists the offsets within radius in row-major order.
func windowOffsets(radius int) []offset {
	out := make([]offset, 0, (2*radius+1)*(2*radius+1))
	for dy := -radius; dy <= radius; dy++ {
		for dx := -radius; dx <= radius; dx++ {
			if dx == 0 && dy == 0 {
				continue
			}
			out = append(out, offset{dx: dx, dy: dy, dist: math.Hypot(float64(dx), float64(dy))})
		}
	}
	return out
}

func (c *Compositor) feather(m *grid.MosaicGrid, ranked []*grid.PartialGrid) {
	f := float64(c.featherCells)
	offsets := windowOffsets(c.featherCells)
	region := m.Region
	base := m.Surface.Clone()

	blended := 0
	for row := 0; row < region.NY; row++ {
		for col := 0; col < region.NX; col++ {
			i := region.Index(col, row)
			a := m.Owner[i]
			if a < 0 {
				continue
			}

			best, bestOwner := -1, -1
			bestDist := math.Inf(1)
			for _, o := range offsets {
				nc, nr := col+o.dx, row+o.dy
				if nc < 0 || nr < 0 || nc >= region.NX || nr >= region.NY {
					continue
				}
				j := region.Index(nc, nr)
				b := m.Owner[j]
				if b < 0 || b == a || ranked[b].Valid[i] {
					continue
				}
				if o.dist < bestDist || (o.dist == bestDist && b < bestOwner) {
					best, bestOwner, bestDist = j, b, o.dist
				}
			}
			if best < 0 {
				continue
			}

			s := bestDist - 0.5
			if s >= f {
				continue
			}
			w := 0.5 * (1 - s/f)
			m.Values[i] = (1-w)*base.Values[i] + w*base.Values[best]
			m.Uncertainty[i] = (1-w)*base.Uncertainty[i] + w*base.Uncertainty[best]
			blended++
		}
	}

	c.logger.Debug("feathered mosaic seams",
		"cells", blended,
		"sources", len(ranked),
		"feather_cells", c.featherCells,
	)
}
