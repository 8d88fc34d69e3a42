package mosaic

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vshift/internal/grid"
	"vshift/internal/types"
)

func testRegion(t *testing.T, nx, ny int) grid.Region {
	t.Helper()
	r, err := grid.NewRegion(0, float64(nx), 0, float64(ny), nx, ny)
	require.NoError(t, err)
	return r
}

// partial builds a constant partial grid resolving the columns [col0, col1).
func partial(t *testing.T, r grid.Region, id string, col0, col1 int, value, sigma float64) grid.PartialGrid {
	t.Helper()
	s := grid.NewSurface(r)
	for row := 0; row < r.NY; row++ {
		for col := col0; col < col1; col++ {
			s.Set(r.Index(col, row), value, sigma)
		}
	}
	return grid.PartialGrid{Surface: s, SourceID: id, Resolution: 1}
}

func TestPrecedes(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b grid.PartialGrid
	}{
		{"priority", grid.PartialGrid{SourceID: "z", Priority: 2}, grid.PartialGrid{SourceID: "a", Priority: 1}},
		{"finer resolution", grid.PartialGrid{SourceID: "z", Resolution: 0.01}, grid.PartialGrid{SourceID: "a", Resolution: 0.1}},
		{"newer", grid.PartialGrid{SourceID: "z", Published: base.AddDate(1, 0, 0)}, grid.PartialGrid{SourceID: "a", Published: base}},
		{"id", grid.PartialGrid{SourceID: "a"}, grid.PartialGrid{SourceID: "b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, Precedes(&tt.a, &tt.b))
			assert.False(t, Precedes(&tt.b, &tt.a))
		})
	}
}

func TestMerge_PrecedenceWinsOutright(t *testing.T) {
	r := testRegion(t, 10, 4)
	low := partial(t, r, "low", 0, 10, 1.0, 0.1)
	high := partial(t, r, "high", 0, 10, 2.0, 0.2)
	high.Priority = 5

	m, err := NewCompositor(4, nil).Merge(r, []grid.PartialGrid{low, high})
	require.NoError(t, err)

	assert.Equal(t, []string{"high", "low"}, m.Sources)
	for i := range m.Values {
		assert.Equal(t, 2.0, m.Values[i], "overlap is never averaged")
		assert.Equal(t, 0.2, m.Uncertainty[i])
		assert.Equal(t, 0, m.Owner[i])
	}
}

func TestMerge_SinglePartialPassesThrough(t *testing.T) {
	r := testRegion(t, 6, 3)
	p := partial(t, r, "only", 1, 5, 0.7, 0.05)

	m, err := NewCompositor(4, nil).Merge(r, []grid.PartialGrid{p})
	require.NoError(t, err)
	for i := range m.Valid {
		assert.Equal(t, p.Valid[i], m.Valid[i])
		if p.Valid[i] {
			assert.Equal(t, 0.7, m.Values[i])
		} else {
			assert.True(t, math.IsNaN(m.Values[i]))
			assert.Equal(t, -1, m.Owner[i])
		}
	}
}

func TestMerge_FeatherStaysWithinBandAndBounds(t *testing.T) {
	const f = 4
	r := testRegion(t, 20, 3)
	v1, v2 := 1.0, 3.0
	left := partial(t, r, "left", 0, 10, v1, 0.1)
	right := partial(t, r, "right", 10, 20, v2, 0.3)

	m, err := NewCompositor(f, nil).Merge(r, []grid.PartialGrid{left, right})
	require.NoError(t, err)

	for row := 0; row < r.NY; row++ {
		for col := 0; col < r.NX; col++ {
			i := r.Index(col, row)
			require.True(t, m.Valid[i])
			v := m.Values[i]
			// Seam distance from the shared edge at column 10.
			var s float64
			var own float64
			if col < 10 {
				s, own = float64(9-col)+0.5, v1
			} else {
				s, own = float64(col-10)+0.5, v2
			}
			if s < f {
				assert.Greater(t, v, v1, "col %d", col)
				assert.Less(t, v, v2, "col %d", col)
			} else {
				assert.Equal(t, own, v, "col %d outside the band must be exact", col)
			}
		}
	}

	// Cells adjacent to the seam meet symmetrically around the midpoint.
	l, rr := m.Values[r.Index(9, 1)], m.Values[r.Index(10, 1)]
	assert.InDelta(t, (v1+v2)/2, (l+rr)/2, 1e-12)
	assert.Less(t, l, rr)
}

func TestMerge_FeatherNeverFillsGaps(t *testing.T) {
	r := testRegion(t, 12, 2)
	left := partial(t, r, "left", 0, 5, 1, 0)
	right := partial(t, r, "right", 7, 12, 2, 0)

	m, err := NewCompositor(4, nil).Merge(r, []grid.PartialGrid{left, right})
	require.NoError(t, err)
	for row := 0; row < 2; row++ {
		assert.False(t, m.Valid[r.Index(5, row)])
		assert.False(t, m.Valid[r.Index(6, row)])
		assert.True(t, math.IsNaN(m.Values[r.Index(6, row)]))
	}
}

func TestMerge_OverlapInteriorIsNotBlended(t *testing.T) {
	r := testRegion(t, 20, 2)
	wide := partial(t, r, "wide", 0, 20, 5, 0)
	inner := partial(t, r, "inner", 5, 15, 9, 0)
	inner.Priority = 1

	m, err := NewCompositor(3, nil).Merge(r, []grid.PartialGrid{wide, inner})
	require.NoError(t, err)

	// Inside the overlap the winner is exact: the lower-precedence grid
	// resolves those cells too, so there is no seam to feather.
	for col := 5; col < 15; col++ {
		assert.Equal(t, 9.0, m.Values[r.Index(col, 0)], "col %d", col)
	}
	// Outside, the wide grid is pulled toward the inner values near the edge.
	assert.Greater(t, m.Values[r.Index(4, 0)], 5.0)
	assert.Equal(t, 5.0, m.Values[r.Index(0, 0)])
}

func TestMerge_Idempotent(t *testing.T) {
	r := testRegion(t, 16, 16)
	a := partial(t, r, "a", 0, 9, 1.25, 0.1)
	b := partial(t, r, "b", 7, 16, -0.5, 0.2)
	c := partial(t, r, "c", 4, 12, 0.3, 0.05)
	for i := range c.Valid {
		if i%5 == 0 {
			c.Invalidate(i)
		}
	}
	in := []grid.PartialGrid{a, b, c}
	comp := NewCompositor(4, nil)

	first, err := comp.Merge(r, in)
	require.NoError(t, err)
	second, err := comp.Merge(r, []grid.PartialGrid{c, a, b})
	require.NoError(t, err)

	assert.Equal(t, first.Sources, second.Sources)
	assert.Equal(t, first.Owner, second.Owner)
	assert.Equal(t, first.Valid, second.Valid)
	for i := range first.Values {
		if first.Valid[i] {
			assert.Equal(t, math.Float64bits(first.Values[i]), math.Float64bits(second.Values[i]), "cell %d", i)
			assert.Equal(t, math.Float64bits(first.Uncertainty[i]), math.Float64bits(second.Uncertainty[i]), "cell %d", i)
		}
	}
}

func TestMerge_DoesNotModifyInputs(t *testing.T) {
	r := testRegion(t, 10, 2)
	left := partial(t, r, "left", 0, 5, 1, 0)
	right := partial(t, r, "right", 5, 10, 2, 0)
	snapshot := left.Clone()

	_, err := NewCompositor(4, nil).Merge(r, []grid.PartialGrid{left, right})
	require.NoError(t, err)
	for i := range left.Values {
		assert.Equal(t, math.Float64bits(snapshot.Values[i]), math.Float64bits(left.Values[i]), "cell %d", i)
	}
}

func TestMerge_NoFeatherWhenDisabled(t *testing.T) {
	r := testRegion(t, 10, 1)
	left := partial(t, r, "left", 0, 5, 1, 0)
	right := partial(t, r, "right", 5, 10, 2, 0)

	m, err := NewCompositor(0, nil).Merge(r, []grid.PartialGrid{left, right})
	require.NoError(t, err)
	assert.Equal(t, 1.0, m.Values[4])
	assert.Equal(t, 2.0, m.Values[5])
}

func TestMerge_Empty(t *testing.T) {
	r := testRegion(t, 3, 3)
	m, err := NewCompositor(4, nil).Merge(r, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, m.ResolvedCount())
}

func TestMerge_GridMismatch(t *testing.T) {
	r := testRegion(t, 10, 2)
	other := testRegion(t, 11, 2)
	p := partial(t, other, "x", 0, 11, 1, 0)

	_, err := NewCompositor(4, nil).Merge(r, []grid.PartialGrid{p})
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeGridMismatch))
}

func TestNewCompositor_Defaults(t *testing.T) {
	assert.Equal(t, DefaultFeatherCells, NewCompositor(-1, nil).FeatherCells())
	assert.Equal(t, 0, NewCompositor(0, nil).FeatherCells())
}
