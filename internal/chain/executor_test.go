package chain

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vshift/internal/datum"
	"vshift/internal/grid"
	"vshift/internal/mosaic"
	"vshift/internal/rasterio"
	"vshift/internal/sources"
	"vshift/internal/types"
)

// layer describes a synthetic dataset: a constant value and sigma, with an
// optional set of cells it does not resolve.
type layer struct {
	value, sigma float64
	holes        map[int]bool
}

type fakeProvider struct {
	mu       sync.Mutex
	layers   map[string]layer
	calls    int
	onFetch  func(call int)
	fetchErr error
}

func (f *fakeProvider) Fetch(ctx context.Context, step datum.TransformStep, region grid.Region) ([]grid.PartialGrid, error) {
	f.mu.Lock()
	f.calls++
	call := f.calls
	f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch(call)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}

	var out []grid.PartialGrid
	for ti, term := range step.Terms {
		l, ok := f.layers[term.Dataset]
		if !ok {
			continue
		}
		s := grid.NewSurface(region)
		for i := range s.Values {
			if !l.holes[i] {
				s.Set(i, l.value, l.sigma)
			}
		}
		out = append(out, grid.PartialGrid{Surface: s, SourceID: term.Dataset, Dataset: term.Dataset, Term: ti, Resolution: 1})
	}
	return out, nil
}

func smallRegion(t *testing.T) grid.Region {
	t.Helper()
	r, err := grid.NewRegion(-95.5, -94.5, 28.5, 29.5, 8, 8)
	require.NoError(t, err)
	return r
}

func resolve(t *testing.T, in, out string) []datum.TransformStep {
	t.Helper()
	_, _, steps, err := datum.NewResolver(nil).ResolveStrings(in, out)
	require.NoError(t, err)
	return steps
}

func newExecutor(p GridProvider, opts ...Option) *Executor {
	return NewExecutor(p, mosaic.NewCompositor(mosaic.DefaultFeatherCells, nil), opts...)
}

func tidalLayers() map[string]layer {
	return map[string]layer{
		"mllw":  {value: 0.40, sigma: 0.03},
		"tss":   {value: -0.15, sigma: 0.04},
		"g2018": {value: -27.5, sigma: 0.0127},
	}
}

func TestExecute_FullCoverageIsDeterministicSum(t *testing.T) {
	region := smallRegion(t)
	steps := resolve(t, "5866", "5703")
	require.Len(t, steps, 2)

	shift, err := newExecutor(&fakeProvider{layers: tidalLayers()}).Execute(context.Background(), region, steps)
	require.NoError(t, err)
	assert.False(t, shift.Incomplete)
	assert.Equal(t, region.Cells(), shift.ResolvedCount())

	// The geoid cancels between the tidal and geoid steps.
	var want, variance float64
	for _, st := range steps {
		for _, term := range st.Terms {
			l := tidalLayers()[term.Dataset]
			want += term.Factor * l.value
			variance += (term.Factor * l.sigma) * (term.Factor * l.sigma)
		}
	}
	assert.InDelta(t, 0.25, want, 1e-12)
	for i := range shift.Values {
		assert.InDelta(t, want, shift.Values[i], 1e-9)
		assert.InDelta(t, math.Sqrt(variance), shift.Uncertainty[i], 1e-9)
		assert.GreaterOrEqual(t, shift.Uncertainty[i], 0.0)
	}
	require.Len(t, shift.Steps, 2)
	assert.Equal(t, "TIDAL", shift.Steps[0].Kind)
	assert.Equal(t, 1.0, shift.Steps[1].ResolvedFraction)
}

func TestExecute_UnresolvedInAnyStepIsUnresolved(t *testing.T) {
	region := smallRegion(t)
	layers := tidalLayers()
	// A hole in the geoid removes the cell from both steps.
	g := layers["g2018"]
	g.holes = map[int]bool{3: true}
	layers["g2018"] = g

	shift, err := newExecutor(&fakeProvider{layers: layers}).Execute(context.Background(), region, resolve(t, "5866", "5703"))
	require.NoError(t, err)
	assert.False(t, shift.Valid[3])
	assert.True(t, math.IsNaN(shift.Values[3]))
	assert.Equal(t, region.Cells()-1, shift.ResolvedCount())
	assert.False(t, shift.Incomplete, "partial coverage is not a step failure")
}

func TestExecute_StepWithoutSourcesLeavesNothingResolved(t *testing.T) {
	region := smallRegion(t)
	layers := tidalLayers()
	delete(layers, "tss")

	shift, err := newExecutor(&fakeProvider{layers: layers}).Execute(context.Background(), region, resolve(t, "5866", "5703"))
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamChainStep))
	require.NotNil(t, shift)
	assert.True(t, shift.Incomplete)
	require.Len(t, shift.Failures, 1)
	assert.Equal(t, 0, shift.Failures[0].Step)
	require.Len(t, shift.Steps, 1)
	assert.Equal(t, "GEOID", shift.Steps[0].Kind, "later steps still run")
	assert.Equal(t, 1.0, shift.Steps[0].ResolvedFraction)

	// The geoid step alone must not leak through as a resolved shift.
	assert.Equal(t, 0, shift.ResolvedCount())
	for i := range shift.Values {
		assert.False(t, shift.Valid[i], "cell %d", i)
		assert.True(t, math.IsNaN(shift.Values[i]), "cell %d", i)
	}
}

func TestExecute_FailedLastStepInvalidatesEarlierSum(t *testing.T) {
	region := smallRegion(t)
	layers := tidalLayers()
	delete(layers, "g2018")

	shift, err := newExecutor(&fakeProvider{layers: layers}).Execute(context.Background(), region, resolve(t, "5866", "5703"))
	require.Error(t, err)
	assert.True(t, shift.Incomplete)
	require.Len(t, shift.Failures, 2, "both steps carry a geoid term")
	assert.Equal(t, 0, shift.ResolvedCount())
}

func TestExecute_AllStepsFailedResolvesNothing(t *testing.T) {
	region := smallRegion(t)
	shift, err := newExecutor(&fakeProvider{layers: map[string]layer{}}).Execute(context.Background(), region, resolve(t, "5866", "5703"))
	require.Error(t, err)
	require.NotNil(t, shift)
	assert.Equal(t, 0, shift.ResolvedCount())
	assert.Len(t, shift.Failures, 2)
}

func TestExecute_ProviderErrorIsStepFailure(t *testing.T) {
	boom := errors.New("catalog offline")
	shift, err := newExecutor(&fakeProvider{fetchErr: boom}).Execute(context.Background(), smallRegion(t), resolve(t, "5703", "6319"))
	assert.ErrorIs(t, err, boom)
	assert.True(t, shift.Incomplete)
}

func TestExecute_EmptyChainIsZero(t *testing.T) {
	region := smallRegion(t)
	p := &fakeProvider{}
	shift, err := newExecutor(p).Execute(context.Background(), region, nil)
	require.NoError(t, err)
	assert.Equal(t, region.Cells(), shift.ResolvedCount())
	for i := range shift.Values {
		assert.Equal(t, 0.0, shift.Values[i])
		assert.Equal(t, 0.0, shift.Uncertainty[i])
	}
	assert.Zero(t, p.calls)
}

func TestExecute_CancelledDiscardsAccumulator(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{layers: tidalLayers(), onFetch: func(call int) {
		if call == 2 {
			cancel()
		}
	}}

	shift, err := newExecutor(p).Execute(ctx, smallRegion(t), resolve(t, "5866", "5703"))
	assert.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, shift)
}

func TestExecute_CancelledBestEffortKeepsPartial(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &fakeProvider{layers: tidalLayers(), onFetch: func(call int) {
		if call == 2 {
			cancel()
		}
	}}

	shift, err := newExecutor(p, WithBestEffort(true)).Execute(ctx, smallRegion(t), resolve(t, "5866", "5703"))
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, shift)
	assert.True(t, shift.Incomplete)
	require.Len(t, shift.Steps, 1)
	require.Len(t, shift.Failures, 1)
	assert.Equal(t, 1, shift.Failures[0].Step)
	// The tidal step alone: mllw + tss + g2018.
	assert.InDelta(t, 0.40-0.15-27.5, shift.Values[0], 1e-9)
}

func TestExecute_RoundTripCancels(t *testing.T) {
	region := smallRegion(t)
	layers := map[string]layer{
		"mhw":   {value: 0.31, sigma: 0.02},
		"tss":   {value: 0.12, sigma: 0.01},
		"g2018": {value: -26.9, sigma: 0.0127},
	}
	p := &fakeProvider{layers: layers}
	exec := newExecutor(p)

	fwd, err := exec.Execute(context.Background(), region, resolve(t, "5868", "5703"))
	require.NoError(t, err)
	back, err := exec.Execute(context.Background(), region, resolve(t, "5703", "5868"))
	require.NoError(t, err)

	for i := range fwd.Values {
		assert.InDelta(t, 0, fwd.Values[i]+back.Values[i], 1e-9)
	}
}

func TestExecute_InvalidRegion(t *testing.T) {
	_, err := newExecutor(&fakeProvider{}).Execute(context.Background(), grid.Region{}, nil)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationInvalidRegion))
}

// writeConstGTX writes a constant GTX grid with the given extent.
func writeConstGTX(t *testing.T, path string, w, e, s, n float64, nx, ny int, value float64) {
	t.Helper()
	r, err := grid.NewRegion(w, e, s, n, nx, ny)
	require.NoError(t, err)
	vals := make([]float64, r.Cells())
	for i := range vals {
		vals[i] = value
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, rasterio.WriteGTX(f, r, vals))
}

func TestExecute_EndToEndMLLWToNAVD88(t *testing.T) {
	if testing.Short() {
		t.Skip("1200x1200 grid")
	}
	dir := t.TempDir()
	// Two tidal grids split at -95.0 so the mosaic has a seam to feather.
	writeConstGTX(t, filepath.Join(dir, "mllw_w.gtx"), -96, -95, 28, 30, 60, 120, 0.42)
	writeConstGTX(t, filepath.Join(dir, "mllw_e.gtx"), -95, -94, 28, 30, 60, 120, 0.38)
	writeConstGTX(t, filepath.Join(dir, "tss.gtx"), -97, -93, 27, 31, 80, 80, -0.12)
	writeConstGTX(t, filepath.Join(dir, "g2018.gtx"), -100, -90, 25, 35, 600, 600, -27.3)

	cat := sources.NewStaticCatalog([]types.GridSource{
		{ID: "mllw_e", Dataset: "mllw", URI: filepath.Join(dir, "mllw_e.gtx")},
		{ID: "mllw_w", Dataset: "mllw", URI: filepath.Join(dir, "mllw_w.gtx")},
		{ID: "tss", Dataset: "tss", URI: filepath.Join(dir, "tss.gtx")},
		{ID: "g2018", Dataset: "g2018", URI: filepath.Join(dir, "g2018.gtx")},
	})
	provider := sources.NewProvider(cat, sources.NewRouter(),
		sources.WithCache(sources.NewFragmentCache(sources.CacheOptions{})))

	inc, _, err := grid.ParseIncrement("3s")
	require.NoError(t, err)
	region, err := grid.RegionFromIncrement(-95.5, -94.5, 28.5, 29.5, inc, inc)
	require.NoError(t, err)
	require.Equal(t, 1200, region.NX)
	require.Equal(t, 1200, region.NY)

	steps := resolve(t, "5866", "5703")
	require.Len(t, steps, 2)
	assert.Equal(t, datum.KindTidal, steps[0].Kind)
	assert.Equal(t, datum.KindGeoid, steps[1].Kind)

	shift, err := newExecutor(provider).Execute(context.Background(), region, steps)
	require.NoError(t, err)
	assert.False(t, shift.Incomplete)
	assert.Equal(t, region.Cells(), shift.ResolvedCount(), "gapless")

	for i, ok := range shift.Valid {
		if !ok {
			continue
		}
		if shift.Uncertainty[i] < 0 {
			t.Fatalf("cell %d: negative uncertainty %g", i, shift.Uncertainty[i])
		}
		v := shift.Values[i]
		if v < 0.38-0.12-1e-5 || v > 0.42-0.12+1e-5 {
			t.Fatalf("cell %d: shift %g outside source range", i, v)
		}
	}
}
