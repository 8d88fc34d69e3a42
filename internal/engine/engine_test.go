package engine

import (
	"bytes"
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vshift/internal/datum"
	"vshift/internal/grid"
	"vshift/internal/mosaic"
	"vshift/internal/rasterio"
	"vshift/internal/types"
)

// constProvider resolves every term whose dataset it knows to a constant,
// except at the cells listed in holes.
type constProvider struct {
	values map[string]float64
	holes  map[string]map[int]bool
	err    error
}

func (p *constProvider) Fetch(ctx context.Context, step datum.TransformStep, region grid.Region) ([]grid.PartialGrid, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if p.err != nil {
		return nil, p.err
	}
	var out []grid.PartialGrid
	for ti, term := range step.Terms {
		v, ok := p.values[term.Dataset]
		if !ok {
			continue
		}
		s := grid.NewSurface(region)
		for i := range s.Values {
			if !p.holes[term.Dataset][i] {
				s.Set(i, v, 0.01)
			}
		}
		out = append(out, grid.PartialGrid{Surface: s, SourceID: term.Dataset, Dataset: term.Dataset, Term: ti, Resolution: 1})
	}
	return out, nil
}

func newEngine(p *constProvider, opts ...Option) *Engine {
	return New(p, mosaic.NewCompositor(mosaic.DefaultFeatherCells, nil), opts...)
}

func tidal() *constProvider {
	return &constProvider{values: map[string]float64{"mllw": 0.4, "tss": -0.15, "g2018": -27.5}}
}

func TestPlanRequest(t *testing.T) {
	e := newEngine(tidal())

	plan, err := e.PlanRequest(types.ShiftGridRequest{
		Region:    "-95.5/-94.5/28.5/29.5",
		Increment: "3s",
		DatumIn:   "5866",
		DatumOut:  "5703",
	})
	require.NoError(t, err)
	assert.Equal(t, 1200, plan.Region.NX)
	assert.Equal(t, 1200, plan.Region.NY)
	require.Len(t, plan.Steps, 2)
	assert.Equal(t, datum.KindTidal, plan.Steps[0].Kind)
	assert.Equal(t, datum.KindGeoid, plan.Steps[1].Kind)
	assert.Contains(t, plan.Chain(), "mllw")
}

func TestPlanRequest_EpochOverride(t *testing.T) {
	e := newEngine(tidal())
	epoch := 2010.0

	plan, err := e.PlanRequest(types.ShiftGridRequest{
		Region: "0/1/0/1", Increment: "0.25", DatumIn: "6319:2000", DatumOut: "6319", EpochOut: &epoch,
	})
	require.NoError(t, err)
	require.NotNil(t, plan.Out.Epoch)
	assert.Equal(t, 2010.0, *plan.Out.Epoch)
	require.Len(t, plan.Steps, 1)
	assert.Equal(t, datum.KindEpoch, plan.Steps[0].Kind)
	assert.Equal(t, []datum.Term{{Dataset: "vertvel", Factor: 10}}, plan.Steps[0].Terms)
}

func TestPlanRequest_Errors(t *testing.T) {
	bad := 1850.0
	tests := []struct {
		name string
		req  types.ShiftGridRequest
		code types.ErrorCode
	}{
		{"missing region", types.ShiftGridRequest{Increment: "3s", DatumIn: "5866", DatumOut: "5703"}, types.ErrCodeValidationMissingField},
		{"bad region", types.ShiftGridRequest{Region: "1/2/3", Increment: "3s", DatumIn: "5866", DatumOut: "5703"}, types.ErrCodeValidationInvalidRegion},
		{"inverted region", types.ShiftGridRequest{Region: "2/1/0/1", Increment: "0.1", DatumIn: "5866", DatumOut: "5703"}, types.ErrCodeValidationInvalidRegion},
		{"bad increment", types.ShiftGridRequest{Region: "0/1/0/1", Increment: "-3s", DatumIn: "5866", DatumOut: "5703"}, types.ErrCodeValidationInvalidIncrement},
		{"too large", types.ShiftGridRequest{Region: "-100/-90/20/30", Increment: "1s", DatumIn: "5866", DatumOut: "5703"}, types.ErrCodeValidationGridTooLarge},
		{"unknown datum", types.ShiftGridRequest{Region: "0/1/0/1", Increment: "0.1", DatumIn: "99999", DatumOut: "5703"}, types.ErrCodeValidationUnsupportedDatum},
		{"bad epoch", types.ShiftGridRequest{Region: "0/1/0/1", Increment: "0.1", DatumIn: "7912", DatumOut: "7912", EpochIn: &bad}, types.ErrCodeValidationInvalidEpoch},
	}
	e := newEngine(tidal())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.PlanRequest(tt.req)
			require.Error(t, err)
			assert.True(t, types.IsCode(err, tt.code), "got %v", err)
		})
	}
}

func TestPlanRegion_MaxCells(t *testing.T) {
	e := newEngine(tidal(), WithMaxCells(100))
	region, err := grid.NewRegion(0, 1, 0, 1, 11, 10)
	require.NoError(t, err)

	_, err = e.PlanRegion(region, "5866", "5703", nil, nil)
	assert.True(t, types.IsCode(err, types.ErrCodeValidationGridTooLarge))
}

func TestBuild_FullCoverage(t *testing.T) {
	e := newEngine(tidal())
	plan, err := e.PlanRequest(types.ShiftGridRequest{Region: "-95.5/-94.5/28.5/29.5", Increment: "0.125", DatumIn: "5866", DatumOut: "5703"})
	require.NoError(t, err)

	res, err := e.Build(context.Background(), plan, false)
	require.NoError(t, err)
	assert.NoError(t, res.StepErr)
	assert.False(t, res.Shift.Incomplete)
	assert.Equal(t, plan.Region.Cells(), res.Stats.Resolved)
	assert.InDelta(t, 0.25, res.Stats.Mean, 1e-9)

	sum := res.Summary()
	assert.Equal(t, 8, sum.NX)
	assert.Equal(t, 1.0, sum.ResolvedFraction)
	require.NotNil(t, sum.Mean)
	assert.InDelta(t, 0.25, *sum.Mean, 1e-9)
	assert.Empty(t, sum.Failures)
}

func TestBuild_PartialCoverageIsNotAnError(t *testing.T) {
	p := tidal()
	p.holes = map[string]map[int]bool{"tss": {0: true, 5: true}}
	e := newEngine(p)
	plan, err := e.PlanRequest(types.ShiftGridRequest{Region: "0/1/0/1", Increment: "0.25", DatumIn: "5866", DatumOut: "5703"})
	require.NoError(t, err)

	res, err := e.Build(context.Background(), plan, false)
	require.NoError(t, err)
	assert.NoError(t, res.StepErr)
	assert.False(t, res.Shift.Incomplete)
	assert.Equal(t, plan.Region.Cells()-2, res.Stats.Resolved)
	assert.True(t, math.IsNaN(res.Shift.Values[0]))
	assert.Less(t, res.Summary().ResolvedFraction, 1.0)
}

func TestBuild_StepWithoutSourcesIsTotalFailure(t *testing.T) {
	// No tss grid: the tidal step fails, so no cell carries a complete chain.
	p := &constProvider{values: map[string]float64{"mllw": 0.4, "g2018": -27.5}}
	e := newEngine(p)
	plan, err := e.PlanRequest(types.ShiftGridRequest{Region: "0/1/0/1", Increment: "0.25", DatumIn: "5866", DatumOut: "5703"})
	require.NoError(t, err)

	res, err := e.Build(context.Background(), plan, false)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamChainStep))
	require.NotNil(t, res)
	assert.True(t, res.Shift.Incomplete)
	assert.Zero(t, res.Stats.Resolved)
	assert.True(t, types.IsCode(res.StepErr, types.ErrCodeUpstreamChainStep))

	sum := res.Summary()
	assert.True(t, sum.Incomplete)
	assert.Nil(t, sum.Mean)
	require.Len(t, sum.Failures, 1)
	assert.Contains(t, sum.Failures[0], "step 0 (TIDAL)")
}

func TestBuild_NothingResolvedIsAnError(t *testing.T) {
	e := newEngine(&constProvider{values: map[string]float64{}})
	plan, err := e.PlanRequest(types.ShiftGridRequest{Region: "0/1/0/1", Increment: "0.25", DatumIn: "5866", DatumOut: "5703"})
	require.NoError(t, err)

	res, err := e.Build(context.Background(), plan, false)
	require.Error(t, err)
	assert.True(t, types.IsCode(err, types.ErrCodeUpstreamChainStep))
	require.NotNil(t, res)
	assert.Zero(t, res.Stats.Resolved)
	assert.Nil(t, res.Summary().Mean)
}

func TestBuild_Cancelled(t *testing.T) {
	e := newEngine(tidal())
	plan, err := e.PlanRequest(types.ShiftGridRequest{Region: "0/1/0/1", Increment: "0.25", DatumIn: "5866", DatumOut: "5703"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := e.Build(ctx, plan, false)
	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestEncode(t *testing.T) {
	region, err := grid.NewRegion(0, 1, 0, 1, 4, 2)
	require.NoError(t, err)
	shift := &grid.ShiftGrid{Surface: grid.NewSurface(region)}
	for i := range shift.Values {
		if i != 3 {
			shift.Set(i, float64(i)/8, 0.02)
		}
	}

	var tif bytes.Buffer
	require.NoError(t, Encode(&tif, shift, types.OutputGeoTIFF))
	decoded, err := rasterio.ReadGeoTIFF(tif.Bytes())
	require.NoError(t, err)
	require.Len(t, decoded.Bands, 2)
	assert.True(t, decoded.Bands[0].Region.SameGrid(region))
	assert.True(t, math.IsNaN(decoded.Bands[0].Data[3]))
	assert.InDelta(t, 0.25, decoded.Bands[0].Data[2], 1e-6)
	assert.InDelta(t, 0.02, decoded.Bands[1].Data[0], 1e-6)

	var gtx bytes.Buffer
	require.NoError(t, Encode(&gtx, shift, types.OutputGTX))
	ras, err := rasterio.ReadGTX(&gtx)
	require.NoError(t, err)
	assert.InDelta(t, 0.125, ras.Data[1], 1e-6)
	assert.True(t, math.IsNaN(ras.Data[3]))

	assert.Error(t, Encode(&bytes.Buffer{}, shift, "png"))
	assert.Equal(t, "image/tiff", ContentType(types.OutputGeoTIFF))
	assert.Equal(t, ".gtx", Extension(types.OutputGTX))
}
