package rasterio

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vshift/internal/grid"
)

func testRegion(t *testing.T, w, e, s, n float64, nx, ny int) grid.Region {
	t.Helper()
	r, err := grid.NewRegion(w, e, s, n, nx, ny)
	require.NoError(t, err)
	return r
}

// rampValues fills col + 10*row, leaving the cells in holes as NaN.
func rampValues(r grid.Region, holes ...int) []float64 {
	vals := make([]float64, r.Cells())
	for row := 0; row < r.NY; row++ {
		for col := 0; col < r.NX; col++ {
			vals[r.Index(col, row)] = float64(col) + 10*float64(row)
		}
	}
	for _, h := range holes {
		vals[h] = math.NaN()
	}
	return vals
}

func TestGTX_RoundTrip(t *testing.T) {
	reg := testRegion(t, 265, 266, 28, 29, 4, 5)
	vals := rampValues(reg, 3)

	var buf bytes.Buffer
	require.NoError(t, WriteGTX(&buf, reg, vals))
	assert.Equal(t, 40+4*reg.Cells(), buf.Len())

	ras, err := ReadGTX(&buf)
	require.NoError(t, err)
	assert.True(t, ras.Region.SameGrid(reg))
	for i, v := range vals {
		if math.IsNaN(v) {
			assert.True(t, math.IsNaN(ras.Data[i]), "cell %d", i)
			continue
		}
		assert.InDelta(t, v, ras.Data[i], 1e-6, "cell %d", i)
	}
}

func TestGTX_HeaderLayout(t *testing.T) {
	reg := testRegion(t, 0, 2, 0, 1, 2, 1)
	var buf bytes.Buffer
	require.NoError(t, WriteGTX(&buf, reg, []float64{1, 2}))

	raw := buf.Bytes()
	lat0 := math.Float64frombits(binary.BigEndian.Uint64(raw[0:]))
	lon0 := math.Float64frombits(binary.BigEndian.Uint64(raw[8:]))
	assert.Equal(t, 0.5, lat0)
	assert.Equal(t, 0.5, lon0)
	assert.Equal(t, int32(1), int32(binary.BigEndian.Uint32(raw[32:])))
	assert.Equal(t, int32(2), int32(binary.BigEndian.Uint32(raw[36:])))
}

func TestReadGTX_Errors(t *testing.T) {
	_, err := ReadGTX(bytes.NewReader([]byte{1, 2, 3}))
	assert.Error(t, err)

	var hdr bytes.Buffer
	binary.Write(&hdr, binary.BigEndian, gtxHeader{DLat: 1, DLon: 1, Rows: 2, Cols: 2})
	_, err = ReadGTX(&hdr)
	assert.Error(t, err, "truncated body")
}

func TestGeoTIFF_RoundTrip(t *testing.T) {
	reg := testRegion(t, -95.5, -94.5, 28.5, 29.5, 7, 37)
	shift := rampValues(reg, 0, 100)
	sigma := make([]float64, reg.Cells())
	for i := range sigma {
		sigma[i] = 0.01
	}

	for _, compress := range []bool{false, true} {
		t.Run(fmt.Sprintf("compress=%v", compress), func(t *testing.T) {
			var buf bytes.Buffer
			opts := WriteOptions{NoData: grid.NoDataValue, Compress: compress}
			require.NoError(t, WriteGeoTIFF(&buf, reg, [][]float64{shift, sigma}, opts))

			img, err := ReadGeoTIFF(buf.Bytes())
			require.NoError(t, err)
			require.Len(t, img.Bands, 2)
			assert.True(t, img.HasNoData)
			assert.Equal(t, grid.NoDataValue, img.NoData)
			assert.True(t, img.Region.SameGrid(reg), "got %s", img.Region)

			for i, v := range shift {
				got := img.Bands[0].Data[i]
				if math.IsNaN(v) {
					assert.True(t, math.IsNaN(got), "cell %d", i)
					continue
				}
				assert.InDelta(t, v, got, 1e-4)
				assert.InDelta(t, 0.01, img.Bands[1].Data[i], 1e-7)
			}
		})
	}
}

func TestReadGeoTIFF_Rejects(t *testing.T) {
	for name, data := range map[string][]byte{
		"short":     {1, 2},
		"bad order": []byte("XX*\x00\x08\x00\x00\x00"),
		"bigtiff":   []byte("II+\x00\x08\x00\x00\x00"),
		"no ifd":    []byte("II*\x00\xff\x00\x00\x00"),
	} {
		_, err := ReadGeoTIFF(data)
		assert.Error(t, err, name)
	}
}

func TestReadGeoTIFF_TruncatedTagValues(t *testing.T) {
	reg := testRegion(t, 0, 1, 0, 1, 4, 4)
	var buf bytes.Buffer
	require.NoError(t, WriteGeoTIFF(&buf, reg, [][]float64{rampValues(reg)}, DefaultWriteOptions))

	// Out-of-line tag values sit at the end of the file.
	_, err := ReadGeoTIFF(buf.Bytes()[:buf.Len()-40])
	assert.Error(t, err)
}

func TestDecodeRaster(t *testing.T) {
	reg := testRegion(t, 0, 3, 0, 2, 3, 2)
	vals := rampValues(reg)

	var tif bytes.Buffer
	require.NoError(t, WriteGeoTIFF(&tif, reg, [][]float64{vals}, DefaultWriteOptions))
	ras, err := DecodeRaster(FormatGeoTIFF, tif.Bytes())
	require.NoError(t, err)
	assert.InDelta(t, vals[4], ras.Data[4], 1e-6)

	_, err = DecodeRaster(FormatZarr, nil)
	assert.Error(t, err)
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, FormatGTX, FormatFromPath("s3://b/us_noaa_g2018u0.GTX"))
	assert.Equal(t, FormatZarr, FormatFromPath("/data/vertvel.zarr/"))
	assert.Equal(t, FormatGeoTIFF, FormatFromPath("geoid.tif"))

	f, err := ParseFormat("GeoTIFF")
	require.NoError(t, err)
	assert.Equal(t, FormatGeoTIFF, f)
	_, err = ParseFormat("netcdf")
	assert.Error(t, err)
}

// --- Zarr ---

type mockGetter struct {
	objects map[string][]byte
	calls   map[string]int
}

func newMockGetter() *mockGetter {
	return &mockGetter{objects: make(map[string][]byte), calls: make(map[string]int)}
}

func (m *mockGetter) GetObject(_ context.Context, key string) (io.ReadCloser, error) {
	m.calls[key]++
	data, ok := m.objects[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func compressZstd(data []byte) []byte {
	w, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	defer w.Close()
	return w.EncodeAll(data, nil)
}

// putZarr stores a 20x40 array (rows x cols) at 0.1 degree spacing from
// (-100, 30) in 10x10 chunks, value = row*1000 + col. Chunk 1.3 is omitted.
func putZarr(t *testing.T, m *mockGetter, root string) {
	t.Helper()
	meta := map[string]any{
		"chunks": []int{10, 10}, "shape": []int{20, 40}, "dtype": "<f4",
		"compressor": map[string]any{"id": "zstd"}, "fill_value": "NaN",
		"order": "C", "zarr_format": 2,
	}
	attrs := map[string]any{"geotransform": []float64{-100, 0.1, 0, 30, 0, -0.1}, "nodata": -9999.0}
	mj, _ := json.Marshal(meta)
	aj, _ := json.Marshal(attrs)
	m.objects[root+"/.zarray"] = mj
	m.objects[root+"/.zattrs"] = aj

	for cr := 0; cr < 2; cr++ {
		for cc := 0; cc < 4; cc++ {
			if cr == 1 && cc == 3 {
				continue
			}
			buf := make([]byte, 100*4)
			for lr := 0; lr < 10; lr++ {
				for lc := 0; lc < 10; lc++ {
					v := float32((cr*10+lr)*1000 + cc*10 + lc)
					binary.LittleEndian.PutUint32(buf[(lr*10+lc)*4:], math.Float32bits(v))
				}
			}
			m.objects[fmt.Sprintf("%s/%d.%d", root, cr, cc)] = compressZstd(buf)
		}
	}
}

func TestZarrReader_ReadWindow(t *testing.T) {
	m := newMockGetter()
	putZarr(t, m, "grids/vertvel.zarr")
	z := NewZarrReader(nil)

	bound := orb.Bound{Min: orb.Point{-99.45, 28.55}, Max: orb.Point{-99.05, 29.45}}
	ras, err := z.ReadWindow(context.Background(), m, "grids/vertvel.zarr/", bound)
	require.NoError(t, err)

	// Only the first chunk column is needed; the window has a one-cell margin.
	assert.Zero(t, m.calls["grids/vertvel.zarr/0.2"])
	assert.LessOrEqual(t, ras.Region.West, -99.45)
	assert.GreaterOrEqual(t, ras.Region.East, -99.05)

	// Cell center (-99.25, 29.05) is array col 7, row 9.
	v, ok := ras.Sample(-99.25, 29.05)
	require.True(t, ok)
	assert.InDelta(t, 9*1000+7, v, 1e-3)
}

func TestZarrReader_MissingChunkIsFill(t *testing.T) {
	m := newMockGetter()
	putZarr(t, m, "g.zarr")
	z := NewZarrReader(nil)

	bound := orb.Bound{Min: orb.Point{-96.9, 28.1}, Max: orb.Point{-96.2, 28.9}}
	ras, err := z.ReadWindow(context.Background(), m, "g.zarr", bound)
	require.NoError(t, err)

	_, ok := ras.Sample(-96.55, 28.45)
	assert.False(t, ok, "missing chunk should read as no data")
}

func TestZarrReader_Errors(t *testing.T) {
	z := NewZarrReader(nil)
	m := newMockGetter()
	_, err := z.ReadWindow(context.Background(), m, "absent.zarr", orb.Bound{})
	assert.Error(t, err)

	putZarr(t, m, "g.zarr")
	far := orb.Bound{Min: orb.Point{10, 10}, Max: orb.Point{11, 11}}
	_, err = z.ReadWindow(context.Background(), m, "g.zarr", far)
	assert.Error(t, err)
}
