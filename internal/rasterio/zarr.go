package rasterio

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"

	"vshift/internal/grid"
)

// ErrNotFound is returned by ObjectGetters for missing objects. Missing Zarr
// chunks are read as the array's fill value.
var ErrNotFound = errors.New("object not found")

// ErrNoOverlap is returned when a requested window lies outside an array.
var ErrNoOverlap = errors.New("window does not intersect array")

// zarrChunkConcurrency bounds parallel chunk fetches within one window read.
const zarrChunkConcurrency = 8

// ObjectGetter fetches an object by key.
type ObjectGetter interface {
	GetObject(ctx context.Context, key string) (io.ReadCloser, error)
}

// ZarrArrayMeta holds the minimal .zarray metadata we need.
type ZarrArrayMeta struct {
	Chunks     []int           `json:"chunks"`      // [lat, lon]
	Shape      []int           `json:"shape"`       // [lat, lon]
	DType      string          `json:"dtype"`       // "<f4" or "<f8"
	Compressor *zarrCompressor `json:"compressor"`  // {"id": "zstd"} or null
	FillValue  any             `json:"fill_value"`  // null, a number, or "NaN"
	Order      string          `json:"order"`       // "C" (row-major)
	ZarrFormat int             `json:"zarr_format"` // 2
}

type zarrCompressor struct {
	ID string `json:"id"`
}

// zarrAttrs carries the georeferencing of a shift-grid array.
type zarrAttrs struct {
	GeoTransform []float64 `json:"geotransform"` // GDAL order, north-up
	NoData       *float64  `json:"nodata"`
}

// ZarrReader reads windows of 2-D chunked float arrays.
type ZarrReader struct {
	logger *slog.Logger

	// decoderPool provides reusable zstd decoders to avoid repeated allocations.
	decoderPool sync.Pool
}

// NewZarrReader creates a ZarrReader. A nil logger uses slog.Default().
func NewZarrReader(logger *slog.Logger) *ZarrReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &ZarrReader{
		logger: logger,
		decoderPool: sync.Pool{
			New: func() any {
				d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))
				if err != nil {
					// This should never fail with nil input and default options.
					panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
				}
				return d
			},
		},
	}
}

// ReadWindow reads the part of the array at root that covers bound, plus a
// one-cell margin for interpolation. The returned raster covers only that
// window.
func (z *ZarrReader) ReadWindow(ctx context.Context, get ObjectGetter, root string, bound orb.Bound) (*grid.Raster, error) {
	root = strings.TrimSuffix(root, "/")
	meta, err := z.loadMeta(ctx, get, root)
	if err != nil {
		return nil, err
	}
	attrs, err := loadJSON[zarrAttrs](ctx, get, root+"/.zattrs")
	if err != nil {
		return nil, err
	}
	if len(attrs.GeoTransform) != 6 {
		return nil, fmt.Errorf("zarr %s: geotransform attribute missing", root)
	}
	var gt [6]float64
	copy(gt[:], attrs.GeoTransform)
	full, err := grid.RegionFromGeoTransform(gt, meta.Shape[1], meta.Shape[0])
	if err != nil {
		return nil, fmt.Errorf("zarr %s: %w", root, err)
	}

	var col0, col1, row0, row1 int
	ok := false
	for _, shift := range []float64{0, 360, -360} {
		shifted := orb.Bound{
			Min: orb.Point{bound.Min[0] + shift, bound.Min[1]},
			Max: orb.Point{bound.Max[0] + shift, bound.Max[1]},
		}
		if col0, col1, row0, row1, ok = windowIndices(full, shifted); ok {
			break
		}
	}
	if !ok {
		return nil, fmt.Errorf("zarr %s: %w", root, ErrNoOverlap)
	}
	window, err := grid.NewRegion(
		full.West+float64(col0)*full.DX(), full.West+float64(col1+1)*full.DX(),
		full.North-float64(row1+1)*full.DY(), full.North-float64(row0)*full.DY(),
		col1-col0+1, row1-row0+1,
	)
	if err != nil {
		return nil, err
	}
	ras := grid.NewRaster(window)

	chunkRows, chunkCols := meta.Chunks[0], meta.Chunks[1]
	fill := fillValue(meta.FillValue)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(zarrChunkConcurrency)
	for cr := row0 / chunkRows; cr <= row1/chunkRows; cr++ {
		for cc := col0 / chunkCols; cc <= col1/chunkCols; cc++ {
			g.Go(func() error {
				vals, err := z.fetchChunk(gctx, get, root, meta, cr, cc)
				if err != nil {
					return err
				}
				mu.Lock()
				defer mu.Unlock()
				for lr := 0; lr < chunkRows; lr++ {
					row := cr*chunkRows + lr
					if row < row0 || row > row1 {
						continue
					}
					for lc := 0; lc < chunkCols; lc++ {
						col := cc*chunkCols + lc
						if col < col0 || col > col1 {
							continue
						}
						v := fill
						if vals != nil {
							v = vals[lr*chunkCols+lc]
						}
						ras.Data[window.Index(col-col0, row-row0)] = v
					}
				}
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if attrs.NoData != nil {
		ras.MaskNoData(*attrs.NoData)
	}
	return ras, nil
}

// windowIndices returns the inclusive column/row range of full that covers
// bound with a one-cell margin.
func windowIndices(full grid.Region, bound orb.Bound) (col0, col1, row0, row1 int, ok bool) {
	w := math.Max(bound.Min[0], full.West)
	e := math.Min(bound.Max[0], full.East)
	s := math.Max(bound.Min[1], full.South)
	n := math.Min(bound.Max[1], full.North)
	if w > e || s > n {
		return 0, 0, 0, 0, false
	}
	col0 = max(int(math.Floor((w-full.West)/full.DX()))-1, 0)
	col1 = min(int(math.Floor((e-full.West)/full.DX()))+1, full.NX-1)
	row0 = max(int(math.Floor((full.North-n)/full.DY()))-1, 0)
	row1 = min(int(math.Floor((full.North-s)/full.DY()))+1, full.NY-1)
	return col0, col1, row0, row1, true
}

// fetchChunk returns the chunk values, or nil for a missing chunk.
func (z *ZarrReader) fetchChunk(ctx context.Context, get ObjectGetter, root string, meta *ZarrArrayMeta, cr, cc int) ([]float64, error) {
	key := fmt.Sprintf("%s/%d.%d", root, cr, cc)
	body, err := get.GetObject(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetching chunk %s: %w", key, err)
	}
	defer body.Close()

	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading chunk %s: %w", key, err)
	}
	if meta.Compressor != nil {
		if raw, err = z.decompressZstd(raw); err != nil {
			return nil, fmt.Errorf("decompressing chunk %s: %w", key, err)
		}
	}

	var vals []float64
	switch meta.DType {
	case "<f4":
		vals, err = parseFloat32s(raw)
	case "<f8":
		vals, err = parseFloat64s(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing chunk %s: %w", key, err)
	}
	if want := meta.Chunks[0] * meta.Chunks[1]; len(vals) != want {
		return nil, fmt.Errorf("chunk %s has %d values, want %d", key, len(vals), want)
	}
	return vals, nil
}

func (z *ZarrReader) loadMeta(ctx context.Context, get ObjectGetter, root string) (*ZarrArrayMeta, error) {
	meta, err := loadJSON[ZarrArrayMeta](ctx, get, root+"/.zarray")
	if err != nil {
		return nil, err
	}
	if len(meta.Shape) != 2 || len(meta.Chunks) != 2 || meta.Chunks[0] <= 0 || meta.Chunks[1] <= 0 {
		return nil, fmt.Errorf("unexpected array dimensions: shape=%v chunks=%v", meta.Shape, meta.Chunks)
	}
	if meta.DType != "<f4" && meta.DType != "<f8" {
		return nil, fmt.Errorf("unsupported zarr dtype %q", meta.DType)
	}
	if meta.Compressor != nil && meta.Compressor.ID != "zstd" {
		return nil, fmt.Errorf("unsupported zarr compressor %q", meta.Compressor.ID)
	}
	if meta.Order != "" && meta.Order != "C" {
		return nil, fmt.Errorf("unsupported zarr order %q", meta.Order)
	}
	return meta, nil
}

func loadJSON[T any](ctx context.Context, get ObjectGetter, key string) (*T, error) {
	body, err := get.GetObject(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", key, err)
	}
	defer body.Close()
	var out T
	if err := json.NewDecoder(body).Decode(&out); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", key, err)
	}
	return &out, nil
}

// decompressZstd decompresses zstd-compressed data using pooled decoders.
func (z *ZarrReader) decompressZstd(data []byte) ([]byte, error) {
	decoder := z.decoderPool.Get().(*zstd.Decoder)
	defer z.decoderPool.Put(decoder)

	result, err := decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompression failed: %w", err)
	}
	return result, nil
}

func fillValue(v any) float64 {
	switch f := v.(type) {
	case float64:
		return f
	case string:
		if strings.EqualFold(f, "nan") {
			return math.NaN()
		}
	}
	return math.NaN()
}

// parseFloat32s converts raw little-endian bytes into float64 values.
func parseFloat32s(data []byte) ([]float64, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 4 bytes", len(data))
	}
	out := make([]float64, len(data)/4)
	for i := range out {
		out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:])))
	}
	return out, nil
}

func parseFloat64s(data []byte) ([]float64, error) {
	if len(data)%8 != 0 {
		return nil, fmt.Errorf("data length %d is not a multiple of 8 bytes", len(data))
	}
	out := make([]float64, len(data)/8)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[i*8:]))
	}
	return out, nil
}
