package rasterio

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/tiff"
	"github.com/klauspost/compress/zlib"

	"vshift/internal/grid"
)

// TIFF tags used by the reader and writer.
const (
	tagImageWidth       = 256
	tagImageLength      = 257
	tagBitsPerSample    = 258
	tagCompression      = 259
	tagPhotometric      = 262
	tagStripOffsets     = 273
	tagSamplesPerPixel  = 277
	tagRowsPerStrip     = 278
	tagStripByteCounts  = 279
	tagPlanarConfig     = 284
	tagPredictor        = 317
	tagTileWidth        = 322
	tagTileLength       = 323
	tagTileOffsets      = 324
	tagTileByteCounts   = 325
	tagExtraSamples     = 338
	tagSampleFormat     = 339
	tagModelPixelScale  = 33550
	tagModelTiepoint    = 33922
	tagModelTransform   = 34264
	tagGeoKeyDirectory  = 34735
	tagGDALNoData       = 42113
	geoKeyRasterType    = 1025
	rasterPixelIsPoint  = 2
	compressionNone     = 1
	compressionDeflate  = 8
	compressionDeflate2 = 32946
	sampleFormatUint    = 1
	sampleFormatInt     = 2
	sampleFormatFloat   = 3
)

// TIFF field types.
const (
	typeByte   = 1
	typeASCII  = 2
	typeShort  = 3
	typeLong   = 4
	typeDouble = 12
)

var typeSizes = map[uint16]int{1: 1, 2: 1, 3: 2, 4: 4, 5: 8, 6: 1, 7: 1, 8: 2, 9: 4, 10: 8, 11: 4, 12: 8}

// writerRowsPerStrip is the strip height used when writing.
const writerRowsPerStrip = 16

// GeoTIFF is a decoded north-up geographic raster with one or more bands.
type GeoTIFF struct {
	Region    grid.Region
	Bands     []*grid.Raster
	NoData    float64
	HasNoData bool
}

type tiffReader struct {
	data  []byte
	order binary.ByteOrder
	ifd   tiff.IFD
}

// ReadGeoTIFF decodes the first image of a classic TIFF with GeoTIFF tags.
// Strips and tiles, chunky and planar layouts, no compression or deflate,
// and horizontal or floating-point predictors are supported.
func ReadGeoTIFF(data []byte) (*GeoTIFF, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("geotiff: file too short")
	}
	tr := &tiffReader{data: data}
	switch string(data[:2]) {
	case "II":
		tr.order = binary.LittleEndian
	case "MM":
		tr.order = binary.BigEndian
	default:
		return nil, fmt.Errorf("geotiff: bad byte order mark")
	}
	if magic := tr.order.Uint16(data[2:]); magic != 42 {
		return nil, fmt.Errorf("geotiff: unsupported tiff version %d", magic)
	}

	tf, err := tiff.Parse(bytes.NewReader(data), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("geotiff: %w", err)
	}
	ifds := tf.IFDs()
	if len(ifds) == 0 {
		return nil, fmt.Errorf("geotiff: no image directory")
	}
	tr.ifd = ifds[0]
	return tr.decode()
}

// field returns the type and raw value bytes of tag in the first IFD.
func (t *tiffReader) field(tag uint16) (uint16, []byte, bool) {
	if !t.ifd.HasField(tag) {
		return 0, nil, false
	}
	f := t.ifd.GetField(tag)
	typ := f.Type().ID()
	if _, ok := typeSizes[typ]; !ok {
		return 0, nil, false
	}
	return typ, f.Value().Bytes(), true
}

func (t *tiffReader) uints(tag uint16) []uint64 {
	typ, raw, ok := t.field(tag)
	if !ok {
		return nil
	}
	out := make([]uint64, len(raw)/typeSizes[typ])
	for i := range out {
		switch typ {
		case typeByte:
			out[i] = uint64(raw[i])
		case typeShort:
			out[i] = uint64(t.order.Uint16(raw[i*2:]))
		case typeLong:
			out[i] = uint64(t.order.Uint32(raw[i*4:]))
		default:
			return nil
		}
	}
	return out
}

func (t *tiffReader) uint(tag uint16, def uint64) uint64 {
	if v := t.uints(tag); len(v) > 0 {
		return v[0]
	}
	return def
}

func (t *tiffReader) doubles(tag uint16) []float64 {
	typ, raw, ok := t.field(tag)
	if !ok || typ != typeDouble {
		return nil
	}
	out := make([]float64, len(raw)/8)
	for i := range out {
		out[i] = math.Float64frombits(t.order.Uint64(raw[i*8:]))
	}
	return out
}

func (t *tiffReader) ascii(tag uint16) string {
	typ, raw, ok := t.field(tag)
	if !ok || typ != typeASCII {
		return ""
	}
	return strings.TrimRight(string(raw), "\x00 ")
}

// layout describes how pixel blocks are arranged in the file.
type layout struct {
	width, height   int
	spp             int
	bytesPer        int
	format          uint64
	predictor       uint64
	compression     uint64
	planar          bool
	blockW, blockH  int
	across, down    int
	offsets, counts []uint64
}

func (t *tiffReader) layout() (*layout, error) {
	l := &layout{
		width:       int(t.uint(tagImageWidth, 0)),
		height:      int(t.uint(tagImageLength, 0)),
		spp:         int(t.uint(tagSamplesPerPixel, 1)),
		format:      t.uint(tagSampleFormat, sampleFormatUint),
		predictor:   t.uint(tagPredictor, 1),
		compression: t.uint(tagCompression, compressionNone),
		planar:      t.uint(tagPlanarConfig, 1) == 2,
	}
	if l.width <= 0 || l.height <= 0 || l.spp <= 0 {
		return nil, fmt.Errorf("geotiff: invalid dimensions %dx%dx%d", l.width, l.height, l.spp)
	}
	bps := t.uints(tagBitsPerSample)
	if len(bps) == 0 {
		bps = []uint64{8}
	}
	for _, b := range bps {
		if b != bps[0] {
			return nil, fmt.Errorf("geotiff: mixed bits per sample %v", bps)
		}
	}
	l.bytesPer = int(bps[0] / 8)
	switch l.compression {
	case compressionNone, compressionDeflate, compressionDeflate2:
	default:
		return nil, fmt.Errorf("geotiff: unsupported compression %d", l.compression)
	}

	if tw := t.uint(tagTileWidth, 0); tw > 0 {
		l.blockW = int(tw)
		l.blockH = int(t.uint(tagTileLength, 0))
		l.offsets = t.uints(tagTileOffsets)
		l.counts = t.uints(tagTileByteCounts)
	} else {
		l.blockW = l.width
		l.blockH = int(t.uint(tagRowsPerStrip, uint64(l.height)))
		if l.blockH > l.height {
			l.blockH = l.height
		}
		l.offsets = t.uints(tagStripOffsets)
		l.counts = t.uints(tagStripByteCounts)
	}
	if l.blockW <= 0 || l.blockH <= 0 {
		return nil, fmt.Errorf("geotiff: invalid block size %dx%d", l.blockW, l.blockH)
	}
	l.across = (l.width + l.blockW - 1) / l.blockW
	l.down = (l.height + l.blockH - 1) / l.blockH
	planes := 1
	if l.planar {
		planes = l.spp
	}
	if want := l.across * l.down * planes; len(l.offsets) < want || len(l.counts) < want {
		return nil, fmt.Errorf("geotiff: expected %d blocks, found %d", want, len(l.offsets))
	}
	return l, nil
}

func (t *tiffReader) decode() (*GeoTIFF, error) {
	l, err := t.layout()
	if err != nil {
		return nil, err
	}
	region, err := t.region(l.width, l.height)
	if err != nil {
		return nil, err
	}

	out := &GeoTIFF{Region: region, Bands: make([]*grid.Raster, l.spp)}
	for b := range out.Bands {
		out.Bands[b] = grid.NewRaster(region)
	}

	planes, perPixel := 1, l.spp
	if l.planar {
		planes, perPixel = l.spp, 1
	}
	for plane := 0; plane < planes; plane++ {
		for by := 0; by < l.down; by++ {
			for bx := 0; bx < l.across; bx++ {
				idx := plane*l.across*l.down + by*l.across + bx
				buf, err := t.block(l, idx)
				if err != nil {
					return nil, err
				}
				if err := undoPredictor(l, buf, perPixel, t.order); err != nil {
					return nil, err
				}
				order := t.order
				if l.predictor == 3 {
					order = binary.BigEndian
				}
				for r := 0; r < l.blockH; r++ {
					y := by*l.blockH + r
					if y >= l.height {
						break
					}
					for c := 0; c < l.blockW; c++ {
						x := bx*l.blockW + c
						if x >= l.width {
							continue
						}
						for s := 0; s < perPixel; s++ {
							band := s
							if l.planar {
								band = plane
							}
							pos := ((r*l.blockW+c)*perPixel + s) * l.bytesPer
							if pos+l.bytesPer > len(buf) {
								return nil, fmt.Errorf("geotiff: block %d truncated", idx)
							}
							v, err := decodeSample(buf[pos:pos+l.bytesPer], order, l.format)
							if err != nil {
								return nil, err
							}
							out.Bands[band].Data[y*l.width+x] = v
						}
					}
				}
			}
		}
	}

	if nd := t.ascii(tagGDALNoData); nd != "" {
		if v, err := strconv.ParseFloat(strings.TrimSpace(nd), 64); err == nil {
			out.NoData, out.HasNoData = v, true
			for _, b := range out.Bands {
				b.MaskNoData(v)
			}
		}
	}
	return out, nil
}

func (t *tiffReader) block(l *layout, idx int) ([]byte, error) {
	off, n := int(l.offsets[idx]), int(l.counts[idx])
	if off < 0 || n < 0 || off+n > len(t.data) {
		return nil, fmt.Errorf("geotiff: block %d out of range", idx)
	}
	raw := t.data[off : off+n]
	if l.compression == compressionNone {
		if l.predictor != 1 {
			// Predictors are undone in place; never touch the caller's bytes.
			return append([]byte(nil), raw...), nil
		}
		return raw, nil
	}
	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("geotiff: block %d: %w", idx, err)
	}
	defer zr.Close()
	buf, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("geotiff: inflating block %d: %w", idx, err)
	}
	return buf, nil
}

// undoPredictor reverses TIFF predictors in place, one block row at a time.
func undoPredictor(l *layout, buf []byte, perPixel int, order binary.ByteOrder) error {
	switch l.predictor {
	case 1:
		return nil
	case 2:
		if l.format == sampleFormatFloat {
			return fmt.Errorf("geotiff: horizontal predictor on float samples")
		}
		rowBytes := l.blockW * perPixel * l.bytesPer
		for start := 0; start+rowBytes <= len(buf); start += rowBytes {
			row := buf[start : start+rowBytes]
			switch l.bytesPer {
			case 1:
				for i := perPixel; i < len(row); i++ {
					row[i] += row[i-perPixel]
				}
			case 2:
				for i := perPixel; i*2 < len(row); i++ {
					prev := order.Uint16(row[(i-perPixel)*2:])
					order.PutUint16(row[i*2:], order.Uint16(row[i*2:])+prev)
				}
			case 4:
				for i := perPixel; i*4 < len(row); i++ {
					prev := order.Uint32(row[(i-perPixel)*4:])
					order.PutUint32(row[i*4:], order.Uint32(row[i*4:])+prev)
				}
			default:
				return fmt.Errorf("geotiff: horizontal predictor on %d-byte samples", l.bytesPer)
			}
		}
		return nil
	case 3:
		rowBytes := l.blockW * perPixel * l.bytesPer
		tmp := make([]byte, rowBytes)
		wc := l.blockW * perPixel
		for start := 0; start+rowBytes <= len(buf); start += rowBytes {
			row := buf[start : start+rowBytes]
			for i := perPixel; i < rowBytes; i++ {
				row[i] += row[i-perPixel]
			}
			copy(tmp, row)
			for i := 0; i < wc; i++ {
				for b := 0; b < l.bytesPer; b++ {
					row[i*l.bytesPer+b] = tmp[b*wc+i]
				}
			}
		}
		return nil
	default:
		return fmt.Errorf("geotiff: unsupported predictor %d", l.predictor)
	}
}

func decodeSample(b []byte, order binary.ByteOrder, format uint64) (float64, error) {
	switch {
	case format == sampleFormatFloat && len(b) == 4:
		return float64(math.Float32frombits(order.Uint32(b))), nil
	case format == sampleFormatFloat && len(b) == 8:
		return math.Float64frombits(order.Uint64(b)), nil
	case format == sampleFormatInt && len(b) == 1:
		return float64(int8(b[0])), nil
	case format == sampleFormatInt && len(b) == 2:
		return float64(int16(order.Uint16(b))), nil
	case format == sampleFormatInt && len(b) == 4:
		return float64(int32(order.Uint32(b))), nil
	case format == sampleFormatUint && len(b) == 1:
		return float64(b[0]), nil
	case format == sampleFormatUint && len(b) == 2:
		return float64(order.Uint16(b)), nil
	case format == sampleFormatUint && len(b) == 4:
		return float64(order.Uint32(b)), nil
	}
	return 0, fmt.Errorf("geotiff: unsupported sample format %d with %d bytes", format, len(b))
}

// region derives the geographic extent from the model tags.
func (t *tiffReader) region(width, height int) (grid.Region, error) {
	var gt [6]float64
	if m := t.doubles(tagModelTransform); len(m) >= 8 {
		gt = [6]float64{m[3], m[0], m[1], m[7], m[4], m[5]}
	} else {
		scale := t.doubles(tagModelPixelScale)
		tie := t.doubles(tagModelTiepoint)
		if len(scale) < 2 || len(tie) < 6 {
			return grid.Region{}, fmt.Errorf("geotiff: missing georeferencing tags")
		}
		gt = [6]float64{
			tie[3] - tie[0]*scale[0], scale[0], 0,
			tie[4] + tie[1]*scale[1], 0, -scale[1],
		}
	}
	if t.rasterType() == rasterPixelIsPoint {
		gt[0] -= gt[1] / 2
		gt[3] -= gt[5] / 2
	}
	return grid.RegionFromGeoTransform(gt, width, height)
}

func (t *tiffReader) rasterType() uint64 {
	keys := t.uints(tagGeoKeyDirectory)
	if len(keys) < 4 {
		return 0
	}
	n := int(keys[3])
	for i := 0; i < n && 4+i*4+3 < len(keys); i++ {
		k := keys[4+i*4:]
		if k[0] == geoKeyRasterType && k[1] == 0 {
			return k[3]
		}
	}
	return 0
}

// WriteOptions controls GeoTIFF encoding. Samples are float32 unless Float64
// is set.
type WriteOptions struct {
	NoData   float64
	Compress bool
	Float64  bool
}

// DefaultWriteOptions writes deflate-compressed rasters with the -9999 sentinel.
var DefaultWriteOptions = WriteOptions{NoData: grid.NoDataValue, Compress: true}

type outEntry struct {
	tag   uint16
	typ   uint16
	count uint32
	data  []byte
}

// WriteGeoTIFF encodes float bands over region as a little-endian GeoTIFF
// in EPSG:4326 with pixel-is-area registration. NaN cells are written as the
// no-data sentinel.
func WriteGeoTIFF(w io.Writer, region grid.Region, bands [][]float64, opts WriteOptions) error {
	if len(bands) == 0 {
		return fmt.Errorf("geotiff: no bands")
	}
	for i, b := range bands {
		if len(b) != region.Cells() {
			return fmt.Errorf("geotiff: band %d has %d values for %dx%d grid", i, len(b), region.NX, region.NY)
		}
	}
	le := binary.LittleEndian
	spp := len(bands)
	bits := 32
	nodata := float64(float32(opts.NoData))
	if opts.Float64 {
		bits, nodata = 64, opts.NoData
	}

	var buf bytes.Buffer
	buf.Write([]byte{'I', 'I', 42, 0, 0, 0, 0, 0})

	var offsets, counts []uint32
	pixel := make([]byte, bits/8)
	for start := 0; start < region.NY; start += writerRowsPerStrip {
		end := min(start+writerRowsPerStrip, region.NY)
		var strip bytes.Buffer
		for row := start; row < end; row++ {
			for col := 0; col < region.NX; col++ {
				i := region.Index(col, row)
				for _, b := range bands {
					v := b[i]
					if math.IsNaN(v) {
						v = nodata
					}
					if opts.Float64 {
						le.PutUint64(pixel, math.Float64bits(v))
					} else {
						le.PutUint32(pixel, math.Float32bits(float32(v)))
					}
					strip.Write(pixel)
				}
			}
		}
		payload := strip.Bytes()
		if opts.Compress {
			var zbuf bytes.Buffer
			zw := zlib.NewWriter(&zbuf)
			if _, err := zw.Write(payload); err != nil {
				return fmt.Errorf("geotiff: deflate: %w", err)
			}
			if err := zw.Close(); err != nil {
				return fmt.Errorf("geotiff: deflate: %w", err)
			}
			payload = zbuf.Bytes()
		}
		if buf.Len()%2 == 1 {
			buf.WriteByte(0)
		}
		offsets = append(offsets, uint32(buf.Len()))
		counts = append(counts, uint32(len(payload)))
		buf.Write(payload)
	}

	compression := uint16(compressionNone)
	if opts.Compress {
		compression = compressionDeflate
	}
	shorts := func(vals ...uint16) []byte {
		b := make([]byte, 2*len(vals))
		for i, v := range vals {
			le.PutUint16(b[i*2:], v)
		}
		return b
	}
	longs := func(vals ...uint32) []byte {
		b := make([]byte, 4*len(vals))
		for i, v := range vals {
			le.PutUint32(b[i*4:], v)
		}
		return b
	}
	doubles := func(vals ...float64) []byte {
		b := make([]byte, 8*len(vals))
		for i, v := range vals {
			le.PutUint64(b[i*8:], math.Float64bits(v))
		}
		return b
	}
	repeat := func(v uint16, n int) []uint16 {
		out := make([]uint16, n)
		for i := range out {
			out[i] = v
		}
		return out
	}

	entries := []outEntry{
		{tagImageWidth, typeLong, 1, longs(uint32(region.NX))},
		{tagImageLength, typeLong, 1, longs(uint32(region.NY))},
		{tagBitsPerSample, typeShort, uint32(spp), shorts(repeat(uint16(bits), spp)...)},
		{tagCompression, typeShort, 1, shorts(compression)},
		{tagPhotometric, typeShort, 1, shorts(1)},
		{tagStripOffsets, typeLong, uint32(len(offsets)), longs(offsets...)},
		{tagSamplesPerPixel, typeShort, 1, shorts(uint16(spp))},
		{tagRowsPerStrip, typeLong, 1, longs(writerRowsPerStrip)},
		{tagStripByteCounts, typeLong, uint32(len(counts)), longs(counts...)},
		{tagPlanarConfig, typeShort, 1, shorts(1)},
		{tagSampleFormat, typeShort, uint32(spp), shorts(repeat(sampleFormatFloat, spp)...)},
		{tagModelPixelScale, typeDouble, 3, doubles(region.DX(), region.DY(), 0)},
		{tagModelTiepoint, typeDouble, 6, doubles(0, 0, 0, region.West, region.North, 0)},
		{tagGeoKeyDirectory, typeShort, 16, shorts(
			1, 1, 0, 3,
			1024, 0, 1, 2, // GTModelType: geographic
			1025, 0, 1, 1, // GTRasterType: pixel is area
			2048, 0, 1, 4326, // GeographicType: WGS 84
		)},
	}
	if spp > 1 {
		entries = append(entries, outEntry{tagExtraSamples, typeShort, uint32(spp - 1), shorts(repeat(0, spp-1)...)})
	}
	nd := strconv.FormatFloat(nodata, 'g', -1, bits) + "\x00"
	entries = append(entries, outEntry{tagGDALNoData, typeASCII, uint32(len(nd)), []byte(nd)})
	sort.Slice(entries, func(i, j int) bool { return entries[i].tag < entries[j].tag })

	if buf.Len()%2 == 1 {
		buf.WriteByte(0)
	}
	ifdOffset := buf.Len()
	extOffset := ifdOffset + 2 + 12*len(entries) + 4

	var ifd, ext bytes.Buffer
	entry := make([]byte, 12)
	binary.Write(&ifd, le, uint16(len(entries)))
	for _, e := range entries {
		le.PutUint16(entry[0:], e.tag)
		le.PutUint16(entry[2:], e.typ)
		le.PutUint32(entry[4:], e.count)
		clear(entry[8:])
		if len(e.data) <= 4 {
			copy(entry[8:], e.data)
		} else {
			if ext.Len()%2 == 1 {
				ext.WriteByte(0)
			}
			le.PutUint32(entry[8:], uint32(extOffset+ext.Len()))
			ext.Write(e.data)
		}
		ifd.Write(entry)
	}
	binary.Write(&ifd, le, uint32(0))

	out := buf.Bytes()
	le.PutUint32(out[4:], uint32(ifdOffset))
	for _, part := range [][]byte{out, ifd.Bytes(), ext.Bytes()} {
		if _, err := w.Write(part); err != nil {
			return fmt.Errorf("geotiff: write: %w", err)
		}
	}
	return nil
}
