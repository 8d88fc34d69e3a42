// Package rasterio encodes and decodes the raster formats shift grids are
// published in: NOAA GTX, GeoTIFF, and chunked Zarr v2 arrays.
package rasterio

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"vshift/internal/grid"
)

// GTXNoData is the sentinel NOAA GTX files use for missing nodes.
const GTXNoData = -88.8888

// gtxHeader is the 40-byte big-endian GTX header. The origin is the
// south-west grid node; nodes are cell centers.
type gtxHeader struct {
	LatOrigin float64
	LonOrigin float64
	DLat      float64
	DLon      float64
	Rows      int32
	Cols      int32
}

// maxGTXCells bounds the allocation for a corrupt header.
const maxGTXCells = 1 << 30

// ReadGTX decodes a GTX grid. Rows are stored south to north in the file and
// are flipped so that row 0 of the returned raster is the northern row.
func ReadGTX(r io.Reader) (*grid.Raster, error) {
	br := bufio.NewReader(r)

	var h gtxHeader
	if err := binary.Read(br, binary.BigEndian, &h); err != nil {
		return nil, fmt.Errorf("reading gtx header: %w", err)
	}
	if h.Rows <= 0 || h.Cols <= 0 || int64(h.Rows)*int64(h.Cols) > maxGTXCells {
		return nil, fmt.Errorf("invalid gtx dimensions %dx%d", h.Cols, h.Rows)
	}
	if h.DLat <= 0 || h.DLon <= 0 {
		return nil, fmt.Errorf("invalid gtx spacing %g/%g", h.DLon, h.DLat)
	}

	nx, ny := int(h.Cols), int(h.Rows)
	west := h.LonOrigin - h.DLon/2
	south := h.LatOrigin - h.DLat/2
	region, err := grid.NewRegion(west, west+float64(nx)*h.DLon, south, south+float64(ny)*h.DLat, nx, ny)
	if err != nil {
		return nil, err
	}

	ras := grid.NewRaster(region)
	row := make([]byte, nx*4)
	for fileRow := 0; fileRow < ny; fileRow++ {
		if _, err := io.ReadFull(br, row); err != nil {
			return nil, fmt.Errorf("reading gtx row %d: %w", fileRow, err)
		}
		outRow := ny - 1 - fileRow
		for col := 0; col < nx; col++ {
			bits := binary.BigEndian.Uint32(row[col*4:])
			ras.Data[region.Index(col, outRow)] = float64(math.Float32frombits(bits))
		}
	}
	ras.MaskNoData(GTXNoData)
	return ras, nil
}

// WriteGTX encodes values as a GTX grid. Missing cells are written as the GTX
// sentinel.
func WriteGTX(w io.Writer, region grid.Region, values []float64) error {
	if len(values) != region.Cells() {
		return fmt.Errorf("gtx: %d values for %dx%d grid", len(values), region.NX, region.NY)
	}
	bw := bufio.NewWriter(w)
	h := gtxHeader{
		LatOrigin: region.South + region.DY()/2,
		LonOrigin: region.West + region.DX()/2,
		DLat:      region.DY(),
		DLon:      region.DX(),
		Rows:      int32(region.NY),
		Cols:      int32(region.NX),
	}
	if err := binary.Write(bw, binary.BigEndian, h); err != nil {
		return fmt.Errorf("writing gtx header: %w", err)
	}

	row := make([]byte, region.NX*4)
	for fileRow := 0; fileRow < region.NY; fileRow++ {
		srcRow := region.NY - 1 - fileRow
		for col := 0; col < region.NX; col++ {
			v := values[region.Index(col, srcRow)]
			if math.IsNaN(v) {
				v = GTXNoData
			}
			binary.BigEndian.PutUint32(row[col*4:], math.Float32bits(float32(v)))
		}
		if _, err := bw.Write(row); err != nil {
			return fmt.Errorf("writing gtx row %d: %w", fileRow, err)
		}
	}
	return bw.Flush()
}
