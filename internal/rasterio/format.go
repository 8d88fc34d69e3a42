package rasterio

import (
	"bytes"
	"fmt"
	"path"
	"strings"

	"vshift/internal/grid"
)

// Format names a raster encoding.
type Format string

const (
	FormatGTX     Format = "gtx"
	FormatGeoTIFF Format = "tif"
	FormatZarr    Format = "zarr"
)

// FormatFromPath infers the format from a file extension. Unknown extensions
// default to GeoTIFF.
func FormatFromPath(p string) Format {
	switch strings.ToLower(path.Ext(strings.TrimSuffix(p, "/"))) {
	case ".gtx":
		return FormatGTX
	case ".zarr":
		return FormatZarr
	default:
		return FormatGeoTIFF
	}
}

// ParseFormat validates a catalog format string.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatGTX, FormatZarr:
		return f, nil
	case FormatGeoTIFF, "tiff", "geotiff":
		return FormatGeoTIFF, nil
	default:
		return "", fmt.Errorf("unknown raster format %q", s)
	}
}

// DecodeRaster decodes the first band of a whole-file format.
func DecodeRaster(format Format, data []byte) (*grid.Raster, error) {
	switch format {
	case FormatGTX:
		return ReadGTX(bytes.NewReader(data))
	case FormatGeoTIFF:
		img, err := ReadGeoTIFF(data)
		if err != nil {
			return nil, err
		}
		return img.Bands[0], nil
	default:
		return nil, fmt.Errorf("format %q cannot be decoded from a single object", format)
	}
}
