// Package applier adds a shift grid to an elevation model.
package applier

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"math"
	"os"

	"vshift/internal/grid"
	"vshift/internal/rasterio"
	"vshift/internal/types"
)

// Apply returns input shifted by shift. The two must share the same grid
// geometry. A cell is written only where both the input and the shift are
// resolved; every other cell carries the input's no-data value, or
// grid.NoDataValue when the input has none. Uncertainty is not applied.
func Apply(input *grid.Raster, shift *grid.ShiftGrid) (*grid.Raster, error) {
	if input == nil || shift == nil {
		return nil, types.NewAppError(types.ErrCodeValidationMissingField, "input and shift grids are required", nil)
	}
	if !input.Region.SameGrid(shift.Region) {
		return nil, types.NewGridMismatchError(shift.Region.String(), input.Region.String())
	}
	if err := input.Check(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalGridCorruption, err.Error(), err)
	}

	out := &grid.Raster{
		Region:    input.Region,
		Data:      make([]float64, len(input.Data)),
		NoData:    grid.NoDataValue,
		HasNoData: true,
	}
	if input.HasNoData {
		out.NoData = input.NoData
	}

	for i, v := range input.Data {
		if math.IsNaN(v) || !shift.Valid[i] {
			out.Data[i] = math.NaN()
			continue
		}
		out.Data[i] = v + shift.Values[i]
	}
	return out, nil
}

// ReadDEM loads the first band of a GeoTIFF elevation model. Cells equal to
// the file's no-data value are missing.
func ReadDEM(path string) (*grid.Raster, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dem %s: %w", path, err)
	}
	tif, err := rasterio.ReadGeoTIFF(data)
	if err != nil {
		return nil, fmt.Errorf("decoding dem %s: %w", path, err)
	}
	return tif.Bands[0], nil
}

// ApplyFile shifts a DEM already loaded with ReadDEM and writes the result to
// outPath as a single-band GeoTIFF.
func ApplyFile(ctx context.Context, dem *grid.Raster, shift *grid.ShiftGrid, outPath string, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out, err := Apply(dem, shift)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	opts := rasterio.WriteOptions{NoData: out.NoData, Compress: true}
	if err := rasterio.WriteGeoTIFF(&buf, out.Region, [][]float64{out.Data}, opts); err != nil {
		return fmt.Errorf("encoding %s: %w", outPath, err)
	}
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", outPath, err)
	}

	logger.InfoContext(ctx, "applied shift to dem",
		"region", dem.Region.String(),
		"output", outPath,
		"cells", dem.Region.Cells(),
		"resolved", shift.ResolvedCount(),
	)
	return nil
}
