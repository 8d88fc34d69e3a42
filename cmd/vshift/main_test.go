package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vshift/internal/applier"
	"vshift/internal/grid"
	"vshift/internal/rasterio"
)

// setupCatalog points CATALOG_PATH at a constant g2018 grid covering
// -96..-94 / 28..30 and clears the remote backends.
func setupCatalog(t *testing.T) {
	t.Helper()
	dir := t.TempDir()

	region, err := grid.NewRegion(-96, -94, 28, 30, 9, 9)
	require.NoError(t, err)
	values := make([]float64, region.Cells())
	for i := range values {
		values[i] = -27.5
	}
	var buf bytes.Buffer
	require.NoError(t, rasterio.WriteGTX(&buf, region, values))
	gridPath := filepath.Join(dir, "g2018.gtx")
	require.NoError(t, os.WriteFile(gridPath, buf.Bytes(), 0o644))

	manifest := filepath.Join(dir, "catalog.yaml")
	body := fmt.Sprintf("sources:\n  - id: g2018_test\n    dataset: g2018\n    uri: %s\n", gridPath)
	require.NoError(t, os.WriteFile(manifest, []byte(body), 0o644))

	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "GRID_BUCKET", "OUTPUT_BUCKET", "JOB_QUEUE_URL", "CACHE_DIR"} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
	t.Setenv("APP_ENV", "local")
	t.Setenv("CATALOG_PATH", manifest)
}

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_RegionToGTX(t *testing.T) {
	setupCatalog(t)
	dir := t.TempDir()
	out := filepath.Join(dir, "shift.gtx")

	code, _, stderr := runCLI(t,
		"-R", "-95.5/-94.5/28.5/29.5", "-E", "0.25",
		"-I", "6319", "-O", "5703",
		"--output", out, "-D", filepath.Join(dir, "cache"),
	)
	require.Equal(t, 0, code, stderr)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	raster, err := rasterio.ReadGTX(bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, 4, raster.Region.NX)
	for _, v := range raster.Data {
		assert.InDelta(t, 27.5, math.Abs(v), 1e-4)
	}

	_, err = os.Stat(filepath.Join(dir, "shift_unc.gtx"))
	assert.NoError(t, err, "uncertainty companion should be written")
}

func TestRun_DefaultRegionOutputName(t *testing.T) {
	setupCatalog(t)
	dir := t.TempDir()
	t.Chdir(dir)

	code, _, stderr := runCLI(t, "-R", "-95.5/-94.5/28.5/29.5", "-E", "0.5", "-I", "6319", "-O", "5703:g2018", "-q")
	require.Equal(t, 0, code, stderr)

	_, err := os.Stat(filepath.Join(dir, "vshift_6319_5703_g2018.tif"))
	assert.NoError(t, err)
}

func TestRun_DEM(t *testing.T) {
	setupCatalog(t)
	dir := t.TempDir()

	region, err := grid.NewRegion(-95.5, -94.5, 28.5, 29.5, 4, 4)
	require.NoError(t, err)
	elev := make([]float64, region.Cells())
	for i := range elev {
		elev[i] = 10
	}
	elev[5] = math.NaN()
	var buf bytes.Buffer
	require.NoError(t, rasterio.WriteGeoTIFF(&buf, region, [][]float64{elev}, rasterio.DefaultWriteOptions))
	demPath := filepath.Join(dir, "dem.tif")
	require.NoError(t, os.WriteFile(demPath, buf.Bytes(), 0o644))

	code, _, stderr := runCLI(t, "--dem", demPath, "-I", "6319", "-O", "5703", "-D", filepath.Join(dir, "cache"))
	require.Equal(t, 0, code, stderr)

	out, err := applier.ReadDEM(filepath.Join(dir, "dem_trans_5703.tif"))
	require.NoError(t, err)
	require.True(t, out.Region.SameGrid(region))
	for i, v := range out.Data {
		if i == 5 {
			assert.True(t, math.IsNaN(v), "no-data must propagate")
			continue
		}
		assert.InDelta(t, 27.5, math.Abs(v-10), 1e-4)
	}
}

func TestRun_PartialCoverageWarns(t *testing.T) {
	setupCatalog(t)
	dir := t.TempDir()

	code, _, stderr := runCLI(t,
		"-R", "-94.5/-93.5/28.5/29.5", "-E", "0.25",
		"-I", "6319", "-O", "5703",
		"--output", filepath.Join(dir, "partial.tif"), "-D", filepath.Join(dir, "cache"),
	)
	require.Equal(t, 0, code, stderr)
	assert.Contains(t, stderr, "partially resolved")
}

func TestRun_Failures(t *testing.T) {
	setupCatalog(t)
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache")

	tests := []struct {
		name string
		args []string
	}{
		{"no region or dem", []string{"-I", "6319", "-O", "5703"}},
		{"region without increment", []string{"-R", "-95.5/-94.5/28.5/29.5"}},
		{"unsupported datum", []string{"-R", "-95.5/-94.5/28.5/29.5", "-E", "0.25", "-I", "424242", "-O", "5703", "-D", cache}},
		{"nothing resolves", []string{"-R", "10/11/10/11", "-E", "0.25", "-I", "6319", "-O", "5703", "-D", cache, "--output", filepath.Join(dir, "x.tif")}},
		{"missing dem", []string{"--dem", filepath.Join(dir, "nope.tif"), "-D", cache}},
		{"bad epoch", []string{"--epoch-in", "soon"}},
		{"nan epoch", []string{"-R", "-95.5/-94.5/28.5/29.5", "-E", "0.25", "-I", "6319", "-O", "6319", "--epoch-in", "nan", "-D", cache}},
		{"nan epoch modifier", []string{"-R", "-95.5/-94.5/28.5/29.5", "-E", "0.25", "-I", "6319:nan", "-O", "6319", "-D", cache}},
		{"tidal step without sources", []string{"-R", "-95.5/-94.5/28.5/29.5", "-E", "0.25", "-I", "5866", "-O", "5703", "-D", cache, "--output", filepath.Join(dir, "t.tif")}},
		{"stray argument", []string{"-R", "0/1/0/1", "-E", "1", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := runCLI(t, tt.args...)
			assert.Equal(t, 1, code)
			assert.Contains(t, stderr, "vshift:")
		})
	}
}

func TestRun_RunScopedCacheRemoved(t *testing.T) {
	setupCatalog(t)
	dir := t.TempDir()
	cache := filepath.Join(dir, "cache")

	code, _, stderr := runCLI(t,
		"-R", "-95.5/-94.5/28.5/29.5", "-E", "0.5", "-I", "6319", "-O", "5703",
		"--output", filepath.Join(dir, "out.tif"), "-D", cache,
	)
	require.Equal(t, 0, code, stderr)

	entries, err := os.ReadDir(cache)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRun_List(t *testing.T) {
	code, stdout, _ := runCLI(t, "-l")
	require.Equal(t, 0, code)
	for _, want := range []string{"tidal:", "orthometric:", "5703", "geoids:", "g2018"} {
		assert.Contains(t, stdout, want)
	}
}

func TestOptionalFloat(t *testing.T) {
	var f optionalFloat
	assert.Equal(t, "", f.String())
	require.NoError(t, f.Set("2010.5"))
	require.NotNil(t, f.value)
	assert.Equal(t, 2010.5, *f.value)
	assert.Equal(t, "2010.5", f.String())
	assert.Error(t, f.Set("x"))
}

func TestPrepareCacheDir(t *testing.T) {
	base := t.TempDir()

	dir, cleanup, err := prepareCacheDir(&options{cacheDir: base, keepCache: true}, "")
	require.NoError(t, err)
	cleanup()
	assert.Equal(t, base, dir)
	_, err = os.Stat(base)
	assert.NoError(t, err)

	dir, cleanup, err = prepareCacheDir(&options{}, base)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(dir, base))
	cleanup()
	_, err = os.Stat(dir)
	assert.True(t, os.IsNotExist(err))
}
