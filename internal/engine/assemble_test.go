package engine

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vshift/internal/config"
	"vshift/internal/db"
	"vshift/internal/external"
	"vshift/internal/grid"
	"vshift/internal/metrics"
	"vshift/internal/rasterio"
	"vshift/internal/sources"
	"vshift/internal/types"
)

// fakeDB only has to be non-nil; catalog selection never queries it.
type fakeDB struct{ db.DBTX }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Server.MaxGridCells = types.DefaultMaxGridCells
	cfg.Cache.MaxEntries = 16
	cfg.Engine.FetchConcurrency = 2
	cfg.Engine.FeatherCells = 2
	cfg.Catalog.GridPrefix = "grids/"
	return cfg
}

// writeGeoidFixture writes a constant g2018 grid over the Houston area and
// a manifest pointing at it.
func writeGeoidFixture(t *testing.T, value float64) string {
	t.Helper()
	dir := t.TempDir()

	region, err := grid.NewRegion(-96, -94, 28, 30, 9, 9)
	require.NoError(t, err)
	values := make([]float64, region.Cells())
	for i := range values {
		values[i] = value
	}
	gridPath := filepath.Join(dir, "g2018_houston.gtx")
	f, err := os.Create(gridPath)
	require.NoError(t, err)
	require.NoError(t, rasterio.WriteGTX(f, region, values))
	require.NoError(t, f.Close())

	manifest := fmt.Sprintf("sources:\n  - id: g2018_houston\n    dataset: g2018\n    uri: %s\n    priority: 1\n", gridPath)
	path := filepath.Join(dir, "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o644))
	return path
}

func TestNewCatalog_Selection(t *testing.T) {
	manifest := writeGeoidFixture(t, -27.5)
	s3Client := s3.New(s3.Options{Region: "us-east-1"})

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		deps    Deps
		want    string
		wantErr bool
	}{
		{
			name:   "manifest wins over everything",
			mutate: func(c *config.Config) { c.Catalog.Path = manifest; c.Catalog.GridBucket = "grids" },
			deps:   Deps{DB: fakeDB{}, Clients: &external.ClientRegistry{S3: s3Client}},
			want:   "yaml",
		},
		{
			name:   "database before bucket",
			mutate: func(c *config.Config) { c.Catalog.GridBucket = "grids" },
			deps:   Deps{DB: fakeDB{}, Clients: &external.ClientRegistry{S3: s3Client}},
			want:   "postgres",
		},
		{
			name:   "bucket listing",
			mutate: func(c *config.Config) { c.Catalog.GridBucket = "grids" },
			deps:   Deps{Clients: &external.ClientRegistry{S3: s3Client}},
			want:   "s3",
		},
		{
			name:    "bucket without client",
			mutate:  func(c *config.Config) { c.Catalog.GridBucket = "grids" },
			deps:    Deps{Clients: &external.ClientRegistry{}},
			wantErr: true,
		},
		{
			name:    "nothing configured",
			mutate:  func(*config.Config) {},
			wantErr: true,
		},
		{
			name:    "unreadable manifest",
			mutate:  func(c *config.Config) { c.Catalog.Path = filepath.Join(t.TempDir(), "missing.yaml") },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			cat, kind, err := NewCatalog(cfg, tt.deps)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, cat)
			assert.Equal(t, tt.want, kind)
		})
	}
}

func TestNewCatalog_PostgresIsCatalog(t *testing.T) {
	cat, _, err := NewCatalog(testConfig(), Deps{DB: fakeDB{}})
	require.NoError(t, err)
	_, ok := cat.(*db.GridCatalogRepository)
	assert.True(t, ok, "got %T", cat)

	var _ sources.Catalog = cat
}

func TestNewRecorder(t *testing.T) {
	cfg := testConfig()

	cfg.Observability.MetricsBackend = "none"
	rec, h, err := NewRecorder(cfg, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, metrics.Noop{}, rec)
	assert.Nil(t, h)

	cfg.Observability.MetricsBackend = "prometheus"
	rec, h, err = NewRecorder(cfg, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, h)
	rec.RecordCacheLookup(context.Background(), true)

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	cfg.Observability.MetricsBackend = "cloudwatch"
	_, _, err = NewRecorder(cfg, &external.ClientRegistry{}, nil)
	assert.Error(t, err)
}

func TestFromConfig_BuildsFromManifest(t *testing.T) {
	cfg := testConfig()
	cfg.Catalog.Path = writeGeoidFixture(t, -27.5)

	e, err := FromConfig(cfg, Deps{Clients: &external.ClientRegistry{}})
	require.NoError(t, err)

	plan, err := e.PlanRequest(types.ShiftGridRequest{
		Region:    "-95.5/-94.5/28.5/29.5",
		Increment: "0.25",
		DatumIn:   "6319",
		DatumOut:  "5703",
	})
	require.NoError(t, err)

	res, err := e.Build(context.Background(), plan, false)
	require.NoError(t, err)
	assert.False(t, res.Shift.Incomplete)
	assert.InDelta(t, 1.0, res.Shift.ResolvedFraction(), 1e-9)
	assert.InDelta(t, 27.5, math.Abs(res.Stats.Mean), 1e-6)
}

func TestFromConfig_NoCatalog(t *testing.T) {
	_, err := FromConfig(testConfig(), Deps{})
	assert.Error(t, err)
}
