package db

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/paulmach/orb"

	"vshift/internal/types"
)

// GridCatalogRepository serves the grid_sources table as a source catalog.
// Each row carries the bounding box of its grid so the lookup can prune by
// intersection in SQL; the optional coverage ring is stored as JSONB.
//
//	grid_sources(id text primary key, dataset text, uri text, mirrors text[],
//	             uncertainty_uri text, format text, priority int,
//	             resolution double precision, published_at timestamptz,
//	             uncertainty double precision, coverage jsonb,
//	             west, east, south, north double precision)
type GridCatalogRepository struct {
	db DBTX
}

func NewGridCatalogRepository(db DBTX) *GridCatalogRepository {
	return &GridCatalogRepository{db: db}
}

const gridSourceColumns = `id, dataset, uri, mirrors, uncertainty_uri, format,
	priority, resolution, published_at, uncertainty, coverage`

func scanGridSource(row pgx.Row) (types.GridSource, error) {
	var (
		s              types.GridSource
		mirrors        []string
		uncertaintyURI *string
		format         *string
		published      *time.Time
		coverage       [][2]float64
	)
	err := row.Scan(
		&s.ID,
		&s.Dataset,
		&s.URI,
		&mirrors,
		&uncertaintyURI,
		&format,
		&s.Priority,
		&s.Resolution,
		&published,
		&s.Uncertainty,
		&coverage,
	)
	if err != nil {
		return types.GridSource{}, err
	}
	s.Mirrors = mirrors
	if uncertaintyURI != nil {
		s.UncertaintyURI = *uncertaintyURI
	}
	if format != nil {
		s.Format = *format
	}
	if published != nil {
		s.Published = *published
	}
	s.CoverageRing = coverage
	s.BuildCoverage()
	return s, nil
}

// Lookup returns the sources of dataset whose bounding box intersects bound,
// sorted by ID. Dataset names match case-insensitively.
func (r *GridCatalogRepository) Lookup(ctx context.Context, dataset string, bound orb.Bound) ([]types.GridSource, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+gridSourceColumns+`
		 FROM grid_sources
		 WHERE lower(dataset) = $1
		   AND west < $2 AND east > $3
		   AND south < $4 AND north > $5
		 ORDER BY id`,
		strings.ToLower(dataset),
		bound.Max.X(), bound.Min.X(),
		bound.Max.Y(), bound.Min.Y(),
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to look up grid sources", err)
	}
	defer rows.Close()

	var out []types.GridSource
	for rows.Next() {
		s, scanErr := scanGridSource(rows)
		if scanErr != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan grid source row", scanErr)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating grid source rows", err)
	}
	return out, nil
}

// Upsert registers or replaces a source. bound is the extent of the grid.
func (r *GridCatalogRepository) Upsert(ctx context.Context, s types.GridSource, bound orb.Bound) error {
	var published *time.Time
	if !s.Published.IsZero() {
		published = &s.Published
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO grid_sources (id, dataset, uri, mirrors, uncertainty_uri, format,
		 priority, resolution, published_at, uncertainty, coverage, west, east, south, north)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		 ON CONFLICT (id) DO UPDATE SET
		     dataset = EXCLUDED.dataset, uri = EXCLUDED.uri, mirrors = EXCLUDED.mirrors,
		     uncertainty_uri = EXCLUDED.uncertainty_uri, format = EXCLUDED.format,
		     priority = EXCLUDED.priority, resolution = EXCLUDED.resolution,
		     published_at = EXCLUDED.published_at, uncertainty = EXCLUDED.uncertainty,
		     coverage = EXCLUDED.coverage, west = EXCLUDED.west, east = EXCLUDED.east,
		     south = EXCLUDED.south, north = EXCLUDED.north`,
		s.ID, s.Dataset, s.URI, s.Mirrors, nilIfEmpty(s.UncertaintyURI), nilIfEmpty(s.Format),
		s.Priority, s.Resolution, published, s.Uncertainty, s.CoverageRing,
		bound.Min.X(), bound.Max.X(), bound.Min.Y(), bound.Max.Y(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to upsert grid source", err)
	}
	return nil
}
