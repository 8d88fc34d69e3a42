// Package sources implements the Source Grid Provider: it finds the grids
// that cover a step's region, downloads and decodes them through a shared
// fragment cache, and resamples each onto the caller's grid.
package sources

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"vshift/internal/types"
)

// Catalog finds the source grids of a dataset whose coverage may intersect
// bound. Implementations return sources sorted by ID.
type Catalog interface {
	Lookup(ctx context.Context, dataset string, bound orb.Bound) ([]types.GridSource, error)
}

// StaticCatalog is an in-memory catalog.
type StaticCatalog struct {
	byDataset map[string][]types.GridSource
}

// NewStaticCatalog indexes sources by dataset. Coverage rings are compiled.
func NewStaticCatalog(sources []types.GridSource) *StaticCatalog {
	c := &StaticCatalog{byDataset: make(map[string][]types.GridSource)}
	for _, s := range sources {
		if s.Coverage == nil {
			s.BuildCoverage()
		}
		key := strings.ToLower(s.Dataset)
		c.byDataset[key] = append(c.byDataset[key], s)
	}
	for _, list := range c.byDataset {
		sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	}
	return c
}

// Lookup implements Catalog.
func (c *StaticCatalog) Lookup(_ context.Context, dataset string, bound orb.Bound) ([]types.GridSource, error) {
	return filterSources(c.byDataset[strings.ToLower(dataset)], bound), nil
}

// Sources returns every catalogued source ordered by ID.
func (c *StaticCatalog) Sources() []types.GridSource {
	out := make([]types.GridSource, 0, c.Len())
	for _, list := range c.byDataset {
		out = append(out, list...)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of catalogued sources.
func (c *StaticCatalog) Len() int {
	n := 0
	for _, list := range c.byDataset {
		n += len(list)
	}
	return n
}

// manifest is the YAML catalog file layout.
type manifest struct {
	Sources []types.GridSource `yaml:"sources" validate:"dive"`
}

// LoadYAMLCatalog reads a catalog manifest from path.
func LoadYAMLCatalog(path string) (*StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}
	defer f.Close()
	return ParseYAMLCatalog(f)
}

// ParseYAMLCatalog decodes and validates a catalog manifest:
//
//	sources:
//	  - id: g2018_conus
//	    dataset: g2018
//	    uri: s3://grids/geoid/us_noaa_g2018u0.tif
//	    mirrors: [https://cdn.proj.org/us_noaa_g2018u0.tif]
//	    priority: 10
//	    resolution: 0.0166667
//	    published: 2019-01-01
//	    uncertainty: 0.0127
//	    coverage: [[-130, 24], [-60, 24], [-60, 58], [-130, 58]]
func ParseYAMLCatalog(r io.Reader) (*StaticCatalog, error) {
	var m manifest
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decoding catalog: %w", err)
	}
	if err := validator.New().Struct(m); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	seen := make(map[string]bool, len(m.Sources))
	for i, s := range m.Sources {
		if seen[s.ID] {
			return nil, fmt.Errorf("invalid catalog: duplicate source id %q", s.ID)
		}
		seen[s.ID] = true
		if n := len(s.CoverageRing); n > 0 && n < 3 {
			return nil, fmt.Errorf("invalid catalog: source %q coverage needs at least 3 vertices", s.ID)
		}
		m.Sources[i].BuildCoverage()
	}
	return NewStaticCatalog(m.Sources), nil
}

// filterSources keeps sources whose coverage bound intersects bound. Sources
// without coverage are always kept; their extent is only known after decode.
func filterSources(list []types.GridSource, bound orb.Bound) []types.GridSource {
	out := make([]types.GridSource, 0, len(list))
	for _, s := range list {
		if len(s.Coverage) == 0 || boundsIntersect(s.Coverage.Bound(), bound) {
			out = append(out, s)
		}
	}
	return out
}

// boundsIntersect compares two lon/lat bounds, trying ±360 shifts so that
// 0..360 coverages match -180..180 regions.
func boundsIntersect(a, b orb.Bound) bool {
	for _, shift := range []float64{0, 360, -360} {
		shifted := orb.Bound{
			Min: orb.Point{b.Min[0] + shift, b.Min[1]},
			Max: orb.Point{b.Max[0] + shift, b.Max[1]},
		}
		if a.Intersects(shifted) {
			return true
		}
	}
	return false
}
