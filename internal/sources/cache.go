package sources

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/paulmach/orb"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"vshift/internal/grid"
	"vshift/internal/metrics"
	"vshift/internal/rasterio"
	"vshift/internal/types"
)

// Default fragment cache sizing.
const (
	DefaultCacheEntries = 256
	DefaultCacheTTL     = time.Hour
)

// fragmentLoadTimeout bounds a shared load. The load outlives the caller that
// started it so that other callers waiting on the same key are not cancelled
// with it.
const fragmentLoadTimeout = 5 * time.Minute

// fragmentTileDeg is the tile size windowed reads are snapped to, so nearby
// requests share cache entries.
const fragmentTileDeg = 0.25

// Tier is a slower cache level below the in-memory LRU. Values are opaque
// compressed fragments.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
}

// CacheOptions configures a FragmentCache.
type CacheOptions struct {
	MaxEntries int
	TTL        time.Duration
	Tiers      []Tier
	Clock      types.Clock
	Metrics    metrics.Recorder
	Logger     *slog.Logger
}

type cacheEntry struct {
	key     string
	raster  *grid.Raster
	expires time.Time
}

// FragmentCache holds decoded source rasters keyed by source identity and
// extent. It is shared by every request in the process. Concurrent misses for
// one key trigger a single load. Cached rasters are shared and must be
// treated as read-only.
type FragmentCache struct {
	mu         sync.Mutex
	ll         *list.List
	items      map[string]*list.Element
	maxEntries int
	ttl        time.Duration

	tiers   []Tier
	group   singleflight.Group
	clock   types.Clock
	metrics metrics.Recorder
	logger  *slog.Logger

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewFragmentCache creates a cache. Zero sizing fields use the defaults.
func NewFragmentCache(opts CacheOptions) *FragmentCache {
	if opts.MaxEntries <= 0 {
		opts.MaxEntries = DefaultCacheEntries
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = types.RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		// This should never fail with nil output and default options.
		panic(fmt.Sprintf("failed to create zstd encoder: %v", err))
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("failed to create zstd decoder: %v", err))
	}
	return &FragmentCache{
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		maxEntries: opts.MaxEntries,
		ttl:        opts.TTL,
		tiers:      opts.Tiers,
		clock:      opts.Clock,
		metrics:    metrics.OrNoop(opts.Metrics),
		logger:     opts.Logger,
		encoder:    enc,
		decoder:    dec,
	}
}

// Get returns the raster cached under key, loading it with load on a miss.
// Load errors are not cached. A caller whose ctx ends stops waiting, but the
// load it started keeps running for the other callers of the same key.
func (c *FragmentCache) Get(ctx context.Context, key string, load func(context.Context) (*grid.Raster, error)) (*grid.Raster, error) {
	if r, ok := c.lookup(key); ok {
		c.metrics.RecordCacheLookup(ctx, true)
		return r, nil
	}
	c.metrics.RecordCacheLookup(ctx, false)

	ch := c.group.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), fragmentLoadTimeout)
		defer cancel()

		if r, ok := c.lookup(key); ok {
			return r, nil
		}
		if r, ok := c.fromTiers(loadCtx, key); ok {
			c.store(key, r)
			return r, nil
		}
		r, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		c.store(key, r)
		c.toTiers(loadCtx, key, r)
		return r, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*grid.Raster), nil
	}
}

// Len returns the number of in-memory entries.
func (c *FragmentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *FragmentCache) lookup(key string) (*grid.Raster, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if !c.clock.Now().Before(e.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return e.raster, true
}

func (c *FragmentCache) store(key string, r *grid.Raster) {
	c.mu.Lock()
	defer c.mu.Unlock()
	expires := c.clock.Now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*cacheEntry)
		e.raster, e.expires = r, expires
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&cacheEntry{key: key, raster: r, expires: expires})
	for c.ll.Len() > c.maxEntries {
		oldest := c.ll.Back()
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*cacheEntry).key)
	}
}

func (c *FragmentCache) fromTiers(ctx context.Context, key string) (*grid.Raster, bool) {
	for i, t := range c.tiers {
		data, ok, err := t.Get(ctx, key)
		if err != nil {
			c.logger.WarnContext(ctx, "fragment tier read failed", "tier", i, "key", key, "error", err)
			continue
		}
		if !ok {
			continue
		}
		r, err := c.decode(data)
		if err != nil {
			c.logger.WarnContext(ctx, "discarding corrupt fragment", "tier", i, "key", key, "error", err)
			continue
		}
		// Promote into the faster tiers that missed.
		for _, upper := range c.tiers[:i] {
			if err := upper.Set(ctx, key, data); err != nil {
				c.logger.WarnContext(ctx, "fragment tier write failed", "key", key, "error", err)
			}
		}
		return r, true
	}
	return nil, false
}

func (c *FragmentCache) toTiers(ctx context.Context, key string, r *grid.Raster) {
	if len(c.tiers) == 0 {
		return
	}
	data, err := c.encode(r)
	if err != nil {
		c.logger.WarnContext(ctx, "encoding fragment failed", "key", key, "error", err)
		return
	}
	for i, t := range c.tiers {
		if err := t.Set(ctx, key, data); err != nil {
			c.logger.WarnContext(ctx, "fragment tier write failed", "tier", i, "key", key, "error", err)
		}
	}
}

// encode serializes a raster as a zstd-compressed single-band float64
// GeoTIFF, so a tier hit returns the values a fresh load would.
func (c *FragmentCache) encode(r *grid.Raster) ([]byte, error) {
	opts := rasterio.WriteOptions{NoData: grid.NoDataValue, Float64: true}
	if r.HasNoData {
		opts.NoData = r.NoData
	}
	var buf bytes.Buffer
	if err := rasterio.WriteGeoTIFF(&buf, r.Region, [][]float64{r.Data}, opts); err != nil {
		return nil, err
	}
	return c.encoder.EncodeAll(buf.Bytes(), nil), nil
}

func (c *FragmentCache) decode(data []byte) (*grid.Raster, error) {
	raw, err := c.decoder.DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	img, err := rasterio.ReadGeoTIFF(raw)
	if err != nil {
		return nil, err
	}
	if len(img.Bands) != 1 {
		return nil, fmt.Errorf("fragment has %d bands", len(img.Bands))
	}
	return img.Bands[0], nil
}

// FragmentKey builds the cache key of a source object. Whole-file formats
// pass a nil bound; windowed reads pass the bound they read, already snapped
// with snapBound.
func FragmentKey(sourceID, uri string, bound *orb.Bound) string {
	if bound == nil {
		return fmt.Sprintf("%s|%s|full", sourceID, uri)
	}
	return fmt.Sprintf("%s|%s|%g/%g/%g/%g", sourceID, uri,
		bound.Min[0], bound.Max[0], bound.Min[1], bound.Max[1])
}

// snapBound grows b outward to whole fragment tiles.
func snapBound(b orb.Bound) orb.Bound {
	down := func(v float64) float64 { return math.Floor(v/fragmentTileDeg) * fragmentTileDeg }
	up := func(v float64) float64 { return math.Ceil(v/fragmentTileDeg) * fragmentTileDeg }
	return orb.Bound{
		Min: orb.Point{down(b.Min[0]), down(b.Min[1])},
		Max: orb.Point{up(b.Max[0]), up(b.Max[1])},
	}
}

// RedisClient is the subset of go-redis used by RedisTier.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// RedisTier shares fragments between processes through Redis.
type RedisTier struct {
	client RedisClient
	prefix string
	ttl    time.Duration
}

// NewRedisTier creates a tier storing keys under prefix with the given TTL.
func NewRedisTier(client RedisClient, prefix string, ttl time.Duration) *RedisTier {
	return &RedisTier{client: client, prefix: prefix, ttl: ttl}
}

func (t *RedisTier) redisKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return t.prefix + hex.EncodeToString(sum[:])
}

func (t *RedisTier) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := t.client.Get(ctx, t.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *RedisTier) Set(ctx context.Context, key string, value []byte) error {
	return t.client.Set(ctx, t.redisKey(key), value, t.ttl).Err()
}

// DirTier keeps fragments as files in a directory so that CLI runs can reuse
// downloads.
type DirTier struct {
	dir string
}

// NewDirTier creates the directory if needed.
func NewDirTier(dir string) (*DirTier, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}
	return &DirTier{dir: dir}, nil
}

// Dir returns the cache directory.
func (t *DirTier) Dir() string { return t.dir }

func (t *DirTier) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(t.dir, hex.EncodeToString(sum[:])+".gtx.zst")
}

func (t *DirTier) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(t.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (t *DirTier) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(t.dir, "fragment-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), t.path(key))
}
