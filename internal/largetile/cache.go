package largetile

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"gorm.io/gorm"

	"havenmapper/internal/apperr"
	"havenmapper/internal/config"
	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
	"havenmapper/internal/models"
	"havenmapper/internal/tilemath"
	"havenmapper/internal/utils"
)

// evictFraction is the share of memory entries dropped in one eviction pass.
const evictFraction = 10

type tileKey struct {
	TenantID string
	MapID    int
	Zoom     int
	X, Y     int
}

func (k tileKey) String() string {
	return fmt.Sprintf("%s/%d/%d/%d_%d", k.TenantID, k.MapID, k.Zoom, k.X, k.Y)
}

type memEntry struct {
	data       []byte
	lastAccess int64
}

// future is the in-flight slot for one tile generation. Waiters block on done;
// data is nil when the tile has no content.
type future struct {
	done chan struct{}
	data []byte
	err  error
}

// Cache serves 400x400 large tiles for tenant maps, generated on demand from
// the catalog's 100x100 base tiles. Three layers back it: an in-memory LRU,
// a negative cache for coordinates known to be empty, and the tile files on
// disk. Concurrent requests for the same missing tile coalesce into a single
// generation, and zoom-0 generations (the only ones touching the catalog) run
// behind a weighted semaphore.
type Cache struct {
	log *logger.Logger
	db  *gorm.DB
	cfg *config.Config

	mu       sync.Mutex
	memory   map[tileKey]*memEntry
	negative map[tileKey]time.Time
	inflight map[tileKey]*future
	clock    int64

	catalogSem *semaphore.Weighted

	statsMu sync.Mutex
	stats   map[string]*tenantStats
}

type tenantStats struct {
	MemoryHits   int64
	DiskHits     int64
	NegativeHits int64
	Generated    int64
	Empty        int64
}

func NewCache(log *logger.Logger, db *gorm.DB, cfg *config.Config) *Cache {
	return &Cache{
		log:        log.With("component", "largetile"),
		db:         db,
		cfg:        cfg,
		memory:     make(map[tileKey]*memEntry),
		negative:   make(map[tileKey]time.Time),
		inflight:   make(map[tileKey]*future),
		catalogSem: semaphore.NewWeighted(int64(cfg.CatalogSemaphore)),
		stats:      make(map[string]*tenantStats),
	}
}

// GetOrGenerate returns the WebP bytes of one large tile, producing it when
// absent from every layer. A (nil, nil) return means the coordinate has no
// content; callers map it to 404.
func (c *Cache) GetOrGenerate(ctx context.Context, tenantID string, mapID, zoom, x, y int) ([]byte, error) {
	if zoom < 0 || zoom > tilemath.MaxZoom {
		return nil, apperr.InvalidArgument("zoom %d out of range 0..%d", zoom, tilemath.MaxZoom)
	}
	k := tileKey{TenantID: tenantID, MapID: mapID, Zoom: zoom, X: x, Y: y}

	c.mu.Lock()
	if e, ok := c.memory[k]; ok {
		c.clock++
		e.lastAccess = c.clock
		c.mu.Unlock()
		c.bump(tenantID, func(s *tenantStats) { s.MemoryHits++ })
		return e.data, nil
	}
	if until, ok := c.negative[k]; ok {
		if time.Now().Before(until) {
			c.mu.Unlock()
			c.bump(tenantID, func(s *tenantStats) { s.NegativeHits++ })
			return nil, nil
		}
		delete(c.negative, k)
	}
	if f, ok := c.inflight[k]; ok {
		c.mu.Unlock()
		select {
		case <-f.done:
			return f.data, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &future{done: make(chan struct{})}
	c.inflight[k] = f
	c.mu.Unlock()

	f.data, f.err = c.loadOrGenerate(ctx, k)
	close(f.done)

	c.mu.Lock()
	delete(c.inflight, k)
	if f.err == nil {
		if f.data != nil {
			c.storeLocked(k, f.data)
		} else {
			c.storeNegativeLocked(k)
		}
	}
	c.mu.Unlock()
	return f.data, f.err
}

func (c *Cache) loadOrGenerate(ctx context.Context, k tileKey) ([]byte, error) {
	if data, err := os.ReadFile(c.tilePath(k)); err == nil {
		c.bump(k.TenantID, func(s *tenantStats) { s.DiskHits++ })
		return data, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, apperr.Internal("read large tile", err)
	}

	var img *image.NRGBA
	var err error
	if k.Zoom == 0 {
		if err := c.catalogSem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		img, err = c.generateZoom0(ctx, k)
		c.catalogSem.Release(1)
	} else {
		img, err = c.generateFromChildren(ctx, k)
	}
	if err != nil {
		return nil, err
	}
	if img == nil {
		c.bump(k.TenantID, func(s *tenantStats) { s.Empty++ })
		return nil, nil
	}

	data, err := imaging.EncodeWebP(img, float32(c.cfg.WebPQuality))
	if err != nil {
		return nil, apperr.Internal("encode large tile", err)
	}
	if err := utils.WriteFileAtomic(c.tilePath(k), data); err != nil {
		return nil, apperr.Internal("write large tile", err)
	}
	c.bump(k.TenantID, func(s *tenantStats) { s.Generated++ })
	return data, nil
}

// generateZoom0 composes one large tile from the 4x4 block of catalog base
// tiles it covers. Returns nil when the block is entirely empty.
func (c *Cache) generateZoom0(ctx context.Context, k tileKey) (*image.NRGBA, error) {
	minGX := k.X * tilemath.GridsPerTile
	minGY := k.Y * tilemath.GridsPerTile
	maxGX := minGX + tilemath.GridsPerTile - 1
	maxGY := minGY + tilemath.GridsPerTile - 1

	var tiles []models.Tile
	if err := c.db.WithContext(ctx).
		Where("tenant_id = ? AND map_id = ? AND zoom = 0", k.TenantID, k.MapID).
		Where("coord_x BETWEEN ? AND ? AND coord_y BETWEEN ? AND ?", minGX, maxGX, minGY, maxGY).
		Find(&tiles).Error; err != nil {
		return nil, apperr.Internal("load base tiles", err)
	}
	if len(tiles) == 0 {
		return nil, nil
	}

	canvas := imaging.NewCanvas(tilemath.TileSize, tilemath.TileSize)
	drawn := 0
	for _, tl := range tiles {
		src, err := imaging.LoadFile(filepath.Join(c.cfg.GridStorage, filepath.FromSlash(tl.File)))
		if err != nil {
			c.log.Warn("base tile unreadable", "tile", k.String(), "file", tl.File, "error", err)
			continue
		}
		px := (tl.CoordX - minGX) * tilemath.GridSize
		py := (tl.CoordY - minGY) * tilemath.GridSize
		rect := image.Rect(px, py, px+tilemath.GridSize, py+tilemath.GridSize)
		draw.Draw(canvas, rect, src, src.Bounds().Min, draw.Src)
		drawn++
	}
	if drawn == 0 {
		return nil, nil
	}
	return canvas, nil
}

// generateFromChildren composes a tile from its four children one level down,
// each scaled to a 200x200 quadrant. Children recurse through GetOrGenerate
// so their own caches apply; the catalog semaphore is only taken at zoom 0.
func (c *Cache) generateFromChildren(ctx context.Context, k tileKey) (*image.NRGBA, error) {
	canvas := imaging.NewCanvas(tilemath.TileSize, tilemath.TileSize)
	half := tilemath.TileSize / 2
	present := 0
	for dy := 0; dy < 2; dy++ {
		for dx := 0; dx < 2; dx++ {
			data, err := c.GetOrGenerate(ctx, k.TenantID, k.MapID, k.Zoom-1, k.X*2+dx, k.Y*2+dy)
			if err != nil {
				return nil, err
			}
			if data == nil {
				continue
			}
			child, err := imaging.Decode(data)
			if err != nil {
				return nil, apperr.Internal("decode child tile", err)
			}
			scaled := imaging.ScaleNearest(child, half, half)
			rect := image.Rect(dx*half, dy*half, dx*half+half, dy*half+half)
			draw.Draw(canvas, rect, scaled, image.Point{}, draw.Src)
			present++
		}
	}
	if present == 0 {
		return nil, nil
	}
	return canvas, nil
}

// MarkDirty invalidates the large-tile stack covering one base grid: the
// zoom-0 tile containing it and its ancestors up to the top level, across
// memory, negative cache and disk. Called after a grid upload; idempotent.
func (c *Cache) MarkDirty(tenantID string, mapID, gridX, gridY int) {
	x, y := tilemath.BlockParent(gridX, gridY)
	c.mu.Lock()
	for zoom := 0; zoom <= tilemath.MaxZoom; zoom++ {
		k := tileKey{TenantID: tenantID, MapID: mapID, Zoom: zoom, X: x, Y: y}
		delete(c.memory, k)
		delete(c.negative, k)
		if err := os.Remove(c.tilePath(k)); err != nil && !errors.Is(err, os.ErrNotExist) {
			c.log.Warn("dirty tile removal failed", "tile", k.String(), "error", err)
		}
		x, y = tilemath.Parent(x, y)
	}
	c.mu.Unlock()
}

// storeLocked inserts into the memory layer and bulk-evicts the least recently
// used tenth when over capacity. Caller holds mu.
func (c *Cache) storeLocked(k tileKey, data []byte) {
	c.clock++
	c.memory[k] = &memEntry{data: data, lastAccess: c.clock}
	if len(c.memory) <= c.cfg.LargeTileMemoryEntries {
		return
	}

	type aged struct {
		key tileKey
		at  int64
	}
	entries := make([]aged, 0, len(c.memory))
	for key, e := range c.memory {
		entries = append(entries, aged{key, e.lastAccess})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at < entries[j].at })
	drop := len(c.memory) / evictFraction
	if drop < 1 {
		drop = 1
	}
	for _, e := range entries[:drop] {
		delete(c.memory, e.key)
	}
}

func (c *Cache) storeNegativeLocked(k tileKey) {
	if len(c.negative) >= c.cfg.NegativeCacheEntries {
		now := time.Now()
		for key, until := range c.negative {
			if now.After(until) {
				delete(c.negative, key)
			}
		}
		// Still full of live entries: drop arbitrarily rather than grow.
		for key := range c.negative {
			if len(c.negative) < c.cfg.NegativeCacheEntries {
				break
			}
			delete(c.negative, key)
		}
	}
	c.negative[k] = time.Now().Add(c.cfg.NegativeCacheTTL)
}

func (c *Cache) tilePath(k tileKey) string {
	return filepath.Join(c.cfg.GridStorage, "tenants", k.TenantID, "large",
		fmt.Sprint(k.MapID), fmt.Sprint(k.Zoom), imaging.TileFileName(k.X, k.Y))
}

func (c *Cache) bump(tenantID string, fn func(*tenantStats)) {
	c.statsMu.Lock()
	s, ok := c.stats[tenantID]
	if !ok {
		s = &tenantStats{}
		c.stats[tenantID] = s
	}
	fn(s)
	c.statsMu.Unlock()
}

// snapshotStats copies and resets the per-tenant counters.
func (c *Cache) snapshotStats() map[string]tenantStats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	out := make(map[string]tenantStats, len(c.stats))
	for tenant, s := range c.stats {
		out[tenant] = *s
	}
	c.stats = make(map[string]*tenantStats)
	return out
}
