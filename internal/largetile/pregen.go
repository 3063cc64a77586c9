package largetile

import (
	"context"
	"math/rand"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"havenmapper/internal/apperr"
	"havenmapper/internal/models"
	"havenmapper/internal/tilemath"
)

// statsEvery controls how many pre-generator cycles pass between stats logs.
const statsEvery = 10

// GenerateMissingTiles walks every tenant map and fills in large tiles that
// base tiles exist for but no file on disk covers. Zoom 0 is derived from one
// bulk catalog query per map; higher zooms come from the level below on disk,
// so the catalog is not touched again.
func (c *Cache) GenerateMissingTiles(ctx context.Context) (int, error) {
	var maps []models.TenantMap
	if err := c.db.WithContext(ctx).Find(&maps).Error; err != nil {
		return 0, apperr.Internal("list tenant maps", err)
	}

	total := 0
	for _, m := range maps {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		n, err := c.generateMissingForMap(ctx, m.TenantID, m.MapID)
		if err != nil {
			c.log.Warn("pre-generation failed for map", "tenant", m.TenantID, "map", m.MapID, "error", err)
			continue
		}
		total += n
	}
	return total, nil
}

func (c *Cache) generateMissingForMap(ctx context.Context, tenantID string, mapID int) (int, error) {
	var tiles []models.Tile
	if err := c.db.WithContext(ctx).
		Select("coord_x", "coord_y").
		Where("tenant_id = ? AND map_id = ? AND zoom = 0", tenantID, mapID).
		Find(&tiles).Error; err != nil {
		return 0, apperr.Internal("list base tiles", err)
	}
	if len(tiles) == 0 {
		return 0, nil
	}

	required := make(map[[2]int]struct{})
	for _, tl := range tiles {
		x, y := tilemath.BlockParent(tl.CoordX, tl.CoordY)
		required[[2]int{x, y}] = struct{}{}
	}

	generated := 0
	perZoom := make([]int, tilemath.MaxZoom+1)
	for zoom := 0; zoom <= tilemath.MaxZoom; zoom++ {
		missing := make([][2]int, 0)
		for coord := range required {
			k := tileKey{TenantID: tenantID, MapID: mapID, Zoom: zoom, X: coord[0], Y: coord[1]}
			if _, err := os.Stat(c.tilePath(k)); os.IsNotExist(err) {
				missing = append(missing, coord)
			}
		}

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(c.cfg.BatchParallelism)
		for _, coord := range missing {
			coord := coord
			g.Go(func() error {
				_, err := c.GetOrGenerate(gctx, tenantID, mapID, zoom, coord[0], coord[1])
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return generated, err
		}
		generated += len(missing)
		perZoom[zoom] = len(missing)

		parents := make(map[[2]int]struct{}, len(required)/2+1)
		for coord := range required {
			x, y := tilemath.Parent(coord[0], coord[1])
			parents[[2]int{x, y}] = struct{}{}
		}
		required = parents
	}

	if generated > 0 {
		c.log.Info("pre-generated large tiles",
			"tenant", tenantID, "map", mapID, "total", generated, "perZoom", perZoom)
	}
	return generated, nil
}

// RunPreGenerator fills missing large tiles in the background until ctx ends.
// Startup is staggered by a randomised 30..90s so replicas do not hammer the
// catalog together; per-tenant cache stats are logged every tenth cycle.
func (c *Cache) RunPreGenerator(ctx context.Context) {
	initial := 30*time.Second + time.Duration(rand.Int63n(int64(60*time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initial):
	}

	ticker := time.NewTicker(c.cfg.PreGeneratorTick)
	defer ticker.Stop()

	cycle := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cycle++
			if n, err := c.GenerateMissingTiles(ctx); err != nil {
				c.log.Warn("pre-generation cycle failed", "error", err)
			} else if n > 0 {
				c.log.Info("pre-generation cycle done", "generated", n)
			}
			if cycle%statsEvery == 0 {
				c.logStats()
			}
		}
	}
}

func (c *Cache) logStats() {
	for tenant, s := range c.snapshotStats() {
		c.log.Info("large-tile cache stats", "tenant", tenant,
			"memoryHits", s.MemoryHits, "diskHits", s.DiskHits,
			"negativeHits", s.NegativeHits, "generated", s.Generated, "empty", s.Empty)
	}
}
