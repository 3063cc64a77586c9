package largetile

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"havenmapper/internal/config"
	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
	"havenmapper/internal/models"
)

func newTestCache(t *testing.T) (*Cache, *gorm.DB, *config.Config) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "catalog.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := models.Migrate(db); err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{
		GridStorage:            t.TempDir(),
		WebPQuality:            85,
		LargeTileMemoryEntries: 500,
		NegativeCacheEntries:   100,
		NegativeCacheTTL:       5 * time.Minute,
		CatalogSemaphore:       8,
		BatchParallelism:       4,
	}
	return NewCache(logger.NewNop(), db, cfg), db, cfg
}

func addBaseTile(t *testing.T, db *gorm.DB, cfg *config.Config, tenantID string, mapID, gx, gy int, col color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.SetNRGBA(x, y, col)
		}
	}
	data, err := imaging.EncodePNG(img)
	if err != nil {
		t.Fatal(err)
	}
	rel := fmt.Sprintf("grids/%s/%d_%d.png", tenantID, gx, gy)
	path := filepath.Join(cfg.GridStorage, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	res := db.Where(map[string]interface{}{
		"tenant_id": tenantID, "map_id": mapID, "zoom": 0, "coord_x": gx, "coord_y": gy,
	}).
		Assign(models.Tile{File: rel, Cache: time.Now().UnixNano()}).
		FirstOrCreate(&models.Tile{})
	if res.Error != nil {
		t.Fatal(res.Error)
	}
}

func TestGetOrGenerateZoom0(t *testing.T) {
	c, db, cfg := newTestCache(t)
	red := color.NRGBA{R: 255, A: 255}
	addBaseTile(t, db, cfg, "t1", 1, 0, 0, red)
	addBaseTile(t, db, cfg, "t1", 1, 3, 3, color.NRGBA{B: 255, A: 255})

	data, err := c.GetOrGenerate(context.Background(), "t1", 1, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("tile should exist")
	}
	if !imaging.IsWebP(data) {
		t.Fatal("tile is not WebP")
	}

	img, err := imaging.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if img.Bounds().Dx() != 400 || img.Bounds().Dy() != 400 {
		t.Fatalf("tile size = %v, want 400x400", img.Bounds())
	}
	nrgba := imaging.ToNRGBA(img)
	if got := nrgba.NRGBAAt(50, 50); got.R < 200 {
		t.Errorf("grid (0,0) region = %v, want red", got)
	}
	if got := nrgba.NRGBAAt(350, 350); got.B < 200 {
		t.Errorf("grid (3,3) region = %v, want blue", got)
	}
	if got := nrgba.NRGBAAt(150, 150); got.A > 20 {
		t.Errorf("empty grid region = %v, want transparent", got)
	}

	// Persisted under the tenant's large-tile tree.
	onDisk := filepath.Join(cfg.GridStorage, "tenants", "t1", "large", "1", "0", "0_0.webp")
	if _, err := os.Stat(onDisk); err != nil {
		t.Errorf("tile not on disk: %v", err)
	}
}

func TestGetOrGenerateLayers(t *testing.T) {
	c, db, cfg := newTestCache(t)
	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{R: 255, A: 255})

	ctx := context.Background()
	if _, err := c.GetOrGenerate(ctx, "t1", 1, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	if _, err := c.GetOrGenerate(ctx, "t1", 1, 0, 0, 0); err != nil {
		t.Fatal(err)
	}

	s := c.snapshotStats()["t1"]
	if s.Generated != 1 {
		t.Errorf("generated = %d, want 1", s.Generated)
	}
	if s.MemoryHits != 1 {
		t.Errorf("memory hits = %d, want 1", s.MemoryHits)
	}

	// A fresh cache over the same storage serves from disk without generating.
	c2 := NewCache(logger.NewNop(), db, cfg)
	if _, err := c2.GetOrGenerate(ctx, "t1", 1, 0, 0, 0); err != nil {
		t.Fatal(err)
	}
	s2 := c2.snapshotStats()["t1"]
	if s2.DiskHits != 1 || s2.Generated != 0 {
		t.Errorf("fresh cache: diskHits=%d generated=%d, want 1/0", s2.DiskHits, s2.Generated)
	}
}

func TestGetOrGenerateEmptyBlockIsNegativelyCached(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()

	data, err := c.GetOrGenerate(ctx, "t1", 1, 0, 9, 9)
	if err != nil {
		t.Fatal(err)
	}
	if data != nil {
		t.Fatal("empty block should yield nil")
	}
	if data, _ := c.GetOrGenerate(ctx, "t1", 1, 0, 9, 9); data != nil {
		t.Fatal("second lookup should yield nil")
	}

	s := c.snapshotStats()["t1"]
	if s.NegativeHits != 1 {
		t.Errorf("negative hits = %d, want 1", s.NegativeHits)
	}
	if s.Empty != 1 {
		t.Errorf("empty generations = %d, want 1", s.Empty)
	}
}

func TestNegativeCacheExpires(t *testing.T) {
	c, db, cfg := newTestCache(t)
	cfg.NegativeCacheTTL = 10 * time.Millisecond
	ctx := context.Background()

	if data, _ := c.GetOrGenerate(ctx, "t1", 1, 0, 0, 0); data != nil {
		t.Fatal("block should be empty")
	}

	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{G: 255, A: 255})
	time.Sleep(20 * time.Millisecond)

	data, err := c.GetOrGenerate(ctx, "t1", 1, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("tile should exist after negative entry expired")
	}
}

func TestGetOrGenerateZoom1FromChildren(t *testing.T) {
	c, db, cfg := newTestCache(t)
	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{R: 255, A: 255})

	data, err := c.GetOrGenerate(context.Background(), "t1", 1, 1, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if data == nil {
		t.Fatal("zoom-1 tile should exist")
	}
	img, err := imaging.Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	nrgba := imaging.ToNRGBA(img)
	// Grid (0,0) occupies the top-left 100px of the zoom-0 child, which lands
	// in the top-left 50px of the zoom-1 tile.
	if got := nrgba.NRGBAAt(10, 10); got.R < 200 {
		t.Errorf("scaled child region = %v, want red", got)
	}
	if got := nrgba.NRGBAAt(300, 300); got.A > 20 {
		t.Errorf("absent child quadrant = %v, want transparent", got)
	}
}

func TestGetOrGenerateCoalesces(t *testing.T) {
	c, db, cfg := newTestCache(t)
	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{R: 255, A: 255})

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			data, err := c.GetOrGenerate(context.Background(), "t1", 1, 0, 0, 0)
			if err == nil && data == nil {
				err = os.ErrNotExist
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatal(err)
		}
	}

	s := c.snapshotStats()["t1"]
	if s.Generated != 1 {
		t.Errorf("generated = %d, want 1 (coalesced)", s.Generated)
	}
}

func TestMarkDirtyInvalidatesStack(t *testing.T) {
	c, db, cfg := newTestCache(t)
	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{R: 255, A: 255})

	ctx := context.Background()
	// Materialise zoom 0..2 of the stack over grid (0,0).
	for zoom := 0; zoom <= 2; zoom++ {
		if data, err := c.GetOrGenerate(ctx, "t1", 1, zoom, 0, 0); err != nil || data == nil {
			t.Fatalf("zoom %d: data=%v err=%v", zoom, data != nil, err)
		}
	}

	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{B: 255, A: 255})
	c.MarkDirty("t1", 1, 0, 0)

	for zoom := 0; zoom <= 2; zoom++ {
		k := tileKey{TenantID: "t1", MapID: 1, Zoom: zoom, X: 0, Y: 0}
		if _, err := os.Stat(c.tilePath(k)); !os.IsNotExist(err) {
			t.Errorf("zoom %d tile still on disk after MarkDirty", zoom)
		}
	}

	data, err := c.GetOrGenerate(ctx, "t1", 1, 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	img, _ := imaging.Decode(data)
	if got := imaging.ToNRGBA(img).NRGBAAt(50, 50); got.B < 200 {
		t.Errorf("regenerated tile = %v, want blue (fresh base tile)", got)
	}

	// Second MarkDirty on an already clean stack is a no-op.
	c.MarkDirty("t1", 1, 0, 0)
}

func TestMemoryEviction(t *testing.T) {
	c, db, cfg := newTestCache(t)
	cfg.LargeTileMemoryEntries = 4
	for gx := 0; gx < 6; gx++ {
		addBaseTile(t, db, cfg, "t1", 1, gx*4, 0, color.NRGBA{R: 255, A: 255})
	}

	ctx := context.Background()
	for x := 0; x < 6; x++ {
		if _, err := c.GetOrGenerate(ctx, "t1", 1, 0, x, 0); err != nil {
			t.Fatal(err)
		}
	}

	c.mu.Lock()
	size := len(c.memory)
	c.mu.Unlock()
	if size > cfg.LargeTileMemoryEntries {
		t.Errorf("memory entries = %d, want <= %d", size, cfg.LargeTileMemoryEntries)
	}
}

func TestGenerateMissingTiles(t *testing.T) {
	c, db, cfg := newTestCache(t)
	db.Create(&models.TenantMap{TenantID: "t1", MapID: 1, Name: "main"})
	addBaseTile(t, db, cfg, "t1", 1, 0, 0, color.NRGBA{R: 255, A: 255})
	addBaseTile(t, db, cfg, "t1", 1, 5, 5, color.NRGBA{G: 255, A: 255})

	n, err := c.GenerateMissingTiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n == 0 {
		t.Fatal("nothing generated")
	}

	// Both zoom-0 blocks plus their shared ancestors must be on disk.
	for _, rel := range []string{
		"tenants/t1/large/1/0/0_0.webp",
		"tenants/t1/large/1/0/1_1.webp",
		"tenants/t1/large/1/1/0_0.webp",
		"tenants/t1/large/1/6/0_0.webp",
	} {
		if _, err := os.Stat(filepath.Join(cfg.GridStorage, filepath.FromSlash(rel))); err != nil {
			t.Errorf("%s missing: %v", rel, err)
		}
	}

	// A second run finds nothing to do.
	n2, err := c.GenerateMissingTiles(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if n2 != 0 {
		t.Errorf("second run generated %d, want 0", n2)
	}
}
