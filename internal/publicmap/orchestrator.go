package publicmap

import (
	"context"
	"errors"
	"fmt"
	"image"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"havenmapper/internal/apperr"
	"havenmapper/internal/config"
	"havenmapper/internal/hmap"
	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
	"havenmapper/internal/models"
	"havenmapper/internal/textures"
	"havenmapper/internal/tilemath"
	"havenmapper/internal/utils"
)

var invalidateHTTPClient = &http.Client{Timeout: 5 * time.Second}

// Orchestrator owns public-map generation: the single-flight gate per map id,
// the regeneration queue, and the background ticker that drains it.
type Orchestrator struct {
	log     *logger.Logger
	db      *gorm.DB
	cfg     *config.Config
	fetcher *textures.Fetcher

	mu      sync.Mutex
	running map[string]struct{}
	queue   []string
	queued  map[string]struct{}
}

func NewOrchestrator(log *logger.Logger, db *gorm.DB, cfg *config.Config, fetcher *textures.Fetcher) *Orchestrator {
	return &Orchestrator{
		log:     log.With("component", "orchestrator"),
		db:      db,
		cfg:     cfg,
		fetcher: fetcher,
		running: make(map[string]struct{}),
		queued:  make(map[string]struct{}),
	}
}

// IsRunning reports whether a generation run for id is in flight.
func (o *Orchestrator) IsRunning(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.running[id]
	return ok
}

// Enqueue schedules a generation run for the next ticker drain. Already
// queued ids are ignored.
func (o *Orchestrator) Enqueue(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, dup := o.queued[id]; dup {
		return
	}
	o.queued[id] = struct{}{}
	o.queue = append(o.queue, id)
}

func (o *Orchestrator) tryAcquire(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, busy := o.running[id]; busy {
		return false
	}
	o.running[id] = struct{}{}
	return true
}

func (o *Orchestrator) release(id string) {
	o.mu.Lock()
	delete(o.running, id)
	o.mu.Unlock()
}

// Start runs one full generation for the public map synchronously. A second
// Start for the same id while one is in flight returns a Conflict error.
func (o *Orchestrator) Start(ctx context.Context, id string) error {
	if !o.tryAcquire(id) {
		return apperr.Conflict("generation already running for public map %q", id)
	}
	defer o.release(id)

	db := o.db.WithContext(ctx)

	var pm models.PublicMap
	if err := db.First(&pm, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return apperr.NotFound("public map %q not found", id)
		}
		return apperr.Internal("load public map", err)
	}

	startedAt := time.Now()
	o.log.Info("generation started", "id", id)

	if err := db.Model(&models.PublicMap{}).Where("id = ?", id).Updates(map[string]interface{}{
		"generation_status":   models.GenerationRunning,
		"generation_progress": 0,
		"generation_error":    nil,
	}).Error; err != nil {
		return apperr.Internal("mark running", err)
	}

	result, err := o.generate(ctx, db, &pm)
	if err != nil {
		msg := err.Error()
		if dbErr := db.Model(&models.PublicMap{}).Where("id = ?", id).Updates(map[string]interface{}{
			"generation_status": models.GenerationFailed,
			"generation_error":  msg,
		}).Error; dbErr != nil {
			o.log.Error("failed to persist failure state", "id", id, "error", dbErr)
		}
		o.log.Error("generation failed", "id", id, "error", err)
		return err
	}

	duration := time.Since(startedAt).Seconds()
	updates := map[string]interface{}{
		"generation_status":                models.GenerationCompleted,
		"generation_progress":              100,
		"tile_count":                       result.tileCount,
		"last_generated_at":                startedAt,
		"last_generation_duration_seconds": duration,
	}
	if result.bounds != nil && result.bounds.Valid() {
		updates["min_x"] = result.bounds.MinX
		updates["max_x"] = result.bounds.MaxX
		updates["min_y"] = result.bounds.MinY
		updates["max_y"] = result.bounds.MaxY
	}
	if err := db.Model(&models.PublicMap{}).Where("id = ?", id).Updates(updates).Error; err != nil {
		return apperr.Internal("persist completion", err)
	}

	o.log.Info("generation completed", "id", id,
		"tiles", result.tileCount, "seconds", duration)
	go o.invalidateViewer(id)
	return nil
}

type genResult struct {
	tileCount int
	bounds    *tilemath.Bounds
}

func (o *Orchestrator) generate(ctx context.Context, db *gorm.DB, pm *models.PublicMap) (*genResult, error) {
	tenantSources, err := o.loadTenantSources(db, pm.ID)
	if err != nil {
		return nil, err
	}
	hmapSources, err := o.loadHmapSources(db, pm.ID)
	if err != nil {
		return nil, err
	}

	if len(tenantSources) == 0 && len(hmapSources) == 0 {
		return &genResult{}, nil
	}

	outDir := o.outputDir(pm.ID)
	if err := utils.ResetDir(outDir); err != nil {
		return nil, apperr.Internal("reset output dir", err)
	}

	progress := o.progressWriter(db, pm.ID)

	var dict CellDict
	var markers []PublicMarker
	startPct := 0
	if len(tenantSources) > 0 {
		dict, markers, err = o.prepareTenantRun(db, tenantSources)
	} else {
		startPct = hmapComposeStart
		dict, markers, err = o.prepareHmapRun(ctx, hmapSources, progress)
	}
	if err != nil {
		return nil, err
	}

	composed, err := Compose(o.log, outDir, dict, o.cfg.WebPQuality, startPct, progress)
	if err != nil {
		return nil, err
	}

	if err := WriteMarkers(outDir, DedupeMarkers(markers)); err != nil {
		return nil, apperr.Internal("write markers", err)
	}

	pyramidCount, err := BuildPyramid(o.log, outDir, composed.Written, o.cfg.WebPQuality, imaging.ScaleSmooth, progress)
	if err != nil {
		return nil, err
	}

	res := &genResult{tileCount: len(composed.Written) + pyramidCount}
	if composed.Bounds.Valid() {
		res.bounds = composed.Bounds
	}
	return res, nil
}

// hmapComposeStart leaves room below for decode and texture prefetch.
const hmapComposeStart = 15

func (o *Orchestrator) prepareTenantRun(db *gorm.DB, sources []models.PublicMapTenantSource) (CellDict, []PublicMarker, error) {
	aligns := make([]AlignInput, 0, len(sources))
	for _, s := range sources {
		grids, err := o.loadSourceGrids(db, s.TenantID, s.MapID)
		if err != nil {
			return nil, nil, err
		}
		aligns = append(aligns, AlignInput{
			Key:   SourceKey{TenantID: s.TenantID, MapID: s.MapID},
			Grids: grids,
		})
	}
	offsets := AlignSources(o.log, aligns)

	builder := NewDictBuilder()
	var markers []PublicMarker
	for i, s := range sources {
		key := SourceKey{TenantID: s.TenantID, MapID: s.MapID}
		off := offsets[key]

		var tiles []models.Tile
		if err := db.Where("tenant_id = ? AND map_id = ? AND zoom = 0", s.TenantID, s.MapID).
			Find(&tiles).Error; err != nil {
			return nil, nil, apperr.Internal("load source tiles", err)
		}
		for _, tl := range tiles {
			path := filepath.Join(o.cfg.GridStorage, filepath.FromSlash(tl.File))
			builder.AddTenantCell(
				Coord{tl.CoordX + off.DX, tl.CoordY + off.DY},
				tl.Cache, i,
				Cell{Load: func() (image.Image, error) { return imaging.LoadFile(path) }},
			)
		}

		srcMarkers, err := o.loadSourceMarkers(db, s.TenantID, aligns[i].Grids, off)
		if err != nil {
			return nil, nil, err
		}
		markers = append(markers, srcMarkers...)
	}
	return builder.Build(), markers, nil
}

func (o *Orchestrator) prepareHmapRun(ctx context.Context, sources []hmapSourceRef, progress func(int)) (CellDict, []PublicMarker, error) {
	datas := make([]*hmap.Data, 0, len(sources))
	for _, src := range sources {
		path := filepath.Join(o.cfg.GridStorage, filepath.FromSlash(src.FilePath))
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, apperr.Internal(fmt.Sprintf("open hmap source %q", src.Name), err)
		}
		data, err := hmap.Decode(f)
		f.Close()
		if err != nil {
			return nil, nil, apperr.Internal(fmt.Sprintf("decode hmap source %q", src.Name), err)
		}
		datas = append(datas, data)
	}
	progress(5)

	var names []string
	for _, data := range datas {
		for i := range data.Grids {
			for _, ts := range data.Grids[i].Tilesets {
				names = append(names, ts.ResourceName)
			}
		}
	}
	o.fetcher.ResetMissing()
	o.fetcher.Prefetch(ctx, names)
	progress(hmapComposeStart)

	builder := NewDictBuilder()
	for _, data := range datas {
		for i := range data.Grids {
			grid := &data.Grids[i]
			builder.AddHmapCell(
				Coord{int(grid.TileX), int(grid.TileY)},
				Cell{Load: func() (image.Image, error) { return hmap.Render(grid, o.fetcher), nil }},
			)
		}
	}
	return builder.Build(), BuildHmapMarkers(datas), nil
}

func (o *Orchestrator) loadTenantSources(db *gorm.DB, publicMapID string) ([]models.PublicMapTenantSource, error) {
	var sources []models.PublicMapTenantSource
	if err := db.Where("public_map_id = ?", publicMapID).
		Order("priority DESC, added_at ASC").
		Find(&sources).Error; err != nil {
		return nil, apperr.Internal("load tenant sources", err)
	}
	return sources, nil
}

type hmapSourceRef struct {
	Name     string
	FilePath string
	Priority int
}

func (o *Orchestrator) loadHmapSources(db *gorm.DB, publicMapID string) ([]hmapSourceRef, error) {
	var links []models.PublicMapHmapSource
	if err := db.Where("public_map_id = ?", publicMapID).
		Order("priority DESC, added_at ASC").
		Find(&links).Error; err != nil {
		return nil, apperr.Internal("load hmap sources", err)
	}
	refs := make([]hmapSourceRef, 0, len(links))
	for _, link := range links {
		var src models.HmapSource
		if err := db.First(&src, "id = ?", link.HmapSourceID).Error; err != nil {
			return nil, apperr.Internal("load hmap source row", err)
		}
		refs = append(refs, hmapSourceRef{
			Name:     src.Name,
			FilePath: src.FilePath,
			Priority: link.Priority,
		})
	}
	return refs, nil
}

func (o *Orchestrator) loadSourceGrids(db *gorm.DB, tenantID string, mapID int) (map[string]Coord, error) {
	var grids []models.Grid
	if err := db.Where("tenant_id = ? AND map_id = ?", tenantID, mapID).
		Find(&grids).Error; err != nil {
		return nil, apperr.Internal("load source grids", err)
	}
	out := make(map[string]Coord, len(grids))
	for _, g := range grids {
		out[g.GridID] = Coord{g.CoordX, g.CoordY}
	}
	return out, nil
}

func (o *Orchestrator) loadSourceMarkers(db *gorm.DB, tenantID string, grids map[string]Coord, off Offset) ([]PublicMarker, error) {
	var rows []models.Marker
	if err := db.Where("tenant_id = ? AND image LIKE ? AND hidden = ?",
		tenantID, "%"+thingwallNeedle+"%", false).
		Find(&rows).Error; err != nil {
		return nil, apperr.Internal("load markers", err)
	}
	inputs := make([]TenantMarker, 0, len(rows))
	for _, m := range rows {
		gridCoord, mapped := grids[m.GridID]
		if !mapped {
			continue
		}
		inputs = append(inputs, TenantMarker{
			ID:        int64(m.ID),
			Name:      m.Name,
			Image:     m.Image,
			GridCoord: gridCoord,
			PosX:      m.PositionX,
			PosY:      m.PositionY,
			Offset:    off,
		})
	}
	return BuildTenantMarkers(inputs), nil
}

// progressWriter persists generation progress. Values are monotonic and
// capped at 99; the final 100 lands with the completion update.
func (o *Orchestrator) progressWriter(db *gorm.DB, id string) func(int) {
	last := -1
	return func(pct int) {
		if pct > 99 {
			pct = 99
		}
		if pct <= last {
			return
		}
		last = pct
		if err := db.Model(&models.PublicMap{}).Where("id = ?", id).
			Update("generation_progress", pct).Error; err != nil {
			o.log.Warn("progress persist failed", "id", id, "error", err)
		}
	}
}

func (o *Orchestrator) outputDir(id string) string {
	return filepath.Join(o.cfg.GridStorage, "public", id)
}

// invalidateViewer tells the viewer front-end to drop its cached bytes for
// the slug. Best-effort: a failure never affects the run result.
func (o *Orchestrator) invalidateViewer(id string) {
	url := fmt.Sprintf("%s/internal/public-cache/invalidate/%s", o.cfg.ViewerBaseURL, id)
	resp, err := invalidateHTTPClient.Post(url, "application/json", nil)
	if err != nil {
		o.log.Warn("viewer cache invalidation failed", "id", id, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		o.log.Warn("viewer cache invalidation rejected", "id", id, "status", resp.Status)
	}
}

// Run drains the queue and starts due auto-regenerations until ctx ends. The
// first drain is delayed by a randomised 5..30s so several processes starting
// together do not stampede the catalog.
func (o *Orchestrator) Run(ctx context.Context) {
	initial := 5*time.Second + time.Duration(rand.Int63n(int64(25*time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(initial):
	}

	ticker := time.NewTicker(o.cfg.OrchestratorTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.drainQueue(ctx)
			o.startDueRegenerations(ctx)
		}
	}
}

func (o *Orchestrator) drainQueue(ctx context.Context) {
	o.mu.Lock()
	batch := o.queue
	o.queue = nil
	o.queued = make(map[string]struct{})
	o.mu.Unlock()

	for _, id := range batch {
		if ctx.Err() != nil {
			return
		}
		if err := o.Start(ctx, id); err != nil && !errors.Is(err, apperr.ErrConflict) {
			o.log.Error("queued generation failed", "id", id, "error", err)
		}
	}
}

func (o *Orchestrator) startDueRegenerations(ctx context.Context) {
	var maps []models.PublicMap
	if err := o.db.WithContext(ctx).
		Where("is_active = ? AND auto_regenerate = ? AND regenerate_interval_minutes IS NOT NULL", true, true).
		Where("generation_status <> ?", models.GenerationRunning).
		Find(&maps).Error; err != nil {
		o.log.Warn("auto-regeneration scan failed", "error", err)
		return
	}

	now := time.Now()
	for _, pm := range maps {
		if ctx.Err() != nil {
			return
		}
		if pm.LastGeneratedAt != nil && pm.RegenerateIntervalMinutes != nil {
			due := pm.LastGeneratedAt.Add(time.Duration(*pm.RegenerateIntervalMinutes) * time.Minute)
			if now.Before(due) {
				continue
			}
		}
		if err := o.Start(ctx, pm.ID); err != nil && !errors.Is(err, apperr.ErrConflict) {
			o.log.Error("auto-regeneration failed", "id", pm.ID, "error", err)
		}
	}
}
