package server

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"havenmapper/internal/catalog"
	"havenmapper/internal/config"
	"havenmapper/internal/hmap"
	"havenmapper/internal/imaging"
	"havenmapper/internal/largetile"
	"havenmapper/internal/logger"
	"havenmapper/internal/models"
	"havenmapper/internal/publicmap"
	"havenmapper/internal/textures"
)

func newTestServer(t *testing.T) (*Server, *gorm.DB, *config.Config) {
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
		Mode:                   "prod",
		GridStorage:            t.TempDir(),
		WebPQuality:            85,
		LargeTileMemoryEntries: 100,
		NegativeCacheEntries:   100,
		NegativeCacheTTL:       time.Minute,
		CatalogSemaphore:       4,
		BatchParallelism:       2,
		ViewerBaseURL:          "http://127.0.0.1:1",
	}
	log := logger.NewNop()
	fetcher := textures.NewFetcher(log, "http://127.0.0.1:1", filepath.Join(cfg.GridStorage, "hmap-tile-cache"))
	orch := publicmap.NewOrchestrator(log, db, cfg, fetcher)
	cache := largetile.NewCache(log, db, cfg)
	svc := catalog.NewService(log, db, cfg)
	return New(log, cfg, svc, orch, cache), db, cfg
}

func do(t *testing.T, s *Server, method, path string, body []byte, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestCreateAndGetPublicMapAPI(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(t, s, http.MethodPost, "/api/public-maps", []byte(`{"name":"My Map"}`), nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", w.Code, w.Body)
	}
	var pm models.PublicMap
	if err := json.Unmarshal(w.Body.Bytes(), &pm); err != nil {
		t.Fatal(err)
	}
	if pm.ID != "my-map" {
		t.Errorf("slug = %q", pm.ID)
	}

	if w := do(t, s, http.MethodGet, "/api/public-maps/my-map", nil, nil); w.Code != http.StatusOK {
		t.Errorf("get: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/public-maps/nope", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("missing map: %d, want 404", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/public-maps", []byte(`{}`), nil); w.Code != http.StatusBadRequest {
		t.Errorf("empty name: %d, want 400", w.Code)
	}
}

func TestPublicListShowsActiveOnly(t *testing.T) {
	s, db, _ := newTestServer(t)
	db.Create(&models.PublicMap{ID: "shown", Name: "Shown", IsActive: true})
	db.Create(&models.PublicMap{ID: "hidden", Name: "Hidden", IsActive: false})

	w := do(t, s, http.MethodGet, "/public/", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: %d", w.Code)
	}
	var entries []map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0]["id"] != "shown" {
		t.Errorf("entries = %v", entries)
	}
}

func TestPublicMapInfoTileVersion(t *testing.T) {
	s, db, _ := newTestServer(t)
	gen := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	minX := 0
	db.Create(&models.PublicMap{ID: "world", Name: "World", IsActive: true, LastGeneratedAt: &gen, MinX: &minX})

	w := do(t, s, http.MethodGet, "/public/world/info", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("info: %d", w.Code)
	}
	var info map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &info)
	if int64(info["tileVersion"].(float64)) != gen.Unix() {
		t.Errorf("tileVersion = %v", info["tileVersion"])
	}
}

func writeTestTile(t *testing.T, cfg *config.Config, slug string, zoom, x, y int) string {
	t.Helper()
	img := imaging.NewCanvas(400, 400)
	data, err := imaging.EncodeWebP(img, 85)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(cfg.GridStorage, "public", slug, "0", imaging.TileFileName(x, y))
	if zoom != 0 {
		path = filepath.Join(cfg.GridStorage, "public", slug, "1", imaging.TileFileName(x, y))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPublicTileConditionalRequests(t *testing.T) {
	s, _, cfg := newTestServer(t)
	writeTestTile(t, cfg, "world", 0, 3, -4)

	w := do(t, s, http.MethodGet, "/public/world/tiles/0/3_-4.webp", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("tile: %d", w.Code)
	}
	etag := w.Header().Get("ETag")
	if etag == "" {
		t.Fatal("no ETag")
	}
	if cc := w.Header().Get("Cache-Control"); cc != tileCacheControl {
		t.Errorf("cache-control = %q", cc)
	}
	if !imaging.IsWebP(w.Body.Bytes()) {
		t.Error("body is not WebP")
	}

	w = do(t, s, http.MethodGet, "/public/world/tiles/0/3_-4.webp", nil, map[string]string{"If-None-Match": etag})
	if w.Code != http.StatusNotModified {
		t.Errorf("etag revalidation: %d, want 304", w.Code)
	}

	lm := w.Header().Get("Last-Modified")
	w = do(t, s, http.MethodGet, "/public/world/tiles/0/3_-4.webp", nil, map[string]string{"If-Modified-Since": lm})
	if w.Code != http.StatusNotModified {
		t.Errorf("if-modified-since revalidation: %d, want 304", w.Code)
	}

	// The extension in the URL is advisory; .png still serves the WebP file.
	w = do(t, s, http.MethodGet, "/public/world/tiles/0/3_-4.png", nil, nil)
	if w.Code != http.StatusOK {
		t.Errorf("png extension: %d, want 200", w.Code)
	}

	w = do(t, s, http.MethodGet, "/public/world/tiles/0/9_9.webp", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing tile: %d, want 404", w.Code)
	}
	if cc := w.Header().Get("Cache-Control"); cc != missingCacheControl {
		t.Errorf("missing tile cache-control = %q", cc)
	}
}

func TestMarkersProxyAndInvalidate(t *testing.T) {
	s, _, cfg := newTestServer(t)
	dir := filepath.Join(cfg.GridStorage, "public", "world")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	os.WriteFile(filepath.Join(dir, "markers.json"), []byte(`[{"id":1}]`), 0o644)

	w := do(t, s, http.MethodGet, "/public/world/markers", nil, nil)
	if w.Code != http.StatusOK || w.Body.String() != `[{"id":1}]` {
		t.Fatalf("markers: %d %s", w.Code, w.Body)
	}

	// Cached: a file rewrite is invisible until invalidation.
	os.WriteFile(filepath.Join(dir, "markers.json"), []byte(`[]`), 0o644)
	if w := do(t, s, http.MethodGet, "/public/world/markers", nil, nil); w.Body.String() != `[{"id":1}]` {
		t.Errorf("expected cached bytes, got %s", w.Body)
	}

	if w := do(t, s, http.MethodPost, "/internal/public-cache/invalidate/world", nil, nil); w.Code != http.StatusNoContent {
		t.Fatalf("invalidate: %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/public/world/markers", nil, nil); w.Body.String() != `[]` {
		t.Errorf("expected fresh bytes after invalidation, got %s", w.Body)
	}
}

func TestTenantLargeTileEndpoint(t *testing.T) {
	s, db, cfg := newTestServer(t)

	img := image.NewNRGBA(image.Rect(0, 0, 100, 100))
	for y := 0; y < 100; y++ {
		for x := 0; x < 100; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: 255, A: 255})
		}
	}
	data, _ := imaging.EncodePNG(img)
	rel := "grids/t1/0_0.png"
	path := filepath.Join(cfg.GridStorage, filepath.FromSlash(rel))
	os.MkdirAll(filepath.Dir(path), 0o755)
	os.WriteFile(path, data, 0o644)
	db.Create(&models.Tile{TenantID: "t1", MapID: 1, Zoom: 0, CoordX: 0, CoordY: 0, File: rel, Cache: 1})

	w := do(t, s, http.MethodGet, "/tenants/t1/maps/1/large/0/0_0.webp", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("large tile: %d %s", w.Code, w.Body)
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/webp" {
		t.Errorf("content-type = %q", ct)
	}

	w = do(t, s, http.MethodGet, "/tenants/t1/maps/1/large/0/5_5.webp", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("empty block: %d, want 404", w.Code)
	}
}

func TestGenerationEndpoints(t *testing.T) {
	s, db, _ := newTestServer(t)
	db.Create(&models.PublicMap{ID: "world", Name: "World", GenerationStatus: models.GenerationPending})

	w := do(t, s, http.MethodGet, "/api/public-maps/world/status", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status: %d", w.Code)
	}
	var status map[string]interface{}
	json.Unmarshal(w.Body.Bytes(), &status)
	if status["generationStatus"] != models.GenerationPending {
		t.Errorf("status = %v", status)
	}

	if w := do(t, s, http.MethodPost, "/api/public-maps/world/enqueue", nil, nil); w.Code != http.StatusAccepted {
		t.Errorf("enqueue: %d, want 202", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/public-maps/nope/generate", nil, nil); w.Code != http.StatusNotFound {
		t.Errorf("generate unknown: %d, want 404", w.Code)
	}
}

func TestUploadHmapEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)

	grid := hmap.Grid{
		SegmentID:   1,
		Tilesets:    []hmap.Tileset{{ResourceName: "gfx/tiles/grass"}},
		TileIndices: make([]byte, hmap.GridTiles),
		ZMap:        make([]float32, hmap.GridTiles),
	}
	var payload bytes.Buffer
	if err := hmap.Encode(&payload, &hmap.Data{Grids: []hmap.Grid{grid}}); err != nil {
		t.Fatal(err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("name", "snapshot")
	fw, _ := mw.CreateFormFile("file", "snap.hmap")
	fw.Write(payload.Bytes())
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/hmap-sources", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: %d %s", w.Code, w.Body)
	}
	var src models.HmapSource
	json.Unmarshal(w.Body.Bytes(), &src)
	if src.Name != "snapshot" || src.FileSizeBytes != int64(payload.Len()) {
		t.Errorf("source = %+v", src)
	}

	if w := do(t, s, http.MethodGet, "/api/hmap-sources", nil, nil); w.Code != http.StatusOK {
		t.Errorf("list: %d", w.Code)
	}
}
