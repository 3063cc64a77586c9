package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"havenmapper/internal/imaging"
	"havenmapper/internal/tilemath"
)

const (
	tileCacheControl    = "public, max-age=31536000, immutable"
	missingCacheControl = "public, max-age=300"
)

type publicMapListEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	URL  string `json:"url"`
	MinX *int   `json:"minX"`
	MaxX *int   `json:"maxX"`
	MinY *int   `json:"minY"`
	MaxY *int   `json:"maxY"`
}

func (s *Server) listPublicMaps(c *gin.Context) {
	maps, err := s.catalog.ListPublicMaps(c.Request.Context(), true)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]publicMapListEntry, 0, len(maps))
	for _, pm := range maps {
		out = append(out, publicMapListEntry{
			ID:   pm.ID,
			Name: pm.Name,
			URL:  fmt.Sprintf("/public/%s", pm.ID),
			MinX: pm.MinX, MaxX: pm.MaxX,
			MinY: pm.MinY, MaxY: pm.MaxY,
		})
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) publicMapInfo(c *gin.Context) {
	info, err := s.catalog.GetBounds(c.Request.Context(), c.Param("slug"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) publicMapMarkers(c *gin.Context) {
	slug := c.Param("slug")

	s.markersMu.RLock()
	cached, ok := s.markersCache[slug]
	s.markersMu.RUnlock()
	if !ok {
		data, err := os.ReadFile(filepath.Join(s.cfg.GridStorage, "public", slug, "markers.json"))
		if err != nil {
			c.Header("Cache-Control", missingCacheControl)
			c.JSON(http.StatusNotFound, gin.H{"error": "markers not found"})
			return
		}
		s.markersMu.Lock()
		s.markersCache[slug] = data
		s.markersMu.Unlock()
		cached = data
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", cached)
}

// publicMapTile serves a generated tile with conditional-request support. The
// requested extension is ignored; generated content is always WebP.
func (s *Server) publicMapTile(c *gin.Context) {
	slug := c.Param("slug")
	zoom, err := strconv.Atoi(c.Param("zoom"))
	if err != nil || zoom < 0 || zoom > tilemath.MaxZoom {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zoom"})
		return
	}
	x, y, ok := imaging.ParseTileFileName(c.Param("file"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tile name"})
		return
	}

	path := filepath.Join(s.cfg.GridStorage, "public", slug,
		strconv.Itoa(zoom), imaging.TileFileName(x, y))
	fi, err := os.Stat(path)
	if err != nil {
		c.Header("Cache-Control", missingCacheControl)
		c.Status(http.StatusNotFound)
		return
	}

	etag := fmt.Sprintf("\"%d-%d\"", fi.Size(), fi.ModTime().UnixNano())
	c.Header("ETag", etag)
	c.Header("Last-Modified", fi.ModTime().UTC().Format(http.TimeFormat))
	c.Header("Cache-Control", tileCacheControl)

	if match := c.GetHeader("If-None-Match"); match != "" && match == etag {
		c.Status(http.StatusNotModified)
		return
	}
	if since := c.GetHeader("If-Modified-Since"); since != "" {
		if t, perr := http.ParseTime(since); perr == nil && !fi.ModTime().Truncate(time.Second).After(t) {
			c.Status(http.StatusNotModified)
			return
		}
	}

	c.File(path)
}

// tenantLargeTile serves one on-demand large tile through the cache.
func (s *Server) tenantLargeTile(c *gin.Context) {
	mapID, err := strconv.Atoi(c.Param("mapId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid map id"})
		return
	}
	zoom, err := strconv.Atoi(c.Param("zoom"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid zoom"})
		return
	}
	x, y, ok := imaging.ParseTileFileName(c.Param("file"))
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid tile name"})
		return
	}

	data, err := s.tiles.GetOrGenerate(c.Request.Context(), c.Param("tenantId"), mapID, zoom, x, y)
	if err != nil {
		s.fail(c, err)
		return
	}
	if data == nil {
		c.Header("Cache-Control", missingCacheControl)
		c.Status(http.StatusNotFound)
		return
	}
	c.Header("Cache-Control", "public, max-age=60")
	c.Data(http.StatusOK, "image/webp", data)
}

// invalidateCache drops cached viewer bytes for a slug. The orchestrator
// posts here after every successful generation.
func (s *Server) invalidateCache(c *gin.Context) {
	slug := c.Param("slug")
	s.markersMu.Lock()
	delete(s.markersCache, slug)
	s.markersMu.Unlock()
	c.Status(http.StatusNoContent)
}
