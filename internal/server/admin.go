package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"havenmapper/internal/apperr"
	"havenmapper/internal/catalog"
)

type createPublicMapRequest struct {
	Name      string `json:"name" binding:"required"`
	Slug      string `json:"slug"`
	IsActive  *bool  `json:"isActive"`
	CreatedBy string `json:"createdBy"`
}

func (s *Server) createPublicMap(c *gin.Context) {
	var req createPublicMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}
	pm, err := s.catalog.CreatePublicMap(c.Request.Context(), req.Name, req.Slug, active, req.CreatedBy)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, pm)
}

func (s *Server) listAllPublicMaps(c *gin.Context) {
	maps, err := s.catalog.ListPublicMaps(c.Request.Context(), false)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, maps)
}

func (s *Server) getPublicMap(c *gin.Context) {
	pm, err := s.catalog.GetPublicMap(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pm)
}

type updatePublicMapRequest struct {
	Name                      *string `json:"name"`
	IsActive                  *bool   `json:"isActive"`
	AutoRegenerate            *bool   `json:"autoRegenerate"`
	RegenerateIntervalMinutes *int    `json:"regenerateIntervalMinutes"`
	ClearRegenerateInterval   bool    `json:"clearRegenerateInterval"`
}

func (s *Server) updatePublicMap(c *gin.Context) {
	var req updatePublicMapRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	pm, err := s.catalog.UpdatePublicMap(c.Request.Context(), c.Param("id"), catalog.PublicMapUpdate{
		Name:                      req.Name,
		IsActive:                  req.IsActive,
		AutoRegenerate:            req.AutoRegenerate,
		RegenerateIntervalMinutes: req.RegenerateIntervalMinutes,
		ClearRegenerateInterval:   req.ClearRegenerateInterval,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, pm)
}

func (s *Server) deletePublicMap(c *gin.Context) {
	if err := s.catalog.DeletePublicMap(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type tenantSourceRequest struct {
	TenantID string `json:"tenantId" binding:"required"`
	MapID    int    `json:"mapId"`
	Priority int    `json:"priority"`
	AddedBy  string `json:"addedBy"`
}

func (s *Server) addTenantSource(c *gin.Context) {
	var req tenantSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	src, err := s.catalog.AddTenantSource(c.Request.Context(), c.Param("id"), req.TenantID, req.MapID, req.Priority, req.AddedBy)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (s *Server) removeTenantSource(c *gin.Context) {
	tenantID := c.Query("tenantId")
	mapID, err := strconv.Atoi(c.Query("mapId"))
	if tenantID == "" || err != nil {
		s.fail(c, apperr.InvalidArgument("tenantId and mapId query parameters are required"))
		return
	}
	if err := s.catalog.RemoveTenantSource(c.Request.Context(), c.Param("id"), tenantID, mapID); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setTenantSourcePriority(c *gin.Context) {
	var req tenantSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	if err := s.catalog.SetTenantSourcePriority(c.Request.Context(), c.Param("id"), req.TenantID, req.MapID, req.Priority); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type hmapSourceRequest struct {
	HmapSourceID uint `json:"hmapSourceId" binding:"required"`
	Priority     int  `json:"priority"`
}

func (s *Server) addHmapSource(c *gin.Context) {
	var req hmapSourceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	link, err := s.catalog.AddHmapSource(c.Request.Context(), c.Param("id"), req.HmapSourceID, req.Priority)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, link)
}

func (s *Server) removeHmapSource(c *gin.Context) {
	sourceID, err := strconv.ParseUint(c.Param("sourceId"), 10, 32)
	if err != nil {
		s.fail(c, apperr.InvalidArgument("invalid source id"))
		return
	}
	if err := s.catalog.RemoveHmapSource(c.Request.Context(), c.Param("id"), uint(sourceID)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) setHmapSourcePriority(c *gin.Context) {
	sourceID, err := strconv.ParseUint(c.Param("sourceId"), 10, 32)
	if err != nil {
		s.fail(c, apperr.InvalidArgument("invalid source id"))
		return
	}
	var req struct {
		Priority int `json:"priority"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		s.fail(c, apperr.InvalidArgument("invalid request body: %v", err))
		return
	}
	if err := s.catalog.SetHmapSourcePriority(c.Request.Context(), c.Param("id"), uint(sourceID), req.Priority); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// startGeneration kicks off a run in the background; the conflict gate keeps
// a second concurrent start out.
func (s *Server) startGeneration(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.catalog.GetPublicMap(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	if s.orch.IsRunning(id) {
		s.fail(c, apperr.Conflict("generation already running for public map %q", id))
		return
	}
	go func() {
		if err := s.orch.Start(context.Background(), id); err != nil {
			s.log.Warn("background generation failed", "id", id, "error", err)
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "started"})
}

func (s *Server) enqueueGeneration(c *gin.Context) {
	id := c.Param("id")
	if _, err := s.catalog.GetPublicMap(c.Request.Context(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.orch.Enqueue(id)
	c.JSON(http.StatusAccepted, gin.H{"id": id, "status": "queued"})
}

func (s *Server) generationStatus(c *gin.Context) {
	pm, err := s.catalog.GetPublicMap(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"id":                 pm.ID,
		"generationStatus":   pm.GenerationStatus,
		"generationProgress": pm.GenerationProgress,
		"generationError":    pm.GenerationError,
		"lastGeneratedAt":    pm.LastGeneratedAt,
		"tileCount":          pm.TileCount,
		"running":            s.orch.IsRunning(pm.ID),
	})
}

func (s *Server) analyzeContributions(c *gin.Context) {
	report, err := s.catalog.AnalyzeContributions(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) uploadHmap(c *gin.Context) {
	name := c.PostForm("name")
	fh, err := c.FormFile("file")
	if err != nil {
		s.fail(c, apperr.InvalidArgument("file field is required"))
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.fail(c, apperr.Internal("open upload", err))
		return
	}
	defer f.Close()

	src, err := s.catalog.UploadHmap(c.Request.Context(), name, fh.Filename, f, fh.Size)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, src)
}

func (s *Server) listHmapSources(c *gin.Context) {
	sources, err := s.catalog.ListHmapSources(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sources)
}

func (s *Server) deleteHmapSource(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 32)
	if err != nil {
		s.fail(c, apperr.InvalidArgument("invalid source id"))
		return
	}
	if err := s.catalog.DeleteHmapSource(c.Request.Context(), uint(id)); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) listTenantMaps(c *gin.Context) {
	maps, err := s.catalog.ListAvailableTenantMaps(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, maps)
}
