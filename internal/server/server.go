package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"havenmapper/internal/apperr"
	"havenmapper/internal/catalog"
	"havenmapper/internal/config"
	"havenmapper/internal/largetile"
	"havenmapper/internal/logger"
	"havenmapper/internal/publicmap"
	"havenmapper/internal/version"
)

// Server wires the HTTP surface: the public viewer contract, the tenant
// large-tile endpoint, and the operator API.
type Server struct {
	log     *logger.Logger
	cfg     *config.Config
	catalog *catalog.Service
	orch    *publicmap.Orchestrator
	tiles   *largetile.Cache

	markersMu    sync.RWMutex
	markersCache map[string][]byte

	engine *gin.Engine
	http   *http.Server
}

func New(log *logger.Logger, cfg *config.Config, cat *catalog.Service, orch *publicmap.Orchestrator, tiles *largetile.Cache) *Server {
	if cfg.Mode == "prod" || cfg.Mode == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{
		log:          log.With("component", "http"),
		cfg:          cfg,
		catalog:      cat,
		orch:         orch,
		tiles:        tiles,
		markersCache: make(map[string][]byte),
		engine:       gin.New(),
	}
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.routes()
	return s
}

func (s *Server) routes() {
	pub := s.engine.Group("/public")
	{
		pub.GET("/", s.listPublicMaps)
		pub.GET("/:slug/info", s.publicMapInfo)
		pub.GET("/:slug/markers", s.publicMapMarkers)
		pub.GET("/:slug/tiles/:zoom/:file", s.publicMapTile)
	}

	s.engine.GET("/tenants/:tenantId/maps/:mapId/large/:zoom/:file", s.tenantLargeTile)

	api := s.engine.Group("/api")
	{
		api.POST("/public-maps", s.createPublicMap)
		api.GET("/public-maps", s.listAllPublicMaps)
		api.GET("/public-maps/:id", s.getPublicMap)
		api.PATCH("/public-maps/:id", s.updatePublicMap)
		api.DELETE("/public-maps/:id", s.deletePublicMap)

		api.POST("/public-maps/:id/sources/tenant", s.addTenantSource)
		api.DELETE("/public-maps/:id/sources/tenant", s.removeTenantSource)
		api.PUT("/public-maps/:id/sources/tenant/priority", s.setTenantSourcePriority)
		api.POST("/public-maps/:id/sources/hmap", s.addHmapSource)
		api.DELETE("/public-maps/:id/sources/hmap/:sourceId", s.removeHmapSource)
		api.PUT("/public-maps/:id/sources/hmap/:sourceId/priority", s.setHmapSourcePriority)

		api.POST("/public-maps/:id/generate", s.startGeneration)
		api.POST("/public-maps/:id/enqueue", s.enqueueGeneration)
		api.GET("/public-maps/:id/status", s.generationStatus)
		api.POST("/public-maps/:id/analyze", s.analyzeContributions)

		api.POST("/hmap-sources", s.uploadHmap)
		api.GET("/hmap-sources", s.listHmapSources)
		api.DELETE("/hmap-sources/:id", s.deleteHmapSource)

		api.GET("/tenant-maps", s.listTenantMaps)
		api.GET("/version", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"version": version.Version})
		})
	}

	s.engine.POST("/internal/public-cache/invalidate/:slug", s.invalidateCache)
	s.engine.GET("/internal/public-maps/:id/progress", s.progressStream)
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if c.Writer.Status() >= 500 {
			s.log.Warn("request failed", "method", c.Request.Method,
				"path", c.Request.URL.Path, "status", c.Writer.Status(),
				"ms", time.Since(start).Milliseconds())
		}
	}
}

// Run serves until ctx is cancelled, then drains with a shutdown grace period.
func (s *Server) Run(ctx context.Context) error {
	s.http = &http.Server{Addr: s.cfg.HTTPAddr, Handler: s.engine}

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.log.Info("http server listening", "addr", s.cfg.HTTPAddr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// fail maps apperr kinds onto HTTP status codes.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, apperr.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, apperr.ErrConflict):
		status = http.StatusConflict
	}
	if status == http.StatusInternalServerError {
		s.log.Error("request error", "path", c.Request.URL.Path, "error", err)
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
