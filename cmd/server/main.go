package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"havenmapper/internal/catalog"
	"havenmapper/internal/config"
	"havenmapper/internal/largetile"
	"havenmapper/internal/logger"
	"havenmapper/internal/models"
	"havenmapper/internal/publicmap"
	"havenmapper/internal/server"
	"havenmapper/internal/textures"
	"havenmapper/internal/version"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	log, err := logger.New(cfg.Mode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()
	log.Info("starting havenmapper", "version", version.Version, "mode", cfg.Mode)

	db, err := gorm.Open(postgres.Open(cfg.DSN()), &gorm.Config{})
	if err != nil {
		log.Fatal("database connection failed", "error", err)
	}
	if err := models.Migrate(db); err != nil {
		log.Fatal("migration failed", "error", err)
	}

	if err := os.MkdirAll(cfg.GridStorage, 0o755); err != nil {
		log.Fatal("grid storage unavailable", "path", cfg.GridStorage, "error", err)
	}

	fetcher := textures.NewFetcher(log, cfg.TextureBaseURL,
		filepath.Join(cfg.GridStorage, "hmap-tile-cache"))
	orch := publicmap.NewOrchestrator(log, db, cfg, fetcher)
	tiles := largetile.NewCache(log, db, cfg)
	svc := catalog.NewService(log, db, cfg)
	srv := server.New(log, cfg, svc, orch, tiles)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		orch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		tiles.RunPreGenerator(ctx)
	}()

	if err := srv.Run(ctx); err != nil {
		log.Error("http server stopped", "error", err)
	}
	wg.Wait()
	log.Info("shutdown complete")
}
