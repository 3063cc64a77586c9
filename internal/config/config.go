package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every tunable the server reads from the environment.
type Config struct {
	Mode     string // "dev" or "prod", selects the logger profile
	HTTPAddr string

	// GridStorage is the root of all tile output and uploads.
	GridStorage string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	// ViewerBaseURL is the front-end process that caches public tiles; the
	// orchestrator POSTs cache invalidations there after a run.
	ViewerBaseURL string

	// TextureBaseURL serves rendered tileset textures as PNG by resource name.
	TextureBaseURL string

	OrchestratorTick time.Duration
	PreGeneratorTick time.Duration

	LargeTileMemoryEntries int
	NegativeCacheEntries   int
	NegativeCacheTTL       time.Duration
	CatalogSemaphore       int
	BatchParallelism       int
	WebPQuality            float32
}

func Load() *Config {
	return &Config{
		Mode:        envString("SERVER_MODE", "dev"),
		HTTPAddr:    envString("HTTP_ADDR", ":8080"),
		GridStorage: envString("GRID_STORAGE", "map"),

		DBHost:     envString("DB_HOST", "localhost"),
		DBPort:     envString("DB_PORT", "5432"),
		DBUser:     envString("DB_USER", "havenmapper"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     envString("DB_NAME", "havenmapper"),

		ViewerBaseURL:  envString("VIEWER_BASE_URL", "http://localhost:8081"),
		TextureBaseURL: envString("TEXTURE_BASE_URL", "https://res.havenmapper.net/tiles"),

		OrchestratorTick: envDuration("ORCHESTRATOR_TICK", 30*time.Second),
		PreGeneratorTick: envDuration("PREGENERATOR_TICK", 30*time.Second),

		LargeTileMemoryEntries: envInt("LARGE_TILE_MEMORY_ENTRIES", 500),
		NegativeCacheEntries:   envInt("NEGATIVE_CACHE_ENTRIES", 10000),
		NegativeCacheTTL:       envDuration("NEGATIVE_CACHE_TTL", 5*time.Minute),
		CatalogSemaphore:       envInt("CATALOG_SEMAPHORE", 8),
		BatchParallelism:       envInt("BATCH_PARALLELISM", 4),
		WebPQuality:            float32(envInt("WEBP_QUALITY", 85)),
	}
}

// DSN builds the Postgres connection string for gorm.
func (c *Config) DSN() string {
	parts := []string{
		"host=" + c.DBHost,
		"user=" + c.DBUser,
		"password=" + c.DBPassword,
		"dbname=" + c.DBName,
		"port=" + c.DBPort,
		"sslmode=disable",
		"TimeZone=UTC",
	}
	return strings.Join(parts, " ")
}

func envString(name, def string) string {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	return v
}

func envInt(name string, def int) int {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func envDuration(name string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
