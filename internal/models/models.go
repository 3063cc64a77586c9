package models

import "time"

// Generation lifecycle of a public map. pending -> running -> completed|failed.
const (
	GenerationPending   = "pending"
	GenerationRunning   = "running"
	GenerationCompleted = "completed"
	GenerationFailed    = "failed"
)

// PublicMap is a published composition of one or more tenant maps or HMap
// snapshots, served under a stable slug.
type PublicMap struct {
	ID        string    `json:"id" gorm:"primaryKey;size:50"`
	Name      string    `json:"name" gorm:"not null"`
	IsActive  bool      `json:"isActive" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"createdAt"`
	CreatedBy string    `json:"createdBy"`

	AutoRegenerate            bool `json:"autoRegenerate" gorm:"not null;default:false"`
	RegenerateIntervalMinutes *int `json:"regenerateIntervalMinutes,omitempty"`

	GenerationStatus   string     `json:"generationStatus" gorm:"not null;default:pending"`
	GenerationProgress int        `json:"generationProgress" gorm:"not null;default:0"`
	GenerationError    *string    `json:"generationError,omitempty"`
	TileCount          int        `json:"tileCount" gorm:"not null;default:0"`
	LastGeneratedAt    *time.Time `json:"lastGeneratedAt,omitempty"`
	// Wall-clock duration of the last successful run.
	LastGenerationDurationSeconds *float64 `json:"lastGenerationDurationSeconds,omitempty"`

	// Inclusive bounds in zoom-0 unified tile coordinates.
	MinX *int `json:"minX,omitempty"`
	MaxX *int `json:"maxX,omitempty"`
	MinY *int `json:"minY,omitempty"`
	MaxY *int `json:"maxY,omitempty"`
}

// PublicMapTenantSource links a tenant map into a public map. The first source
// in (priority desc, addedAt asc) order is the alignment base.
type PublicMapTenantSource struct {
	ID          uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	PublicMapID string    `json:"publicMapId" gorm:"not null;uniqueIndex:idx_pm_tenant_source;index"`
	TenantID    string    `json:"tenantId" gorm:"not null;uniqueIndex:idx_pm_tenant_source"`
	MapID       int       `json:"mapId" gorm:"not null;uniqueIndex:idx_pm_tenant_source"`
	Priority    int       `json:"priority" gorm:"not null;default:0"`
	AddedAt     time.Time `json:"addedAt"`
	AddedBy     string    `json:"addedBy"`
}

// PublicMapHmapSource links an uploaded HMap snapshot into a public map.
type PublicMapHmapSource struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	PublicMapID  string    `json:"publicMapId" gorm:"not null;uniqueIndex:idx_pm_hmap_source;index"`
	HmapSourceID uint      `json:"hmapSourceId" gorm:"not null;uniqueIndex:idx_pm_hmap_source"`
	Priority     int       `json:"priority" gorm:"not null;default:0"`
	AddedAt      time.Time `json:"addedAt"`

	// Cached contribution counters from the last analysis run.
	NewGrids         *int `json:"newGrids,omitempty"`
	OverlappingGrids *int `json:"overlappingGrids,omitempty"`
}

// HmapSource is an uploaded .hmap world snapshot file.
type HmapSource struct {
	ID            uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name          string    `json:"name" gorm:"not null"`
	FileName      string    `json:"fileName" gorm:"not null"`
	FilePath      string    `json:"filePath" gorm:"not null"` // relative to GridStorage
	FileSizeBytes int64     `json:"fileSizeBytes" gorm:"not null"`
	CreatedAt     time.Time `json:"createdAt"`

	TotalGrids   *int       `json:"totalGrids,omitempty"`
	SegmentCount *int       `json:"segmentCount,omitempty"`
	MinX         *int       `json:"minX,omitempty"`
	MaxX         *int       `json:"maxX,omitempty"`
	MinY         *int       `json:"minY,omitempty"`
	MaxY         *int       `json:"maxY,omitempty"`
	AnalyzedAt   *time.Time `json:"analyzedAt,omitempty"`
}

// Tenant owns private maps and uploaded grid imagery.
type Tenant struct {
	ID        string    `json:"id" gorm:"primaryKey"`
	Name      string    `json:"name"`
	IsActive  bool      `json:"isActive" gorm:"not null;default:true"`
	CreatedAt time.Time `json:"createdAt"`
}

// TenantMap is one private map of a tenant.
type TenantMap struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID string `json:"tenantId" gorm:"not null;index"`
	MapID    int    `json:"mapId" gorm:"not null"`
	Name     string `json:"name"`
}

// Tile is one uploaded 100x100 base tile of a tenant map. Cache is a monotonic
// upload counter used for overlap tie-breaking.
type Tile struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID string `json:"tenantId" gorm:"not null;uniqueIndex:idx_tile_coord"`
	MapID    int    `json:"mapId" gorm:"not null;uniqueIndex:idx_tile_coord"`
	Zoom     int    `json:"zoom" gorm:"not null;uniqueIndex:idx_tile_coord"`
	CoordX   int    `json:"coordX" gorm:"not null;uniqueIndex:idx_tile_coord"`
	CoordY   int    `json:"coordY" gorm:"not null;uniqueIndex:idx_tile_coord"`
	File     string `json:"file" gorm:"not null"` // relative to GridStorage
	Cache    int64  `json:"cache" gorm:"not null;default:0"`
}

// Grid records which in-world grid a tenant mapped at which map coordinate.
// GridID is stable across tenants for the same physical grid.
type Grid struct {
	ID       uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID string `json:"tenantId" gorm:"not null;uniqueIndex:idx_grid_id"`
	MapID    int    `json:"mapId" gorm:"not null;uniqueIndex:idx_grid_id"`
	GridID   string `json:"gridId" gorm:"not null;uniqueIndex:idx_grid_id"`
	CoordX   int    `json:"coordX" gorm:"not null"`
	CoordY   int    `json:"coordY" gorm:"not null"`
}

// Marker is a point of interest placed by a tenant inside a grid.
type Marker struct {
	ID        uint   `json:"id" gorm:"primaryKey;autoIncrement"`
	TenantID  string `json:"tenantId" gorm:"not null;index"`
	GridID    string `json:"gridId" gorm:"not null"`
	PositionX int    `json:"positionX" gorm:"not null"`
	PositionY int    `json:"positionY" gorm:"not null"`
	Image     string `json:"image"`
	Name      string `json:"name"`
	Hidden    bool   `json:"hidden" gorm:"not null;default:false"`
}
