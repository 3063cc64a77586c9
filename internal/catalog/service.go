package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/gorm"

	"havenmapper/internal/apperr"
	"havenmapper/internal/config"
	"havenmapper/internal/logger"
	"havenmapper/internal/models"
)

// Service is the catalog layer over public maps and their sources. All
// user-facing operations report failures through apperr kinds; the HTTP layer
// maps them to status codes.
type Service struct {
	log *logger.Logger
	db  *gorm.DB
	cfg *config.Config
}

func NewService(log *logger.Logger, db *gorm.DB, cfg *config.Config) *Service {
	return &Service{log: log.With("component", "catalog"), db: db, cfg: cfg}
}

// CreatePublicMap registers a new public map. The slug is derived from
// explicitSlug when given, otherwise from name; collisions get a numeric
// suffix.
func (s *Service) CreatePublicMap(ctx context.Context, name, explicitSlug string, isActive bool, createdBy string) (*models.PublicMap, error) {
	if name == "" {
		return nil, apperr.InvalidArgument("name is required")
	}
	base := explicitSlug
	if base == "" {
		base = name
	}
	slug, err := s.uniqueSlug(ctx, Slugify(base))
	if err != nil {
		return nil, err
	}

	pm := &models.PublicMap{
		ID:               slug,
		Name:             name,
		IsActive:         isActive,
		CreatedAt:        time.Now(),
		CreatedBy:        createdBy,
		GenerationStatus: models.GenerationPending,
	}
	if err := s.db.WithContext(ctx).Create(pm).Error; err != nil {
		return nil, apperr.Internal("create public map", err)
	}
	s.log.Info("public map created", "id", pm.ID, "name", name)
	return pm, nil
}

func (s *Service) uniqueSlug(ctx context.Context, base string) (string, error) {
	candidate := base
	for n := 0; ; n++ {
		if n > 0 {
			suffix := fmt.Sprintf("-%d", n)
			candidate = base
			if len(candidate)+len(suffix) > slugMaxLen {
				candidate = strings.TrimRight(candidate[:slugMaxLen-len(suffix)], "-")
			}
			candidate += suffix
		}
		var count int64
		if err := s.db.WithContext(ctx).Model(&models.PublicMap{}).
			Where("id = ?", candidate).Count(&count).Error; err != nil {
			return "", apperr.Internal("check slug", err)
		}
		if count == 0 {
			return candidate, nil
		}
	}
}

// PublicMapUpdate carries the mutable fields of a public map; nil means
// unchanged.
type PublicMapUpdate struct {
	Name                      *string
	IsActive                  *bool
	AutoRegenerate            *bool
	RegenerateIntervalMinutes *int
	ClearRegenerateInterval   bool
}

func (s *Service) UpdatePublicMap(ctx context.Context, id string, upd PublicMapUpdate) (*models.PublicMap, error) {
	pm, err := s.GetPublicMap(ctx, id)
	if err != nil {
		return nil, err
	}

	fields := map[string]interface{}{}
	if upd.Name != nil {
		if *upd.Name == "" {
			return nil, apperr.InvalidArgument("name cannot be empty")
		}
		fields["name"] = *upd.Name
	}
	if upd.IsActive != nil {
		fields["is_active"] = *upd.IsActive
	}
	if upd.AutoRegenerate != nil {
		fields["auto_regenerate"] = *upd.AutoRegenerate
	}
	if upd.ClearRegenerateInterval {
		fields["regenerate_interval_minutes"] = nil
	} else if upd.RegenerateIntervalMinutes != nil {
		if *upd.RegenerateIntervalMinutes < 1 {
			return nil, apperr.InvalidArgument("regeneration interval must be at least one minute")
		}
		fields["regenerate_interval_minutes"] = *upd.RegenerateIntervalMinutes
	}
	if len(fields) == 0 {
		return pm, nil
	}

	if err := s.db.WithContext(ctx).Model(&models.PublicMap{}).
		Where("id = ?", id).Updates(fields).Error; err != nil {
		return nil, apperr.Internal("update public map", err)
	}
	return s.GetPublicMap(ctx, id)
}

func (s *Service) GetPublicMap(ctx context.Context, id string) (*models.PublicMap, error) {
	var pm models.PublicMap
	if err := s.db.WithContext(ctx).First(&pm, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("public map %q not found", id)
		}
		return nil, apperr.Internal("load public map", err)
	}
	return &pm, nil
}

// ListPublicMaps returns all maps; activeOnly restricts to the viewer-visible
// set.
func (s *Service) ListPublicMaps(ctx context.Context, activeOnly bool) ([]models.PublicMap, error) {
	q := s.db.WithContext(ctx).Order("created_at ASC")
	if activeOnly {
		q = q.Where("is_active = ?", true)
	}
	var maps []models.PublicMap
	if err := q.Find(&maps).Error; err != nil {
		return nil, apperr.Internal("list public maps", err)
	}
	return maps, nil
}

// DeletePublicMap removes the map row, its source links and the generated
// tile directory.
func (s *Service) DeletePublicMap(ctx context.Context, id string) error {
	if _, err := s.GetPublicMap(ctx, id); err != nil {
		return err
	}
	db := s.db.WithContext(ctx)
	if err := db.Where("public_map_id = ?", id).Delete(&models.PublicMapTenantSource{}).Error; err != nil {
		return apperr.Internal("delete tenant source links", err)
	}
	if err := db.Where("public_map_id = ?", id).Delete(&models.PublicMapHmapSource{}).Error; err != nil {
		return apperr.Internal("delete hmap source links", err)
	}
	if err := db.Delete(&models.PublicMap{}, "id = ?", id).Error; err != nil {
		return apperr.Internal("delete public map", err)
	}
	if err := os.RemoveAll(filepath.Join(s.cfg.GridStorage, "public", id)); err != nil {
		return apperr.Internal("remove tile directory", err)
	}
	s.log.Info("public map deleted", "id", id)
	return nil
}

// AddTenantSource links a tenant map into a public map. A duplicate link is
// an InvalidArgument.
func (s *Service) AddTenantSource(ctx context.Context, publicMapID, tenantID string, mapID, priority int, addedBy string) (*models.PublicMapTenantSource, error) {
	if _, err := s.GetPublicMap(ctx, publicMapID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var tenant models.Tenant
	if err := db.First(&tenant, "id = ?", tenantID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("tenant %q not found", tenantID)
		}
		return nil, apperr.Internal("load tenant", err)
	}

	var count int64
	if err := db.Model(&models.PublicMapTenantSource{}).
		Where("public_map_id = ? AND tenant_id = ? AND map_id = ?", publicMapID, tenantID, mapID).
		Count(&count).Error; err != nil {
		return nil, apperr.Internal("check source link", err)
	}
	if count > 0 {
		return nil, apperr.InvalidArgument("source %s/%d already linked", tenantID, mapID)
	}

	src := &models.PublicMapTenantSource{
		PublicMapID: publicMapID,
		TenantID:    tenantID,
		MapID:       mapID,
		Priority:    priority,
		AddedAt:     time.Now(),
		AddedBy:     addedBy,
	}
	if err := db.Create(src).Error; err != nil {
		return nil, apperr.Internal("create source link", err)
	}
	return src, nil
}

func (s *Service) RemoveTenantSource(ctx context.Context, publicMapID, tenantID string, mapID int) error {
	res := s.db.WithContext(ctx).
		Where("public_map_id = ? AND tenant_id = ? AND map_id = ?", publicMapID, tenantID, mapID).
		Delete(&models.PublicMapTenantSource{})
	if res.Error != nil {
		return apperr.Internal("remove source link", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("source %s/%d not linked to %q", tenantID, mapID, publicMapID)
	}
	return nil
}

func (s *Service) SetTenantSourcePriority(ctx context.Context, publicMapID, tenantID string, mapID, priority int) error {
	res := s.db.WithContext(ctx).Model(&models.PublicMapTenantSource{}).
		Where("public_map_id = ? AND tenant_id = ? AND map_id = ?", publicMapID, tenantID, mapID).
		Update("priority", priority)
	if res.Error != nil {
		return apperr.Internal("update source priority", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("source %s/%d not linked to %q", tenantID, mapID, publicMapID)
	}
	return nil
}

// AddHmapSource links an uploaded snapshot into a public map.
func (s *Service) AddHmapSource(ctx context.Context, publicMapID string, hmapSourceID uint, priority int) (*models.PublicMapHmapSource, error) {
	if _, err := s.GetPublicMap(ctx, publicMapID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var src models.HmapSource
	if err := db.First(&src, "id = ?", hmapSourceID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.NotFound("hmap source %d not found", hmapSourceID)
		}
		return nil, apperr.Internal("load hmap source", err)
	}

	var count int64
	if err := db.Model(&models.PublicMapHmapSource{}).
		Where("public_map_id = ? AND hmap_source_id = ?", publicMapID, hmapSourceID).
		Count(&count).Error; err != nil {
		return nil, apperr.Internal("check hmap link", err)
	}
	if count > 0 {
		return nil, apperr.InvalidArgument("hmap source %d already linked", hmapSourceID)
	}

	link := &models.PublicMapHmapSource{
		PublicMapID:  publicMapID,
		HmapSourceID: hmapSourceID,
		Priority:     priority,
		AddedAt:      time.Now(),
	}
	if err := db.Create(link).Error; err != nil {
		return nil, apperr.Internal("create hmap link", err)
	}
	return link, nil
}

func (s *Service) RemoveHmapSource(ctx context.Context, publicMapID string, hmapSourceID uint) error {
	res := s.db.WithContext(ctx).
		Where("public_map_id = ? AND hmap_source_id = ?", publicMapID, hmapSourceID).
		Delete(&models.PublicMapHmapSource{})
	if res.Error != nil {
		return apperr.Internal("remove hmap link", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("hmap source %d not linked to %q", hmapSourceID, publicMapID)
	}
	return nil
}

func (s *Service) SetHmapSourcePriority(ctx context.Context, publicMapID string, hmapSourceID uint, priority int) error {
	res := s.db.WithContext(ctx).Model(&models.PublicMapHmapSource{}).
		Where("public_map_id = ? AND hmap_source_id = ?", publicMapID, hmapSourceID).
		Update("priority", priority)
	if res.Error != nil {
		return apperr.Internal("update hmap priority", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("hmap source %d not linked to %q", hmapSourceID, publicMapID)
	}
	return nil
}

// BoundsInfo is the viewer's info payload. TileVersion is the last successful
// generation time in unix seconds, nil before the first run.
type BoundsInfo struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	MinX        *int   `json:"minX"`
	MaxX        *int   `json:"maxX"`
	MinY        *int   `json:"minY"`
	MaxY        *int   `json:"maxY"`
	TileVersion *int64 `json:"tileVersion"`
}

func (s *Service) GetBounds(ctx context.Context, id string) (*BoundsInfo, error) {
	pm, err := s.GetPublicMap(ctx, id)
	if err != nil {
		return nil, err
	}
	info := &BoundsInfo{
		ID:   pm.ID,
		Name: pm.Name,
		MinX: pm.MinX, MaxX: pm.MaxX,
		MinY: pm.MinY, MaxY: pm.MaxY,
	}
	if pm.LastGeneratedAt != nil {
		v := pm.LastGeneratedAt.Unix()
		info.TileVersion = &v
	}
	return info, nil
}

// TenantMapInfo describes one linkable tenant map and how many zoom-0 base
// tiles it carries.
type TenantMapInfo struct {
	TenantID  string `json:"tenantId"`
	MapID     int    `json:"mapId"`
	Name      string `json:"name"`
	TileCount int64  `json:"tileCount"`
}

// ListAvailableTenantMaps enumerates every map of every active tenant.
func (s *Service) ListAvailableTenantMaps(ctx context.Context) ([]TenantMapInfo, error) {
	db := s.db.WithContext(ctx)

	var tenants []models.Tenant
	if err := db.Where("is_active = ?", true).Find(&tenants).Error; err != nil {
		return nil, apperr.Internal("list tenants", err)
	}

	var out []TenantMapInfo
	for _, tenant := range tenants {
		var maps []models.TenantMap
		if err := db.Where("tenant_id = ?", tenant.ID).Find(&maps).Error; err != nil {
			return nil, apperr.Internal("list tenant maps", err)
		}
		for _, m := range maps {
			var count int64
			if err := db.Model(&models.Tile{}).
				Where("tenant_id = ? AND map_id = ? AND zoom = 0", m.TenantID, m.MapID).
				Count(&count).Error; err != nil {
				return nil, apperr.Internal("count base tiles", err)
			}
			out = append(out, TenantMapInfo{
				TenantID:  m.TenantID,
				MapID:     m.MapID,
				Name:      m.Name,
				TileCount: count,
			})
		}
	}
	return out, nil
}
