package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"havenmapper/internal/apperr"
	"havenmapper/internal/hmap"
	"havenmapper/internal/models"
	"havenmapper/internal/tilemath"
)

// SourceContribution is the per-source result of a contribution analysis.
type SourceContribution struct {
	HmapSourceID     uint   `json:"hmapSourceId"`
	Name             string `json:"name"`
	Priority         int    `json:"priority"`
	NewGrids         int    `json:"newGrids"`
	OverlappingGrids int    `json:"overlappingGrids"`
}

// ContributionReport aggregates an analysis run over one public map.
type ContributionReport struct {
	PublicMapID      string               `json:"publicMapId"`
	Sources          []SourceContribution `json:"sources"`
	TotalNew         int                  `json:"totalNew"`
	TotalOverlapping int                  `json:"totalOverlapping"`
}

// AnalyzeContributions walks the map's HMap sources in priority order and
// counts, per source, how many grid coordinates it claims first versus how
// many a higher-priority source already covers. Counters are persisted on the
// linking rows; each source's analysis fields are refreshed as a side effect.
func (s *Service) AnalyzeContributions(ctx context.Context, publicMapID string) (*ContributionReport, error) {
	if _, err := s.GetPublicMap(ctx, publicMapID); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)

	var links []models.PublicMapHmapSource
	if err := db.Where("public_map_id = ?", publicMapID).
		Order("priority DESC, added_at ASC").
		Find(&links).Error; err != nil {
		return nil, apperr.Internal("load hmap links", err)
	}

	report := &ContributionReport{PublicMapID: publicMapID}
	claimed := make(map[[2]int]struct{})
	for _, link := range links {
		var src models.HmapSource
		if err := db.First(&src, "id = ?", link.HmapSourceID).Error; err != nil {
			return nil, apperr.Internal("load hmap source row", err)
		}

		data, err := s.decodeSource(&src)
		if err != nil {
			return nil, err
		}

		contribution := SourceContribution{
			HmapSourceID: src.ID,
			Name:         src.Name,
			Priority:     link.Priority,
		}
		for i := range data.Grids {
			coord := [2]int{int(data.Grids[i].TileX), int(data.Grids[i].TileY)}
			if _, taken := claimed[coord]; taken {
				contribution.OverlappingGrids++
				continue
			}
			claimed[coord] = struct{}{}
			contribution.NewGrids++
		}

		if err := db.Model(&models.PublicMapHmapSource{}).
			Where("id = ?", link.ID).Updates(map[string]interface{}{
			"new_grids":         contribution.NewGrids,
			"overlapping_grids": contribution.OverlappingGrids,
		}).Error; err != nil {
			return nil, apperr.Internal("persist contribution counters", err)
		}
		if err := s.persistSourceAnalysis(ctx, &src, data); err != nil {
			return nil, err
		}

		report.Sources = append(report.Sources, contribution)
		report.TotalNew += contribution.NewGrids
		report.TotalOverlapping += contribution.OverlappingGrids
	}
	return report, nil
}

func (s *Service) decodeSource(src *models.HmapSource) (*hmap.Data, error) {
	path := filepath.Join(s.cfg.GridStorage, filepath.FromSlash(src.FilePath))
	f, err := os.Open(path)
	if err != nil {
		return nil, apperr.Internal(fmt.Sprintf("open hmap source %q", src.Name), err)
	}
	defer f.Close()
	data, err := hmap.Decode(f)
	if err != nil {
		return nil, apperr.InvalidArgument("hmap source %q is malformed: %v", src.Name, err)
	}
	return data, nil
}

func (s *Service) persistSourceAnalysis(ctx context.Context, src *models.HmapSource, data *hmap.Data) error {
	segments := make(map[int64]struct{})
	bounds := tilemath.NewBounds()
	for i := range data.Grids {
		segments[data.Grids[i].SegmentID] = struct{}{}
		bounds.Extend(int(data.Grids[i].TileX), int(data.Grids[i].TileY))
	}

	fields := map[string]interface{}{
		"total_grids":   len(data.Grids),
		"segment_count": len(segments),
		"analyzed_at":   time.Now(),
	}
	if bounds.Valid() {
		fields["min_x"] = bounds.MinX
		fields["max_x"] = bounds.MaxX
		fields["min_y"] = bounds.MinY
		fields["max_y"] = bounds.MaxY
	}
	if err := s.db.WithContext(ctx).Model(&models.HmapSource{}).
		Where("id = ?", src.ID).Updates(fields).Error; err != nil {
		return apperr.Internal("persist source analysis", err)
	}
	return nil
}
