package publicmap

import (
	"encoding/json"
	"path/filepath"
	"strings"

	"havenmapper/internal/hmap"
	"havenmapper/internal/tilemath"
	"havenmapper/internal/utils"
)

// thingwallNeedle marks the one marker kind that is public: thingwalls are
// shared fast-travel structures every player can see in-game.
const thingwallNeedle = "thingwall"

// markersFileName is the auxiliary output next to the tile pyramid.
const markersFileName = "markers.json"

// PublicMarker is one entry of markers.json.
type PublicMarker struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	X     int    `json:"x"`
	Y     int    `json:"y"`
	Image string `json:"image"`
}

// TenantMarker is a catalog marker joined to its grid position, ready for
// translation into unified space.
type TenantMarker struct {
	ID        int64
	Name      string
	Image     string
	GridCoord Coord // source-local grid coordinate
	PosX      int   // intra-grid pixel position
	PosY      int
	Offset    Offset
}

// BuildTenantMarkers converts catalog markers to absolute unified positions.
// Filtering (thingwall image, not hidden) happens at the catalog query.
func BuildTenantMarkers(markers []TenantMarker) []PublicMarker {
	out := make([]PublicMarker, 0, len(markers))
	for _, m := range markers {
		out = append(out, PublicMarker{
			ID:    m.ID,
			Name:  m.Name,
			X:     (m.GridCoord.X+m.Offset.DX)*tilemath.GridSize + m.PosX,
			Y:     (m.GridCoord.Y+m.Offset.DY)*tilemath.GridSize + m.PosY,
			Image: m.Image,
		})
	}
	return out
}

// BuildHmapMarkers collects thingwall surface markers from decoded snapshots.
// HMap marker coordinates are already absolute world-tile positions.
func BuildHmapMarkers(datas []*hmap.Data) []PublicMarker {
	var out []PublicMarker
	for _, data := range datas {
		for _, m := range data.Markers {
			if !strings.Contains(m.ResourceName, thingwallNeedle) {
				continue
			}
			out = append(out, PublicMarker{
				ID:    int64(m.ObjectID),
				Name:  m.Name,
				X:     int(m.TileX),
				Y:     int(m.TileY),
				Image: m.ResourceName,
			})
		}
	}
	return out
}

// DedupeMarkers keeps the first marker seen at each absolute position.
// Multiple tenants mapping the same thingwall collapse to one entry.
func DedupeMarkers(markers []PublicMarker) []PublicMarker {
	seen := make(map[Coord]struct{}, len(markers))
	out := make([]PublicMarker, 0, len(markers))
	for _, m := range markers {
		pos := Coord{m.X, m.Y}
		if _, dup := seen[pos]; dup {
			continue
		}
		seen[pos] = struct{}{}
		out = append(out, m)
	}
	return out
}

// WriteMarkers serialises markers.json into the output directory. An empty
// slice still produces a valid empty JSON array.
func WriteMarkers(outDir string, markers []PublicMarker) error {
	if markers == nil {
		markers = []PublicMarker{}
	}
	data, err := json.Marshal(markers)
	if err != nil {
		return err
	}
	return utils.WriteFileAtomic(filepath.Join(outDir, markersFileName), data)
}
