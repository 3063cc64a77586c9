package publicmap

import (
	"sort"

	"havenmapper/internal/logger"
)

// SourceKey identifies one tenant source of a public map.
type SourceKey struct {
	TenantID string
	MapID    int
}

// Offset translates a source's local grid coordinates into unified space.
type Offset struct {
	DX int
	DY int
}

// AlignInput is one source with its grid table, already ordered by
// (priority desc, addedAt asc). The first entry is the alignment base.
type AlignInput struct {
	Key SourceKey
	// Grids maps gridId to the source-local grid coordinate.
	Grids map[string]Coord
}

// AlignSources computes per-source offsets into the unified space. The base
// source sits at (0,0); every other source is shifted so that the
// lexicographically first grid it shares with the base lands on the base's
// coordinate for that grid. A source with no shared grid stays at (0,0) and
// is reported with a warning; generation proceeds.
func AlignSources(log *logger.Logger, sources []AlignInput) map[SourceKey]Offset {
	offsets := make(map[SourceKey]Offset, len(sources))
	if len(sources) == 0 {
		return offsets
	}

	base := sources[0]
	offsets[base.Key] = Offset{}

	for _, src := range sources[1:] {
		shared := sharedGridIDs(base.Grids, src.Grids)
		if len(shared) == 0 {
			log.Warn("no shared grid with base source, using zero offset",
				"tenant", src.Key.TenantID, "map", src.Key.MapID)
			offsets[src.Key] = Offset{}
			continue
		}
		// Lexicographic pick keeps the offset stable across runs.
		sort.Strings(shared)
		gridID := shared[0]
		baseCoord := base.Grids[gridID]
		srcCoord := src.Grids[gridID]
		offsets[src.Key] = Offset{
			DX: baseCoord.X - srcCoord.X,
			DY: baseCoord.Y - srcCoord.Y,
		}
	}
	return offsets
}

func sharedGridIDs(a, b map[string]Coord) []string {
	// Iterate the smaller table.
	if len(b) < len(a) {
		a, b = b, a
	}
	var shared []string
	for id := range a {
		if _, ok := b[id]; ok {
			shared = append(shared, id)
		}
	}
	return shared
}
