package publicmap

import (
	"image"

	"havenmapper/internal/tilemath"
)

// Coord is a zoom-0 position in the unified coordinate space.
type Coord struct {
	X int
	Y int
}

// Cell is one 100x100 contribution at a unified coordinate. Load runs lazily
// during composition so a run never holds more than one block of source
// images in memory.
type Cell struct {
	Load func() (image.Image, error)
}

// CellDict is the unified coordinate dictionary the composer consumes: one
// winning cell per coordinate after overlap tie-breaking.
type CellDict map[Coord]Cell

// Bounds returns the inclusive extent of the dictionary.
func (d CellDict) Bounds() *tilemath.Bounds {
	b := tilemath.NewBounds()
	for c := range d {
		b.Extend(c.X, c.Y)
	}
	return b
}

// candidate is a cell plus its tie-breaking rank while the dictionary is
// being built.
type candidate struct {
	cell Cell
	// cache is the catalog cacheTimestamp on the tenant path; greater wins.
	cache int64
	// order is the source iteration index; lower wins on equal cache, which
	// makes ties deterministic in (priority desc, addedAt asc) order.
	order int
}

// DictBuilder accumulates per-source cells into a CellDict.
type DictBuilder struct {
	cells map[Coord]candidate
}

func NewDictBuilder() *DictBuilder {
	return &DictBuilder{cells: make(map[Coord]candidate)}
}

// AddTenantCell offers a tenant-path cell. The entry with the greatest cache
// timestamp wins; equal timestamps keep the earlier source.
func (b *DictBuilder) AddTenantCell(c Coord, cache int64, order int, cell Cell) {
	prev, ok := b.cells[c]
	if ok && (prev.cache > cache || (prev.cache == cache && prev.order <= order)) {
		return
	}
	b.cells[c] = candidate{cell: cell, cache: cache, order: order}
}

// AddHmapCell offers an HMap-path cell. Sources are iterated in priority
// order, so the first claim on a coordinate wins.
func (b *DictBuilder) AddHmapCell(c Coord, cell Cell) bool {
	if _, claimed := b.cells[c]; claimed {
		return false
	}
	b.cells[c] = candidate{cell: cell}
	return true
}

func (b *DictBuilder) Build() CellDict {
	dict := make(CellDict, len(b.cells))
	for c, cand := range b.cells {
		dict[c] = cand.cell
	}
	return dict
}
