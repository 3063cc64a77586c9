package tilemath

const (
	// GridSize is the pixel edge of one source grid image.
	GridSize = 100
	// TileSize is the pixel edge of one generated output tile.
	TileSize = 400
	// GridsPerTile is the edge count of source grids packed into one zoom-0 tile.
	GridsPerTile = 4
	// MaxZoom is the highest generated zoom level (inclusive).
	MaxZoom = 6
)

// FloorDiv divides a by b rounding toward negative infinity. b must be positive.
// Plain integer division truncates toward zero, which is wrong for negative
// tile coordinates: -1/2 must map to parent -1, not 0.
func FloorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Parent maps a tile coordinate to its 2x2 parent at the next zoom level.
func Parent(x, y int) (int, int) {
	return FloorDiv(x, 2), FloorDiv(y, 2)
}

// BlockParent maps a zoom-0 source-grid coordinate to the output tile that
// packs its 4x4 block.
func BlockParent(x, y int) (int, int) {
	return FloorDiv(x, GridsPerTile), FloorDiv(y, GridsPerTile)
}

// ShiftOffset scales a zoom-0 offset to zoom z via arithmetic right shift.
// Only defined for z >= 0.
func ShiftOffset(ox, oy, z int) (int, int) {
	return ox >> uint(z), oy >> uint(z)
}

// PosMod returns a mod b with a non-negative result. b must be positive.
func PosMod(a, b int) int {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

// Bounds is an inclusive rectangle in zoom-0 unified tile coordinates.
type Bounds struct {
	MinX, MaxX int
	MinY, MaxY int
	valid      bool
}

// NewBounds returns an empty Bounds ready to be extended.
func NewBounds() *Bounds {
	return &Bounds{}
}

// Extend grows b to include (x, y). The first call initialises the rectangle.
func (b *Bounds) Extend(x, y int) {
	if !b.valid {
		b.MinX, b.MaxX, b.MinY, b.MaxY = x, x, y, y
		b.valid = true
		return
	}
	if x < b.MinX {
		b.MinX = x
	}
	if x > b.MaxX {
		b.MaxX = x
	}
	if y < b.MinY {
		b.MinY = y
	}
	if y > b.MaxY {
		b.MaxY = y
	}
}

// Valid reports whether Extend has been called at least once.
func (b *Bounds) Valid() bool {
	return b.valid
}
