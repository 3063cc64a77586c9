package publicmap

import (
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
)

func writeZoom0Tile(t *testing.T, dir string, c Coord, col color.NRGBA) {
	t.Helper()
	img := imaging.NewCanvas(400, 400)
	for y := 0; y < 400; y++ {
		for x := 0; x < 400; x++ {
			img.SetNRGBA(x, y, col)
		}
	}
	data, err := imaging.EncodeWebP(img, 85)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "0", imaging.TileFileName(c.X, c.Y))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestPyramidSparseSingleTile(t *testing.T) {
	dir := t.TempDir()
	zoom0 := map[Coord]struct{}{{5, 5}: {}}
	writeZoom0Tile(t, dir, Coord{5, 5}, color.NRGBA{R: 255, A: 255})

	var pcts []int
	total, err := BuildPyramid(logger.NewNop(), dir, zoom0, 85, imaging.ScaleNearest, func(p int) { pcts = append(pcts, p) })
	if err != nil {
		t.Fatal(err)
	}
	if total != 6 {
		t.Errorf("pyramid tiles = %d, want 6 (one per level)", total)
	}

	wantChain := []Coord{{2, 2}, {1, 1}, {0, 0}, {0, 0}, {0, 0}, {0, 0}}
	for z := 1; z <= 6; z++ {
		p := wantChain[z-1]
		if _, err := os.Stat(tilePath(dir, z, p)); err != nil {
			t.Errorf("zoom %d tile %d_%d missing: %v", z, p.X, p.Y, err)
		}
	}

	// Zoom 1 has exactly one tile: the other quadrant parents don't exist.
	entries, err := os.ReadDir(filepath.Join(dir, "1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Errorf("zoom 1 tiles = %d, want 1", len(entries))
	}

	if pcts[len(pcts)-1] != 100 {
		t.Errorf("final pyramid progress = %v, want 100", pcts)
	}
}

func TestPyramidQuadrantPlacement(t *testing.T) {
	dir := t.TempDir()
	zoom0 := map[Coord]struct{}{
		{0, 0}: {},
		{1, 1}: {},
	}
	writeZoom0Tile(t, dir, Coord{0, 0}, color.NRGBA{R: 255, A: 255})
	writeZoom0Tile(t, dir, Coord{1, 1}, color.NRGBA{B: 255, A: 255})

	if _, err := BuildPyramid(logger.NewNop(), dir, zoom0, 85, imaging.ScaleNearest, func(int) {}); err != nil {
		t.Fatal(err)
	}

	img, err := imaging.LoadFile(tilePath(dir, 1, Coord{0, 0}))
	if err != nil {
		t.Fatal(err)
	}
	nrgba := imaging.ToNRGBA(img)
	if got := nrgba.NRGBAAt(50, 50); got.R < 200 {
		t.Errorf("top-left quadrant = %v, want red child", got)
	}
	if got := nrgba.NRGBAAt(250, 250); got.B < 200 {
		t.Errorf("bottom-right quadrant = %v, want blue child", got)
	}
	if got := nrgba.NRGBAAt(250, 50); got.A > 20 {
		t.Errorf("empty quadrant = %v, want transparent", got)
	}
}

func TestPyramidClosure(t *testing.T) {
	dir := t.TempDir()
	zoom0 := map[Coord]struct{}{
		{-3, 2}: {},
		{4, -1}: {},
		{0, 0}:  {},
	}
	for c := range zoom0 {
		writeZoom0Tile(t, dir, c, color.NRGBA{G: 255, A: 255})
	}

	if _, err := BuildPyramid(logger.NewNop(), dir, zoom0, 85, imaging.ScaleNearest, func(int) {}); err != nil {
		t.Fatal(err)
	}

	// Every written tile below the top level must have its parent written.
	written := map[int]map[Coord]struct{}{0: zoom0}
	for z := 1; z <= 6; z++ {
		written[z] = map[Coord]struct{}{}
		entries, err := os.ReadDir(filepath.Join(dir, strconv.Itoa(z)))
		if err != nil {
			t.Fatalf("zoom %d: %v", z, err)
		}
		for _, e := range entries {
			x, y, ok := imaging.ParseTileFileName(e.Name())
			if !ok {
				t.Fatalf("bad tile name %q", e.Name())
			}
			written[z][Coord{x, y}] = struct{}{}
		}
	}
	for z := 0; z < 6; z++ {
		for c := range written[z] {
			pc := Coord{floorDiv2(c.X), floorDiv2(c.Y)}
			if _, ok := written[z+1][pc]; !ok {
				t.Errorf("zoom %d tile %v has no parent %v at zoom %d", z, c, pc, z+1)
			}
		}
	}
}

func floorDiv2(a int) int {
	if a < 0 && a%2 != 0 {
		return a/2 - 1
	}
	return a / 2
}
