package publicmap

import (
	"fmt"
	"image"
	"image/draw"
	"path/filepath"
	"strconv"

	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
	"havenmapper/internal/tilemath"
	"havenmapper/internal/utils"
)

// composeProgressEnd is the percent at which composition hands over to the
// pyramid builder.
const composeProgressEnd = 50

// ComposeResult reports what the zoom-0 pass produced.
type ComposeResult struct {
	// Written holds the output tile coordinates that were actually encoded.
	Written map[Coord]struct{}
	// Bounds is the extent of contributing source cells, in zoom-0 unified
	// coordinates (not output tile coordinates).
	Bounds *tilemath.Bounds
}

// Compose packs the unified dictionary into 400x400 zoom-0 WebP tiles under
// {outDir}/0/. Each output tile covers a 4x4 block of 100x100 cells; a tile
// with no drawable cell is not written. progress receives absolute percent
// values from startPct up to 50, stepping every 5 points.
func Compose(log *logger.Logger, outDir string, dict CellDict, quality float32, startPct int, progress func(int)) (*ComposeResult, error) {
	res := &ComposeResult{
		Written: make(map[Coord]struct{}),
		Bounds:  dict.Bounds(),
	}
	if len(dict) == 0 {
		return res, nil
	}

	outTiles := make(map[Coord]struct{})
	for c := range dict {
		tx, ty := tilemath.BlockParent(c.X, c.Y)
		outTiles[Coord{tx, ty}] = struct{}{}
	}

	levelDir := filepath.Join(outDir, "0")
	done := 0
	lastPct := startPct
	for tile := range outTiles {
		if err := composeTile(log, levelDir, tile, dict, quality, res.Written); err != nil {
			return nil, err
		}
		done++
		pct := startPct + done*(composeProgressEnd-startPct)/len(outTiles)
		if pct >= lastPct+5 || done == len(outTiles) {
			lastPct = pct
			progress(pct)
		}
	}
	return res, nil
}

func composeTile(log *logger.Logger, levelDir string, tile Coord, dict CellDict, quality float32, written map[Coord]struct{}) error {
	canvas := imaging.NewCanvas(tilemath.TileSize, tilemath.TileSize)
	contributed := 0
	for dy := 0; dy < tilemath.GridsPerTile; dy++ {
		for dx := 0; dx < tilemath.GridsPerTile; dx++ {
			c := Coord{tile.X*tilemath.GridsPerTile + dx, tile.Y*tilemath.GridsPerTile + dy}
			cell, ok := dict[c]
			if !ok {
				continue
			}
			img, err := cell.Load()
			if err != nil {
				log.Warn("cell image load failed, skipping",
					"x", c.X, "y", c.Y, "error", err)
				continue
			}
			dp := image.Pt(dx*tilemath.GridSize, dy*tilemath.GridSize)
			draw.Draw(canvas, img.Bounds().Sub(img.Bounds().Min).Add(dp), img, img.Bounds().Min, draw.Src)
			contributed++
		}
	}
	if contributed == 0 {
		return nil
	}

	data, err := imaging.EncodeWebP(canvas, quality)
	if err != nil {
		return fmt.Errorf("encode tile %d_%d: %w", tile.X, tile.Y, err)
	}
	path := filepath.Join(levelDir, imaging.TileFileName(tile.X, tile.Y))
	if err := utils.WriteFileAtomic(path, data); err != nil {
		return fmt.Errorf("write tile %d_%d: %w", tile.X, tile.Y, err)
	}
	written[tile] = struct{}{}
	return nil
}

// tilePath locates a generated tile inside the output tree.
func tilePath(outDir string, zoom int, c Coord) string {
	return filepath.Join(outDir, strconv.Itoa(zoom), imaging.TileFileName(c.X, c.Y))
}
