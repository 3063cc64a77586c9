package publicmap

import (
	"fmt"
	"image"
	"image/draw"
	"os"

	"havenmapper/internal/imaging"
	"havenmapper/internal/logger"
	"havenmapper/internal/tilemath"
	"havenmapper/internal/utils"
)

// Scaler shrinks a 400x400 child tile to a 200x200 quadrant. The batch path
// uses imaging.ScaleSmooth, the on-the-fly path imaging.ScaleNearest.
type Scaler func(src image.Image, w, h int) *image.NRGBA

// BuildPyramid derives zoom levels 1..MaxZoom from the level below, reading
// children back from disk. A parent is written only when at least one of its
// four quadrants decoded; an entirely empty level stops the climb. progress
// receives absolute percents in 50..100, stepped per level.
func BuildPyramid(log *logger.Logger, outDir string, zoom0 map[Coord]struct{}, quality float32, scale Scaler, progress func(int)) (int, error) {
	children := zoom0
	total := 0

	for z := 1; z <= tilemath.MaxZoom; z++ {
		parents := make(map[Coord]struct{})
		for c := range children {
			px, py := tilemath.Parent(c.X, c.Y)
			parents[Coord{px, py}] = struct{}{}
		}

		written := make(map[Coord]struct{})
		for p := range parents {
			ok, err := buildParentTile(log, outDir, z, p, quality, scale)
			if err != nil {
				return total, err
			}
			if ok {
				written[p] = struct{}{}
			}
		}

		total += len(written)
		progress(composeProgressEnd + z*(100-composeProgressEnd)/tilemath.MaxZoom)
		if len(written) == 0 {
			break
		}
		children = written
	}
	return total, nil
}

func buildParentTile(log *logger.Logger, outDir string, zoom int, p Coord, quality float32, scale Scaler) (bool, error) {
	canvas := imaging.NewCanvas(tilemath.TileSize, tilemath.TileSize)
	contributed := 0
	half := tilemath.TileSize / 2

	for dqy := 0; dqy < 2; dqy++ {
		for dqx := 0; dqx < 2; dqx++ {
			child := Coord{2*p.X + dqx, 2*p.Y + dqy}
			path := tilePath(outDir, zoom-1, child)
			img, err := imaging.LoadFile(path)
			if err != nil {
				if !os.IsNotExist(err) {
					log.Warn("child tile unreadable, skipping quadrant",
						"zoom", zoom-1, "x", child.X, "y", child.Y, "error", err)
				}
				continue
			}
			quad := scale(img, half, half)
			dp := image.Pt(dqx*half, dqy*half)
			draw.Draw(canvas, quad.Bounds().Add(dp), quad, quad.Bounds().Min, draw.Src)
			contributed++
		}
	}
	if contributed == 0 {
		return false, nil
	}

	data, err := imaging.EncodeWebP(canvas, quality)
	if err != nil {
		return false, fmt.Errorf("encode tile %d/%d_%d: %w", zoom, p.X, p.Y, err)
	}
	if err := utils.WriteFileAtomic(tilePath(outDir, zoom, p), data); err != nil {
		return false, fmt.Errorf("write tile %d/%d_%d: %w", zoom, p.X, p.Y, err)
	}
	return true, nil
}
