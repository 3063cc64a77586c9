package hmap

import (
	"image"
	"image/color"

	"havenmapper/internal/tilemath"
)

const gridEdge = 100

// cliffDelta is the elevation step between neighbours that reads as a cliff.
const cliffDelta = 11.0

// cliffShade is the blend factor toward black applied to cliff pixels.
const cliffShade = 0.6

// TextureTable resolves a tileset resource name to a texture image, or nil
// when the resource could not be fetched.
type TextureTable interface {
	Get(resourceName string) *image.NRGBA
}

// Render rasterises one grid into a 100x100 image: texture sampling, then
// cliff shading, then tile-priority borders. Border pixels overwrite shaded
// ones, matching the in-game map look.
func Render(grid *Grid, textures TextureTable) *image.NRGBA {
	out := image.NewNRGBA(image.Rect(0, 0, gridEdge, gridEdge))

	// Resolve each tileset once; a grid rarely uses more than a handful.
	resolved := make([]*image.NRGBA, len(grid.Tilesets))
	for i, ts := range grid.Tilesets {
		resolved[i] = textures.Get(ts.ResourceName)
	}

	for y := 0; y < gridEdge; y++ {
		for x := 0; x < gridEdge; x++ {
			idx := int(grid.TileIndices[y*gridEdge+x])
			var tex *image.NRGBA
			if idx < len(resolved) {
				tex = resolved[idx]
			}
			if tex == nil {
				out.SetNRGBA(x, y, color.NRGBA{R: 128, G: 128, B: 128, A: 255})
				continue
			}
			tb := tex.Bounds()
			sx := tb.Min.X + tilemath.PosMod(x, tb.Dx())
			sy := tb.Min.Y + tilemath.PosMod(y, tb.Dy())
			out.SetNRGBA(x, y, tex.NRGBAAt(sx, sy))
		}
	}

	shadeCliffs(out, grid.ZMap)
	drawPriorityBorders(out, grid.TileIndices)

	return out
}

var neighbours = [4][2]int{{1, 0}, {-1, 0}, {0, 1}, {0, -1}}

func shadeCliffs(img *image.NRGBA, zmap []float32) {
	for y := 1; y < gridEdge-1; y++ {
		for x := 1; x < gridEdge-1; x++ {
			z := zmap[y*gridEdge+x]
			broken := false
			for _, n := range neighbours {
				zn := zmap[(y+n[1])*gridEdge+(x+n[0])]
				d := z - zn
				if d > cliffDelta || d < -cliffDelta {
					broken = true
					break
				}
			}
			if !broken {
				continue
			}
			c := img.NRGBAAt(x, y)
			c.R = uint8(float64(c.R) * (1 - cliffShade))
			c.G = uint8(float64(c.G) * (1 - cliffShade))
			c.B = uint8(float64(c.B) * (1 - cliffShade))
			img.SetNRGBA(x, y, c)
		}
	}
}

func drawPriorityBorders(img *image.NRGBA, indices []byte) {
	black := color.NRGBA{A: 255}
	for y := 0; y < gridEdge; y++ {
		for x := 0; x < gridEdge; x++ {
			own := indices[y*gridEdge+x]
			for _, n := range neighbours {
				nx, ny := x+n[0], y+n[1]
				if nx < 0 || nx >= gridEdge || ny < 0 || ny >= gridEdge {
					continue
				}
				if indices[ny*gridEdge+nx] > own {
					img.SetNRGBA(x, y, black)
					break
				}
			}
		}
	}
}
