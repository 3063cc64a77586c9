package imaging

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/chai2010/webp"
	xdraw "golang.org/x/image/draw"
)

// NewCanvas allocates a fully transparent NRGBA image.
func NewCanvas(w, h int) *image.NRGBA {
	return image.NewNRGBA(image.Rect(0, 0, w, h))
}

// EncodeWebP encodes img as lossy WebP at the given quality (0..100).
func EncodeWebP(img image.Image, quality float32) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("webp encode: %w", err)
	}
	return buf.Bytes(), nil
}

// Decode decodes PNG or WebP payloads, sniffing the container.
func Decode(data []byte) (image.Image, error) {
	if len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP" {
		return webp.Decode(bytes.NewReader(data))
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// LoadFile reads and decodes an image file by content, not extension.
func LoadFile(path string) (image.Image, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}

// ScaleNearest resizes src to w x h with nearest-neighbour sampling. Pixel-art
// tiles stay crisp on zoom; this is the on-the-fly path.
func ScaleNearest(src image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// ScaleSmooth resizes src to w x h with Catmull-Rom resampling. Used by the
// batch public-map pyramid where encode time dominates anyway.
func ScaleSmooth(src image.Image, w, h int) *image.NRGBA {
	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}

// ToNRGBA converts any image to NRGBA without copying when already NRGBA.
func ToNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// EncodePNG encodes img as PNG. Test fixtures and the texture cache use it.
func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// IsWebP reports whether data starts with the RIFF/WEBP container header.
func IsWebP(data []byte) bool {
	return len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WEBP"
}

// TileFileName formats the canonical on-disk name of a generated tile.
func TileFileName(x, y int) string {
	return fmt.Sprintf("%d_%d.webp", x, y)
}

// ParseTileFileName parses "{x}_{y}" from a tile file name, tolerating any
// image extension the caller may have requested.
func ParseTileFileName(name string) (x, y int, ok bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	if _, err := fmt.Sscanf(base, "%d_%d", &x, &y); err != nil {
		return 0, 0, false
	}
	return x, y, true
}
