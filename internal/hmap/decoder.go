package hmap

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Magic is the signature block at the start of every HMap snapshot.
const Magic = "Haven Mapfile 1"

// GridTiles is the number of cells in one grid (100x100).
const GridTiles = 10000

// ErrInvalidFormat is returned for a bad signature or a truncated stream.
var ErrInvalidFormat = errors.New("hmap: invalid format")

// Marker kind tags in the marker section.
const markerKindSurface = 'S'

// Tileset names one texture resource referenced by a grid's tile indices.
type Tileset struct {
	ResourceName string
}

// Grid is one decoded 100x100 world grid.
type Grid struct {
	SegmentID int64
	TileX     int32
	TileY     int32
	Tilesets  []Tileset
	// TileIndices indexes into Tilesets, row-major, y*100+x.
	TileIndices []byte
	// ZMap holds per-cell elevation, same layout as TileIndices.
	ZMap []float32
}

// SMarker is a surface marker decoded from the marker section.
type SMarker struct {
	ObjectID     uint64
	TileX        int32
	TileY        int32
	Name         string
	ResourceName string
}

// Data is the full decoded content of one HMap file.
type Data struct {
	Grids   []Grid
	Markers []SMarker
}

type reader struct {
	r *bufio.Reader
}

func (d *reader) bytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, ErrInvalidFormat
	}
	return buf, nil
}

func (d *reader) u8() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, ErrInvalidFormat
	}
	return b, nil
}

func (d *reader) i32() (int32, error) {
	buf, err := d.bytes(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buf)), nil
}

func (d *reader) i64() (int64, error) {
	buf, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(buf)), nil
}

func (d *reader) u64() (uint64, error) {
	buf, err := d.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf), nil
}

// str reads an i32 byte-length prefixed UTF-8 string.
func (d *reader) str() (string, error) {
	n, err := d.i32()
	if err != nil {
		return "", err
	}
	if n < 0 || n > 1<<20 {
		return "", ErrInvalidFormat
	}
	buf, err := d.bytes(int(n))
	if err != nil {
		return "", err
	}
	return string(buf), nil
}

// Decode parses a full HMap stream.
func Decode(r io.Reader) (*Data, error) {
	d := &reader{r: bufio.NewReader(r)}

	magic, err := d.bytes(len(Magic))
	if err != nil {
		return nil, err
	}
	if string(magic) != Magic {
		return nil, fmt.Errorf("%w: bad signature", ErrInvalidFormat)
	}

	segmentCount, err := d.i32()
	if err != nil {
		return nil, err
	}
	if segmentCount < 0 {
		return nil, ErrInvalidFormat
	}

	data := &Data{}
	for s := int32(0); s < segmentCount; s++ {
		segmentID, err := d.i64()
		if err != nil {
			return nil, err
		}
		gridCount, err := d.i32()
		if err != nil {
			return nil, err
		}
		if gridCount < 0 {
			return nil, ErrInvalidFormat
		}
		for g := int32(0); g < gridCount; g++ {
			grid, err := d.grid(segmentID)
			if err != nil {
				return nil, err
			}
			data.Grids = append(data.Grids, grid)
		}
	}

	markerCount, err := d.i32()
	if err != nil {
		return nil, err
	}
	if markerCount < 0 {
		return nil, ErrInvalidFormat
	}
	for m := int32(0); m < markerCount; m++ {
		marker, keep, err := d.marker()
		if err != nil {
			return nil, err
		}
		if keep {
			data.Markers = append(data.Markers, marker)
		}
	}

	return data, nil
}

func (d *reader) grid(segmentID int64) (Grid, error) {
	grid := Grid{SegmentID: segmentID}

	var err error
	if grid.TileX, err = d.i32(); err != nil {
		return grid, err
	}
	if grid.TileY, err = d.i32(); err != nil {
		return grid, err
	}

	tilesetCount, err := d.i32()
	if err != nil {
		return grid, err
	}
	if tilesetCount < 0 || tilesetCount > 256 {
		return grid, ErrInvalidFormat
	}
	grid.Tilesets = make([]Tileset, tilesetCount)
	for i := range grid.Tilesets {
		name, err := d.str()
		if err != nil {
			return grid, err
		}
		grid.Tilesets[i] = Tileset{ResourceName: name}
	}

	if grid.TileIndices, err = d.bytes(GridTiles); err != nil {
		return grid, err
	}

	zraw, err := d.bytes(GridTiles * 4)
	if err != nil {
		return grid, err
	}
	grid.ZMap = make([]float32, GridTiles)
	for i := range grid.ZMap {
		grid.ZMap[i] = math.Float32frombits(binary.LittleEndian.Uint32(zraw[i*4:]))
	}

	return grid, nil
}

// marker reads one marker record. Unknown kinds share the common head and
// carry no tail, so they are read and dropped.
func (d *reader) marker() (SMarker, bool, error) {
	var m SMarker

	kind, err := d.u8()
	if err != nil {
		return m, false, err
	}
	if m.ObjectID, err = d.u64(); err != nil {
		return m, false, err
	}
	if m.TileX, err = d.i32(); err != nil {
		return m, false, err
	}
	if m.TileY, err = d.i32(); err != nil {
		return m, false, err
	}
	if m.Name, err = d.str(); err != nil {
		return m, false, err
	}

	switch kind {
	case markerKindSurface:
		if m.ResourceName, err = d.str(); err != nil {
			return m, false, err
		}
		return m, true, nil
	default:
		return m, false, nil
	}
}
