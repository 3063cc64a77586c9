package hmap

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Encode writes data in the HMap wire format. The inverse of Decode; mainly
// exercised by tooling and tests that build snapshot fixtures.
func Encode(w io.Writer, data *Data) error {
	bw := bufio.NewWriter(w)

	if _, err := bw.WriteString(Magic); err != nil {
		return err
	}

	segments := map[int64][]Grid{}
	var order []int64
	for _, g := range data.Grids {
		if _, seen := segments[g.SegmentID]; !seen {
			order = append(order, g.SegmentID)
		}
		segments[g.SegmentID] = append(segments[g.SegmentID], g)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	writeI32(bw, int32(len(order)))
	for _, segmentID := range order {
		grids := segments[segmentID]
		writeI64(bw, segmentID)
		writeI32(bw, int32(len(grids)))
		for _, g := range grids {
			if err := writeGrid(bw, g); err != nil {
				return err
			}
		}
	}

	writeI32(bw, int32(len(data.Markers)))
	for _, m := range data.Markers {
		bw.WriteByte(markerKindSurface)
		writeU64(bw, m.ObjectID)
		writeI32(bw, m.TileX)
		writeI32(bw, m.TileY)
		writeStr(bw, m.Name)
		writeStr(bw, m.ResourceName)
	}

	return bw.Flush()
}

func writeGrid(bw *bufio.Writer, g Grid) error {
	if len(g.TileIndices) != GridTiles || len(g.ZMap) != GridTiles {
		return fmt.Errorf("hmap: grid (%d,%d) has %d indices and %d z values, want %d",
			g.TileX, g.TileY, len(g.TileIndices), len(g.ZMap), GridTiles)
	}
	writeI32(bw, g.TileX)
	writeI32(bw, g.TileY)
	writeI32(bw, int32(len(g.Tilesets)))
	for _, ts := range g.Tilesets {
		writeStr(bw, ts.ResourceName)
	}
	bw.Write(g.TileIndices)
	for _, z := range g.ZMap {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(z))
		bw.Write(buf[:])
	}
	return nil
}

func writeI32(w *bufio.Writer, v int32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(v))
	w.Write(buf[:])
}

func writeI64(w *bufio.Writer, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	w.Write(buf[:])
}

func writeU64(w *bufio.Writer, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	w.Write(buf[:])
}

func writeStr(w *bufio.Writer, s string) {
	writeI32(w, int32(len(s)))
	w.WriteString(s)
}
