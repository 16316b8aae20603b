package cache

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
)

// DataType is the in-cache pixel element type. Tile pixel buffers are always
// one of these two, chosen per-file by CachedFile.open.
type DataType int

const (
	UINT8 DataType = iota
	FLOAT
)

// Size returns the size in bytes of one channel sample of this type.
func (d DataType) Size() int {
	switch d {
	case FLOAT:
		return 4
	default:
		return 1
	}
}

func (d DataType) String() string {
	switch d {
	case FLOAT:
		return "float"
	default:
		return "uint8"
	}
}

// ImageSpec describes one subimage (resolution level) of a file: its
// dimensions, tiling, pixel format, and a free-form attribute bag.
//
// Width/Height/Depth/NChannels describe the pixel data of this subimage
// exactly as stored (or synthesized); FullWidth/FullHeight/FullDepth are the
// display-window extents, which for every subimage handled by this package
// are equal to Width/Height/Depth (no cropped display windows are modeled).
type ImageSpec struct {
	Width, Height, Depth int
	NChannels            int
	TileWidth, TileHeight, TileDepth int
	Format               DataType
	X, Y, Z              int
	FullWidth, FullHeight, FullDepth int
	Attrs                map[string]any
}

// GetAttribute looks up a named attribute, returning ok=false if absent.
func (s *ImageSpec) GetAttribute(name string) (any, bool) {
	if s.Attrs == nil {
		return nil, false
	}
	v, ok := s.Attrs[name]
	return v, ok
}

// TileBytes returns the byte size of one full tile of this subimage at the
// given datatype: width * height * max(1,depth) * channels * sizeof(datatype).
func (s *ImageSpec) TileBytes(dt DataType) int {
	depth := s.TileDepth
	if depth < 1 {
		depth = 1
	}
	return s.TileWidth * s.TileHeight * depth * s.NChannels * dt.Size()
}

// TileID identifies one resident tile: a file, a subimage within that file,
// and the tile's lower-left-front pixel coordinate snapped to the tile
// lattice of that subimage. Equality and hashing are structural on all five
// fields — Go gives this for free since TileID is a comparable struct and
// can be used directly as a map key.
type TileID struct {
	FileKey  string
	Subimage int
	X, Y, Z  int
}

// Hash returns an xxhash-based digest of the id, used only for shard
// selection in TileTable — not for equality, which remains the structural
// comparison above.
func (id TileID) Hash() uint64 {
	h := xxhash.New()
	h.WriteString(id.FileKey)
	var buf [16]byte
	binary.LittleEndian.PutUint32(buf[0:4], uint32(id.Subimage))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(id.X))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(id.Y))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(id.Z))
	h.Write(buf[:])
	return h.Sum64()
}
