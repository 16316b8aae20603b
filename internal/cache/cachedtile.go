package cache

import "sync/atomic"

// CachedTile owns a pixel buffer for exactly one tile. Pixels are immutable
// after insertion; safe to read under only a refcount hold. used and
// refcount are the two fields the TileTable's clock sweep (checkMaxMem) and
// pinning contract touch without the tile's own cooperation, so they're
// atomics rather than guarded by a mutex on the tile itself — the tile has
// none.
type CachedTile struct {
	id    TileID
	pixels []byte

	// valid is false when the underlying read failed. Such tiles are
	// still inserted briefly (so repeated misses on a broken tile don't
	// re-read every time) but are never counted as "used" and read out
	// as zero-filled.
	valid bool

	used     atomic.Bool
	refcount atomic.Int32
}

func newCachedTile(id TileID, pixels []byte, valid bool) *CachedTile {
	t := &CachedTile{id: id, pixels: pixels, valid: valid}
	// A tile from a failed read is never counted as used, so the clock
	// sweep evicts it on its very next pass instead of granting it a
	// second chance.
	t.used.Store(valid)
	return t
}

// Ref increments the pin count, preventing eviction until a matching Unref.
func (t *CachedTile) Ref() { t.refcount.Add(1) }

// Unref releases one pin.
func (t *CachedTile) Unref() { t.refcount.Add(-1) }

// Pinned reports whether refcount > 0.
func (t *CachedTile) Pinned() bool { return t.refcount.Load() > 0 }

// Pixels returns the raw backing buffer. Callers must hold a Ref (or be
// certain the tile can't be concurrently evicted some other way, e.g.
// because they just looked it up under the TileTable's write lock).
func (t *CachedTile) Pixels() []byte { return t.pixels }

// Valid reports whether the underlying read that produced this tile
// succeeded.
func (t *CachedTile) Valid() bool { return t.valid }

// Bytes returns the tile's resident size for memory accounting.
func (t *CachedTile) Bytes() int64 { return int64(len(t.pixels)) }

func (t *CachedTile) release() {
	putTileBuffer(t.pixels)
	t.pixels = nil
}
