package cache

import (
	"sync"
	"sync/atomic"
)

// tileTableShards is the number of independent shards the TileTable splits
// its keyspace across, each with its own RWMutex and byte budget. Sharding
// by xxhash(TileID) turns what would otherwise be a single global tile-table
// mutex into one mutex per shard, so unrelated tiles stop contending on the
// same lock.
const tileTableShards = 16

// TileTable is the keyed mapping TileID -> CachedTile. It guards
// LRU-by-clock eviction of pixel tiles against a byte budget.
type TileTable struct {
	shards  [tileTableShards]tileShard
	memUsed atomic.Int64
	budget  atomic.Int64 // max_memory_bytes, kept in sync by Cache.SetAttribute
}

type tileShard struct {
	mu      sync.RWMutex
	entries map[TileID]*CachedTile
	order   []TileID // clock-sweep ring, insertion order
	sweep   int
	memUsed int64
}

func newTileTable() *TileTable {
	tt := &TileTable{}
	for i := range tt.shards {
		tt.shards[i].entries = make(map[TileID]*CachedTile)
	}
	return tt
}

func (tt *TileTable) shardFor(id TileID) *tileShard {
	return &tt.shards[id.Hash()%tileTableShards]
}

func (tt *TileTable) contains(id TileID) bool {
	s := tt.shardFor(id)
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.entries[id]
	return ok
}

// findTile resolves a TileID through the per-thread micro-cache then the
// main tile table, reading and inserting on miss. Updates the micro-cache
// on every call.
func (tt *TileTable) findTile(c *Cache, id TileID, pti *PerThreadInfo, spec *ImageSpec, cf *CachedFile) (*CachedTile, bool) {
	pti.stats.FindTileCalls.Add(1)

	if t := pti.microLookup(id); t != nil {
		pti.stats.FindTileMicrocacheHits.Add(1)
		return t, true
	}

	s := tt.shardFor(id)
	s.mu.RLock()
	if t, ok := s.entries[id]; ok {
		t.used.Store(true)
		s.mu.RUnlock()
		pti.microUpdate(t)
		return t, true
	}
	s.mu.RUnlock()

	pti.stats.FindTileMisses.Add(1)

	// Release the lock before the (possibly slow) read: two threads
	// racing the same miss may each read the tile; the second insert
	// overwrites the first — wasteful but correct, and the documented
	// trade-off for keeping I/O outside the table lock.
	buf := getTileBuffer(spec.TileBytes(cf.datatype))
	ok, err := cf.readTile(id.Subimage, id.X, id.Y, id.Z, buf)
	if err != nil {
		c.appendError(err.Error())
	}
	t := newCachedTile(id, buf, ok)
	pti.stats.TilesCreated.Add(1)

	tt.addTileToCache(t)
	pti.microUpdate(t)
	return t, ok
}

// addTileToCache runs the shard's clock sweep against its share of the byte
// budget, then inserts under the shard's write lock.
func (tt *TileTable) addTileToCache(t *CachedTile) {
	s := tt.shardFor(t.id)
	tt.checkMaxMemShardBudget(s, tt.budget.Load()/tileTableShards)
	s.mu.Lock()
	if existing, ok := s.entries[t.id]; ok && existing != t {
		s.memUsed -= existing.Bytes()
		tt.memUsed.Add(-existing.Bytes())
		existing.release()
	}
	s.entries[t.id] = t
	s.order = append(s.order, t.id)
	s.memUsed += t.Bytes()
	tt.memUsed.Add(t.Bytes())
	s.mu.Unlock()
}

// checkMaxMem runs the clock sweep on every shard. Each shard is capped at
// maxBytes/tileTableShards, so the sum across shards never exceeds maxBytes.
func (tt *TileTable) checkMaxMem(maxBytes int64) {
	tt.budget.Store(maxBytes)
	for i := range tt.shards {
		tt.checkMaxMemShardBudget(&tt.shards[i], maxBytes/tileTableShards)
	}
}

// setBudget updates the byte budget without forcing an eviction pass; the
// next insert (or an explicit checkMaxMem call) enforces it.
func (tt *TileTable) setBudget(maxBytes int64) {
	tt.budget.Store(maxBytes)
}

// checkMaxMemShardBudget evicts from one shard until its resident bytes are
// under budget or a full pass makes no progress.
func (tt *TileTable) checkMaxMemShardBudget(s *tileShard, budget int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if budget <= 0 {
		return
	}

	passesWithoutProgress := 0
	for s.memUsed > budget && len(s.order) > 0 && passesWithoutProgress < 2 {
		progressed := false
		n := len(s.order)
		for i := 0; i < n; i++ {
			if s.memUsed <= budget {
				break
			}
			if s.sweep >= len(s.order) {
				s.sweep = 0
			}
			id := s.order[s.sweep]
			t, ok := s.entries[id]
			if !ok {
				s.order = append(s.order[:s.sweep], s.order[s.sweep+1:]...)
				continue
			}
			if t.Pinned() || t.used.Swap(false) {
				s.sweep++
				continue
			}
			delete(s.entries, id)
			s.order = append(s.order[:s.sweep], s.order[s.sweep+1:]...)
			s.memUsed -= t.Bytes()
			tt.memUsed.Add(-t.Bytes())
			t.release()
			anonStats.TilesEvicted.Add(1)
			progressed = true
		}
		if !progressed {
			passesWithoutProgress++
		} else {
			passesWithoutProgress = 0
		}
	}
}

// getTile resolves through the main tile table (bypassing the micro-cache),
// bumps refcount by one, and returns the tile.
func (tt *TileTable) getTile(c *Cache, id TileID, spec *ImageSpec, cf *CachedFile) (*CachedTile, error) {
	s := tt.shardFor(id)
	s.mu.RLock()
	if t, ok := s.entries[id]; ok {
		t.used.Store(true)
		t.Ref()
		s.mu.RUnlock()
		return t, nil
	}
	s.mu.RUnlock()

	buf := getTileBuffer(spec.TileBytes(cf.datatype))
	ok, err := cf.readTile(id.Subimage, id.X, id.Y, id.Z, buf)
	t := newCachedTile(id, buf, ok)
	t.Ref()
	tt.addTileToCache(t)
	if err != nil {
		return t, err
	}
	return t, nil
}

// releaseTile decrements the refcount.
func (tt *TileTable) releaseTile(t *CachedTile) {
	t.Unref()
}

// invalidateFile erases every tile whose FileKey matches, across all shards.
func (tt *TileTable) invalidateFile(filename string) {
	for i := range tt.shards {
		s := &tt.shards[i]
		s.mu.Lock()
		for id, t := range s.entries {
			if id.FileKey == filename {
				delete(s.entries, id)
				s.memUsed -= t.Bytes()
				tt.memUsed.Add(-t.Bytes())
				t.release()
			}
		}
		s.order = s.order[:0]
		for id := range s.entries {
			s.order = append(s.order, id)
		}
		s.sweep = 0
		s.mu.Unlock()
	}
}

// MemUsed returns the total resident tile bytes across all shards.
func (tt *TileTable) MemUsed() int64 { return tt.memUsed.Load() }
