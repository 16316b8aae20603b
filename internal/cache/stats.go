package cache

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// Stats holds per-thread counters, written lock-free by the owning thread
// and merged under the registry lock on read-out. Each PerThreadInfo embeds
// one; Cache.Statistics() sums every registered client's block plus the
// (now-unregistered) historical totals kept in Cache.closedClientStats.
type Stats struct {
	FindTileCalls   atomic.Int64
	FindTileMicrocacheHits atomic.Int64
	FindTileMisses  atomic.Int64
	FilesOpened     atomic.Int64
	FilesTotalOpens atomic.Int64 // includes re-opens after eviction
	BytesRead       atomic.Int64
	TilesRead       atomic.Int64
	TileIOTime      atomic.Int64 // nanoseconds
	TilesCreated    atomic.Int64
	TilesEvicted    atomic.Int64
	FilesEvicted    atomic.Int64
	ImageSpecCalls  atomic.Int64
	GetPixelsCalls  atomic.Int64
}

// Snapshot is a plain-value copy of Stats, used for merging and for
// reporting outside the package (e.g. internal/observe).
type Snapshot struct {
	FindTileCalls, FindTileMicrocacheHits, FindTileMisses int64
	FilesOpened, FilesTotalOpens                          int64
	BytesRead, TilesRead                                  int64
	TileIOTime                                            int64
	TilesCreated, TilesEvicted, FilesEvicted               int64
	ImageSpecCalls, GetPixelsCalls                         int64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		FindTileCalls:          s.FindTileCalls.Load(),
		FindTileMicrocacheHits: s.FindTileMicrocacheHits.Load(),
		FindTileMisses:         s.FindTileMisses.Load(),
		FilesOpened:            s.FilesOpened.Load(),
		FilesTotalOpens:        s.FilesTotalOpens.Load(),
		BytesRead:              s.BytesRead.Load(),
		TilesRead:              s.TilesRead.Load(),
		TileIOTime:             s.TileIOTime.Load(),
		TilesCreated:           s.TilesCreated.Load(),
		TilesEvicted:           s.TilesEvicted.Load(),
		FilesEvicted:           s.FilesEvicted.Load(),
		ImageSpecCalls:         s.ImageSpecCalls.Load(),
		GetPixelsCalls:         s.GetPixelsCalls.Load(),
	}
}

// foldFrom adds a snapshot (typically a throwaway client's final counters)
// into this running total.
func (s *Stats) foldFrom(other Snapshot) {
	s.FindTileCalls.Add(other.FindTileCalls)
	s.FindTileMicrocacheHits.Add(other.FindTileMicrocacheHits)
	s.FindTileMisses.Add(other.FindTileMisses)
	s.FilesOpened.Add(other.FilesOpened)
	s.FilesTotalOpens.Add(other.FilesTotalOpens)
	s.BytesRead.Add(other.BytesRead)
	s.TilesRead.Add(other.TilesRead)
	s.TileIOTime.Add(other.TileIOTime)
	s.TilesCreated.Add(other.TilesCreated)
	s.TilesEvicted.Add(other.TilesEvicted)
	s.FilesEvicted.Add(other.FilesEvicted)
	s.ImageSpecCalls.Add(other.ImageSpecCalls)
	s.GetPixelsCalls.Add(other.GetPixelsCalls)
}

func (a Snapshot) add(b Snapshot) Snapshot {
	return Snapshot{
		FindTileCalls:          a.FindTileCalls + b.FindTileCalls,
		FindTileMicrocacheHits: a.FindTileMicrocacheHits + b.FindTileMicrocacheHits,
		FindTileMisses:         a.FindTileMisses + b.FindTileMisses,
		FilesOpened:            a.FilesOpened + b.FilesOpened,
		FilesTotalOpens:        a.FilesTotalOpens + b.FilesTotalOpens,
		BytesRead:              a.BytesRead + b.BytesRead,
		TilesRead:              a.TilesRead + b.TilesRead,
		TileIOTime:             a.TileIOTime + b.TileIOTime,
		TilesCreated:           a.TilesCreated + b.TilesCreated,
		TilesEvicted:           a.TilesEvicted + b.TilesEvicted,
		FilesEvicted:           a.FilesEvicted + b.FilesEvicted,
		ImageSpecCalls:         a.ImageSpecCalls + b.ImageSpecCalls,
		GetPixelsCalls:         a.GetPixelsCalls + b.GetPixelsCalls,
	}
}

// Statistics merges every registered (and every since-released) client's
// stats block into one snapshot, under the PerThreadInfo registry lock.
func (c *Cache) Statistics() Snapshot {
	c.clientsMu.Lock()
	defer c.clientsMu.Unlock()

	total := c.closedClientStats.add(anonStats.snapshot())
	for _, pti := range c.clients {
		total = total.add(pti.stats.snapshot())
	}
	return total
}

// StatisticsReport formats the merged statistics as a multi-line string,
// and — when statistics:level >= 2 — appends one line per file still
// referenced in the FileTable (bytes read, tiles read, opens, I/O time,
// broken/duplicate flags).
func (c *Cache) StatisticsReport() string {
	var b strings.Builder
	s := c.Statistics()

	fmt.Fprintf(&b, "imagecache statistics:\n")
	fmt.Fprintf(&b, "  find_tile calls: %d (microcache hits %d, misses %d)\n",
		s.FindTileCalls, s.FindTileMicrocacheHits, s.FindTileMisses)
	fmt.Fprintf(&b, "  files opened: %d (total opens incl. reopens: %d, evicted: %d)\n",
		s.FilesOpened, s.FilesTotalOpens, s.FilesEvicted)
	fmt.Fprintf(&b, "  tiles read: %d, bytes read: %d, tiles created: %d, evicted: %d\n",
		s.TilesRead, s.BytesRead, s.TilesCreated, s.TilesEvicted)
	fmt.Fprintf(&b, "  tile I/O time: %s\n", time.Duration(s.TileIOTime))
	fmt.Fprintf(&b, "  GetImageSpec calls: %d, GetPixels calls: %d\n", s.ImageSpecCalls, s.GetPixelsCalls)

	level := func() int {
		c.cfgMu.RLock()
		defer c.cfgMu.RUnlock()
		return c.cfg.StatisticsLevel
	}()

	if level >= 2 {
		fmt.Fprintf(&b, "  per-file:\n")
		c.files.mu.RLock()
		for name, cf := range c.files.byName {
			cf.mu.Lock()
			fmt.Fprintf(&b, "    %s: opens=%d bytes=%d tiles=%d io=%s broken=%v duplicate=%v\n",
				name, cf.stats.opens, cf.stats.bytesRead, cf.stats.tilesRead,
				time.Duration(cf.stats.ioTime), cf.broken.Load(), cf.duplicateOf() != nil)
			cf.mu.Unlock()
		}
		c.files.mu.RUnlock()
	}

	return b.String()
}
