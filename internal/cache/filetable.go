package cache

import (
	"sync"
	"sync/atomic"
)

// FileTable is the keyed mapping filename -> CachedFile, plus a parallel
// fingerprint -> canonical CachedFile table for deduplication. It guards
// LRU-by-clock eviction of open file handles.
type FileTable struct {
	mu            sync.RWMutex // m_filemutex: reader-preferred shared/exclusive
	byName        map[string]*CachedFile
	byFingerprint map[string]*CachedFile

	// order and sweep back the clock-sweep cursor in checkMaxFiles: order
	// is every filename ever inserted (entries are never removed from
	// byName, only closed and reopened), and sweep is the cursor position,
	// persisted across calls the way the original's m_file_sweep iterator
	// is.
	order []string
	sweep int

	openCount atomic.Int64
}

func newFileTable() *FileTable {
	return &FileTable{
		byName:        make(map[string]*CachedFile),
		byFingerprint: make(map[string]*CachedFile),
	}
}

// findOrOpen returns the canonical entry for a filename, opening and
// deduplicating as needed.
func (ft *FileTable) findOrOpen(c *Cache, filename string) (*CachedFile, error) {
	ft.mu.RLock()
	if cf, ok := ft.byName[filename]; ok {
		canon := cf.canonical()
		canon.used.Store(true)
		ft.mu.RUnlock()
		// An invalidated entry has no spec list left; reopen it here so the
		// next query sees a fresh reload. Broken entries stay broken.
		canon.mu.Lock()
		var err error
		if canon.subimages == nil && !canon.broken.Load() {
			err = canon.open()
		}
		canon.mu.Unlock()
		return canon, err
	}
	ft.mu.RUnlock()

	// Construct and open outside the table lock — the deliberate decision
	// that prevents one slow disk open from stalling every other thread.
	candidate := newCachedFile(c, filename)
	candidate.mu.Lock()
	err := candidate.open()
	candidate.mu.Unlock()
	// A broken file still gets inserted (so failures are remembered and
	// fail fast on the next lookup) unless opening never even produced a
	// stable identity — here it always does, so we proceed regardless of
	// err and let callers observe Broken().
	_ = err

	ft.mu.Lock()
	if existing, ok := ft.byName[filename]; ok {
		// Another thread won the race.
		ft.mu.Unlock()
		return existing.canonical(), nil
	}

	if candidate.fingerprint != "" {
		if prior, ok := ft.byFingerprint[candidate.fingerprint]; ok && candidate.dedupEquivalent(prior) {
			candidate.duplicate.Store(prior)
			candidate.release()
		} else {
			ft.byFingerprint[candidate.fingerprint] = candidate
		}
	}

	ft.byName[filename] = candidate
	ft.order = append(ft.order, filename)
	ft.mu.Unlock()

	ft.checkMaxFiles(c)

	canon := candidate.canonical()
	canon.used.Store(true)
	return canon, err
}

// checkMaxFiles reduces the count of files holding an open reader to at most
// max_open_files via a clock sweep. The cursor (ft.sweep) persists across
// calls rather than restarting from the front each time, so the sweep keeps
// cycling through the table until the budget is met instead of giving up
// after a couple of passes — a freshly opened file's used bit only shields
// it for one trip around, not forever.
func (ft *FileTable) checkMaxFiles(c *Cache) {
	maxOpen := c.snapshotConfig().MaxOpenFiles
	if maxOpen <= 0 {
		return
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()

	if len(ft.order) == 0 {
		return
	}

	consecutiveNoClose := 0
	for ft.openCount.Load() > int64(maxOpen) && consecutiveNoClose <= len(ft.order) {
		if ft.sweep >= len(ft.order) {
			ft.sweep = 0
		}
		name := ft.order[ft.sweep]
		cf, ok := ft.byName[name]
		if !ok {
			ft.order = append(ft.order[:ft.sweep], ft.order[ft.sweep+1:]...)
			continue
		}
		ft.sweep++

		if cf.duplicateOf() != nil {
			consecutiveNoClose++
			continue
		}
		if cf.used.Swap(false) {
			// Second chance granted this pass.
			consecutiveNoClose++
			continue
		}
		cf.release()
		c.stats().FilesEvicted.Add(1)
		consecutiveNoClose = 0
	}
}

// invalidate closes and resets a file, dropping all of its cached tiles.
func (ft *FileTable) invalidate(c *Cache, filename string) {
	ft.mu.RLock()
	cf, ok := ft.byName[filename]
	ft.mu.RUnlock()
	if !ok {
		return
	}

	c.tiles.invalidateFile(filename)

	cf.invalidate()
}

// invalidateAll invalidates every file whose modification time has changed
// (or all, when force), then clears the fingerprint table.
func (ft *FileTable) invalidateAll(c *Cache, force bool) {
	ft.mu.RLock()
	names := make([]string, 0, len(ft.byName))
	for name := range ft.byName {
		names = append(names, name)
	}
	ft.mu.RUnlock()

	for _, name := range names {
		ft.mu.RLock()
		cf, ok := ft.byName[name]
		ft.mu.RUnlock()
		if !ok {
			continue
		}
		if force {
			ft.invalidate(c, name)
			continue
		}
		if mt, ok := c.statModTime(name); ok && !mt.Equal(cf.modTime) {
			ft.invalidate(c, name)
		}
	}

	ft.mu.Lock()
	ft.byFingerprint = make(map[string]*CachedFile)
	ft.mu.Unlock()
}

func (ft *FileTable) forEach(fn func(filename string, cf *CachedFile)) {
	ft.mu.RLock()
	defer ft.mu.RUnlock()
	for name, cf := range ft.byName {
		fn(name, cf)
	}
}
