package cache

import (
	"log"
	"runtime"
)

// defaultMemoryFraction is the fraction of total RAM the tile table's byte
// budget defaults to when the caller never sets max_memory_MB.
const defaultMemoryFraction = 0.10

// defaultMemoryFloor is the smallest default we'll pick, matching the
// historical 1 GB default tile-cache budget regardless of machine size.
const defaultMemoryFloor = 1 << 30

// computeDefaultMemoryLimit returns a reasonable max_memory_bytes default
// when the cache is configured without an explicit max_memory_MB attribute.
// It takes a fraction of total system RAM and leaves headroom for the rest
// of the process (open file buffers, the caller's own working set) by
// subtracting the Go runtime's current Sys usage.
//
// Returns defaultMemoryFloor if RAM detection fails.
func computeDefaultMemoryLimit(verbose bool) int64 {
	totalRAM, err := totalSystemRAM()
	if err != nil {
		if verbose {
			log.Printf("imagecache: cannot detect system RAM: %v; using %d byte default", err, defaultMemoryFloor)
		}
		return defaultMemoryFloor
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	limit := int64(float64(totalRAM)*defaultMemoryFraction) - int64(m.Sys)
	if limit < defaultMemoryFloor {
		limit = defaultMemoryFloor
	}

	if verbose {
		log.Printf("imagecache: default tile memory budget %.1f MB (%.0f%% of %.1f GB RAM)",
			float64(limit)/(1024*1024), defaultMemoryFraction*100, float64(totalRAM)/(1024*1024*1024))
	}

	return limit
}
