package cache

import (
	"runtime"
	"strconv"
	"sync"
)

// recursiveMutex is a same-goroutine-reentrant mutex. Go's sync.Mutex is
// deliberately not reentrant; CachedFile needs reentry because readUnmipped
// recurses through Cache.GetPixels, which may land back on the same file
// that's already locked by the caller higher up the stack.
//
// meta guards owner/depth, which are read before the goroutine is known to
// hold mu — meta makes that read safe. Only the goroutine currently holding
// mu ever sets owner to its own id, so a match is never a false positive
// from another goroutine.
type recursiveMutex struct {
	mu    sync.Mutex
	meta  sync.Mutex
	owner int64
	depth int
}

func (m *recursiveMutex) Lock() {
	gid := currentGoroutineID()

	m.meta.Lock()
	if m.depth > 0 && m.owner == gid {
		m.depth++
		m.meta.Unlock()
		return
	}
	m.meta.Unlock()

	m.mu.Lock()

	m.meta.Lock()
	m.owner = gid
	m.depth = 1
	m.meta.Unlock()
}

func (m *recursiveMutex) Unlock() {
	m.meta.Lock()
	defer m.meta.Unlock()
	m.depth--
	if m.depth < 0 {
		panic("imagecache: recursiveMutex Unlock without matching Lock")
	}
	if m.depth == 0 {
		m.owner = 0
		m.mu.Unlock()
	}
}

// currentGoroutineID extracts the numeric goroutine id from the runtime
// stack trace header ("goroutine 123 [running]:"). This is the one place in
// the package that reaches past the language's deliberate lack of a
// goroutine-local-storage primitive; it exists solely to make recursiveMutex
// reentry detection correct, not for any general-purpose thread-identity use.
func currentGoroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	b := buf[:n]

	const prefix = "goroutine "
	if len(b) <= len(prefix) || string(b[:len(prefix)]) != prefix {
		return 0
	}
	b = b[len(prefix):]

	i := 0
	for i < len(b) && b[i] >= '0' && b[i] <= '9' {
		i++
	}
	id, err := strconv.ParseInt(string(b[:i]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
