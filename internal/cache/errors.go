package cache

import (
	"errors"
	"sync"
)

// Error taxonomy. Callers use errors.Is against these sentinels; internal
// functions wrap them with fmt.Errorf("...: %w", ...).
var (
	ErrFileNotFound   = errors.New("imagecache: file not found")
	ErrOpenFailure    = errors.New("imagecache: open failed")
	ErrBadSubimage    = errors.New("imagecache: inconsistent subimage")
	ErrRejectUntiled  = errors.New("imagecache: untiled file rejected by policy")
	ErrReadFailure    = errors.New("imagecache: tile read failed")
	ErrBadArg         = errors.New("imagecache: invalid argument")
)

// errorBuffer accumulates per-caller error messages, newline-joined, and is
// cleared atomically on read. Thread-local by convention; since Go has no
// thread-local storage, the Cache keeps one buffer per goroutine, keyed by
// goroutine id (Cache.errBufs), so GetError needs no PerThreadInfo handle.
type errorBuffer struct {
	mu  sync.Mutex
	msg string
}

func (b *errorBuffer) append(msg string) {
	if msg == "" {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.msg == "" {
		b.msg = msg
	} else {
		b.msg = b.msg + "\n" + msg
	}
}

// getClear returns the accumulated message and clears the buffer.
func (b *errorBuffer) getClear() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msg := b.msg
	b.msg = ""
	return msg
}
