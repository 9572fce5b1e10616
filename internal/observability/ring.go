package observability

import (
	"sync"

	"github.com/porterhq/porter/internal/chat"
)

// DefaultRingSize bounds the debug ring when no size is configured.
const DefaultRingSize = 256

// Ring is a bounded, mutex-guarded ring buffer of chat debug events. It
// implements chat.Observer; once full, each new event evicts the oldest.
type Ring struct {
	mu   sync.Mutex
	buf  []chat.DebugEvent
	next int
	full bool
}

// NewRing builds a ring holding up to size events. A non-positive size uses
// DefaultRingSize.
func NewRing(size int) *Ring {
	if size <= 0 {
		size = DefaultRingSize
	}
	return &Ring{buf: make([]chat.DebugEvent, size)}
}

// Observe records one event. Called inline on the streaming path, so it does
// nothing but copy under a short lock.
func (r *Ring) Observe(ev chat.DebugEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Snapshot returns the retained events, oldest first.
func (r *Ring) Snapshot() []chat.DebugEvent {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]chat.DebugEvent, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]chat.DebugEvent, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}

// Len reports how many events are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
