package live

import (
	"sync"

	"github.com/ghalamif/calibflow/internal/domain"
)

// Ring keeps the most recent samples for display. Push never blocks on
// readers beyond a short critical section and overwrites the oldest entry
// once the ring is full.
type Ring struct {
	mu    sync.RWMutex
	buf   []*domain.Sample
	next  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{buf: make([]*domain.Sample, capacity)}
}

func (r *Ring) Push(s *domain.Sample) {
	r.mu.Lock()
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
	r.mu.Unlock()
}

// Snapshot returns the retained samples, oldest first. The samples are shared
// and must not be modified.
func (r *Ring) Snapshot() []*domain.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*domain.Sample, r.count)
	start := (r.next - r.count + len(r.buf)) % len(r.buf)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	return out
}

// Latest returns the newest sample, or nil when empty.
func (r *Ring) Latest() *domain.Sample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.count == 0 {
		return nil
	}
	return r.buf[(r.next-1+len(r.buf))%len(r.buf)]
}

func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}

func (r *Ring) Capacity() int { return len(r.buf) }

func (r *Ring) Reset() {
	r.mu.Lock()
	for i := range r.buf {
		r.buf[i] = nil
	}
	r.next, r.count = 0, 0
	r.mu.Unlock()
}
