package queue

import (
	"sync"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// MemQueue is a bounded FIFO between the run loop and the mirror sink.
// Enqueue never blocks: when the ring is full the caller gets false and the
// sample stays in the spool only.
type MemQueue struct {
	mu    sync.Mutex
	ring  []ports.QueuedSample
	head  int
	count int
	ready chan struct{}
}

func NewMemQueue(capacity int) *MemQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &MemQueue{
		ring:  make([]ports.QueuedSample, capacity),
		ready: make(chan struct{}, 1),
	}
}

func (q *MemQueue) Enqueue(id ports.SpoolEntryID, s *domain.Sample) bool {
	q.mu.Lock()
	if q.count == len(q.ring) {
		q.mu.Unlock()
		return false
	}
	q.ring[(q.head+q.count)%len(q.ring)] = ports.QueuedSample{ID: id, Sample: s}
	q.count++
	q.mu.Unlock()

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return true
}

func (q *MemQueue) DequeueBatch(max int) []ports.QueuedSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return nil
	}
	if max <= 0 || max > q.count {
		max = q.count
	}
	out := make([]ports.QueuedSample, max)
	for i := range out {
		slot := (q.head + i) % len(q.ring)
		out[i] = q.ring[slot]
		q.ring[slot] = ports.QueuedSample{}
	}
	q.head = (q.head + max) % len(q.ring)
	q.count -= max
	return out
}

func (q *MemQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Ready is signalled after an enqueue. A single signal may cover several
// samples, so consumers should drain with DequeueBatch.
func (q *MemQueue) Ready() <-chan struct{} { return q.ready }

var _ ports.SampleQueue = (*MemQueue)(nil)
