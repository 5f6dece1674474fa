package calibflow

import (
	"errors"
	"fmt"
	"sync"
)

// ErrChannelSinkClosed is returned when a channel sink is written to after being closed.
var ErrChannelSinkClosed = errors.New("calibflow: channel sink closed")

// SampleBatchSink is invoked with ordered batches from the mirror.
type SampleBatchSink func([]*Sample) error

// NewCallbackSink adapts a SampleBatchSink into a Sink so callers can mirror
// samples into arbitrary code without defining structs.
func NewCallbackSink(name string, fn SampleBatchSink) Sink {
	if name == "" {
		name = "callback"
	}
	return &callbackSink{name: name, fn: fn}
}

// NewChannelSink exposes mirrored batches via a channel; it returns the sink,
// the read-only channel, and a close function that the caller should invoke
// during shutdown. A slow reader holds back the mirror, never the run.
func NewChannelSink(name string, buffer int) (Sink, <-chan []*Sample, func()) {
	if name == "" {
		name = "channel"
	}
	if buffer < 0 {
		buffer = 0
	}
	ch := make(chan []*Sample, buffer)
	s := &channelSink{
		name:   name,
		ch:     ch,
		closed: make(chan struct{}),
	}
	return s, ch, func() { s.close() }
}

type callbackSink struct {
	name string
	fn   SampleBatchSink
}

func (s *callbackSink) WriteBatch(samples []*Sample) error {
	if s.fn == nil {
		return fmt.Errorf("callback sink %q: nil handler", s.name)
	}
	if len(samples) == 0 {
		return nil
	}
	return s.fn(samples)
}

func (s *callbackSink) Name() string { return s.name }

type channelSink struct {
	name   string
	ch     chan []*Sample
	closed chan struct{}
	once   sync.Once
	mu     sync.RWMutex
	done   bool
}

func (s *channelSink) WriteBatch(samples []*Sample) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.done {
		return ErrChannelSinkClosed
	}
	if len(samples) == 0 {
		return nil
	}
	batch := append([]*Sample(nil), samples...)
	select {
	case <-s.closed:
		return ErrChannelSinkClosed
	case s.ch <- batch:
		return nil
	}
}

func (s *channelSink) Name() string { return s.name }

func (s *channelSink) close() {
	s.once.Do(func() {
		// wake a blocked writer before taking the write lock
		close(s.closed)
		s.mu.Lock()
		s.done = true
		close(s.ch)
		s.mu.Unlock()
	})
}
