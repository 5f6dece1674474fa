package acquire

import (
	"time"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// Sequencer walks the mux through its scan list. The mux is a single bus, so
// channels are always queried one after another in list order.
type Sequencer struct {
	mux      ports.Instrument
	channels []domain.ChannelSpec
	timeout  time.Duration
}

func NewSequencer(mux ports.Instrument, channels []domain.ChannelSpec, timeout time.Duration) *Sequencer {
	return &Sequencer{
		mux:      mux,
		channels: append([]domain.ChannelSpec(nil), channels...),
		timeout:  timeout,
	}
}

func (s *Sequencer) Channels() []domain.ChannelSpec {
	return append([]domain.ChannelSpec(nil), s.channels...)
}

// Scan returns one reading per channel. A faulted channel does not stop the
// remaining ones from being read.
func (s *Sequencer) Scan() []domain.Reading {
	out := make([]domain.Reading, len(s.channels))
	for i, ch := range s.channels {
		out[i] = s.mux.Query(ch.Command, s.timeout)
	}
	return out
}

// Skip fills a scan for a cycle in which the mux is not queried.
func (s *Sequencer) Skip() []domain.Reading {
	out := make([]domain.Reading, len(s.channels))
	for i := range out {
		out[i] = domain.Absent(domain.FaultSuspended)
	}
	return out
}
