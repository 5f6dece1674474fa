package fault

import (
	"fmt"
	"sync"

	"github.com/ghalamif/calibflow/internal/domain"
)

// State is the health of one device.
type State uint8

const (
	Healthy State = iota
	Degraded
	Suspended
)

func (s State) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Suspended:
		return "suspended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "healthy":
		*s = Healthy
	case "degraded":
		*s = Degraded
	case "suspended":
		*s = Suspended
	default:
		return fmt.Errorf("unknown device state %q", b)
	}
	return nil
}

// Thresholds tune the state machine. DegradedAfter and SuspendAfter count
// consecutive failures; BackoffCycles is how many cycles a suspended device
// is skipped before a single retry probe.
type Thresholds struct {
	DegradedAfter int `yaml:"degraded_after"`
	SuspendAfter  int `yaml:"suspend_after"`
	BackoffCycles int `yaml:"backoff_cycles"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{DegradedAfter: 3, SuspendAfter: 10, BackoffCycles: 5}
}

func (t Thresholds) Validate() error {
	if t.DegradedAfter < 1 {
		return fmt.Errorf("degraded_after must be >= 1, got %d", t.DegradedAfter)
	}
	if t.SuspendAfter < t.DegradedAfter {
		return fmt.Errorf("suspend_after (%d) must be >= degraded_after (%d)", t.SuspendAfter, t.DegradedAfter)
	}
	if t.BackoffCycles < 0 {
		return fmt.Errorf("backoff_cycles must be >= 0, got %d", t.BackoffCycles)
	}
	return nil
}

// Record is the per-device fault state.
type Record struct {
	State               State            `json:"state"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	LastFault           domain.FaultKind `json:"last_fault,omitempty"`
	BackoffLeft         int              `json:"backoff_left,omitempty"`
}

// ShouldQuery is false while a suspended device is still inside its back-off
// window.
func (r Record) ShouldQuery() bool {
	return r.State != Suspended || r.BackoffLeft <= 0
}

// Step applies one cycle's outcome to a record.
func Step(r Record, o Outcome, th Thresholds) Record {
	switch o.Kind {
	case OutcomeSkipped:
		if r.BackoffLeft > 0 {
			r.BackoffLeft--
		}
		return r
	case OutcomeSucceeded:
		return Record{State: Healthy}
	}

	r.ConsecutiveFailures++
	r.LastFault = o.Fault
	switch {
	case r.State == Suspended:
		// failed probe
		r.BackoffLeft = th.BackoffCycles
	case r.ConsecutiveFailures >= th.SuspendAfter:
		r.State = Suspended
		r.BackoffLeft = th.BackoffCycles
	case r.ConsecutiveFailures >= th.DegradedAfter:
		r.State = Degraded
	}
	return r
}

// Tracker holds one Record per device. Only the run loop mutates it; other
// goroutines read copies through Snapshot.
type Tracker struct {
	mu      sync.RWMutex
	th      Thresholds
	records map[domain.Device]Record
}

func NewTracker(th Thresholds) *Tracker {
	t := &Tracker{th: th}
	t.Reset()
	return t
}

// Reset returns every device to Healthy.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = make(map[domain.Device]Record, len(domain.Devices))
	for _, d := range domain.Devices {
		t.records[d] = Record{}
	}
}

func (t *Tracker) ShouldQuery(dev domain.Device) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[dev].ShouldQuery()
}

// Observe records the outcome for dev and returns the new record.
func (t *Tracker) Observe(dev domain.Device, o Outcome) Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := Step(t.records[dev], o, t.th)
	t.records[dev] = r
	return r
}

func (t *Tracker) Record(dev domain.Device) Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.records[dev]
}

// AllSuspended reports total device loss.
func (t *Tracker) AllSuspended() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, d := range domain.Devices {
		if t.records[d].State != Suspended {
			return false
		}
	}
	return true
}

func (t *Tracker) Snapshot() map[domain.Device]Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[domain.Device]Record, len(t.records))
	for d, r := range t.records {
		out[d] = r
	}
	return out
}
