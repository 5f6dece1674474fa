package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Device identifies one of the three instruments taking part in a run.
type Device string

const (
	DeviceMux    Device = "mux"
	DeviceLogger Device = "logger"
	DeviceBath   Device = "bath"
)

// Devices lists every instrument in a fixed order.
var Devices = []Device{DeviceMux, DeviceLogger, DeviceBath}

// ChannelSpec is one entry of the mux scan list. The order of the configured
// slice is the scan order.
type ChannelSpec struct {
	ID      int    `json:"id" yaml:"id"`
	Command string `json:"command" yaml:"command"`
}

// FaultKind annotates why a Reading carries no value.
type FaultKind uint8

const (
	FaultNone FaultKind = iota
	// FaultComm covers no response, a malformed response and timeouts.
	FaultComm
	// FaultOverload means the instrument answered with its overflow sentinel.
	FaultOverload
	// FaultSuspended means the device was not queried this cycle.
	FaultSuspended
)

var faultNames = [...]string{"", "comm", "overload", "suspended"}

func (f FaultKind) String() string {
	if int(f) < len(faultNames) {
		if f == FaultNone {
			return "none"
		}
		return faultNames[f]
	}
	return fmt.Sprintf("fault(%d)", uint8(f))
}

func (f FaultKind) MarshalText() ([]byte, error) {
	if f == FaultNone {
		return []byte{}, nil
	}
	return []byte(f.String()), nil
}

func (f *FaultKind) UnmarshalText(b []byte) error {
	s := string(b)
	if s == "" || s == "none" {
		*f = FaultNone
		return nil
	}
	for i, name := range faultNames {
		if name == s {
			*f = FaultKind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown fault kind %q", s)
}

// Reading is the outcome of a single instrument query. A Reading with a
// fault carries no value.
type Reading struct {
	Value float64
	Fault FaultKind
}

// Value builds a populated Reading.
func Value(v float64) Reading { return Reading{Value: v} }

// Absent builds a Reading that records a gap.
func Absent(f FaultKind) Reading { return Reading{Fault: f} }

// Present reports whether the Reading holds a value.
func (r Reading) Present() bool { return r.Fault == FaultNone }

type readingJSON struct {
	Value *float64  `json:"value"`
	Fault FaultKind `json:"fault,omitempty"`
}

func (r Reading) MarshalJSON() ([]byte, error) {
	out := readingJSON{Fault: r.Fault}
	if r.Present() {
		v := r.Value
		out.Value = &v
	}
	return json.Marshal(out)
}

func (r *Reading) UnmarshalJSON(b []byte) error {
	var in readingJSON
	if err := json.Unmarshal(b, &in); err != nil {
		return err
	}
	*r = Reading{Fault: in.Fault}
	if in.Value != nil && in.Fault == FaultNone {
		r.Value = *in.Value
	} else if in.Fault == FaultNone {
		r.Fault = FaultComm
	}
	return nil
}

// Sample is the time-aligned record of one acquisition cycle. Samples are
// immutable once built: the log writer, live buffer and mirror only read them.
type Sample struct {
	RunID        string    `json:"run_id"`
	CycleIndex   uint64    `json:"cycle"`
	Timestamp    time.Time `json:"ts"`
	Mux          []Reading `json:"mux"`
	Logger       Reading   `json:"logger"`
	BathInternal Reading   `json:"bath_internal"`
	BathExternal Reading   `json:"bath_external"`
}

// Gaps counts the absent readings in the sample.
func (s *Sample) Gaps() int {
	n := 0
	for _, r := range s.Mux {
		if !r.Present() {
			n++
		}
	}
	for _, r := range [...]Reading{s.Logger, s.BathInternal, s.BathExternal} {
		if !r.Present() {
			n++
		}
	}
	return n
}

// ValidateChannels rejects an empty scan list and duplicate channel ids.
func ValidateChannels(channels []ChannelSpec) error {
	if len(channels) == 0 {
		return fmt.Errorf("%w: no channels configured", ErrConfiguration)
	}
	seen := make(map[int]struct{}, len(channels))
	for _, ch := range channels {
		if _, dup := seen[ch.ID]; dup {
			return fmt.Errorf("%w: duplicate channel id %d", ErrConfiguration, ch.ID)
		}
		seen[ch.ID] = struct{}{}
		if ch.Command == "" {
			return fmt.Errorf("%w: channel %d has no command", ErrConfiguration, ch.ID)
		}
	}
	return nil
}
