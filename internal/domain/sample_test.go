package domain

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestReadingJSON(t *testing.T) {
	s := Sample{
		CycleIndex:   3,
		Mux:          []Reading{Value(10000.5), Absent(FaultOverload)},
		Logger:       Absent(FaultSuspended),
		BathInternal: Value(0),
		BathExternal: Absent(FaultComm),
	}
	raw, err := json.Marshal(s.Mux)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(raw) != `[{"value":10000.5},{"value":null,"fault":"overload"}]` {
		t.Fatalf("unexpected encoding %s", raw)
	}

	raw, err = json.Marshal(&s)
	if err != nil {
		t.Fatalf("marshal sample: %v", err)
	}
	var back Sample
	if err := json.Unmarshal(raw, &back); err != nil {
		t.Fatalf("unmarshal sample: %v", err)
	}
	if back.BathInternal != Value(0) || back.Logger != Absent(FaultSuspended) || back.Mux[1] != Absent(FaultOverload) {
		t.Fatalf("sample changed on the way back: %+v", back)
	}
}

func TestReadingWithoutValueIsAGap(t *testing.T) {
	var r Reading
	if err := json.Unmarshal([]byte(`{"value":null}`), &r); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if r.Present() || r.Fault != FaultComm {
		t.Fatalf("a null value without a fault must decode as a comm gap, got %+v", r)
	}
	if err := json.Unmarshal([]byte(`{"fault":"melted"}`), &r); err == nil {
		t.Fatalf("expected unknown fault kind to be rejected")
	}
}

func TestSampleGaps(t *testing.T) {
	s := Sample{
		Mux:          []Reading{Value(1), Absent(FaultComm), Absent(FaultSuspended)},
		Logger:       Value(25),
		BathInternal: Absent(FaultComm),
		BathExternal: Value(25),
	}
	if got := s.Gaps(); got != 3 {
		t.Fatalf("expected 3 gaps, got %d", got)
	}
}

func TestValidateChannels(t *testing.T) {
	ok := []ChannelSpec{{ID: 101, Command: "MEAS:RES? (@101)"}, {ID: 102, Command: "MEAS:RES? (@102)"}}
	if err := ValidateChannels(ok); err != nil {
		t.Fatalf("valid list rejected: %v", err)
	}

	bad := map[string][]ChannelSpec{
		"empty":      nil,
		"duplicate":  {{ID: 101, Command: "a"}, {ID: 101, Command: "b"}},
		"no command": {{ID: 101}},
	}
	for name, chans := range bad {
		if err := ValidateChannels(chans); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected configuration error, got %v", name, err)
		}
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for _, s := range []RunStatus{StatusIdle, StatusStopped, StatusFaulted} {
		if !s.Terminal() {
			t.Fatalf("%s should be terminal", s)
		}
	}
	for _, s := range []RunStatus{StatusRunning, StatusStopping} {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
}
