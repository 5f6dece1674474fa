package instrument

import (
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghalamif/calibflow/internal/domain"
)

func TestParseReading(t *testing.T) {
	cases := []struct {
		in   string
		want domain.Reading
	}{
		{"+1.00234500E+05\n", domain.Value(100234.5)},
		{"25.03", domain.Value(25.03)},
		{" 1.5e3,+2.0e3", domain.Value(1500)},
		{"+9.90000000E+37", domain.Absent(domain.FaultOverload)},
		{"-9.90000000E+37", domain.Absent(domain.FaultOverload)},
		{"1e999", domain.Absent(domain.FaultOverload)},
		{"", domain.Absent(domain.FaultComm)},
		{"ERR", domain.Absent(domain.FaultComm)},
		{"NaN", domain.Absent(domain.FaultComm)},
	}
	for _, tc := range cases {
		if got := ParseReading(tc.in); got != tc.want {
			t.Fatalf("ParseReading(%q) = %+v, want %+v", tc.in, got, tc.want)
		}
	}
}

func TestAdapterQueryMapsFailuresToCommFault(t *testing.T) {
	sim := NewSimTransport(SimConfig{
		Responses: map[string][]string{"MEAS?": {"1.0", SimTimeout, "garbage", "2.0"}},
	})
	a := NewAdapter("mux", sim, Config{Timeout: time.Second})

	want := []domain.Reading{
		domain.Value(1),
		domain.Absent(domain.FaultComm),
		domain.Absent(domain.FaultComm),
		domain.Value(2),
		domain.Value(2),
	}
	for i, w := range want {
		if got := a.Query("MEAS?", 0); got != w {
			t.Fatalf("query %d: got %+v want %+v", i, got, w)
		}
	}
	if sim.Calls("MEAS?") != len(want) {
		t.Fatalf("expected %d calls, got %d", len(want), sim.Calls("MEAS?"))
	}
}

func TestAdapterTimeoutHoldsBusUntilTransportReturns(t *testing.T) {
	tr := &blockingTransport{release: make(chan struct{}), resp: "3.0"}
	a := NewAdapter("logger", tr, Config{})

	if got := a.Query("T?", 10*time.Millisecond); got.Fault != domain.FaultComm {
		t.Fatalf("expected comm fault on timeout, got %+v", got)
	}

	// The first request is still on the wire: a new one must not be issued.
	if got := a.Query("T?", 10*time.Millisecond); got.Fault != domain.FaultComm {
		t.Fatalf("expected comm fault while busy, got %+v", got)
	}
	if n := tr.started.Load(); n != 1 {
		t.Fatalf("expected a single transport call while busy, got %d", n)
	}

	close(tr.release)
	deadline := time.Now().Add(time.Second)
	for {
		got := a.Query("T?", 100*time.Millisecond)
		if got.Present() {
			if got.Value != 3 {
				t.Fatalf("unexpected value %v", got.Value)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("adapter never recovered after the transport returned")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAdapterProbeSendsSetupThenProbe(t *testing.T) {
	sim := NewSimTransport(SimConfig{Responses: map[string][]string{"*IDN?": {"KEYSIGHT,34970A"}}})
	a := NewAdapter("mux", sim, Config{
		ProbeCommand:  "*IDN?",
		SetupCommands: []string{"rout:open (@101)", "conf:res 1e5,(@101)"},
	})

	if err := a.Probe(time.Second); err != nil {
		t.Fatalf("probe: %v", err)
	}
	sent := sim.Sent()
	if len(sent) != 2 || sent[0] != "rout:open (@101)" {
		t.Fatalf("unexpected setup commands: %v", sent)
	}
	if sim.Calls("*IDN?") != 1 {
		t.Fatalf("expected one probe query")
	}
}

func TestAdapterSetupSentOnceAcrossRuns(t *testing.T) {
	sim := NewSimTransport(SimConfig{Default: "KEYSIGHT,34970A"})
	a := NewAdapter("mux", sim, Config{
		ProbeCommand:  "*IDN?",
		SetupCommands: []string{"rout:open (@101)", "conf:res 1e5,(@101)"},
	})

	for run := 0; run < 3; run++ {
		if err := a.Probe(time.Second); err != nil {
			t.Fatalf("probe %d: %v", run, err)
		}
	}
	if sent := sim.Sent(); len(sent) != 2 {
		t.Fatalf("set-up commands must go out once, sent %v", sent)
	}
	if sim.Calls("*IDN?") != 3 {
		t.Fatalf("every start still probes the device")
	}
}

func TestAdapterProbeFailsWhenDeviceSilent(t *testing.T) {
	sim := NewSimTransport(SimConfig{Responses: map[string][]string{"RT": {SimTimeout}}})
	a := NewAdapter("bath", sim, Config{ProbeCommand: "RT"})

	if err := a.Probe(time.Second); err == nil {
		t.Fatalf("expected probe error")
	}
}

func TestSerialTransportQuery(t *testing.T) {
	port := &fakePort{reply: "25.03\r"}
	tr := newSerialTransport(port, "\r")

	resp, err := tr.Query("RT", time.Second)
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp != "25.03" {
		t.Fatalf("unexpected response %q", resp)
	}
	if port.written.String() != "RT\r" {
		t.Fatalf("unexpected bytes written %q", port.written.String())
	}
}

func TestSerialTransportRejectedCommand(t *testing.T) {
	tr := newSerialTransport(&fakePort{reply: "?\r"}, "\r")
	if _, err := tr.Query("XX", time.Second); err == nil {
		t.Fatalf("expected rejection error")
	}
}

func TestConfigValidate(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"sim", Config{Transport: "SIM"}, true},
		{"gpib without port", Config{Transport: TransportGPIB}, false},
		{"gpib bad address", Config{Transport: TransportGPIB, Port: "/dev/ttyUSB0", GPIBAddress: 31}, false},
		{"serial", Config{Transport: TransportSerial, Port: "/dev/ttyS0"}, true},
		{"opcua setup", Config{Transport: TransportOPCUA, Endpoint: "opc.tcp://x:4840", SetupCommands: []string{"x"}}, false},
		{"missing", Config{}, false},
		{"unknown", Config{Transport: "usb"}, false},
	}
	for _, tc := range cases {
		tc.cfg.ApplyDefaults()
		err := tc.cfg.Validate()
		if (err == nil) != tc.ok {
			t.Fatalf("%s: unexpected validate result %v", tc.name, err)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{Transport: TransportSerial, Port: "/dev/ttyS0"}
	cfg.ApplyDefaults()
	if cfg.BaudRate != 9600 || cfg.Timeout != 2*time.Second || cfg.Terminator != "\r" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

type blockingTransport struct {
	release chan struct{}
	resp    string
	started atomic.Int32
}

func (b *blockingTransport) Send(string) error { return nil }
func (b *blockingTransport) Query(string, time.Duration) (string, error) {
	b.started.Add(1)
	<-b.release
	return b.resp, nil
}
func (b *blockingTransport) Close() error { return nil }

type fakePort struct {
	reply   string
	r       io.Reader
	written strings.Builder
}

func (p *fakePort) Read(b []byte) (int, error) {
	if p.r == nil {
		if p.reply == "" {
			return 0, errors.New("no reply")
		}
		p.r = strings.NewReader(p.reply)
	}
	return p.r.Read(b)
}

func (p *fakePort) Write(b []byte) (int, error) { return p.written.Write(b) }
func (p *fakePort) Close() error                { return nil }
