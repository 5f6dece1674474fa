package instrument

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// overloadThreshold sits just below the +9.9E+37 the 3497xA family reports
// for an open or over-range input.
const overloadThreshold = 9.8e37

var (
	ErrTimeout = errors.New("instrument: query timed out")
	// ErrBusy is returned while an earlier timed-out request still owns the bus.
	ErrBusy = errors.New("instrument: previous request still in flight")
)

// Transport is the raw request/response channel to a device.
type Transport interface {
	Send(cmd string) error
	Query(cmd string, timeout time.Duration) (string, error)
	Close() error
}

// Adapter turns a Transport into a ports.Instrument. Requests are serialized;
// a request that outlives its timeout keeps the bus until the transport
// returns, and queries issued meanwhile fail without touching the device.
type Adapter struct {
	name           string
	tr             Transport
	defaultTimeout time.Duration
	probeCmd       string
	setup          []string

	mu        sync.Mutex
	pending   chan struct{}
	setupDone bool
}

func NewAdapter(name string, tr Transport, cfg Config) *Adapter {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Adapter{
		name:           name,
		tr:             tr,
		defaultTimeout: timeout,
		probeCmd:       cfg.ProbeCommand,
		setup:          append([]string(nil), cfg.SetupCommands...),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Query(command string, timeout time.Duration) domain.Reading {
	resp, err := a.roundTrip(command, timeout)
	if err != nil {
		return domain.Absent(domain.FaultComm)
	}
	return ParseReading(resp)
}

// Probe checks that the probe query answers. The set-up commands go out with
// the first successful send only.
func (a *Adapter) Probe(timeout time.Duration) error {
	if err := a.sendSetup(); err != nil {
		return err
	}
	if a.probeCmd == "" {
		return nil
	}
	if _, err := a.roundTrip(a.probeCmd, timeout); err != nil {
		return fmt.Errorf("%s: probe: %w", a.name, err)
	}
	return nil
}

func (a *Adapter) sendSetup() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil {
		if !drained(a.pending) {
			return fmt.Errorf("%s: %w", a.name, ErrBusy)
		}
		a.pending = nil
	}
	if a.setupDone {
		return nil
	}
	for _, cmd := range a.setup {
		if err := a.tr.Send(cmd); err != nil {
			return fmt.Errorf("%s: setup %q: %w", a.name, cmd, err)
		}
	}
	a.setupDone = true
	return nil
}

func (a *Adapter) Close() error {
	return a.tr.Close()
}

func (a *Adapter) roundTrip(cmd string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		timeout = a.defaultTimeout
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.pending != nil {
		if !drained(a.pending) {
			return "", fmt.Errorf("%s: %q: %w", a.name, cmd, ErrBusy)
		}
		a.pending = nil
	}

	var (
		resp string
		err  error
		done = make(chan struct{})
	)
	go func() {
		resp, err = a.tr.Query(cmd, timeout)
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		if err != nil {
			return "", fmt.Errorf("%s: %q: %w", a.name, cmd, err)
		}
		return resp, nil
	case <-timer.C:
		a.pending = done
		return "", fmt.Errorf("%s: %q: %w", a.name, cmd, ErrTimeout)
	}
}

func drained(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// ParseReading converts an instrument response into a Reading. Only the
// first comma-separated field is used.
func ParseReading(resp string) domain.Reading {
	field, _, _ := strings.Cut(strings.TrimSpace(resp), ",")
	field = strings.TrimSpace(field)
	if field == "" {
		return domain.Absent(domain.FaultComm)
	}
	v, err := strconv.ParseFloat(field, 64)
	if err != nil && !errors.Is(err, strconv.ErrRange) {
		return domain.Absent(domain.FaultComm)
	}
	if math.IsNaN(v) {
		return domain.Absent(domain.FaultComm)
	}
	if math.Abs(v) > overloadThreshold {
		return domain.Absent(domain.FaultOverload)
	}
	return domain.Value(v)
}

var _ ports.Instrument = (*Adapter)(nil)
