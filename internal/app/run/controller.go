package run

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ghalamif/calibflow/internal/adapters/live"
	"github.com/ghalamif/calibflow/internal/adapters/observability"
	"github.com/ghalamif/calibflow/internal/app/acquire"
	"github.com/ghalamif/calibflow/internal/app/fault"
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

var (
	ErrAlreadyRunning = errors.New("a run is already active")
	ErrNotRunning     = errors.New("no active run")
)

// LogOpener creates the log for a new run.
type LogOpener func(runID string, channels []domain.ChannelSpec, startedAt time.Time) (ports.SampleLog, error)

// Publisher receives every persisted sample. Publish must not block.
type Publisher interface {
	Publish(s *domain.Sample)
}

// Devices are the three instruments of a run. The controller borrows them;
// closing them is the caller's job.
type Devices struct {
	Mux    ports.Instrument
	Logger ports.Instrument
	Bath   ports.Instrument
}

func (d Devices) byKind() map[domain.Device]ports.Instrument {
	return map[domain.Device]ports.Instrument{
		domain.DeviceMux:    d.Mux,
		domain.DeviceLogger: d.Logger,
		domain.DeviceBath:   d.Bath,
	}
}

type Config struct {
	Channels []domain.ChannelSpec
	Commands acquire.Commands
	// Cadence is the time between cycle starts; zero runs cycles back to back.
	Cadence time.Duration
	// QueryTimeout overrides every device timeout when positive.
	QueryTimeout time.Duration
	ProbeTimeout time.Duration
	Thresholds   fault.Thresholds
}

type Option func(*Controller)

func WithJournal(j ports.RunJournal) Option          { return func(c *Controller) { c.journal = j } }
func WithMirror(p Publisher) Option                  { return func(c *Controller) { c.mirror = p } }
func WithObservability(o ports.Observability) Option { return func(c *Controller) { c.obs = o } }
func WithClock(now func() time.Time) Option          { return func(c *Controller) { c.now = now } }
func WithRunIDs(next func() string) Option           { return func(c *Controller) { c.newID = next } }

// WithArchiver is called with the log path after a clean stop.
func WithArchiver(archive func(path string) (string, error)) Option {
	return func(c *Controller) { c.archive = archive }
}

// Controller owns the acquisition loop. At most one run is active at a time;
// a finished run stays observable through State until the next Start.
type Controller struct {
	cfg     Config
	devices Devices
	openLog LogOpener
	ring    *live.Ring
	tracker *fault.Tracker

	journal ports.RunJournal
	mirror  Publisher
	obs     ports.Observability
	now     func() time.Time
	newID   func() string
	archive func(string) (string, error)

	lifecycle sync.Mutex // serializes Start

	mu    sync.Mutex
	state domain.RunState
	err   error
	cur   *activeRun
}

type activeRun struct {
	id   string
	log  ports.SampleLog
	agg  *acquire.Aggregator
	stop chan struct{}
	done chan struct{}
}

func New(cfg Config, devices Devices, openLog LogOpener, ring *live.Ring, opts ...Option) *Controller {
	c := &Controller{
		cfg:     cfg,
		devices: devices,
		openLog: openLog,
		ring:    ring,
		tracker: fault.NewTracker(cfg.Thresholds),
		obs:     observability.Nop{},
		now:     time.Now,
		newID:   uuid.NewString,
		state:   domain.RunState{Status: domain.StatusIdle},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// Start validates the channel list, probes every device, opens a fresh log
// and launches the cycle loop. Any failure before the loop starts is a
// configuration error and leaves the previous state in place.
func (c *Controller) Start(ctx context.Context) error {
	c.lifecycle.Lock()
	defer c.lifecycle.Unlock()

	c.mu.Lock()
	status := c.state.Status
	c.mu.Unlock()
	if !status.Terminal() {
		return ErrAlreadyRunning
	}

	if err := domain.ValidateChannels(c.cfg.Channels); err != nil {
		return err
	}
	if err := c.probe(ctx); err != nil {
		return err
	}

	id := c.newID()
	startedAt := c.now()
	sampleLog, err := c.openLog(id, c.cfg.Channels, startedAt)
	if err != nil {
		return fmt.Errorf("%w: open run log: %v", domain.ErrConfiguration, err)
	}

	c.tracker.Reset()
	c.ring.Reset()

	r := &activeRun{
		id:  id,
		log: sampleLog,
		agg: acquire.NewAggregator(
			acquire.NewSequencer(c.devices.Mux, c.cfg.Channels, c.cfg.QueryTimeout),
			c.devices.Logger, c.devices.Bath, c.cfg.Commands, c.cfg.QueryTimeout,
			c.tracker, c.now,
		),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	c.state = domain.RunState{
		RunID:     id,
		Status:    domain.StatusRunning,
		StartedAt: startedAt,
		LogPath:   sampleLog.Path(),
	}
	c.err = nil
	c.cur = r
	state := c.state
	c.mu.Unlock()

	c.putJournal(state)
	c.obs.SetGauge(observability.MetricRunStatus, observability.StatusValue(state.Status))
	c.obs.LogInfo("run_started",
		ports.Field{Key: "run_id", Value: id},
		ports.Field{Key: "log", Value: state.LogPath},
		ports.Field{Key: "channels", Value: len(c.cfg.Channels)})

	go c.loop(r)
	return nil
}

func (c *Controller) probe(ctx context.Context) error {
	var errs []error
	for _, dev := range domain.Devices {
		if err := ctx.Err(); err != nil {
			return err
		}
		inst := c.devices.byKind()[dev]
		if inst == nil {
			errs = append(errs, fmt.Errorf("%s: not configured", dev))
			continue
		}
		if err := inst.Probe(c.cfg.ProbeTimeout); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: unreachable device: %v", domain.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

func (c *Controller) loop(r *activeRun) {
	defer close(r.done)

	for cycle := uint64(0); ; cycle++ {
		select {
		case <-r.stop:
			c.finish(r, domain.StatusStopped, nil)
			return
		default:
		}

		begin := time.Now()
		res := r.agg.Collect(r.id, cycle)
		for _, dev := range domain.Devices {
			rec := c.tracker.Observe(dev, res.Outcomes[dev])
			c.obs.SetDeviceGauge(observability.MetricDeviceState, dev, float64(rec.State))
			c.obs.SetDeviceGauge(observability.MetricDeviceFailures, dev, float64(rec.ConsecutiveFailures))
		}

		if err := r.log.Append(res.Sample); err != nil {
			c.finish(r, domain.StatusFaulted, fmt.Errorf("%w: cycle %d: %v", domain.ErrIOFault, cycle, err))
			return
		}
		c.ring.Push(res.Sample)
		if c.mirror != nil {
			c.mirror.Publish(res.Sample)
		}

		c.mu.Lock()
		c.state.CycleIndex = cycle + 1
		c.mu.Unlock()

		c.obs.IncCounter(observability.MetricCycles, 1)
		c.obs.IncCounter(observability.MetricReadingGaps, float64(res.Sample.Gaps()))
		c.obs.SetGauge(observability.MetricLiveBufferLen, float64(c.ring.Len()))
		c.obs.ObserveLatency(observability.MetricCycleDuration, time.Since(begin).Seconds())

		if c.tracker.AllSuspended() {
			c.finish(r, domain.StatusFaulted, fmt.Errorf("%w: after cycle %d", domain.ErrTotalDeviceLoss, cycle))
			return
		}

		if wait := c.cfg.Cadence - time.Since(begin); wait > 0 {
			select {
			case <-r.stop:
				c.finish(r, domain.StatusStopped, nil)
				return
			case <-time.After(wait):
			}
		}
	}
}

// finish closes the log and records the terminal state of r.
func (c *Controller) finish(r *activeRun, status domain.RunStatus, cause error) {
	if err := r.log.Close(); err != nil && cause == nil {
		status = domain.StatusFaulted
		cause = fmt.Errorf("%w: close log: %v", domain.ErrIOFault, err)
	}

	c.mu.Lock()
	c.state.Status = status
	c.state.EndedAt = c.now()
	if cause != nil {
		c.state.Reason = cause.Error()
	}
	c.err = cause
	state := c.state
	c.mu.Unlock()

	c.putJournal(state)
	c.obs.SetGauge(observability.MetricRunStatus, observability.StatusValue(status))

	fields := []ports.Field{
		{Key: "run_id", Value: state.RunID},
		{Key: "cycles", Value: state.CycleIndex},
	}
	if cause != nil {
		c.obs.LogCritical("run_faulted", cause, fields...)
		return
	}
	c.obs.LogInfo("run_stopped", fields...)

	if c.archive != nil {
		if out, err := c.archive(state.LogPath); err != nil {
			c.obs.LogError("log_archive_failed", err, fields...)
		} else {
			c.obs.LogInfo("log_archived", ports.Field{Key: "path", Value: out})
		}
	}
}

func (c *Controller) putJournal(state domain.RunState) {
	if c.journal == nil {
		return
	}
	ids := make([]int, len(c.cfg.Channels))
	for i, ch := range c.cfg.Channels {
		ids[i] = ch.ID
	}
	rec := ports.RunRecord{
		ID:        state.RunID,
		LogPath:   state.LogPath,
		Status:    state.Status,
		Reason:    state.Reason,
		Cycles:    state.CycleIndex,
		Channels:  ids,
		StartedAt: state.StartedAt,
		EndedAt:   state.EndedAt,
	}
	if err := c.journal.Put(rec); err != nil {
		c.obs.LogError("journal_put_failed", err, ports.Field{Key: "run_id", Value: state.RunID})
	}
}

// Stop asks the loop to finish after the cycle in flight. It does not wait;
// use Wait or Done for that.
func (c *Controller) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.state.Status {
	case domain.StatusStopping:
		return nil
	case domain.StatusRunning:
		c.state.Status = domain.StatusStopping
		close(c.cur.stop)
		c.obs.SetGauge(observability.MetricRunStatus, observability.StatusValue(domain.StatusStopping))
		return nil
	default:
		return ErrNotRunning
	}
}

// Done is closed when the current run has reached a terminal status.
func (c *Controller) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.cur.done
}

// Wait blocks until the current run ends and returns its fault, or nil after
// a clean stop.
func (c *Controller) Wait(ctx context.Context) error {
	select {
	case <-c.Done():
		return c.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Err is the cause of the last fault, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) State() domain.RunState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) Faults() map[domain.Device]fault.Record {
	return c.tracker.Snapshot()
}

func (c *Controller) Live() []*domain.Sample {
	return c.ring.Snapshot()
}

func (c *Controller) Channels() []domain.ChannelSpec {
	return append([]domain.ChannelSpec(nil), c.cfg.Channels...)
}
