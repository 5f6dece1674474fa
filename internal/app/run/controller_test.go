package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/ghalamif/calibflow/internal/adapters/instrument"
	"github.com/ghalamif/calibflow/internal/adapters/live"
	"github.com/ghalamif/calibflow/internal/adapters/logfile"
	"github.com/ghalamif/calibflow/internal/app/acquire"
	"github.com/ghalamif/calibflow/internal/app/fault"
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

var channels = []domain.ChannelSpec{
	{ID: 101, Command: "MEAS:RES? (@101)"},
	{ID: 102, Command: "MEAS:RES? (@102)"},
	{ID: 103, Command: "MEAS:RES? (@103)"},
	{ID: 104, Command: "MEAS:RES? (@104)"},
}

type scripts struct {
	mux, logger, bath map[string][]string
}

type rig struct {
	ctl     *Controller
	mux     *instrument.SimTransport
	logger  *instrument.SimTransport
	bath    *instrument.SimTransport
	journal *memJournal
	dir     string
	log     *hookLog
}

type rigOptions struct {
	scripts    scripts
	thresholds fault.Thresholds
	channels   []domain.ChannelSpec
	stopAfter  int64 // stop once this cycle is persisted; -1 never
	failAt     int64 // fail the append of this cycle; -1 never
	probe      string
}

func defaults() rigOptions {
	return rigOptions{
		thresholds: fault.DefaultThresholds(),
		channels:   channels,
		stopAfter:  -1,
		failAt:     -1,
	}
}

func stepClock(start time.Time) func() time.Time {
	var (
		mu sync.Mutex
		n  = -1
	)
	return func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		n++
		return start.Add(time.Duration(n) * time.Second)
	}
}

func newRig(t *testing.T, o rigOptions) *rig {
	t.Helper()
	r := &rig{
		mux:     instrument.NewSimTransport(instrument.SimConfig{Responses: o.scripts.mux, Default: "+1.00000000E+04"}),
		logger:  instrument.NewSimTransport(instrument.SimConfig{Responses: o.scripts.logger, Default: "25.001"}),
		bath:    instrument.NewSimTransport(instrument.SimConfig{Responses: o.scripts.bath, Default: "25.00"}),
		journal: &memJournal{},
		dir:     t.TempDir(),
	}
	devCfg := instrument.Config{ProbeCommand: o.probe}
	devices := Devices{
		Mux:    instrument.NewAdapter("mux", r.mux, devCfg),
		Logger: instrument.NewAdapter("logger", r.logger, devCfg),
		Bath:   instrument.NewAdapter("bath", r.bath, devCfg),
	}

	openLog := func(runID string, chs []domain.ChannelSpec, startedAt time.Time) (ports.SampleLog, error) {
		l, err := logfile.Create(filepath.Join(r.dir, runID+".tsv"), chs, startedAt)
		if err != nil {
			return nil, err
		}
		r.log = &hookLog{SampleLog: l, failAt: o.failAt}
		if o.stopAfter >= 0 {
			r.log.after = func(cycle uint64) {
				if cycle == uint64(o.stopAfter) {
					r.ctl.Stop()
				}
			}
		}
		return r.log, nil
	}

	runs := 0
	r.ctl = New(Config{
		Channels:   o.channels,
		Commands:   acquire.Commands{Logger: "READ?", BathInternal: "RT", BathExternal: "RR"},
		Thresholds: o.thresholds,
	}, devices, openLog, live.NewRing(64),
		WithJournal(r.journal),
		WithClock(stepClock(time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC))),
		WithRunIDs(func() string { runs++; return fmt.Sprintf("run-%d", runs) }),
	)
	return r
}

func (r *rig) runToEnd(t *testing.T) error {
	t.Helper()
	if err := r.ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := r.ctl.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("run did not finish: %+v", r.ctl.State())
	}
	return err
}

func verifyLog(t *testing.T, path string) logfile.Report {
	t.Helper()
	rep, err := logfile.VerifyFile(path)
	if err != nil {
		t.Fatalf("log %s invalid: %v", path, err)
	}
	return rep
}

func TestRunHealthyCycles(t *testing.T) {
	o := defaults()
	o.stopAfter = 2
	r := newRig(t, o)

	if err := r.runToEnd(t); err != nil {
		t.Fatalf("clean stop returned %v", err)
	}
	st := r.ctl.State()
	if st.Status != domain.StatusStopped || st.CycleIndex != 3 || st.Reason != "" {
		t.Fatalf("unexpected final state %+v", st)
	}
	if rep := verifyLog(t, st.LogPath); rep.Rows != 3 || rep.Gaps != 0 {
		t.Fatalf("unexpected log report %+v", rep)
	}
	for _, s := range r.ctl.Live() {
		if len(s.Mux) != 4 || s.Gaps() != 0 {
			t.Fatalf("cycle %d: expected 4 populated readings, got %+v", s.CycleIndex, s.Mux)
		}
	}
	last := r.journal.last()
	if last.Status != domain.StatusStopped || last.Cycles != 3 || len(last.Channels) != 4 {
		t.Fatalf("journal not updated: %+v", last)
	}
}

func TestRunSingleChannelTimeout(t *testing.T) {
	o := defaults()
	o.stopAfter = 1
	o.scripts.mux = map[string][]string{"MEAS:RES? (@103)": {instrument.SimTimeout, "+1.00000000E+04"}}
	r := newRig(t, o)

	if err := r.runToEnd(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	first := r.ctl.Live()[0]
	for i, rd := range first.Mux {
		if (i == 2) != (rd.Fault == domain.FaultComm) {
			t.Fatalf("channel %d: unexpected reading %+v", channels[i].ID, rd)
		}
	}
	if r.ctl.Live()[1].Gaps() != 0 {
		t.Fatalf("second cycle should be complete")
	}
	if rec := r.ctl.Faults()[domain.DeviceMux]; rec.State != fault.Healthy {
		t.Fatalf("one channel timeout must not degrade the mux: %+v", rec)
	}
}

func TestRunLoggerSuspensionAndProbe(t *testing.T) {
	o := defaults()
	o.stopAfter = 15
	o.scripts.logger = map[string][]string{"READ?": {instrument.SimTimeout}}
	r := newRig(t, o)

	if err := r.runToEnd(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	if n := r.logger.Calls("READ?"); n != 11 {
		t.Fatalf("expected 10 failures plus one probe, got %d queries", n)
	}
	samples := r.ctl.Live()
	if len(samples) != 16 {
		t.Fatalf("expected 16 cycles, got %d", len(samples))
	}
	for _, s := range samples[10:15] {
		if s.Logger.Fault != domain.FaultSuspended {
			t.Fatalf("cycle %d: logger should be skipped, got %+v", s.CycleIndex, s.Logger)
		}
	}
	if samples[15].Logger.Fault != domain.FaultComm {
		t.Fatalf("cycle 15 should carry the failed probe, got %+v", samples[15].Logger)
	}
	if rec := r.ctl.Faults()[domain.DeviceLogger]; rec.State != fault.Suspended {
		t.Fatalf("expected suspended logger, got %+v", rec)
	}
	if r.bath.Calls("RT") != 16 {
		t.Fatalf("bath must be unaffected by the logger")
	}
}

func TestRunDiskFailureFaults(t *testing.T) {
	o := defaults()
	o.failAt = 50
	r := newRig(t, o)

	err := r.runToEnd(t)
	if !errors.Is(err, domain.ErrIOFault) {
		t.Fatalf("expected IO fault, got %v", err)
	}
	st := r.ctl.State()
	if st.Status != domain.StatusFaulted || st.CycleIndex != 50 {
		t.Fatalf("unexpected final state %+v", st)
	}
	if rep := verifyLog(t, st.LogPath); rep.Rows != 50 {
		t.Fatalf("expected exactly 50 rows, got %+v", rep)
	}
	if r.journal.last().Status != domain.StatusFaulted || r.journal.last().Reason == "" {
		t.Fatalf("journal should record the fault: %+v", r.journal.last())
	}
}

func TestRunTotalDeviceLoss(t *testing.T) {
	o := defaults()
	o.thresholds = fault.Thresholds{DegradedAfter: 1, SuspendAfter: 2, BackoffCycles: 50}
	dead := []string{instrument.SimTimeout}
	o.scripts = scripts{
		mux:    map[string][]string{},
		logger: map[string][]string{"READ?": dead},
		bath:   map[string][]string{"RT": dead, "RR": dead},
	}
	for _, ch := range channels {
		o.scripts.mux[ch.Command] = dead
	}
	r := newRig(t, o)

	err := r.runToEnd(t)
	if !errors.Is(err, domain.ErrTotalDeviceLoss) {
		t.Fatalf("expected total device loss, got %v", err)
	}
	st := r.ctl.State()
	if st.Status != domain.StatusFaulted || st.CycleIndex != 2 {
		t.Fatalf("expected fault right after the second cycle, got %+v", st)
	}
	if rep := verifyLog(t, st.LogPath); rep.Rows != 2 {
		t.Fatalf("expected 2 rows, got %+v", rep)
	}
}

func TestStartRejectsBadChannels(t *testing.T) {
	o := defaults()
	o.channels = []domain.ChannelSpec{{ID: 1, Command: "a"}, {ID: 1, Command: "b"}}
	r := newRig(t, o)

	if err := r.ctl.Start(context.Background()); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if st := r.ctl.State(); st.Status != domain.StatusIdle {
		t.Fatalf("run must not leave idle, got %s", st.Status)
	}
	if entries, _ := os.ReadDir(r.dir); len(entries) != 0 {
		t.Fatalf("no log should be created")
	}
}

func TestStartRejectsUnreachableDevice(t *testing.T) {
	o := defaults()
	o.probe = "*IDN?"
	o.scripts.bath = map[string][]string{"*IDN?": {instrument.SimTimeout}}
	o.scripts.mux = map[string][]string{"*IDN?": {"KEYSIGHT"}}
	o.scripts.logger = map[string][]string{"*IDN?": {"PT-104"}}
	r := newRig(t, o)

	err := r.ctl.Start(context.Background())
	if !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if r.ctl.State().Status != domain.StatusIdle {
		t.Fatalf("run must not start")
	}
}

func TestLifecycleErrorsAndRestart(t *testing.T) {
	o := defaults()
	r := newRig(t, o)

	if err := r.ctl.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
	if err := r.ctl.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.ctl.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	if err := r.ctl.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := r.ctl.Stop(); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
	if err := r.ctl.Wait(context.Background()); err != nil {
		t.Fatalf("wait: %v", err)
	}
	first := r.ctl.State()

	if err := r.ctl.Start(context.Background()); err != nil {
		t.Fatalf("restart: %v", err)
	}
	st := r.ctl.State()
	if st.RunID == first.RunID || st.LogPath == first.LogPath {
		t.Fatalf("restart must use a fresh run id and log")
	}
	r.ctl.Stop()
	r.ctl.Wait(context.Background())

	verifyLog(t, first.LogPath)
	verifyLog(t, r.ctl.State().LogPath)
	if len(r.journal.list()) != 2 {
		t.Fatalf("expected two journal entries, got %d", len(r.journal.list()))
	}
}

func TestFailedStartKeepsPreviousRun(t *testing.T) {
	o := defaults()
	o.stopAfter = 4
	o.scripts.logger = map[string][]string{"READ?": {instrument.SimTimeout}}
	r := newRig(t, o)

	if err := r.runToEnd(t); err != nil {
		t.Fatalf("run: %v", err)
	}
	before := r.ctl.State()

	// the next run's log name is taken
	if err := os.WriteFile(filepath.Join(r.dir, "run-2.tsv"), []byte("x"), 0o644); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := r.ctl.Start(context.Background()); !errors.Is(err, domain.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	if st := r.ctl.State(); st != before {
		t.Fatalf("state changed by a failed start: %+v", st)
	}
	if n := len(r.ctl.Live()); n != 5 {
		t.Fatalf("live buffer wiped by a failed start: %d samples", n)
	}
	if rec := r.ctl.Faults()[domain.DeviceLogger]; rec.State != fault.Degraded || rec.ConsecutiveFailures != 5 {
		t.Fatalf("fault records wiped by a failed start: %+v", rec)
	}
}

func TestRunIdenticalScriptsIdenticalLogs(t *testing.T) {
	run := func() []byte {
		o := defaults()
		o.stopAfter = 20
		o.scripts.mux = map[string][]string{
			"MEAS:RES? (@102)": {"+1.1E+04", instrument.SimTimeout, "+9.90000000E+37", "+1.2E+04"},
		}
		o.scripts.logger = map[string][]string{"READ?": {"25.1", "25.2", instrument.SimTimeout, "25.3"}}
		r := newRig(t, o)
		if err := r.runToEnd(t); err != nil {
			t.Fatalf("run: %v", err)
		}
		data, err := os.ReadFile(r.ctl.State().LogPath)
		if err != nil {
			t.Fatalf("read log: %v", err)
		}
		return data
	}
	if a, b := run(), run(); !bytes.Equal(a, b) {
		t.Fatalf("identical scripts produced different logs")
	}
}

func TestRunProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("cycles are contiguous and every scan is complete", prop.ForAll(
		func(script []bool) bool {
			resp := make([]string, len(script))
			for i, ok := range script {
				resp[i] = instrument.SimTimeout
				if ok {
					resp[i] = "+1.0E+04"
				}
			}
			o := defaults()
			o.stopAfter = int64(len(script)) - 1
			o.thresholds = fault.Thresholds{DegradedAfter: 1, SuspendAfter: 3, BackoffCycles: 2}
			o.scripts.mux = map[string][]string{}
			for _, ch := range channels {
				o.scripts.mux[ch.Command] = resp
			}
			r := newRig(t, o)
			if err := r.runToEnd(t); err != nil {
				return false
			}
			samples := r.ctl.Live()
			if len(samples) != len(script) {
				return false
			}
			for i, s := range samples {
				if s.CycleIndex != uint64(i) || len(s.Mux) != len(channels) {
					return false
				}
			}
			rep, err := logfile.VerifyFile(r.ctl.State().LogPath)
			return err == nil && rep.Rows == len(script)
		},
		gen.SliceOfN(24, gen.Bool()).SuchThat(func(v []bool) bool { return len(v) > 0 }),
	))

	properties.TestingRun(t)
}

type hookLog struct {
	ports.SampleLog
	failAt int64
	after  func(cycle uint64)
}

func (h *hookLog) Append(s *domain.Sample) error {
	if h.failAt >= 0 && s.CycleIndex == uint64(h.failAt) {
		return errors.New("no space left on device")
	}
	if err := h.SampleLog.Append(s); err != nil {
		return err
	}
	if h.after != nil {
		h.after(s.CycleIndex)
	}
	return nil
}

type memJournal struct {
	mu     sync.Mutex
	recs   map[string]ports.RunRecord
	ids    []string
	lastID string
}

func (j *memJournal) Put(rec ports.RunRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.recs == nil {
		j.recs = make(map[string]ports.RunRecord)
	}
	if _, ok := j.recs[rec.ID]; !ok {
		j.ids = append(j.ids, rec.ID)
	}
	j.recs[rec.ID] = rec
	j.lastID = rec.ID
	return nil
}

func (j *memJournal) List() ([]ports.RunRecord, error) { return j.list(), nil }
func (j *memJournal) Close() error                     { return nil }

func (j *memJournal) list() []ports.RunRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]ports.RunRecord, 0, len(j.ids))
	for _, id := range j.ids {
		out = append(out, j.recs[id])
	}
	return out
}

func (j *memJournal) last() ports.RunRecord {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.recs[j.lastID]
}
