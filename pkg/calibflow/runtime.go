package calibflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"time"

	"github.com/ghalamif/calibflow/internal/adapters/instrument"
	"github.com/ghalamif/calibflow/internal/adapters/journal"
	"github.com/ghalamif/calibflow/internal/adapters/live"
	"github.com/ghalamif/calibflow/internal/adapters/logfile"
	"github.com/ghalamif/calibflow/internal/adapters/observability"
	"github.com/ghalamif/calibflow/internal/adapters/queue"
	"github.com/ghalamif/calibflow/internal/adapters/sink"
	"github.com/ghalamif/calibflow/internal/adapters/spool"
	"github.com/ghalamif/calibflow/internal/app/acquire"
	"github.com/ghalamif/calibflow/internal/app/pipeline"
	"github.com/ghalamif/calibflow/internal/app/run"
	"github.com/ghalamif/calibflow/internal/ports"
)

// RuntimeOption customizes the dependencies used by Runtime.
type RuntimeOption func(*runtimeOverrides)

type runtimeOverrides struct {
	mux, logger, bath Instrument
	sink              Sink
	spool             Spool
	queue             SampleQueue
	journal           RunJournal
	observability     Observability
	openLog           LogOpener
	now               func() time.Time
}

// WithMux injects the resistance scanner instead of opening cfg.Mux.
func WithMux(i Instrument) RuntimeOption {
	return func(o *runtimeOverrides) { o.mux = i }
}

// WithLogger injects the reference thermometer instead of opening cfg.Logger.
func WithLogger(i Instrument) RuntimeOption {
	return func(o *runtimeOverrides) { o.logger = i }
}

// WithBath injects the temperature bath instead of opening cfg.Bath.
func WithBath(i Instrument) RuntimeOption {
	return func(o *runtimeOverrides) { o.bath = i }
}

// WithSink enables the mirror with a custom sink so samples can be sent to
// any database or API.
func WithSink(s Sink) RuntimeOption {
	return func(o *runtimeOverrides) { o.sink = s }
}

// WithSpool lets callers bring their own mirror spool.
func WithSpool(s Spool) RuntimeOption {
	return func(o *runtimeOverrides) { o.spool = s }
}

// WithSampleQueue injects a custom mirror queue implementation.
func WithSampleQueue(q SampleQueue) RuntimeOption {
	return func(o *runtimeOverrides) { o.queue = q }
}

// WithJournal replaces the badger run journal.
func WithJournal(j RunJournal) RuntimeOption {
	return func(o *runtimeOverrides) { o.journal = j }
}

// WithObservability plugs in a custom observability backend.
func WithObservability(obs Observability) RuntimeOption {
	return func(o *runtimeOverrides) { o.observability = obs }
}

// WithLogOpener replaces the TSV run log.
func WithLogOpener(fn LogOpener) RuntimeOption {
	return func(o *runtimeOverrides) { o.openLog = fn }
}

// WithClock replaces time.Now for sample timestamps.
func WithClock(now func() time.Time) RuntimeOption {
	return func(o *runtimeOverrides) { o.now = now }
}

// Runtime wires the instruments, the run controller, the live display and the
// optional mirror, and exposes lifecycle hooks for embedding the acquisition
// engine inside any Go service.
type Runtime struct {
	cfg     *Config
	obs     ports.Observability
	devices run.Devices
	ctl     *run.Controller
	journal ports.RunJournal
	spool   ports.Spool
	mirror  *pipeline.Mirror
	db      *sql.DB

	httpSrv      *http.Server
	mirrorCancel context.CancelFunc
	mirrorDone   chan struct{}
}

// NewRuntime opens the configured instruments and stores. Options override
// any of them; a failure closes whatever was already opened.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	var o runtimeOverrides
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	rt := &Runtime{cfg: cfg, obs: o.observability}
	if rt.obs == nil {
		rt.obs = observability.NewPromObs()
	}
	var err error
	defer func() {
		if err != nil {
			_ = rt.close()
		}
	}()

	open := func(override Instrument, name string, c InstrumentConfig) (Instrument, error) {
		if override != nil {
			return override, nil
		}
		a, err := instrument.Open(name, c)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfiguration, err)
		}
		return a, nil
	}
	if rt.devices.Mux, err = open(o.mux, "mux", cfg.Mux); err != nil {
		return nil, err
	}
	if rt.devices.Logger, err = open(o.logger, "logger", cfg.Logger.Config); err != nil {
		return nil, err
	}
	if rt.devices.Bath, err = open(o.bath, "bath", cfg.Bath.Config); err != nil {
		return nil, err
	}

	rt.journal = o.journal
	if rt.journal == nil && cfg.Journal.Dir != "" {
		var j *journal.BadgerJournal
		if j, err = journal.Open(cfg.Journal.Dir); err != nil {
			return nil, err
		}
		rt.journal = j
	}

	snk := o.sink
	if snk == nil && cfg.MirrorEnabled() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if rt.db, err = sink.Connect(ctx, cfg.Timescale.ConnString); err != nil {
			return nil, err
		}
		ts := sink.NewTimescaleSink(rt.db, cfg.Timescale.Table, cfg.Channels)
		if err = ts.EnsureTable(ctx); err != nil {
			return nil, fmt.Errorf("timescale schema: %w", err)
		}
		snk = ts
	}
	if snk != nil {
		rt.spool = o.spool
		if rt.spool == nil {
			var fs *spool.FileSpool
			if fs, err = spool.Open(cfg.Spool.Dir); err != nil {
				return nil, err
			}
			rt.spool = fs
		}
		q := o.queue
		if q == nil {
			q = queue.NewMemQueue(cfg.Policy.MaxQueueLen)
		}
		rt.mirror = pipeline.NewMirror(rt.spool, q, snk, cfg.Policy, rt.obs)
	}

	openLog := o.openLog
	if openLog == nil {
		openLog = tsvLogOpener(cfg.Log)
	}

	ctlOpts := []run.Option{run.WithObservability(rt.obs)}
	if rt.journal != nil {
		ctlOpts = append(ctlOpts, run.WithJournal(rt.journal))
	}
	if rt.mirror != nil {
		ctlOpts = append(ctlOpts, run.WithMirror(rt.mirror))
	}
	if o.now != nil {
		ctlOpts = append(ctlOpts, run.WithClock(o.now))
	}
	if cfg.Log.CompressOnStop {
		ctlOpts = append(ctlOpts, run.WithArchiver(logfile.Compress))
	}

	rt.ctl = run.New(run.Config{
		Channels: cfg.Channels,
		Commands: acquire.Commands{
			Logger:       cfg.Logger.Command,
			BathInternal: cfg.Bath.InternalCommand,
			BathExternal: cfg.Bath.ExternalCommand,
		},
		Cadence:      cfg.Run.Cadence,
		QueryTimeout: cfg.Run.QueryTimeout,
		ProbeTimeout: cfg.Run.QueryTimeout,
		Thresholds:   cfg.Faults,
	}, rt.devices, openLog, live.NewRing(cfg.Run.LiveCapacity), ctlOpts...)

	return rt, nil
}

// LogFileName is the name of the log of a run started at t.
func LogFileName(prefix string, t time.Time) string {
	return prefix + t.Format("060102_150405") + ".tsv"
}

func tsvLogOpener(cfg LogConfig) LogOpener {
	return func(_ string, channels []ChannelSpec, startedAt time.Time) (ports.SampleLog, error) {
		l, err := logfile.Create(filepath.Join(cfg.Dir, LogFileName(cfg.Prefix, startedAt)), channels, startedAt)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
}

// Start launches the mirror and the HTTP listener. It does not start a run.
func (r *Runtime) Start() error {
	if r == nil {
		return fmt.Errorf("runtime is nil")
	}
	if r.mirror != nil && r.mirrorDone == nil {
		ctx, cancel := context.WithCancel(context.Background())
		r.mirrorCancel = cancel
		r.mirrorDone = make(chan struct{})
		go func() {
			defer close(r.mirrorDone)
			if err := r.mirror.Run(ctx); err != nil {
				r.obs.LogError("mirror_exited", err)
			}
		}()
	}
	if r.cfg.Metrics.Addr != "" && r.httpSrv == nil {
		r.httpSrv = &http.Server{
			Addr:              r.cfg.Metrics.Addr,
			Handler:           r.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := r.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Printf("http server exited: %v", err)
			}
		}()
	}
	return nil
}

// Run starts a run and blocks until it ends or ctx is cancelled, in which
// case the run is stopped cleanly. It returns the run's fault, if any.
func (r *Runtime) Run(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	runErr := r.StartRun(ctx)
	if runErr == nil {
		select {
		case <-r.ctl.Done():
		case <-ctx.Done():
			_ = r.ctl.Stop()
		}
		runErr = r.ctl.Wait(context.Background())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(runErr, r.Shutdown(shutdownCtx))
}

// Serve keeps the runtime up for an external display that starts and stops
// runs over HTTP, until ctx is cancelled.
func (r *Runtime) Serve(ctx context.Context) error {
	if err := r.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return r.Shutdown(shutdownCtx)
}

func (r *Runtime) StartRun(ctx context.Context) error { return r.ctl.Start(ctx) }
func (r *Runtime) StopRun() error                     { return r.ctl.Stop() }

// Wait blocks until the current run ends.
func (r *Runtime) Wait(ctx context.Context) error { return r.ctl.Wait(ctx) }

func (r *Runtime) State() RunState { return r.ctl.State() }

func (r *Runtime) Faults() map[Device]FaultRecord { return r.ctl.Faults() }

// Live returns the samples held by the live buffer, oldest first.
func (r *Runtime) Live() []*Sample { return r.ctl.Live() }

// Runs lists the journal, oldest first. It is empty when no journal is configured.
func (r *Runtime) Runs() ([]RunRecord, error) {
	if r.journal == nil {
		return nil, nil
	}
	return r.journal.List()
}

// Shutdown stops an active run, the HTTP listener and the mirror, then closes
// every store and instrument.
func (r *Runtime) Shutdown(ctx context.Context) error {
	var errs []error

	if err := r.ctl.Stop(); err == nil {
		if err := r.ctl.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	if r.httpSrv != nil {
		if err := r.httpSrv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs = append(errs, err)
		}
	}

	if r.mirrorCancel != nil {
		r.mirrorCancel()
		select {
		case <-r.mirrorDone:
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("mirror: %w", ctx.Err()))
		}
	}

	errs = append(errs, r.close())
	return errors.Join(errs...)
}

func (r *Runtime) close() error {
	var errs []error
	for _, dev := range []ports.Instrument{r.devices.Mux, r.devices.Logger, r.devices.Bath} {
		if dev != nil {
			if err := dev.Close(); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", dev.Name(), err))
			}
		}
	}
	if r.spool != nil {
		if err := r.spool.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.journal != nil {
		if err := r.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if r.db != nil {
		if err := r.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
