package acquire

import (
	"sync"
	"time"

	"github.com/ghalamif/calibflow/internal/app/fault"
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// Planner tells the aggregator whether a device may be queried this cycle.
type Planner interface {
	ShouldQuery(dev domain.Device) bool
}

// Commands are the queries sent to the logger and the bath each cycle.
type Commands struct {
	Logger       string
	BathInternal string
	BathExternal string
}

// Cycle is the result of one acquisition.
type Cycle struct {
	Sample   *domain.Sample
	Outcomes map[domain.Device]fault.Outcome
}

// Aggregator builds one Sample per cycle. The mux scan, the logger and the
// bath each run in their own goroutine and are joined before the Sample is
// assembled; every instrument is touched by exactly one of them.
type Aggregator struct {
	seq     *Sequencer
	logger  ports.Instrument
	bath    ports.Instrument
	cmds    Commands
	timeout time.Duration
	planner Planner
	now     func() time.Time
}

func NewAggregator(seq *Sequencer, logger, bath ports.Instrument, cmds Commands, timeout time.Duration, planner Planner, now func() time.Time) *Aggregator {
	if now == nil {
		now = time.Now
	}
	return &Aggregator{
		seq:     seq,
		logger:  logger,
		bath:    bath,
		cmds:    cmds,
		timeout: timeout,
		planner: planner,
		now:     now,
	}
}

func (a *Aggregator) Channels() []domain.ChannelSpec { return a.seq.Channels() }

func (a *Aggregator) Collect(runID string, cycle uint64) Cycle {
	ts := a.now()

	queryMux := a.planner.ShouldQuery(domain.DeviceMux)
	queryLogger := a.planner.ShouldQuery(domain.DeviceLogger)
	queryBath := a.planner.ShouldQuery(domain.DeviceBath)

	var (
		wg               sync.WaitGroup
		mux              []domain.Reading
		logger           = domain.Absent(domain.FaultSuspended)
		bathInt, bathExt = domain.Absent(domain.FaultSuspended), domain.Absent(domain.FaultSuspended)
	)

	wg.Add(3)
	go func() {
		defer wg.Done()
		if queryMux {
			mux = a.seq.Scan()
		} else {
			mux = a.seq.Skip()
		}
	}()
	go func() {
		defer wg.Done()
		if queryLogger {
			logger = a.logger.Query(a.cmds.Logger, a.timeout)
		}
	}()
	go func() {
		defer wg.Done()
		if queryBath {
			bathInt = a.bath.Query(a.cmds.BathInternal, a.timeout)
			bathExt = a.bath.Query(a.cmds.BathExternal, a.timeout)
		}
	}()
	wg.Wait()

	return Cycle{
		Sample: &domain.Sample{
			RunID:        runID,
			CycleIndex:   cycle,
			Timestamp:    ts,
			Mux:          mux,
			Logger:       logger,
			BathInternal: bathInt,
			BathExternal: bathExt,
		},
		Outcomes: map[domain.Device]fault.Outcome{
			domain.DeviceMux:    fault.Classify(queryMux, mux...),
			domain.DeviceLogger: fault.Classify(queryLogger, logger),
			domain.DeviceBath:   fault.Classify(queryBath, bathInt, bathExt),
		},
	}
}
