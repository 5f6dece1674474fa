package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ghalamif/calibflow/internal/adapters/observability"
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

var (
	errBacklogFull = errors.New("mirror backlog full")
	errSpoolFull   = errors.New("spool size limit reached")
	errQueueFull   = errors.New("mirror queue full")
)

// Mirror replicates persisted samples to a secondary sink. The run loop only
// ever calls Publish, which never blocks; everything else happens on the
// goroutines started by Run. A sample that cannot be spooled is dropped and
// counted; a spooled sample the full queue rejects waits in the spool and is
// enqueued again once the queue drains. The run log stays the record of truth
// either way.
type Mirror struct {
	spool ports.Spool
	queue ports.SampleQueue
	sink  ports.Sink
	pol   ports.Policy
	obs   ports.Observability

	in    chan *domain.Sample
	ready <-chan struct{}

	// mu orders spool appends against refills. backlogFrom is the first
	// spooled id not yet enqueued, 0 when the queue holds everything.
	mu          sync.Mutex
	backlogFrom ports.SpoolEntryID
}

func NewMirror(spool ports.Spool, q ports.SampleQueue, sink ports.Sink, pol ports.Policy, obs ports.Observability) *Mirror {
	backlog := pol.MaxQueueLen
	if backlog < 1 {
		backlog = 1
	}
	m := &Mirror{
		spool: spool,
		queue: q,
		sink:  sink,
		pol:   pol,
		obs:   obs,
		in:    make(chan *domain.Sample, backlog),
	}
	if r, ok := q.(interface{ Ready() <-chan struct{} }); ok {
		m.ready = r.Ready()
	}
	return m
}

// Publish hands s to the mirror without waiting.
func (m *Mirror) Publish(s *domain.Sample) {
	select {
	case m.in <- s:
	default:
		m.obs.RecordDrop(s, errBacklogFull)
	}
}

// Run replays uncommitted spool entries, then spools and ships samples until
// ctx is cancelled. Samples published before cancellation are spooled before
// Run returns so a restart can ship them.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.replay(); err != nil {
		return fmt.Errorf("spool replay: %w", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		m.spoolLoop(ctx)
	}()

	m.ingestLoop(ctx)
	wg.Wait()
	return nil
}

func (m *Mirror) spoolLoop(ctx context.Context) {
	for {
		select {
		case s := <-m.in:
			m.accept(s)
		case <-ctx.Done():
			for {
				select {
				case s := <-m.in:
					m.accept(s)
				default:
					return
				}
			}
		}
	}
}

func (m *Mirror) accept(s *domain.Sample) {
	if m.pol.MaxSpoolSizeBytes > 0 && m.spool.Stats().SizeBytes >= m.pol.MaxSpoolSizeBytes {
		m.obs.RecordDrop(s, errSpoolFull)
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id, err := m.spool.Append(s)
	if err != nil {
		m.obs.LogError("spool_append_failed", err, ports.Field{Key: "cycle", Value: s.CycleIndex})
		m.obs.RecordDrop(s, err)
		return
	}
	if m.backlogFrom != 0 || m.queue.Enqueue(id, s) {
		return
	}
	m.backlogFrom = id
	m.obs.LogInfo("mirror_backlog_started", ports.Field{Key: "from_id", Value: id})
}

// refill moves spooled samples from the backlog into the queue until it is
// full again. Commits only ever cover enqueued ids, so nothing behind the
// backlog mark is committed early.
func (m *Mirror) refill() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.backlogFrom == 0 {
		return 0, nil
	}
	var (
		moved int
		next  ports.SpoolEntryID
	)
	err := m.spool.Iterate(m.backlogFrom, func(id ports.SpoolEntryID, s *domain.Sample) error {
		if !m.queue.Enqueue(id, s) {
			next = id
			return errQueueFull
		}
		moved++
		return nil
	})
	if err != nil && !errors.Is(err, errQueueFull) {
		return moved, err
	}
	m.backlogFrom = next
	if next == 0 {
		m.obs.LogInfo("mirror_backlog_cleared")
	}
	return moved, nil
}

func (m *Mirror) idle() time.Duration {
	if m.pol.IdleSleep > 0 {
		return m.pol.IdleSleep
	}
	return 50 * time.Millisecond
}

func (m *Mirror) ingestLoop(ctx context.Context) {
	timer := time.NewTimer(m.idle())
	defer timer.Stop()

	for {
		batch := m.queue.DequeueBatch(m.pol.MaxBatchSize)
		if len(batch) > 0 {
			if !m.ship(ctx, batch) {
				return
			}
			m.compact()
			continue
		}
		if n, err := m.refill(); err != nil {
			m.obs.LogError("spool_refill_failed", err)
		} else if n > 0 {
			continue
		}
		m.recordGauges()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(m.idle())
		select {
		case <-ctx.Done():
			return
		case <-m.ready:
		case <-timer.C:
		}
	}
}

// ship writes one batch, retrying until it lands or ctx ends. The spool is
// only committed after the sink accepted the batch.
func (m *Mirror) ship(ctx context.Context, batch []ports.QueuedSample) bool {
	out := make([]*domain.Sample, len(batch))
	var maxID ports.SpoolEntryID
	for i, item := range batch {
		out[i] = item.Sample
		if item.ID > maxID {
			maxID = item.ID
		}
	}

	backoff := m.idle()
	for {
		start := time.Now()
		err := m.sink.WriteBatch(out)
		if err == nil {
			m.obs.ObserveLatency(observability.MetricSinkLatency, time.Since(start).Seconds())
			m.obs.IncCounter(observability.MetricMirrorWritten, float64(len(out)))
			if err := m.spool.Commit(maxID); err != nil {
				m.obs.LogError("spool_commit_failed", err)
			}
			return true
		}
		m.obs.LogError("mirror_write_failed", err,
			ports.Field{Key: "sink", Value: m.sink.Name()},
			ports.Field{Key: "samples", Value: len(out)})

		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// compact drops committed frames once the backlog is drained and the spool
// has grown past half its limit.
func (m *Mirror) compact() {
	if m.queue.Len() > 0 || m.pol.MaxSpoolSizeBytes <= 0 {
		return
	}
	if m.spool.Stats().SizeBytes < m.pol.MaxSpoolSizeBytes/2 {
		return
	}
	if err := m.spool.TruncateCommitted(); err != nil {
		m.obs.LogError("spool_compact_failed", err)
	}
}

func (m *Mirror) recordGauges() {
	m.obs.SetGauge(observability.MetricSpoolSize, float64(m.spool.Stats().SizeBytes))
	m.obs.SetGauge(observability.MetricMirrorQueueLen, float64(m.queue.Len()))
}

func (m *Mirror) replay() error {
	stats := m.spool.Stats()
	start := stats.OldestUncommitted
	if stats.LatestAppended == 0 || start == 0 || start > stats.LatestAppended {
		return nil
	}

	m.mu.Lock()
	m.backlogFrom = start
	m.mu.Unlock()

	n, err := m.refill()
	if err != nil {
		return err
	}
	m.obs.LogInfo("spool_replay_started",
		ports.Field{Key: "from_id", Value: start},
		ports.Field{Key: "pending", Value: uint64(stats.LatestAppended - start + 1)},
		ports.Field{Key: "enqueued", Value: n})
	return nil
}
