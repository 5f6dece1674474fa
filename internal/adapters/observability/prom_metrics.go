package observability

import (
	"fmt"
	"log"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

const (
	MetricCycles         = "calib_cycles_total"
	MetricReadingGaps    = "calib_reading_gaps_total"
	MetricMirrorWritten  = "calib_mirror_written_total"
	MetricMirrorDropped  = "calib_mirror_dropped_total"
	MetricLiveBufferLen  = "calib_live_buffer_len"
	MetricSpoolSize      = "calib_spool_size_bytes"
	MetricMirrorQueueLen = "calib_mirror_queue_length"
	MetricRunStatus      = "calib_run_status"
	MetricCycleDuration  = "calib_cycle_duration_seconds"
	MetricSinkLatency    = "calib_mirror_sink_latency_seconds"
	MetricDeviceState    = "calib_device_state"
	MetricDeviceFailures = "calib_device_consecutive_failures"
)

// PromObs logs through the standard logger and exports run metrics to
// Prometheus.
type PromObs struct {
	counters map[string]prometheus.Counter
	gauges   map[string]prometheus.Gauge
	histos   map[string]prometheus.Observer
	devices  map[string]*prometheus.GaugeVec
}

// NewPromObs registers on the default registry.
func NewPromObs() *PromObs {
	return NewPromObsWith(prometheus.DefaultRegisterer)
}

func NewPromObsWith(reg prometheus.Registerer) *PromObs {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help})
	}
	deviceGauge := func(name, help string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, []string{"device"})
	}

	p := &PromObs{
		counters: map[string]prometheus.Counter{
			MetricCycles:        counter(MetricCycles, "Cycles persisted to the run log."),
			MetricReadingGaps:   counter(MetricReadingGaps, "Readings logged without a value."),
			MetricMirrorWritten: counter(MetricMirrorWritten, "Samples committed to the mirror sink."),
			MetricMirrorDropped: counter(MetricMirrorDropped, "Samples the mirror could not accept."),
		},
		gauges: map[string]prometheus.Gauge{
			MetricLiveBufferLen:  gauge(MetricLiveBufferLen, "Samples held by the live buffer."),
			MetricSpoolSize:      gauge(MetricSpoolSize, "Size of the mirror spool on disk."),
			MetricMirrorQueueLen: gauge(MetricMirrorQueueLen, "Samples waiting for the mirror sink."),
			MetricRunStatus:      gauge(MetricRunStatus, "0 idle, 1 running, 2 stopping, 3 stopped, 4 faulted."),
		},
		histos: map[string]prometheus.Observer{
			MetricCycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    MetricCycleDuration,
				Help:    "Wall time spent acquiring and persisting one cycle.",
				Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
			}),
			MetricSinkLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    MetricSinkLatency,
				Help:    "Latency of one mirror batch write.",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
			}),
		},
		devices: map[string]*prometheus.GaugeVec{
			MetricDeviceState:    deviceGauge(MetricDeviceState, "0 healthy, 1 degraded, 2 suspended."),
			MetricDeviceFailures: deviceGauge(MetricDeviceFailures, "Consecutive failed cycles per device."),
		},
	}

	for _, c := range p.counters {
		reg.MustRegister(c)
	}
	for _, g := range p.gauges {
		reg.MustRegister(g)
	}
	for _, h := range p.histos {
		reg.MustRegister(h.(prometheus.Collector))
	}
	for _, v := range p.devices {
		reg.MustRegister(v)
	}
	return p
}

func (p *PromObs) LogInfo(msg string, fields ...ports.Field) {
	log.Printf("INFO: %s%s", msg, formatFields(fields))
}

func (p *PromObs) LogError(msg string, err error, fields ...ports.Field) {
	log.Printf("ERROR: %s: %v%s", msg, err, formatFields(fields))
}

func (p *PromObs) LogCritical(msg string, err error, fields ...ports.Field) {
	log.Printf("CRITICAL: %s: %v%s", msg, err, formatFields(fields))
}

func formatFields(fields []ports.Field) string {
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range fields {
		fmt.Fprintf(&b, " %s=%v", f.Key, f.Value)
	}
	return b.String()
}

func (p *PromObs) IncCounter(name string, v float64) {
	if c, ok := p.counters[name]; ok {
		c.Add(v)
	}
}

func (p *PromObs) ObserveLatency(name string, seconds float64) {
	if h, ok := p.histos[name]; ok {
		h.Observe(seconds)
	}
}

func (p *PromObs) SetGauge(name string, v float64) {
	if g, ok := p.gauges[name]; ok {
		g.Set(v)
	}
}

func (p *PromObs) SetDeviceGauge(name string, dev domain.Device, v float64) {
	if g, ok := p.devices[name]; ok {
		g.WithLabelValues(string(dev)).Set(v)
	}
}

func (p *PromObs) RecordDrop(s *domain.Sample, err error) {
	p.IncCounter(MetricMirrorDropped, 1)
	if s != nil {
		log.Printf("WARN: mirror dropped run=%s cycle=%d err=%v", s.RunID, s.CycleIndex, err)
	}
}

// StatusValue maps a run status onto MetricRunStatus.
func StatusValue(s domain.RunStatus) float64 {
	switch s {
	case domain.StatusRunning:
		return 1
	case domain.StatusStopping:
		return 2
	case domain.StatusStopped:
		return 3
	case domain.StatusFaulted:
		return 4
	default:
		return 0
	}
}

var _ ports.Observability = (*PromObs)(nil)
