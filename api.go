package calibflow

import (
	base "github.com/ghalamif/calibflow/pkg/calibflow"
)

// Re-exported errors for convenience.
var (
	ErrConfiguration     = base.ErrConfiguration
	ErrIOFault           = base.ErrIOFault
	ErrTotalDeviceLoss   = base.ErrTotalDeviceLoss
	ErrAlreadyRunning    = base.ErrAlreadyRunning
	ErrNotRunning        = base.ErrNotRunning
	ErrChannelSinkClosed = base.ErrChannelSinkClosed
)

// Type aliases so consumers can import github.com/ghalamif/calibflow directly.
type (
	Config           = base.Config
	RunConfig        = base.RunConfig
	Thresholds       = base.Thresholds
	InstrumentConfig = base.InstrumentConfig
	SimConfig        = base.SimConfig
	LoggerConfig     = base.LoggerConfig
	BathConfig       = base.BathConfig
	LogConfig        = base.LogConfig
	MetricsConfig    = base.MetricsConfig
	JournalConfig    = base.JournalConfig
	TimescaleConfig  = base.TimescaleConfig
	SpoolConfig      = base.SpoolConfig
	Policy           = base.Policy
	Runtime          = base.Runtime
	RuntimeOption    = base.RuntimeOption
	LiveView         = base.LiveView
	Sample           = base.Sample
	Reading          = base.Reading
	FaultKind        = base.FaultKind
	ChannelSpec      = base.ChannelSpec
	Device           = base.Device
	RunState         = base.RunState
	RunStatus        = base.RunStatus
	FaultRecord      = base.FaultRecord
	RunRecord        = base.RunRecord
	SampleBatchSink  = base.SampleBatchSink
	Instrument       = base.Instrument
	Sink             = base.Sink
	SampleLog        = base.SampleLog
	LogOpener        = base.LogOpener
	Spool            = base.Spool
	SampleQueue      = base.SampleQueue
	RunJournal       = base.RunJournal
	Observability    = base.Observability
	Field            = base.Field
)

// Config helpers.
func LoadConfig(path string) (*Config, error) {
	return base.LoadConfig(path)
}

func ParseConfig(raw []byte) (*Config, error) {
	return base.ParseConfig(raw)
}

// Runtime and options.
func NewRuntime(cfg *Config, opts ...RuntimeOption) (*Runtime, error) {
	return base.NewRuntime(cfg, opts...)
}

func WithMux(i Instrument) RuntimeOption {
	return base.WithMux(i)
}

func WithLogger(i Instrument) RuntimeOption {
	return base.WithLogger(i)
}

func WithBath(i Instrument) RuntimeOption {
	return base.WithBath(i)
}

func WithSink(s Sink) RuntimeOption {
	return base.WithSink(s)
}

func WithSpool(s Spool) RuntimeOption {
	return base.WithSpool(s)
}

func WithSampleQueue(q SampleQueue) RuntimeOption {
	return base.WithSampleQueue(q)
}

func WithJournal(j RunJournal) RuntimeOption {
	return base.WithJournal(j)
}

func WithObservability(obs Observability) RuntimeOption {
	return base.WithObservability(obs)
}

func WithLogOpener(fn LogOpener) RuntimeOption {
	return base.WithLogOpener(fn)
}

// Sink adapters.
func NewCallbackSink(name string, fn SampleBatchSink) Sink {
	return base.NewCallbackSink(name, fn)
}

func NewChannelSink(name string, buffer int) (Sink, <-chan []*Sample, func()) {
	return base.NewChannelSink(name, buffer)
}
