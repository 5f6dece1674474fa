package calibflow

import (
	"github.com/ghalamif/calibflow/internal/app/fault"
	"github.com/ghalamif/calibflow/internal/app/run"
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// Sample is one time-aligned acquisition cycle. Samples handed out by the
// runtime are shared and must not be modified.
type Sample = domain.Sample

// Reading is a single instrument value or a gap with its fault kind.
type Reading = domain.Reading

// FaultKind explains a gap.
type FaultKind = domain.FaultKind

// ChannelSpec is one mux channel and the query that reads it.
type ChannelSpec = domain.ChannelSpec

// Device names one of the three instruments.
type Device = domain.Device

// RunState is the current or last run.
type RunState = domain.RunState

// RunStatus is the lifecycle position of a run.
type RunStatus = domain.RunStatus

// FaultRecord is the fault state of one device.
type FaultRecord = fault.Record

// RunRecord is a journal entry.
type RunRecord = ports.RunRecord

// Instrument is a device behind a request/response contract (GPIB, serial,
// OPC UA, simulators, etc.).
type Instrument = ports.Instrument

// Sink receives mirrored batches of samples.
type Sink = ports.Sink

// SampleLog is the durable per-run log.
type SampleLog = ports.SampleLog

// LogOpener creates the log of a new run.
type LogOpener = run.LogOpener

// Spool keeps samples until the mirror sink has accepted them.
type Spool = ports.Spool

// SampleQueue buffers spooled samples for the mirror sink.
type SampleQueue = ports.SampleQueue

// RunJournal records every run.
type RunJournal = ports.RunJournal

// Observability emits logs and metrics.
type Observability = ports.Observability

// Field is a structured log field used by Observability implementations.
type Field = ports.Field

const (
	DeviceMux    = domain.DeviceMux
	DeviceLogger = domain.DeviceLogger
	DeviceBath   = domain.DeviceBath
)

const (
	StatusIdle     = domain.StatusIdle
	StatusRunning  = domain.StatusRunning
	StatusStopping = domain.StatusStopping
	StatusStopped  = domain.StatusStopped
	StatusFaulted  = domain.StatusFaulted
)

var (
	ErrConfiguration   = domain.ErrConfiguration
	ErrIOFault         = domain.ErrIOFault
	ErrTotalDeviceLoss = domain.ErrTotalDeviceLoss
	ErrAlreadyRunning  = run.ErrAlreadyRunning
	ErrNotRunning      = run.ErrNotRunning
)
