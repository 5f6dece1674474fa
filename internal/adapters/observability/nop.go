package observability

import (
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// Nop discards everything.
type Nop struct{}

func (Nop) LogInfo(string, ...ports.Field)                {}
func (Nop) LogError(string, error, ...ports.Field)        {}
func (Nop) LogCritical(string, error, ...ports.Field)     {}
func (Nop) IncCounter(string, float64)                    {}
func (Nop) ObserveLatency(string, float64)                {}
func (Nop) SetGauge(string, float64)                      {}
func (Nop) SetDeviceGauge(string, domain.Device, float64) {}
func (Nop) RecordDrop(*domain.Sample, error)              {}

var _ ports.Observability = Nop{}
