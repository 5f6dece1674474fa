package calibflow

import (
	"github.com/ghalamif/calibflow/internal/adapters/instrument"
	"github.com/ghalamif/calibflow/internal/app/config"
	"github.com/ghalamif/calibflow/internal/app/fault"
	"github.com/ghalamif/calibflow/internal/ports"
)

// Config re-exports the root configuration struct so downstream projects can
// construct or modify it programmatically.
type Config = config.Config

type (
	// RunConfig sets the cycle cadence and live buffer size.
	RunConfig = config.RunConfig
	// Thresholds tune the per-device fault state machine.
	Thresholds = fault.Thresholds
	// InstrumentConfig describes how to reach one device.
	InstrumentConfig = instrument.Config
	// SimConfig scripts the simulator transport.
	SimConfig = instrument.SimConfig
	// LoggerConfig adds the reading command to the logger connection.
	LoggerConfig = config.LoggerConfig
	// BathConfig adds the internal/external probe commands to the bath connection.
	BathConfig = config.BathConfig
	// LogConfig places the run logs.
	LogConfig = config.LogConfig
	// MetricsConfig configures the HTTP listener.
	MetricsConfig = config.MetricsConfig
	// JournalConfig configures the run journal.
	JournalConfig = config.JournalConfig
	// TimescaleConfig configures the mirror sink.
	TimescaleConfig = config.TimescaleConfig
	// SpoolConfig configures the mirror spool.
	SpoolConfig = config.SpoolConfig
	// Policy bounds the mirror spool and queue.
	Policy = ports.Policy
)

// LoadConfig loads YAML from disk using the internal config reader.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// ParseConfig reads YAML from memory.
func ParseConfig(raw []byte) (*Config, error) {
	return config.Parse(raw)
}
