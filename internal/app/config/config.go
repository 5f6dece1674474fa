package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ghalamif/calibflow/internal/adapters/instrument"
	"github.com/ghalamif/calibflow/internal/app/fault"
	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

type Config struct {
	Run            RunConfig            `yaml:"run"`
	Faults         fault.Thresholds     `yaml:"faults"`
	Channels       []domain.ChannelSpec `yaml:"channels"`
	ChannelCommand string               `yaml:"channel_command"`
	Mux            instrument.Config    `yaml:"mux"`
	Logger         LoggerConfig         `yaml:"logger"`
	Bath           BathConfig           `yaml:"bath"`
	Log            LogConfig            `yaml:"log"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Journal        JournalConfig        `yaml:"journal"`
	Timescale      TimescaleConfig      `yaml:"timescale"`
	Spool          SpoolConfig          `yaml:"spool"`
	Policy         ports.Policy         `yaml:"policy"`
}

// RunConfig.QueryTimeout overrides every device timeout when set.
type RunConfig struct {
	Cadence      time.Duration `yaml:"cadence"`
	LiveCapacity int           `yaml:"live_capacity"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
}

type LoggerConfig struct {
	instrument.Config `yaml:",inline"`
	Command           string `yaml:"command"`
}

type BathConfig struct {
	instrument.Config `yaml:",inline"`
	InternalCommand   string `yaml:"internal_command"`
	ExternalCommand   string `yaml:"external_command"`
}

type LogConfig struct {
	Dir            string `yaml:"dir"`
	Prefix         string `yaml:"prefix"`
	CompressOnStop bool   `yaml:"compress_on_stop"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// JournalConfig with an empty Dir disables the run journal.
type JournalConfig struct {
	Dir string `yaml:"dir"`
}

// TimescaleConfig with an empty ConnString disables the mirror.
type TimescaleConfig struct {
	ConnString string `yaml:"conn_string"`
	Table      string `yaml:"table"`
}

type SpoolConfig struct {
	Dir string `yaml:"dir"`
}

func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// MirrorEnabled reports whether samples are replicated to TimescaleDB.
func (c *Config) MirrorEnabled() bool { return c.Timescale.ConnString != "" }

func (c *Config) applyDefaults() {
	if c.Run.Cadence == 0 {
		c.Run.Cadence = time.Second
	}
	if c.Run.LiveCapacity == 0 {
		c.Run.LiveCapacity = 1800
	}

	if c.Faults == (fault.Thresholds{}) {
		c.Faults = fault.DefaultThresholds()
	}
	if c.Faults.DegradedAfter == 0 {
		c.Faults.DegradedAfter = fault.DefaultThresholds().DegradedAfter
	}
	if c.Faults.SuspendAfter == 0 {
		c.Faults.SuspendAfter = fault.DefaultThresholds().SuspendAfter
	}

	if c.ChannelCommand == "" {
		c.ChannelCommand = "MEAS:RES? (@%d)"
	}
	for i := range c.Channels {
		if c.Channels[i].Command == "" {
			c.Channels[i].Command = fmt.Sprintf(c.ChannelCommand, c.Channels[i].ID)
		}
	}

	c.Mux.ApplyDefaults()
	c.Logger.ApplyDefaults()
	c.Bath.ApplyDefaults()
	if c.Bath.InternalCommand == "" {
		c.Bath.InternalCommand = "RT"
	}
	if c.Bath.ExternalCommand == "" {
		c.Bath.ExternalCommand = "RR"
	}

	if c.Log.Dir == "" {
		c.Log.Dir = "./data/runs"
	}
	if c.Log.Prefix == "" {
		c.Log.Prefix = "calib_thermistors_"
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9100"
	}
	if c.Timescale.Table == "" {
		c.Timescale.Table = "calibration_samples"
	}
	if c.Spool.Dir == "" {
		c.Spool.Dir = "./data/spool"
	}

	if c.Policy.MaxSpoolSizeBytes == 0 {
		c.Policy.MaxSpoolSizeBytes = 1 << 30
	}
	if c.Policy.MaxQueueLen == 0 {
		c.Policy.MaxQueueLen = 10_000
	}
	if c.Policy.MaxBatchSize == 0 {
		c.Policy.MaxBatchSize = 500
	}
	if c.Policy.IdleSleep == 0 {
		c.Policy.IdleSleep = 50 * time.Millisecond
	}
}

func (c *Config) validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Run.Cadence < 0 {
		add("run.cadence must not be negative")
	}
	if c.Run.LiveCapacity < 1 {
		add("run.live_capacity must be >= 1")
	}
	if c.Run.QueryTimeout < 0 {
		add("run.query_timeout must not be negative")
	}
	if err := c.Faults.Validate(); err != nil {
		add("faults: %v", err)
	}
	if err := domain.ValidateChannels(c.Channels); err != nil {
		add("channels: %v", strings.TrimPrefix(err.Error(), domain.ErrConfiguration.Error()+": "))
	}
	if err := c.Mux.Validate(); err != nil {
		add("mux: %v", err)
	}
	if err := c.Logger.Validate(); err != nil {
		add("logger: %v", err)
	}
	if c.Logger.Command == "" {
		add("logger.command is required")
	}
	if err := c.Bath.Validate(); err != nil {
		add("bath: %v", err)
	}
	if c.Metrics.Addr == "" {
		add("metrics.addr is required")
	}
	if c.Policy.MaxQueueLen < 1 || c.Policy.MaxBatchSize < 1 {
		add("policy.max_queue_len and policy.max_batch_size must be >= 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", domain.ErrConfiguration, strings.Join(problems, "; "))
	}
	return nil
}
