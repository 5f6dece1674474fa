package instrument

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	TransportGPIB   = "gpib"
	TransportSerial = "serial"
	TransportOPCUA  = "opcua"
	TransportSim    = "sim"
)

// Config captures how to reach one instrument.
type Config struct {
	Transport string `yaml:"transport"`

	// Serial line, shared by the raw serial and Prologix GPIB transports.
	Port       string        `yaml:"port"`
	BaudRate   int           `yaml:"baud_rate"`
	Terminator string        `yaml:"terminator"`
	WriteDelay time.Duration `yaml:"write_delay"`

	GPIBAddress int  `yaml:"gpib_address"`
	ClearOnOpen bool `yaml:"clear_on_open"`

	Endpoint       string `yaml:"endpoint"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	SecurityMode   string `yaml:"security_mode"`
	SecurityPolicy string `yaml:"security_policy"`

	Timeout       time.Duration `yaml:"timeout"`
	ProbeCommand  string        `yaml:"probe_command"`
	SetupCommands []string      `yaml:"setup_commands"`

	Sim SimConfig `yaml:"sim"`
}

// SimConfig scripts the simulator transport. Each command replays its
// responses in order and then repeats the last one; "!timeout" fails the
// query.
type SimConfig struct {
	Responses map[string][]string `yaml:"responses"`
	Default   string              `yaml:"default"`
}

func (c *Config) ApplyDefaults() {
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.BaudRate == 0 {
		switch c.Transport {
		case TransportGPIB:
			c.BaudRate = 115200
		case TransportSerial:
			c.BaudRate = 9600
		}
	}
	if c.Terminator == "" {
		c.Terminator = "\r"
	}
	if c.SecurityMode == "" {
		c.SecurityMode = "None"
	}
	if c.SecurityPolicy == "" {
		c.SecurityPolicy = "None"
	}
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportGPIB:
		if c.Port == "" {
			return errors.New("port is required for gpib transport")
		}
		if c.GPIBAddress < 0 || c.GPIBAddress > 30 {
			return fmt.Errorf("gpib_address %d out of range 0-30", c.GPIBAddress)
		}
	case TransportSerial:
		if c.Port == "" {
			return errors.New("port is required for serial transport")
		}
	case TransportOPCUA:
		if c.Endpoint == "" {
			return errors.New("endpoint is required for opcua transport")
		}
		if len(c.SetupCommands) > 0 {
			return errors.New("setup_commands are not supported over opcua")
		}
	case TransportSim:
	case "":
		return errors.New("transport is required")
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.BaudRate < 0 {
		return fmt.Errorf("baud_rate must be >= 0")
	}
	return nil
}
