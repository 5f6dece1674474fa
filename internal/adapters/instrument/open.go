package instrument

import "fmt"

// Open connects to the instrument described by cfg.
func Open(name string, cfg Config) (*Adapter, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	var (
		tr  Transport
		err error
	)
	switch cfg.Transport {
	case TransportGPIB:
		tr, err = openGPIB(cfg)
	case TransportSerial:
		tr, err = openSerial(cfg)
	case TransportOPCUA:
		tr, err = openOPCUA(cfg)
	case TransportSim:
		tr = NewSimTransport(cfg.Sim)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return NewAdapter(name, tr, cfg), nil
}
