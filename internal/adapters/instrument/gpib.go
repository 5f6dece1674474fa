package instrument

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gotmc/prologix"
	"github.com/soypat/cereal"
)

// gpibTransport talks to a GPIB instrument through a Prologix-compatible
// USB/serial controller.
type gpibTransport struct {
	port io.ReadWriteCloser
	ctrl *prologix.Controller
}

func openGPIB(cfg Config) (*gpibTransport, error) {
	port, err := cereal.Tarm{}.OpenPort(cfg.Port, cereal.Mode{
		BaudRate:    cfg.BaudRate,
		ReadTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}

	var opts []prologix.ControllerOption
	if cfg.WriteDelay > 0 {
		opts = append(opts, prologix.WithWriteDelay(cfg.WriteDelay))
	}
	ctrl, err := prologix.NewController(port, cfg.GPIBAddress, cfg.ClearOnOpen, opts...)
	if err != nil {
		_ = port.Close()
		return nil, fmt.Errorf("gpib controller at address %d: %w", cfg.GPIBAddress, err)
	}
	return &gpibTransport{port: port, ctrl: ctrl}, nil
}

func (t *gpibTransport) Send(cmd string) error {
	_, err := t.ctrl.Write([]byte(cmd))
	return err
}

// Query relies on the serial read timeout configured at open time; the
// adapter enforces the per-query deadline.
func (t *gpibTransport) Query(cmd string, _ time.Duration) (string, error) {
	return t.ctrl.Query(cmd)
}

func (t *gpibTransport) Close() error {
	// Hand the front panel back to the operator before releasing the port.
	err := t.ctrl.FrontPanel(true)
	return errors.Join(err, t.port.Close())
}
