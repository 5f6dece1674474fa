package instrument

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/soypat/cereal"
)

// serialTransport speaks a terminator-delimited ASCII protocol over RS-232,
// e.g. the PolyScience bath command set.
type serialTransport struct {
	port io.ReadWriteCloser
	r    *bufio.Reader
	term string
}

func openSerial(cfg Config) (*serialTransport, error) {
	port, err := cereal.Tarm{}.OpenPort(cfg.Port, cereal.Mode{
		BaudRate:    cfg.BaudRate,
		ReadTimeout: cfg.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open serial port %s: %w", cfg.Port, err)
	}
	return newSerialTransport(port, cfg.Terminator), nil
}

func newSerialTransport(port io.ReadWriteCloser, term string) *serialTransport {
	if term == "" {
		term = "\r"
	}
	return &serialTransport{port: port, r: bufio.NewReader(port), term: term}
}

func (t *serialTransport) Send(cmd string) error {
	_, err := io.WriteString(t.port, cmd+t.term)
	return err
}

func (t *serialTransport) Query(cmd string, _ time.Duration) (string, error) {
	// Drop anything left over from an earlier late reply.
	t.r.Reset(t.port)
	if err := t.Send(cmd); err != nil {
		return "", err
	}
	line, err := t.r.ReadString(t.term[len(t.term)-1])
	if err != nil {
		return "", err
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.HasPrefix(line, "?") {
		return "", fmt.Errorf("device rejected %q: %q", cmd, line)
	}
	return line, nil
}

func (t *serialTransport) Close() error {
	return t.port.Close()
}
