package instrument

import (
	"errors"
	"sync"
	"time"
)

// SimTimeout in a script makes the simulated query fail.
const SimTimeout = "!timeout"

var errSimFailure = errors.New("simulated failure")

// SimTransport replays scripted responses. It is used for dry runs without
// hardware and by tests.
type SimTransport struct {
	mu        sync.Mutex
	responses map[string][]string
	pos       map[string]int
	fallback  string
	calls     map[string]int
	sent      []string
}

func NewSimTransport(cfg SimConfig) *SimTransport {
	responses := make(map[string][]string, len(cfg.Responses))
	for cmd, script := range cfg.Responses {
		responses[cmd] = append([]string(nil), script...)
	}
	return &SimTransport{
		responses: responses,
		pos:       make(map[string]int),
		fallback:  cfg.Default,
		calls:     make(map[string]int),
	}
}

func (s *SimTransport) Send(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, cmd)
	return nil
}

func (s *SimTransport) Query(cmd string, _ time.Duration) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[cmd]++
	resp := s.fallback
	if script := s.responses[cmd]; len(script) > 0 {
		i := s.pos[cmd]
		if i >= len(script) {
			i = len(script) - 1
		} else {
			s.pos[cmd] = i + 1
		}
		resp = script[i]
	}
	if resp == SimTimeout || resp == "" {
		return "", errSimFailure
	}
	return resp, nil
}

// Calls reports how many times cmd was queried.
func (s *SimTransport) Calls(cmd string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[cmd]
}

// Sent returns the commands written without expecting a reply.
func (s *SimTransport) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *SimTransport) Close() error { return nil }
