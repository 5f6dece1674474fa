package ports

import (
	"time"

	"github.com/ghalamif/calibflow/internal/domain"
)

// Instrument is one physical device behind a request/response contract.
// Query never returns an error: transport failures come back as a Reading
// with domain.FaultComm.
type Instrument interface {
	Query(command string, timeout time.Duration) domain.Reading
	Probe(timeout time.Duration) error
	Name() string
	Close() error
}
