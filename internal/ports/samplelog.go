package ports

import "github.com/ghalamif/calibflow/internal/domain"

// SampleLog is the append-only record of a single run. Append returns only
// after the row is on durable storage.
type SampleLog interface {
	Append(s *domain.Sample) error
	Close() error
	Path() string
}
