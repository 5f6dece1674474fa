package ports

import "github.com/ghalamif/calibflow/internal/domain"

type QueuedSample struct {
	ID     SpoolEntryID
	Sample *domain.Sample
}

type SampleQueue interface {
	Enqueue(id SpoolEntryID, s *domain.Sample) bool
	DequeueBatch(max int) []QueuedSample
	Len() int
}
