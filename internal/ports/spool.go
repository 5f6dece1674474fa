package ports

import "github.com/ghalamif/calibflow/internal/domain"

type SpoolEntryID uint64

type Spool interface {
	Append(s *domain.Sample) (SpoolEntryID, error)
	Iterate(from SpoolEntryID, fn func(id SpoolEntryID, s *domain.Sample) error) error
	Commit(upto SpoolEntryID) error
	TruncateCommitted() error
	Stats() SpoolStats
	Close() error
}

type SpoolStats struct {
	OldestUncommitted SpoolEntryID
	LatestAppended    SpoolEntryID
	SizeBytes         int64
}
