package ports

import (
	"time"

	"github.com/ghalamif/calibflow/internal/domain"
)

// RunRecord is the journal entry kept for every run.
type RunRecord struct {
	ID        string           `json:"id"`
	LogPath   string           `json:"log_path"`
	Status    domain.RunStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	Cycles    uint64           `json:"cycles"`
	Channels  []int            `json:"channels"`
	StartedAt time.Time        `json:"started_at"`
	EndedAt   time.Time        `json:"ended_at,omitempty"`
}

type RunJournal interface {
	Put(rec RunRecord) error
	List() ([]RunRecord, error)
	Close() error
}
