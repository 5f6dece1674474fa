package ports

import "github.com/ghalamif/calibflow/internal/domain"

type Sink interface {
	WriteBatch(samples []*domain.Sample) error
	Name() string
}
