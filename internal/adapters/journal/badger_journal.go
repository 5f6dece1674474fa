package journal

import (
	"encoding/json"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/ghalamif/calibflow/internal/ports"
)

var runPrefix = []byte("run/")

// BadgerJournal keeps one record per run, ordered by start time.
type BadgerJournal struct {
	db *badger.DB
}

func Open(dir string) (*BadgerJournal, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	return open(opts)
}

// OpenInMemory is used for dry runs and tests.
func OpenInMemory() (*BadgerJournal, error) {
	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	return open(opts)
}

func open(opts badger.Options) (*BadgerJournal, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open run journal: %w", err)
	}
	return &BadgerJournal{db: db}, nil
}

// key sorts lexically by start time; the id disambiguates equal instants.
func key(rec ports.RunRecord) []byte {
	return []byte(fmt.Sprintf("run/%020d/%s", rec.StartedAt.UnixNano(), rec.ID))
}

// Put inserts or replaces the record for rec.ID.
func (j *BadgerJournal) Put(rec ports.RunRecord) error {
	if rec.ID == "" {
		return errors.New("run record without id")
	}
	val, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return j.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(rec), val)
	})
}

func (j *BadgerJournal) List() ([]ports.RunRecord, error) {
	var out []ports.RunRecord
	err := j.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(runPrefix); it.ValidForPrefix(runPrefix); it.Next() {
			var rec ports.RunRecord
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("journal entry %q: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	return out, err
}

func (j *BadgerJournal) Close() error { return j.db.Close() }

var _ ports.RunJournal = (*BadgerJournal)(nil)
