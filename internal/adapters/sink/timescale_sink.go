package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// TimescaleSink mirrors samples into a Postgres/TimescaleDB table. Rows are
// keyed by (run_id, cycle_index) so a replayed batch is a no-op.
type TimescaleSink struct {
	db       *sql.DB
	table    string
	channels []domain.ChannelSpec
}

// Connect opens a lib/pq connection and checks it answers.
func Connect(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("timescale ping: %w", err)
	}
	return db, nil
}

func NewTimescaleSink(db *sql.DB, table string, channels []domain.ChannelSpec) *TimescaleSink {
	return &TimescaleSink{
		db:       db,
		table:    pq.QuoteIdentifier(table),
		channels: append([]domain.ChannelSpec(nil), channels...),
	}
}

func (t *TimescaleSink) Name() string { return "timescaledb" }

// EnsureTable creates the mirror table if it is missing.
func (t *TimescaleSink) EnsureTable(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS "+t.table+` (
	run_id text NOT NULL,
	cycle_index bigint NOT NULL,
	ts timestamptz NOT NULL,
	mux jsonb NOT NULL,
	logger double precision,
	bath_int double precision,
	bath_ext double precision,
	PRIMARY KEY (run_id, cycle_index)
)`)
	return err
}

func (t *TimescaleSink) WriteBatch(samples []*domain.Sample) error {
	if len(samples) == 0 {
		return nil
	}

	const cols = 7
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(t.table)
	b.WriteString(" (run_id, cycle_index, ts, mux, logger, bath_int, bath_ext) VALUES ")

	args := make([]any, 0, len(samples)*cols)
	for i, s := range samples {
		if i > 0 {
			b.WriteString(",")
		}
		b.WriteString("(")
		for c := 1; c <= cols; c++ {
			if c > 1 {
				b.WriteString(",")
			}
			b.WriteString("$")
			b.WriteString(strconv.Itoa(len(args) + c))
		}
		b.WriteString(")")

		mux, err := t.encodeMux(s)
		if err != nil {
			return fmt.Errorf("cycle %d: %w", s.CycleIndex, err)
		}
		args = append(args,
			s.RunID,
			int64(s.CycleIndex),
			s.Timestamp,
			mux,
			nullable(s.Logger),
			nullable(s.BathInternal),
			nullable(s.BathExternal),
		)
	}
	b.WriteString(" ON CONFLICT (run_id, cycle_index) DO NOTHING")

	_, err := t.db.Exec(b.String(), args...)
	return err
}

// encodeMux keys each reading by channel id; absent readings become null.
func (t *TimescaleSink) encodeMux(s *domain.Sample) ([]byte, error) {
	if len(s.Mux) != len(t.channels) {
		return nil, fmt.Errorf("sample has %d mux readings, sink expects %d", len(s.Mux), len(t.channels))
	}
	m := make(map[string]*float64, len(s.Mux))
	for i, r := range s.Mux {
		var v *float64
		if r.Present() {
			val := r.Value
			v = &val
		}
		m[strconv.Itoa(t.channels[i].ID)] = v
	}
	return json.Marshal(m)
}

func nullable(r domain.Reading) sql.NullFloat64 {
	return sql.NullFloat64{Float64: r.Value, Valid: r.Present()}
}

var _ ports.Sink = (*TimescaleSink)(nil)
