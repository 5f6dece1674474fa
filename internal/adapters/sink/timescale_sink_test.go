package sink

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/ghalamif/calibflow/internal/domain"
)

var channels = []domain.ChannelSpec{{ID: 101}, {ID: 102}}

// muxArg matches the jsonb column against an expected channel map.
type muxArg map[string]*float64

func (m muxArg) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	var got map[string]*float64
	if err := json.Unmarshal(b, &got); err != nil || len(got) != len(m) {
		return false
	}
	for k, want := range m {
		g, ok := got[k]
		if !ok || (g == nil) != (want == nil) || (g != nil && *g != *want) {
			return false
		}
	}
	return true
}

func TestTimescaleSinkWriteBatch(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "calibration_samples", channels)
	ts := time.Date(2024, 1, 31, 12, 0, 0, 0, time.UTC)
	r101 := 10000.5

	samples := []*domain.Sample{{
		RunID:        "run-1",
		CycleIndex:   4,
		Timestamp:    ts,
		Mux:          []domain.Reading{domain.Value(r101), domain.Absent(domain.FaultComm)},
		Logger:       domain.Value(25.1),
		BathInternal: domain.Value(25),
		BathExternal: domain.Absent(domain.FaultSuspended),
	}}

	query := regexp.QuoteMeta(`INSERT INTO "calibration_samples" (run_id, cycle_index, ts, mux, logger, bath_int, bath_ext) VALUES ($1,$2,$3,$4,$5,$6,$7) ON CONFLICT (run_id, cycle_index) DO NOTHING`)
	mock.ExpectExec(query).
		WithArgs("run-1", int64(4), ts, muxArg{"101": &r101, "102": nil}, 25.1, 25.0, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))

	if err := sink.WriteBatch(samples); err != nil {
		t.Fatalf("write batch: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkRejectsMismatchedScan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	sink := NewTimescaleSink(db, "samples", channels)
	err = sink.WriteBatch([]*domain.Sample{{Mux: []domain.Reading{domain.Value(1)}}})
	if err == nil {
		t.Fatalf("expected error for a short scan")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("no statement should have been sent: %v", err)
	}
}

func TestTimescaleSinkWriteBatchNoSamples(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	if err := NewTimescaleSink(db, "samples", channels).WriteBatch(nil); err != nil {
		t.Fatalf("expected nil error for empty batch, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestTimescaleSinkEnsureTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	defer db.Close()

	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "samples"`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := NewTimescaleSink(db, "samples", channels).EnsureTable(context.Background()); err != nil {
		t.Fatalf("ensure table: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestNullable(t *testing.T) {
	if n := nullable(domain.Absent(domain.FaultOverload)); n.Valid {
		t.Fatalf("absent reading must be NULL")
	}
	if n := nullable(domain.Value(0)); n != (sql.NullFloat64{Valid: true}) {
		t.Fatalf("zero is a value, got %+v", n)
	}
}
