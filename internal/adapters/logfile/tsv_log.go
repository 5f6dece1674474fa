package logfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// TimestampLayout is the fixed UTC format of the timestamp column.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	ErrOutOfOrder = errors.New("logfile: sample out of order")
	ErrClosed     = errors.New("logfile: closed")
)

// file is the subset of *os.File the writer needs.
type file interface {
	io.Writer
	Sync() error
	Truncate(size int64) error
	Close() error
}

// TSVLog writes one tab-separated row per sample. Every row goes out in a
// single write followed by fsync; a failed write is cut back to the end of
// the previous row and the writer refuses further appends.
type TSVLog struct {
	mu        sync.Mutex
	f         file
	path      string
	channels  int
	startedAt time.Time
	next      uint64
	offset    int64
	buf       bytes.Buffer
	err       error
}

// Create opens a new log at path and writes the header. An existing file is
// never reused.
func Create(path string, channels []domain.ChannelSpec, startedAt time.Time) (*TSVLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	l, err := newTSVLog(f, path, channels, startedAt)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return l, nil
}

func newTSVLog(f file, path string, channels []domain.ChannelSpec, startedAt time.Time) (*TSVLog, error) {
	l := &TSVLog{
		f:         f,
		path:      path,
		channels:  len(channels),
		startedAt: startedAt,
	}
	l.buf.Write(Header(channels))
	if err := l.flushLocked(); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return l, nil
}

// Header renders the column names for the given scan list.
func Header(channels []domain.ChannelSpec) []byte {
	var b bytes.Buffer
	b.WriteString("cycle\ttimestamp\telapsed[s]")
	for _, ch := range channels {
		b.WriteString("\tCH")
		b.WriteString(strconv.Itoa(ch.ID))
	}
	b.WriteString("\tlogger[degC]\tbath_int[degC]\tbath_ext[degC]\n")
	return b.Bytes()
}

func (l *TSVLog) Path() string { return l.path }

func (l *TSVLog) Append(s *domain.Sample) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return ErrClosed
	}
	if l.err != nil {
		return fmt.Errorf("logfile: writer failed earlier: %w", l.err)
	}
	if s.CycleIndex != l.next {
		return fmt.Errorf("%w: got cycle %d, want %d", ErrOutOfOrder, s.CycleIndex, l.next)
	}
	if len(s.Mux) != l.channels {
		return fmt.Errorf("logfile: sample has %d mux readings, log has %d channels", len(s.Mux), l.channels)
	}

	l.encodeLocked(s)
	if err := l.flushLocked(); err != nil {
		return err
	}
	l.next++
	return nil
}

func (l *TSVLog) encodeLocked(s *domain.Sample) {
	b := l.buf.AvailableBuffer()
	b = strconv.AppendUint(b, s.CycleIndex, 10)
	b = append(b, '\t')
	b = s.Timestamp.UTC().AppendFormat(b, TimestampLayout)
	b = append(b, '\t')
	b = strconv.AppendFloat(b, s.Timestamp.Sub(l.startedAt).Seconds(), 'f', 3, 64)
	for _, r := range s.Mux {
		b = append(b, '\t')
		b = appendReading(b, r, 'e', 5)
	}
	for _, r := range [...]domain.Reading{s.Logger, s.BathInternal, s.BathExternal} {
		b = append(b, '\t')
		b = appendReading(b, r, 'f', 3)
	}
	b = append(b, '\n')
	l.buf.Write(b)
}

// appendReading leaves the field empty for an absent reading.
func appendReading(b []byte, r domain.Reading, format byte, prec int) []byte {
	if !r.Present() {
		return b
	}
	return strconv.AppendFloat(b, r.Value, format, prec, 64)
}

func (l *TSVLog) flushLocked() error {
	defer l.buf.Reset()

	n, err := l.f.Write(l.buf.Bytes())
	if err == nil && n < l.buf.Len() {
		err = io.ErrShortWrite
	}
	if err == nil {
		err = l.f.Sync()
	}
	if err != nil {
		if terr := l.f.Truncate(l.offset); terr != nil {
			err = errors.Join(err, fmt.Errorf("truncate to %d: %w", l.offset, terr))
		}
		l.err = err
		return err
	}
	l.offset += int64(n)
	return nil
}

// Close syncs and closes the file. It is safe to call more than once.
func (l *TSVLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.f == nil {
		return nil
	}
	var err error
	if l.err == nil {
		err = l.f.Sync()
	}
	err = errors.Join(err, l.f.Close())
	l.f = nil
	return err
}

var _ ports.SampleLog = (*TSVLog)(nil)
