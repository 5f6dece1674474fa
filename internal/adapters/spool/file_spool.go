package spool

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/ghalamif/calibflow/internal/domain"
	"github.com/ghalamif/calibflow/internal/ports"
)

// frame: [8 bytes id][4 bytes len][4 bytes crc32][len bytes zstd(json)]
const frameHeaderLen = 16

var ErrCorrupt = errors.New("spool: corrupt frame")

// FileSpool keeps samples that still have to reach the mirror sink. It is
// append-only; TruncateCommitted compacts it by rewriting the uncommitted tail.
type FileSpool struct {
	mu        sync.Mutex
	dir       string
	path      string
	metaPath  string
	file      *os.File
	writer    *bufio.Writer
	enc       *zstd.Encoder
	dec       *zstd.Decoder
	nextID    ports.SpoolEntryID
	committed ports.SpoolEntryID
	sizeBytes int64
}

func Open(dir string) (*FileSpool, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, err
	}
	s := &FileSpool{
		dir:      dir,
		path:     filepath.Join(dir, "spool.bin"),
		metaPath: filepath.Join(dir, "spool.meta"),
		enc:      enc,
		dec:      dec,
	}
	if err := s.openFile(); err != nil {
		s.closeCodecs()
		return nil, err
	}
	if err := s.recover(); err != nil {
		s.file.Close()
		s.closeCodecs()
		return nil, err
	}
	return s, nil
}

func (s *FileSpool) openFile() error {
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.writer = bufio.NewWriterSize(f, 256<<10)
	return nil
}

func (s *FileSpool) closeCodecs() {
	s.enc.Close()
	s.dec.Close()
}

// recover scans existing frames and cuts off a torn tail left by a crash.
func (s *FileSpool) recover() error {
	rf, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer rf.Close()

	var (
		offset int64
		lastID ports.SpoolEntryID
	)
	r := bufio.NewReader(rf)
	for {
		id, _, n, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, ErrCorrupt) {
			break
		}
		if err != nil {
			return fmt.Errorf("spool scan: %w", err)
		}
		offset += n
		lastID = id
	}
	if err := s.file.Truncate(offset); err != nil {
		return err
	}
	s.sizeBytes = offset
	s.nextID = lastID

	if err := s.loadCommitted(); err != nil {
		return err
	}
	if s.nextID < s.committed {
		s.nextID = s.committed
	}
	return nil
}

func (s *FileSpool) loadCommitted() error {
	data, err := os.ReadFile(s.metaPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	val := strings.TrimSpace(string(data))
	if val == "" {
		return nil
	}
	u, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return fmt.Errorf("spool meta: %w", err)
	}
	s.committed = ports.SpoolEntryID(u)
	return nil
}

// readFrame returns the frame id, its payload and the bytes consumed.
func readFrame(r io.Reader) (ports.SpoolEntryID, []byte, int64, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, 0, err
	}
	id := ports.SpoolEntryID(binary.BigEndian.Uint64(hdr[0:8]))
	n := binary.BigEndian.Uint32(hdr[8:12])
	sum := binary.BigEndian.Uint32(hdr[12:16])

	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return 0, nil, 0, err
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return 0, nil, 0, ErrCorrupt
	}
	return id, payload, frameHeaderLen + int64(n), nil
}

func writeFrame(w io.Writer, id ports.SpoolEntryID, payload []byte) (int64, error) {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(payload)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.ChecksumIEEE(payload))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(payload); err != nil {
		return 0, err
	}
	return frameHeaderLen + int64(len(payload)), nil
}

func (s *FileSpool) Append(sample *domain.Sample) (ports.SpoolEntryID, error) {
	raw, err := json.Marshal(sample)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID + 1
	n, err := writeFrame(s.writer, id, s.enc.EncodeAll(raw, nil))
	if err != nil {
		return 0, err
	}
	s.nextID = id
	s.sizeBytes += n
	return id, nil
}

func (s *FileSpool) Iterate(from ports.SpoolEntryID, fn func(id ports.SpoolEntryID, s *domain.Sample) error) error {
	s.mu.Lock()
	if err := s.writer.Flush(); err != nil {
		s.mu.Unlock()
		return err
	}
	f, err := os.Open(s.path)
	size := s.sizeBytes
	s.mu.Unlock()
	if err != nil {
		return err
	}
	defer f.Close()

	// frames appended after this point are left for the next pass
	r := bufio.NewReader(io.LimitReader(f, size))
	for {
		id, payload, _, err := readFrame(r)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("spool iterate: %w", err)
		}
		if id < from {
			continue
		}
		sample, err := s.decode(payload)
		if err != nil {
			return fmt.Errorf("spool entry %d: %w", id, err)
		}
		if err := fn(id, sample); err != nil {
			return err
		}
	}
}

func (s *FileSpool) decode(payload []byte) (*domain.Sample, error) {
	raw, err := s.dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, err
	}
	var sample domain.Sample
	if err := json.Unmarshal(raw, &sample); err != nil {
		return nil, err
	}
	return &sample, nil
}

func (s *FileSpool) Commit(upto ports.SpoolEntryID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if upto <= s.committed {
		return nil
	}
	s.committed = upto
	return os.WriteFile(s.metaPath, []byte(fmt.Sprintf("%d\n", s.committed)), 0o644)
}

// TruncateCommitted drops every committed frame by copying the remaining ones
// into a fresh file and renaming it over the old one.
func (s *FileSpool) TruncateCommitted() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.writer.Flush(); err != nil {
		return err
	}
	src, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer src.Close()

	tmpPath := s.path + ".tmp"
	tmp, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(tmp)
	r := bufio.NewReader(src)

	var size int64
	for {
		id, payload, _, rerr := readFrame(r)
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return fmt.Errorf("spool compact: %w", rerr)
		}
		if id <= s.committed {
			continue
		}
		n, werr := writeFrame(w, id, payload)
		if werr != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return werr
		}
		size += n
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return err
	}

	s.file.Close()
	if err := s.openFile(); err != nil {
		return err
	}
	s.sizeBytes = size
	return nil
}

func (s *FileSpool) Stats() ports.SpoolStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ports.SpoolStats{
		OldestUncommitted: s.committed + 1,
		LatestAppended:    s.nextID,
		SizeBytes:         s.sizeBytes,
	}
}

func (s *FileSpool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.writer.Flush()
	if serr := s.file.Sync(); err == nil {
		err = serr
	}
	if cerr := s.file.Close(); err == nil {
		err = cerr
	}
	s.closeCodecs()
	return err
}
