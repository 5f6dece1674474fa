package logfile

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Report summarizes a verified log.
type Report struct {
	Channels []string
	Rows     int
	Gaps     int
	First    time.Time
	Last     time.Time
}

// VerifyFile checks the log at path, see Verify.
func VerifyFile(path string) (Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return Report{}, err
	}
	defer f.Close()
	return Verify(f)
}

// Verify checks that a log has a header, that every row is complete and that
// cycle indexes run contiguously from zero.
func Verify(r io.Reader) (Report, error) {
	var rep Report
	br := bufio.NewReader(r)

	header, err := br.ReadString('\n')
	if err != nil {
		return rep, fmt.Errorf("read header: %w", err)
	}
	cols := strings.Split(strings.TrimSuffix(header, "\n"), "\t")
	if len(cols) < 6 || cols[0] != "cycle" || cols[1] != "timestamp" {
		return rep, errors.New("missing or malformed header")
	}
	for _, c := range cols[3 : len(cols)-3] {
		if !strings.HasPrefix(c, "CH") {
			return rep, fmt.Errorf("unexpected channel column %q", c)
		}
		rep.Channels = append(rep.Channels, c)
	}

	for line := 2; ; line++ {
		row, err := br.ReadString('\n')
		if errors.Is(err, io.EOF) {
			if row != "" {
				return rep, fmt.Errorf("line %d: partial row", line)
			}
			return rep, nil
		}
		if err != nil {
			return rep, err
		}

		fields := strings.Split(strings.TrimSuffix(row, "\n"), "\t")
		if len(fields) != len(cols) {
			return rep, fmt.Errorf("line %d: %d fields, header has %d", line, len(fields), len(cols))
		}
		cycle, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			return rep, fmt.Errorf("line %d: cycle: %w", line, err)
		}
		if cycle != uint64(rep.Rows) {
			return rep, fmt.Errorf("line %d: cycle %d, want %d", line, cycle, rep.Rows)
		}
		ts, err := time.Parse(TimestampLayout, fields[1])
		if err != nil {
			return rep, fmt.Errorf("line %d: timestamp: %w", line, err)
		}
		for _, v := range fields[3:] {
			if v == "" {
				rep.Gaps++
				continue
			}
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				return rep, fmt.Errorf("line %d: value %q: %w", line, v, err)
			}
		}
		if rep.Rows == 0 {
			rep.First = ts
		}
		rep.Last = ts
		rep.Rows++
	}
}
