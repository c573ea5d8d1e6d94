package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	indexColumn  = "gpu"
	headerMarker = "#"
	noData       = "-"
)

// ParseSnapshot turns a dmon data row into a record.
// The unit row only takes part in the column count check.
func ParseSnapshot(header, units, values []string) (MetricRecord, error) {
	if len(header) != len(values) || len(header) != len(units) {
		return MetricRecord{}, fmt.Errorf("%w: %d columns in header, %d units, %d values",
			ErrMalformedRow, len(header), len(units), len(values))
	}

	rec := MetricRecord{
		DeviceIndex: -1,
		Fields:      make(map[string]*string, len(header)-1),
	}
	for i, key := range header {
		value := values[i]
		if key == indexColumn {
			index, err := strconv.Atoi(value)
			if err != nil {
				return MetricRecord{}, fmt.Errorf("%w: invalid device index %q", ErrMalformedRow, value)
			}
			rec.DeviceIndex = index
			continue
		}
		if value == noData {
			rec.Fields[key] = nil
		} else {
			rec.Fields[key] = &value
		}
	}

	if rec.DeviceIndex < 0 {
		return MetricRecord{}, fmt.Errorf("%w: no %q column", ErrMalformedRow, indexColumn)
	}
	return rec, nil
}

func splitRow(line string) []string {
	line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), headerMarker))
	cells := strings.Split(line, ",")
	for i := range cells {
		cells[i] = strings.TrimSpace(cells[i])
	}
	return cells
}

// SnapshotReader reads a dmon csv stream.
// The first two lines are the header and unit rows; the ones dmon reprints
// later on are skipped.
type SnapshotReader struct {
	scanner *bufio.Scanner
	header  []string
	units   []string
}

func NewSnapshotReader(r io.Reader) *SnapshotReader {
	return &SnapshotReader{scanner: bufio.NewScanner(r)}
}

func (s *SnapshotReader) Header() []string {
	return s.header
}

// Next returns the next record, io.EOF once the stream ended.
// Bad rows return an ErrMalformedRow error and Next can be called again.
func (s *SnapshotReader) Next() (MetricRecord, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}

		switch {
		case s.header == nil:
			s.header = splitRow(line)
		case s.units == nil:
			s.units = splitRow(line)
		case strings.HasPrefix(strings.TrimSpace(line), headerMarker):
			// reprinted header
		default:
			return ParseSnapshot(s.header, s.units, splitRow(line))
		}
	}

	if err := s.scanner.Err(); err != nil {
		return MetricRecord{}, err
	}
	return MetricRecord{}, io.EOF
}

// IsRecoverable tells whether the ingest loop can skip the row and go on.
func IsRecoverable(err error) bool {
	return errors.Is(err, ErrMalformedRow) || errors.Is(err, ErrUnknownDevice)
}
