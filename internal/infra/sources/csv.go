package sources

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// CSV reads rows of timestamp,message with a header row. Extra columns become entry fields keyed
// by their header. Timestamps are unix nanoseconds or RFC3339.
type CSV struct {
	logsource.DrainFlag

	name   string
	pacer  pacer
	closer io.Closer

	mu     sync.Mutex
	reader *csv.Reader
	header []string
	row    int
	guard  orderGuard
}

// NewCSV reads the header from r and returns the source.
func NewCSV(name string, r io.Reader, opts ...Option) (*CSV, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) < 2 {
		return nil, fmt.Errorf("read csv header: need timestamp and message columns, got %d", len(header))
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}
	return &CSV{
		name:   name,
		pacer:  newPacer(opts),
		reader: reader,
		header: header,
		row:    1,
		guard:  orderGuard{component: "source/csv"},
	}, nil
}

// OpenCSV opens path. Close releases the file.
func OpenCSV(name, path string, opts ...Option) (*CSV, error) {
	// #nosec G304 -- file path is operator provided via config.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open csv source: %w", err)
	}
	src, err := NewCSV(name, file, opts...)
	if err != nil {
		_ = file.Close()
		return nil, err
	}
	src.closer = file
	return src, nil
}

// Name implements logsource.Named.
func (s *CSV) Name() string { return s.name }

// Close releases the underlying file when the source opened it.
func (s *CSV) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Pop parses the next row.
func (s *CSV) Pop(ctx context.Context) (schema.LogEntry, bool, error) {
	if s.Drained() {
		return schema.LogEntry{}, false, logsource.ErrDrained
	}
	if err := s.pacer.wait(ctx); err != nil {
		return schema.LogEntry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	record, err := s.reader.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			s.MarkDrained()
			return schema.LogEntry{}, false, nil
		}
		return schema.LogEntry{}, false, fmt.Errorf("read csv record: %w", err)
	}
	s.row++
	if len(record) < 2 {
		return schema.LogEntry{}, false, fmt.Errorf("row %d: expected at least 2 columns, got %d", s.row, len(record))
	}

	ts, err := parseTimestamp(record[0])
	if err != nil {
		return schema.LogEntry{}, false, fmt.Errorf("row %d: %w", s.row, err)
	}
	var fields map[string]string
	for i := 2; i < len(record) && i < len(s.header); i++ {
		if fields == nil {
			fields = make(map[string]string, len(s.header)-2)
		}
		fields[s.header[i]] = record[i]
	}
	entry := schema.LogEntry{Timestamp: ts, Message: record[1], Fields: fields}
	if err := s.guard.check(entry); err != nil {
		return schema.LogEntry{}, false, fmt.Errorf("row %d: %w", s.row, err)
	}
	return entry, true, nil
}

// PopAsync implements logsource.Source.
func (s *CSV) PopAsync(ctx context.Context) *logsource.Fetch {
	return logsource.Go(ctx, s.Pop)
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if nanos, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, nanos).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", raw, err)
	}
	return ts, nil
}

var (
	_ logsource.Source = (*CSV)(nil)
	_ logsource.Closer = (*CSV)(nil)
)
