package sinks

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// JSONLines writes one JSON object per entry in the same shape the JSONL source reads.
type JSONLines struct {
	mu      sync.Mutex
	buf     *bufio.Writer
	encoder *json.Encoder
	closer  io.Closer
	written int
}

// NewJSONLines writes to w. The caller keeps ownership of w.
func NewJSONLines(w io.Writer) *JSONLines {
	buf := bufio.NewWriter(w)
	return &JSONLines{buf: buf, encoder: json.NewEncoder(buf)}
}

// CreateJSONLines truncates or creates path. Close releases the file.
func CreateJSONLines(path string) (*JSONLines, error) {
	// #nosec G304 -- output path is operator provided via config.
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create jsonl sink: %w", err)
	}
	sink := NewJSONLines(file)
	sink.closer = file
	return sink, nil
}

// Print encodes entry.
func (s *JSONLines) Print(_ context.Context, entry schema.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.encoder.Encode(entry); err != nil {
		return fmt.Errorf("jsonl encode: %w", err)
	}
	s.written++
	return nil
}

// Done flushes buffered output.
func (s *JSONLines) Done(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		return fmt.Errorf("jsonl flush: %w", err)
	}
	return nil
}

// Written reports how many entries were encoded.
func (s *JSONLines) Written() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

// Close flushes what it can and releases the file when the sink created it.
func (s *JSONLines) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	flushErr := s.buf.Flush()
	if s.closer == nil {
		return flushErr
	}
	if err := s.closer.Close(); err != nil {
		return fmt.Errorf("jsonl close: %w", err)
	}
	return flushErr
}

var (
	_ logsink.Sink   = (*JSONLines)(nil)
	_ logsink.Closer = (*JSONLines)(nil)
)
