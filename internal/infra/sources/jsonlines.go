package sources

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

const maxLineBytes = 1 << 20

// JSONLines reads entries encoded as {"ts": "<RFC3339>", "msg": "...", "fields": {...}}, one per
// line. Blank lines are skipped.
type JSONLines struct {
	logsource.DrainFlag

	name   string
	pacer  pacer
	closer io.Closer

	mu      sync.Mutex
	scanner *bufio.Scanner
	line    int
	guard   orderGuard
}

// NewJSONLines reads from r. The caller keeps ownership of r.
func NewJSONLines(name string, r io.Reader, opts ...Option) *JSONLines {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	return &JSONLines{
		name:    name,
		pacer:   newPacer(opts),
		scanner: scanner,
		guard:   orderGuard{component: "source/jsonl"},
	}
}

// OpenJSONLines opens path. Close releases the file.
func OpenJSONLines(name, path string, opts ...Option) (*JSONLines, error) {
	// #nosec G304 -- file path is operator provided via config.
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open jsonl source: %w", err)
	}
	src := NewJSONLines(name, file, opts...)
	src.closer = file
	return src, nil
}

// Name implements logsource.Named.
func (s *JSONLines) Name() string { return s.name }

// Close releases the underlying file when the source opened it.
func (s *JSONLines) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

// Pop decodes the next non-blank line.
func (s *JSONLines) Pop(ctx context.Context) (schema.LogEntry, bool, error) {
	if s.Drained() {
		return schema.LogEntry{}, false, logsource.ErrDrained
	}
	if err := s.pacer.wait(ctx); err != nil {
		return schema.LogEntry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.scanner.Scan() {
		s.line++
		raw := bytes.TrimSpace(s.scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var entry schema.LogEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			return schema.LogEntry{}, false, fmt.Errorf("decode line %d: %w", s.line, err)
		}
		if entry.Timestamp.IsZero() {
			return schema.LogEntry{}, false, fmt.Errorf("decode line %d: missing ts", s.line)
		}
		if err := s.guard.check(entry); err != nil {
			return schema.LogEntry{}, false, fmt.Errorf("line %d: %w", s.line, err)
		}
		return entry, true, nil
	}
	if err := s.scanner.Err(); err != nil {
		return schema.LogEntry{}, false, fmt.Errorf("read line %d: %w", s.line+1, err)
	}
	s.MarkDrained()
	return schema.LogEntry{}, false, nil
}

// PopAsync implements logsource.Source.
func (s *JSONLines) PopAsync(ctx context.Context) *logsource.Fetch {
	return logsource.Go(ctx, s.Pop)
}

var (
	_ logsource.Source = (*JSONLines)(nil)
	_ logsource.Closer = (*JSONLines)(nil)
)
