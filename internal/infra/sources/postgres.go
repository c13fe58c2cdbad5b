package sources

import (
	"context"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

const postgresPageSQL = `
SELECT
    ts,
    id,
    message,
    fields
FROM log_entries
WHERE source = $1
  AND (ts, id) > ($2, $3)
ORDER BY ts ASC, id ASC
LIMIT $4;
`

// Querier is the subset of pgxpool.Pool the Postgres source needs.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// Postgres pages one stream out of the log_entries table using keyset pagination on (ts, id).
type Postgres struct {
	logsource.DrainFlag

	name     string
	stream   string
	db       Querier
	pageSize int
	pacer    pacer

	mu        sync.Mutex
	buffered  []schema.LogEntry
	lastTS    time.Time
	lastID    int64
	exhausted bool
	pages     int
}

// NewPostgres builds a source reading rows whose source column equals stream.
func NewPostgres(name, stream string, db Querier, pageSize int, opts ...Option) *Postgres {
	if pageSize <= 0 {
		pageSize = 256
	}
	return &Postgres{
		name:     name,
		stream:   stream,
		db:       db,
		pageSize: pageSize,
		pacer:    newPacer(opts),
		// Postgres accepts year 1, which sorts before any real row.
		lastTS: time.Date(1, time.January, 1, 0, 0, 0, 0, time.UTC),
	}
}

// Name implements logsource.Named.
func (s *Postgres) Name() string { return s.name }

// Pages reports how many pages have been queried.
func (s *Postgres) Pages() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pages
}

// Pop returns the next buffered row, querying another page when the buffer is empty.
func (s *Postgres) Pop(ctx context.Context) (schema.LogEntry, bool, error) {
	if s.Drained() {
		return schema.LogEntry{}, false, logsource.ErrDrained
	}
	if s.db == nil {
		return schema.LogEntry{}, false, fmt.Errorf("postgres source: nil pool")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffered) == 0 && !s.exhausted {
		if err := s.pacer.wait(ctx); err != nil {
			return schema.LogEntry{}, false, err
		}
		if err := s.fetchPage(ctx); err != nil {
			return schema.LogEntry{}, false, err
		}
	}
	if len(s.buffered) == 0 {
		s.MarkDrained()
		return schema.LogEntry{}, false, nil
	}
	entry := s.buffered[0]
	s.buffered[0] = schema.LogEntry{}
	s.buffered = s.buffered[1:]
	return entry, true, nil
}

// PopAsync implements logsource.Source.
func (s *Postgres) PopAsync(ctx context.Context) *logsource.Fetch {
	return logsource.Go(ctx, s.Pop)
}

func (s *Postgres) fetchPage(ctx context.Context) error {
	rows, err := s.db.Query(ctx, postgresPageSQL, s.stream, s.lastTS, s.lastID, s.pageSize)
	if err != nil {
		return fmt.Errorf("postgres source: query page: %w", err)
	}
	defer rows.Close()
	s.pages++

	page := make([]schema.LogEntry, 0, s.pageSize)
	for rows.Next() {
		var (
			ts         time.Time
			id         int64
			message    string
			fieldsJSON []byte
		)
		if err := rows.Scan(&ts, &id, &message, &fieldsJSON); err != nil {
			return fmt.Errorf("postgres source: scan row: %w", err)
		}
		fields, err := decodeFields(fieldsJSON)
		if err != nil {
			return fmt.Errorf("postgres source: decode fields of row %d: %w", id, err)
		}
		page = append(page, schema.LogEntry{Timestamp: ts.UTC(), Message: message, Fields: fields})
		s.lastTS = ts
		s.lastID = id
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres source: iterate page: %w", err)
	}
	if len(page) < s.pageSize {
		s.exhausted = true
	}
	s.buffered = page
	return nil
}

func decodeFields(raw []byte) (map[string]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var fields map[string]string
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return fields, nil
}

var _ logsource.Source = (*Postgres)(nil)
