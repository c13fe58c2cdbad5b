package sinks

import (
	"context"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

const defaultBatchSize = 128

var mergedEntryColumns = []string{"run_id", "position", "ts", "message", "fields"}

// Copier is the subset of pgxpool.Pool the Postgres sink needs.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Postgres persists merged output into merged_entries, one row per entry keyed by run and
// position. Rows are buffered and written with COPY.
type Postgres struct {
	db        Copier
	runID     pgtype.UUID
	batchSize int

	mu       sync.Mutex
	pending  [][]any
	position int64
	flushed  int64
}

// NewPostgres writes rows tagged with runID.
func NewPostgres(db Copier, runID uuid.UUID, batchSize int) *Postgres {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Postgres{
		db:        db,
		runID:     pgtype.UUID{Bytes: runID, Valid: true},
		batchSize: batchSize,
		pending:   make([][]any, 0, batchSize),
	}
}

// Print buffers entry, flushing when the batch is full.
func (s *Postgres) Print(ctx context.Context, entry schema.LogEntry) error {
	if s.db == nil {
		return fmt.Errorf("postgres sink: nil pool")
	}
	var fields []byte
	if len(entry.Fields) > 0 {
		encoded, err := json.Marshal(entry.Fields)
		if err != nil {
			return fmt.Errorf("postgres sink: encode fields: %w", err)
		}
		fields = encoded
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.position++
	s.pending = append(s.pending, []any{s.runID, s.position, entry.Timestamp, entry.Message, fields})
	if len(s.pending) < s.batchSize {
		return nil
	}
	return s.flushLocked(ctx)
}

// Done writes any remaining rows.
func (s *Postgres) Done(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("postgres sink: nil pool")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushLocked(ctx)
}

// Flushed reports how many rows have been committed.
func (s *Postgres) Flushed() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushed
}

func (s *Postgres) flushLocked(ctx context.Context) error {
	if len(s.pending) == 0 {
		return nil
	}
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"merged_entries"}, mergedEntryColumns, pgx.CopyFromRows(s.pending))
	if err != nil {
		return fmt.Errorf("postgres sink: copy %d rows: %w", len(s.pending), err)
	}
	s.flushed += n
	clear(s.pending)
	s.pending = s.pending[:0]
	return nil
}

var _ logsink.Sink = (*Postgres)(nil)
