package sources

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

type fakeRow struct {
	ts      time.Time
	id      int64
	message string
	fields  []byte
}

// fakeQuerier serves keyset pages from an in-memory table of rows sorted by (ts, id).
type fakeQuerier struct {
	mu    sync.Mutex
	rows  []fakeRow
	calls [][]any
	err   error
}

func (q *fakeQuerier) Query(_ context.Context, _ string, args ...any) (pgx.Rows, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls = append(q.calls, args)
	if q.err != nil {
		return nil, q.err
	}
	afterTS := args[1].(time.Time)
	afterID := args[2].(int64)
	limit := args[3].(int)

	var page []fakeRow
	for _, r := range q.rows {
		if r.ts.After(afterTS) || (r.ts.Equal(afterTS) && r.id > afterID) {
			page = append(page, r)
			if len(page) == limit {
				break
			}
		}
	}
	return &fakeRows{rows: page, index: -1}, nil
}

type fakeRows struct {
	rows  []fakeRow
	index int
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return nil }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.CommandTag{} }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) Values() ([]any, error)                       { return nil, nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	r.index++
	return r.index < len(r.rows)
}

func (r *fakeRows) Scan(dest ...any) error {
	if len(dest) != 4 {
		return fmt.Errorf("expected 4 destinations, got %d", len(dest))
	}
	row := r.rows[r.index]
	*dest[0].(*time.Time) = row.ts
	*dest[1].(*int64) = row.id
	*dest[2].(*string) = row.message
	*dest[3].(*[]byte) = row.fields
	return nil
}

func TestPostgresPagesWithKeyset(t *testing.T) {
	q := &fakeQuerier{}
	for i := range 5 {
		// two rows share each timestamp so the id breaks ties across page boundaries
		q.rows = append(q.rows, fakeRow{
			ts:      t0.Add(time.Duration(i/2) * time.Second),
			id:      int64(i + 1),
			message: fmt.Sprintf("row-%d", i+1),
		})
	}
	q.rows[0].fields = []byte(`{"level":"info"}`)

	src := NewPostgres("db", "billing", q, 2)
	entries := drain(t, src)
	require.Equal(t, []string{"row-1", "row-2", "row-3", "row-4", "row-5"}, messages(entries))
	level, _ := entries[0].Field("level")
	require.Equal(t, "info", level)
	require.Nil(t, entries[1].Fields)
	require.Equal(t, 3, src.Pages())

	require.Len(t, q.calls, 3)
	require.Equal(t, "billing", q.calls[0][0])
	require.Equal(t, int64(2), q.calls[1][2])
	require.True(t, q.calls[2][1].(time.Time).Equal(t0.Add(time.Second)))
	require.Equal(t, int64(4), q.calls[2][2])
}

func TestPostgresFullLastPageNeedsOneMoreQuery(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{
		{ts: t0, id: 1, message: "a"},
		{ts: t0.Add(time.Second), id: 2, message: "b"},
	}}
	src := NewPostgres("db", "s", q, 2)
	require.Len(t, drain(t, src), 2)
	require.Equal(t, 2, src.Pages())
}

func TestPostgresQueryFailure(t *testing.T) {
	boom := errors.New("connection reset")
	src := NewPostgres("db", "s", &fakeQuerier{err: boom}, 10)
	_, ok, err := src.Pop(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, boom)
	require.False(t, src.Drained())
}

func TestPostgresNilPool(t *testing.T) {
	src := NewPostgres("db", "s", nil, 10)
	_, _, err := src.Pop(context.Background())
	require.ErrorContains(t, err, "nil pool")
}

func TestPostgresRejectsBadFields(t *testing.T) {
	q := &fakeQuerier{rows: []fakeRow{{ts: t0, id: 9, message: "a", fields: []byte(`[1,2]`)}}}
	_, _, err := NewPostgres("db", "s", q, 10).Pop(context.Background())
	require.ErrorContains(t, err, "decode fields of row 9")
}
