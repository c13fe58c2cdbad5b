package sources

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
	"github.com/coachpo/logmerge/internal/infra/config"
)

var t0 = time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)

// drain pulls src to exhaustion through the asynchronous path.
func drain(t *testing.T, src logsource.Source) []schema.LogEntry {
	t.Helper()
	var out []schema.LogEntry
	for !src.Drained() {
		res := src.PopAsync(context.Background()).Wait()
		require.NoError(t, res.Err)
		if !res.OK {
			break
		}
		out = append(out, res.Entry)
	}
	return out
}

func messages(entries []schema.LogEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func TestMemoryReplaysThenDrains(t *testing.T) {
	entries := []schema.LogEntry{
		schema.NewLogEntry(t0, "a", nil),
		schema.NewLogEntry(t0.Add(time.Second), "b", nil),
	}
	src := NewMemory("mem", entries)
	entries[0].Message = "mutated"

	require.Equal(t, 2, src.Remaining())
	require.Equal(t, []string{"a", "b"}, messages(drain(t, src)))
	require.True(t, src.Drained())
	require.Equal(t, "mem", src.Name())

	_, ok, err := src.Pop(context.Background())
	require.False(t, ok)
	require.ErrorIs(t, err, logsource.ErrDrained)
}

func TestMemoryEmptyDrainsOnFirstPull(t *testing.T) {
	src := NewMemory("empty", nil)
	require.False(t, src.Drained())
	_, ok, err := src.Pop(context.Background())
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, src.Drained())
}

func TestLatencyHonoursCancellation(t *testing.T) {
	src := NewMemory("slow", []schema.LogEntry{schema.NewLogEntry(t0, "a", nil)}, WithLatency(time.Hour))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, ok, err := src.Pop(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.False(t, src.Drained())
	require.Equal(t, 1, src.Remaining())
}

func TestRateLimitPacesPulls(t *testing.T) {
	entries := make([]schema.LogEntry, 4)
	for i := range entries {
		entries[i] = schema.NewLogEntry(t0.Add(time.Duration(i)*time.Second), "x", nil)
	}
	src := NewMemory("paced", entries, WithRate(100, 1))

	start := time.Now()
	require.Len(t, drain(t, src), 4)
	// five pulls at 100/s with burst 1 need at least four refills
	require.GreaterOrEqual(t, time.Since(start), 35*time.Millisecond)
}

func TestSyntheticIsChronologicalAndFinite(t *testing.T) {
	src := NewSynthetic("gen", 50, 42, t0)
	entries := drain(t, src)
	require.Len(t, entries, 50)
	for i := 1; i < len(entries); i++ {
		require.False(t, entries[i].Timestamp.Before(entries[i-1].Timestamp), "entry %d went back in time", i)
	}
	require.False(t, entries[0].Timestamp.After(t0.Add(10*time.Hour)))
	id, ok := entries[0].Field("id")
	require.True(t, ok)
	require.Len(t, id, 36)
	require.NotEmpty(t, entries[0].Message)
}

func TestSyntheticSeedIsDeterministic(t *testing.T) {
	a := drain(t, NewSynthetic("a", 10, 7, t0))
	b := drain(t, NewSynthetic("b", 10, 7, t0))
	for i := range a {
		require.True(t, a[i].Timestamp.Equal(b[i].Timestamp))
		require.Equal(t, a[i].Message, b[i].Message)
	}
}

func TestSyntheticZeroCount(t *testing.T) {
	require.Empty(t, drain(t, NewSynthetic("none", 0, 1, t0)))
}

func TestJSONLinesDecodesEntries(t *testing.T) {
	input := `{"ts":"2024-03-01T12:00:00Z","msg":"boot","fields":{"host":"a"}}

{"ts":"2024-03-01T12:00:01.5Z","msg":"ready"}
`
	src := NewJSONLines("json", strings.NewReader(input))
	entries := drain(t, src)
	require.Equal(t, []string{"boot", "ready"}, messages(entries))
	host, _ := entries[0].Field("host")
	require.Equal(t, "a", host)
	require.True(t, entries[1].Timestamp.Equal(t0.Add(1500*time.Millisecond)))
	require.NoError(t, src.Close())
}

func TestJSONLinesRejectsBadInput(t *testing.T) {
	cases := map[string]struct {
		input string
		want  string
	}{
		"malformed": {input: "{not json}\n", want: "decode line 1"},
		"missing ts": {input: `{"msg":"no time"}` + "\n", want: "missing ts"},
		"out of order": {
			input: `{"ts":"2024-03-01T12:00:02Z","msg":"late"}` + "\n" + `{"ts":"2024-03-01T12:00:01Z","msg":"early"}` + "\n",
			want:  "precedes previous entry",
		},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			src := NewJSONLines("bad", strings.NewReader(tc.input))
			var err error
			for err == nil && !src.Drained() {
				_, _, err = src.Pop(context.Background())
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestOpenJSONLinesFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "in.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(`{"ts":"2024-03-01T12:00:00Z","msg":"only"}`+"\n"), 0o600))

	src, err := OpenJSONLines("file", path)
	require.NoError(t, err)
	require.Equal(t, []string{"only"}, messages(drain(t, src)))
	require.NoError(t, src.Close())

	_, err = OpenJSONLines("missing", filepath.Join(t.TempDir(), "nope.jsonl"))
	require.Error(t, err)
}

func TestCSVParsesRows(t *testing.T) {
	input := "timestamp,message,level\n" +
		"1709294400000000000,first,info\n" +
		"2024-03-01T12:00:05Z,\"second, with comma\",warn\n" +
		"2024-03-01T12:00:06Z,third\n"
	src, err := NewCSV("csv", strings.NewReader(input))
	require.NoError(t, err)

	entries := drain(t, src)
	require.Equal(t, []string{"first", "second, with comma", "third"}, messages(entries))
	require.True(t, entries[0].Timestamp.Equal(t0))
	level, _ := entries[1].Field("level")
	require.Equal(t, "warn", level)
	require.Nil(t, entries[2].Fields)
}

func TestCSVRejectsBadInput(t *testing.T) {
	_, err := NewCSV("empty", strings.NewReader(""))
	require.Error(t, err)

	_, err = NewCSV("narrow", strings.NewReader("timestamp\n"))
	require.Error(t, err)

	src, err := NewCSV("bad-ts", strings.NewReader("timestamp,message\nyesterday,oops\n"))
	require.NoError(t, err)
	_, _, err = src.Pop(context.Background())
	require.ErrorContains(t, err, "row 2")
}

func TestBuildEachKind(t *testing.T) {
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "a.jsonl")
	csvPath := filepath.Join(dir, "b.csv")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"ts":"2024-03-01T12:00:00Z","msg":"j"}`+"\n"), 0o600))
	require.NoError(t, os.WriteFile(csvPath, []byte("timestamp,message\n2024-03-01T12:00:00Z,c\n"), 0o600))

	cfgs := []config.SourceConfig{
		{Name: "mem", Kind: config.SourceMemory, Entries: []config.EntryConfig{{At: t0, Message: "m"}}},
		{Name: "gen", Kind: config.SourceSynthetic, Count: 3, Seed: 1},
		{Name: "json", Kind: config.SourceJSONLines, Path: jsonPath},
		{Name: "csv", Kind: config.SourceCSV, Path: csvPath},
		{Name: "db", Kind: config.SourcePostgres, Stream: "s", PageSize: 10},
	}
	srcs, err := OpenAll(context.Background(), cfgs, Deps{DB: &fakeQuerier{}, Now: func() time.Time { return t0 }})
	require.NoError(t, err)
	require.Len(t, srcs, len(cfgs))
	for i, cfg := range cfgs {
		require.Equal(t, cfg.Name, logsource.NameOf(srcs[i]))
	}
	require.IsType(t, &Postgres{}, srcs[4])
	require.Equal(t, []string{"m"}, messages(drain(t, srcs[0])))
	require.Len(t, drain(t, srcs[1]), 3)
	require.NoError(t, CloseAll(srcs))
}

func TestBuildPostgresNeedsDatabase(t *testing.T) {
	_, err := Build(context.Background(), config.SourceConfig{Name: "db", Kind: config.SourcePostgres, Stream: "s"}, Deps{})
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeInvalid, code)

	_, err = Build(context.Background(), config.SourceConfig{Name: "x", Kind: "kafka"}, Deps{})
	require.Error(t, err)
}

func TestBuildSkipsOpenAfterCancel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.csv")
	require.NoError(t, os.WriteFile(path, []byte("2024-01-01T00:00:00Z,m\n"), 0o600))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	src, err := Build(ctx, config.SourceConfig{Name: "app", Kind: config.SourceCSV, Path: path}, Deps{})
	require.Nil(t, src)
	code, ok := errs.CodeOf(err)
	require.True(t, ok)
	require.Equal(t, errs.CodeCanceled, code)
	require.ErrorIs(t, err, context.Canceled)
}

func TestOpenAllFailsWhenAnySourceFails(t *testing.T) {
	cfgs := []config.SourceConfig{
		{Name: "mem", Kind: config.SourceMemory},
		{Name: "missing", Kind: config.SourceCSV, Path: filepath.Join(t.TempDir(), "missing.csv")},
	}
	srcs, err := OpenAll(context.Background(), cfgs, Deps{})
	require.Error(t, err)
	require.Nil(t, srcs)
	require.Contains(t, err.Error(), `open source "missing"`)
}

type closingSource struct {
	*Memory
	err error
}

func (c closingSource) Close() error { return c.err }

func TestCloseAllJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	err := CloseAll([]logsource.Source{
		NewMemory("plain", nil),
		closingSource{Memory: NewMemory("ok", nil)},
		closingSource{Memory: NewMemory("broken", nil), err: boom},
	})
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "close broken")
}
