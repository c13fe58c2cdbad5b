package logsource

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

func TestGoSettlesWithEntry(t *testing.T) {
	want := schema.LogEntry{Timestamp: time.Unix(1, 0), Message: "a"}
	fetch := Go(context.Background(), func(context.Context) (schema.LogEntry, bool, error) {
		return want, true, nil
	})

	got, ok, err := fetch.Await(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, want, got)
	require.True(t, fetch.Settled())
}

func TestGoErrorClearsOK(t *testing.T) {
	boom := errors.New("boom")
	fetch := Go(context.Background(), func(context.Context) (schema.LogEntry, bool, error) {
		return schema.LogEntry{Message: "partial"}, true, boom
	})
	res := fetch.Wait()
	require.ErrorIs(t, res.Err, boom)
	require.False(t, res.OK)
}

func TestGoRecoversPanic(t *testing.T) {
	fetch := Go(context.Background(), func(context.Context) (schema.LogEntry, bool, error) {
		panic("bad source")
	})
	_, ok, err := fetch.Await(context.Background())
	require.False(t, ok)
	require.ErrorContains(t, err, "bad source")
}

func TestAwaitHonoursContext(t *testing.T) {
	release := make(chan struct{})
	fetch := Go(context.Background(), func(context.Context) (schema.LogEntry, bool, error) {
		<-release
		return schema.LogEntry{}, false, nil
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, ok, err := fetch.Await(ctx)
	require.False(t, ok)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, fetch.Settled())
}

func TestAwaitPrefersSettledResult(t *testing.T) {
	fetch := Resolved(schema.LogEntry{Message: "x"}, true, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 50; i++ {
		entry, ok, err := fetch.Await(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "x", entry.Message)
	}
}

func TestDrainFlag(t *testing.T) {
	var flag DrainFlag
	require.False(t, flag.Drained())
	flag.MarkDrained()
	flag.MarkDrained()
	require.True(t, flag.Drained())
}

type namedSource struct{ DrainFlag }

func (*namedSource) Pop(context.Context) (schema.LogEntry, bool, error) {
	return schema.LogEntry{}, false, nil
}
func (s *namedSource) PopAsync(ctx context.Context) *Fetch { return Go(ctx, s.Pop) }
func (*namedSource) Name() string                           { return "named" }

func TestNameOf(t *testing.T) {
	require.Equal(t, "named", NameOf(&namedSource{}))
}
