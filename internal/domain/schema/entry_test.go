package schema

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLogEntryCopiesFields(t *testing.T) {
	fields := map[string]string{"host": "a"}
	entry := NewLogEntry(time.Unix(10, 0), "boot", fields)
	fields["host"] = "b"

	host, ok := entry.Field("host")
	require.True(t, ok)
	require.Equal(t, "a", host)
}

func TestBefore(t *testing.T) {
	early := LogEntry{Timestamp: time.Unix(1, 0)}
	late := LogEntry{Timestamp: time.Unix(2, 0)}
	same := LogEntry{Timestamp: time.Unix(1, 0), Message: "other"}

	require.True(t, early.Before(late))
	require.False(t, late.Before(early))
	require.False(t, early.Before(same))
}

func TestIsZero(t *testing.T) {
	require.True(t, LogEntry{}.IsZero())
	require.False(t, LogEntry{Message: "x"}.IsZero())
}

func TestCloneIsDeep(t *testing.T) {
	entry := NewLogEntry(time.Unix(5, 0), "m", map[string]string{"k": "v"})
	clone := entry.Clone()
	clone.Fields["k"] = "changed"
	v, _ := entry.Field("k")
	require.Equal(t, "v", v)
}
