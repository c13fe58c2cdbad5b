package merge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOrderingQueuePopsByTimestamp(t *testing.T) {
	q := newOrderingQueue(3)
	q.push(entryAt(3, "c"), 0)
	q.push(entryAt(1, "a"), 1)
	q.push(entryAt(2, "b"), 2)

	require.Equal(t, 3, q.Len())
	head, ok := q.peek()
	require.True(t, ok)
	require.Equal(t, "a", head.entry.Message)

	var got []string
	for !q.empty() {
		got = append(got, q.pop().entry.Message)
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestOrderingQueueTieBreak(t *testing.T) {
	q := newOrderingQueue(4)
	q.push(entryAt(7, "src2"), 2)
	q.push(entryAt(7, "src0-first"), 0)
	q.push(entryAt(7, "src1"), 1)
	q.push(entryAt(7, "src0-second"), 0)

	var got []string
	for !q.empty() {
		next := q.pop()
		got = append(got, next.entry.Message)
	}
	require.Equal(t, []string{"src0-first", "src0-second", "src1", "src2"}, got)
}

func TestOrderingQueueEmptyPeek(t *testing.T) {
	q := newOrderingQueue(0)
	_, ok := q.peek()
	require.False(t, ok)
	require.True(t, q.empty())
}

func TestOrderingQueueKeepsSourceTag(t *testing.T) {
	q := newOrderingQueue(2)
	q.push(entryAt(2, "late"), 4)
	q.push(entryAt(1, "early"), 9)

	first := q.pop()
	require.Equal(t, 9, first.source)
	second := q.pop()
	require.Equal(t, 4, second.source)
}
