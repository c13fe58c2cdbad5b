package merge

import (
	"container/heap"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

// taggedEntry pairs an entry with the index of the source it came from. The tag is merge
// bookkeeping only and never leaves this package.
type taggedEntry struct {
	entry  schema.LogEntry
	source int
	seq    uint64
}

// orderingQueue is a min-heap of tagged entries.
//
// Entries are ordered by timestamp. Equal timestamps are ordered by ascending source index and
// then by insertion sequence, so output is deterministic for a given source order.
type orderingQueue struct {
	items entryHeap
	seq   uint64
}

func newOrderingQueue(capacity int) *orderingQueue {
	q := new(orderingQueue)
	q.items = make(entryHeap, 0, capacity)
	heap.Init(&q.items)
	return q
}

func (q *orderingQueue) push(entry schema.LogEntry, source int) {
	q.seq++
	heap.Push(&q.items, taggedEntry{entry: entry, source: source, seq: q.seq})
}

// pop removes the smallest entry. The queue must not be empty.
func (q *orderingQueue) pop() taggedEntry {
	return heap.Pop(&q.items).(taggedEntry)
}

func (q *orderingQueue) peek() (taggedEntry, bool) {
	if len(q.items) == 0 {
		return taggedEntry{}, false
	}
	return q.items[0], true
}

func (q *orderingQueue) Len() int { return len(q.items) }

func (q *orderingQueue) empty() bool { return len(q.items) == 0 }

type entryHeap []taggedEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if !a.entry.Timestamp.Equal(b.entry.Timestamp) {
		return a.entry.Timestamp.Before(b.entry.Timestamp)
	}
	if a.source != b.source {
		return a.source < b.source
	}
	return a.seq < b.seq
}

func (h entryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *entryHeap) Push(x any) {
	*h = append(*h, x.(taggedEntry))
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = taggedEntry{}
	*h = old[0 : n-1]
	return x
}
