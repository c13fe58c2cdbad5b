package sources

import (
	"context"
	"slices"
	"sync"

	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// Memory replays a fixed, chronologically ordered slice.
type Memory struct {
	logsource.DrainFlag

	name  string
	pacer pacer

	mu      sync.Mutex
	entries []schema.LogEntry
	next    int
}

// NewMemory copies entries into a replayable source. Entries must already be chronological.
func NewMemory(name string, entries []schema.LogEntry, opts ...Option) *Memory {
	return &Memory{
		name:    name,
		pacer:   newPacer(opts),
		entries: slices.Clone(entries),
	}
}

// Name implements logsource.Named.
func (m *Memory) Name() string { return m.name }

// Remaining reports how many entries have not been pulled yet.
func (m *Memory) Remaining() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries) - m.next
}

// Pop returns the next entry, or ok=false once every entry has been returned.
func (m *Memory) Pop(ctx context.Context) (schema.LogEntry, bool, error) {
	if m.Drained() {
		return schema.LogEntry{}, false, logsource.ErrDrained
	}
	if err := m.pacer.wait(ctx); err != nil {
		return schema.LogEntry{}, false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.next >= len(m.entries) {
		m.MarkDrained()
		return schema.LogEntry{}, false, nil
	}
	entry := m.entries[m.next]
	m.next++
	return entry, true, nil
}

// PopAsync implements logsource.Source.
func (m *Memory) PopAsync(ctx context.Context) *logsource.Fetch {
	return logsource.Go(ctx, m.Pop)
}

var _ logsource.Source = (*Memory)(nil)
