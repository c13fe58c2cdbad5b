package sinks

import (
	"context"
	"slices"
	"sync"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// Collector keeps every entry in memory.
type Collector struct {
	mu      sync.Mutex
	entries []schema.LogEntry
	done    int
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// Print appends entry.
func (c *Collector) Print(_ context.Context, entry schema.LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, entry)
	return nil
}

// Done records completion.
func (c *Collector) Done(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.done++
	return nil
}

// Entries returns a copy of what has been printed.
func (c *Collector) Entries() []schema.LogEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.entries)
}

// DoneCalls reports how many times Done was called.
func (c *Collector) DoneCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

var _ logsink.Sink = (*Collector)(nil)
