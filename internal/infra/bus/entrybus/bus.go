// Package entrybus republishes merged log entries to in-process subscribers.
package entrybus

import (
	"context"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers merged entries to every subscriber in publish order.
type Bus interface {
	Publish(ctx context.Context, entry schema.LogEntry) error
	Subscribe(ctx context.Context) (SubscriptionID, <-chan schema.LogEntry, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}
