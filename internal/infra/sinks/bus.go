package sinks

import (
	"context"
	"sync/atomic"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
	"github.com/coachpo/logmerge/internal/infra/bus/entrybus"
	"github.com/coachpo/logmerge/internal/observability"
)

// Bus republishes every entry on an entry bus. Slow subscribers never fail the merge: delivery
// errors marked unavailable are counted and logged instead.
type Bus struct {
	bus    entrybus.Bus
	logger observability.Logger

	published   atomic.Int64
	undelivered atomic.Int64
}

// NewBus publishes onto bus.
func NewBus(bus entrybus.Bus, logger observability.Logger) *Bus {
	if logger == nil {
		logger = observability.Log()
	}
	return &Bus{bus: bus, logger: logger}
}

// Print publishes entry.
func (s *Bus) Print(ctx context.Context, entry schema.LogEntry) error {
	if err := s.bus.Publish(ctx, entry); err != nil {
		if code, ok := errs.CodeOf(err); ok && code == errs.CodeUnavailable {
			if s.undelivered.Add(1) == 1 {
				s.logger.Error("entry bus delivery failed; continuing", observability.F("error", err))
			}
			return nil
		}
		return err
	}
	s.published.Add(1)
	return nil
}

// Done closes the bus so subscribers observe the end of the stream.
func (s *Bus) Done(context.Context) error {
	s.bus.Close()
	return nil
}

// Published reports how many entries reached the bus.
func (s *Bus) Published() int64 { return s.published.Load() }

// Undelivered reports how many publishes failed with an unavailable error.
func (s *Bus) Undelivered() int64 { return s.undelivered.Load() }

var _ logsink.Sink = (*Bus)(nil)
