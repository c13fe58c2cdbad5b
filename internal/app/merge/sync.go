package merge

import (
	"context"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/observability"
	"github.com/coachpo/logmerge/internal/telemetry"
)

const syncComponent = "merge/sync"

// Sync merges sources by pulling each one on demand.
type Sync struct {
	opts options
}

// NewSync constructs a synchronous merger.
func NewSync(opts ...Option) *Sync {
	return &Sync{opts: buildOptions(opts)}
}

// Merge primes the queue with one entry per source, then repeatedly emits the smallest entry and
// pulls one replacement from the source it came from.
func (m *Sync) Merge(ctx context.Context, sources []logsource.Source, sink logsink.Sink) (Stats, error) {
	stats := Stats{Mode: ModeSync, Sources: len(sources)}
	if err := validate(syncComponent, sources, sink); err != nil {
		return stats, err
	}

	start := m.opts.clock()
	m.opts.logger.Info("merge started", m.opts.logFields(
		observability.F("mode", ModeSync),
		observability.F("sources", len(sources)),
	)...)

	err := m.run(ctx, sources, sink, &stats)
	stats.Elapsed = m.opts.clock().Sub(start)
	m.opts.metrics.recordRun(ctx, ModeSync, runResult(err))
	if err != nil {
		m.opts.logger.Error("merge aborted", m.opts.logFields(
			observability.F("mode", ModeSync),
			observability.F("emitted", stats.Emitted),
			observability.F("error", err),
		)...)
		return stats, err
	}
	m.opts.logger.Info("merge completed", m.opts.logFields(
		observability.F("mode", ModeSync),
		observability.F("emitted", stats.Emitted),
		observability.F("elapsed", stats.Elapsed),
	)...)
	return stats, nil
}

func (m *Sync) run(ctx context.Context, sources []logsource.Source, sink logsink.Sink, stats *Stats) error {
	queue := newOrderingQueue(len(sources))

	for i := range sources {
		if err := m.refill(ctx, queue, sources, i, stats); err != nil {
			return err
		}
	}

	for !queue.empty() {
		if err := ctx.Err(); err != nil {
			return canceledError(syncComponent, err)
		}
		next := queue.pop()
		if err := sink.Print(ctx, next.entry); err != nil {
			return printError(syncComponent, next.source, err)
		}
		stats.Emitted++
		m.opts.metrics.recordEmitted(ctx, ModeSync)

		if err := m.refill(ctx, queue, sources, next.source, stats); err != nil {
			return err
		}
	}

	if err := sink.Done(ctx); err != nil {
		return doneError(syncComponent, err)
	}
	return nil
}

// refill pulls one entry from source i into the queue unless the source is drained.
func (m *Sync) refill(ctx context.Context, queue *orderingQueue, sources []logsource.Source, i int, stats *Stats) error {
	src := sources[i]
	if src.Drained() {
		return nil
	}

	issued := m.opts.clock()
	stats.Fetches++
	stats.MaxOutstanding = max(stats.MaxOutstanding, 1)
	entry, ok, err := src.Pop(ctx)
	elapsed := m.opts.clock().Sub(issued)
	if err != nil {
		m.opts.metrics.recordFetch(ctx, ModeSync, i, elapsed, telemetry.ResultError)
		return pullError(ctx, syncComponent, i, err)
	}
	if !ok {
		m.opts.metrics.recordFetch(ctx, ModeSync, i, elapsed, telemetry.ResultDrained)
		m.opts.logger.Debug("source drained", m.opts.logFields(
			observability.F("source", i),
			observability.F("name", logsource.NameOf(src)),
		)...)
		return nil
	}
	m.opts.metrics.recordFetch(ctx, ModeSync, i, elapsed, telemetry.ResultEntry)
	queue.push(entry, i)
	return nil
}
