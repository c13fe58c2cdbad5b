package merge

import (
	"context"
	"time"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/observability"
	"github.com/coachpo/logmerge/internal/telemetry"
)

const pipelinedComponent = "merge/pipelined"

// Pipelined merges sources while keeping one pull in flight per non-drained source.
//
// The queue and the slots are owned by the goroutine running Merge. Fetch goroutines only settle
// their own future; they never touch merge state.
type Pipelined struct {
	opts options
}

// NewPipelined constructs a pipelined merger.
func NewPipelined(opts ...Option) *Pipelined {
	return &Pipelined{opts: buildOptions(opts)}
}

// slot is the outstanding pull for one source.
type slot struct {
	fetch  *logsource.Fetch
	issued time.Time
}

// slots holds at most one outstanding fetch per source index. A nil fetch means the source has
// no pull in flight: either it was retired after reporting end of stream or it was drained from
// the start.
type slots struct {
	entries        []slot
	outstanding    int
	maxOutstanding int
	issuedTotal    int
}

func newSlots(k int) *slots {
	return &slots{entries: make([]slot, k)}
}

func (s *slots) active(i int) bool {
	return s.entries[i].fetch != nil
}

func (s *slots) set(i int, fetch *logsource.Fetch, issued time.Time) {
	s.entries[i] = slot{fetch: fetch, issued: issued}
	s.outstanding++
	s.issuedTotal++
	s.maxOutstanding = max(s.maxOutstanding, s.outstanding)
}

// take removes and returns the slot for i.
func (s *slots) take(i int) slot {
	current := s.entries[i]
	if current.fetch != nil {
		s.entries[i] = slot{}
		s.outstanding--
	}
	return current
}

// drain waits for every outstanding fetch to settle and clears the slots. It returns the errors
// the abandoned fetches settled with.
func (s *slots) drain() []error {
	var errs []error
	for i := range s.entries {
		current := s.take(i)
		if current.fetch == nil {
			continue
		}
		if res := current.fetch.Wait(); res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errs
}

// Merge issues a pull for every source, seeds the queue from the results, then repeatedly emits
// the smallest entry and consumes the already-issued pull of the source it came from.
func (m *Pipelined) Merge(ctx context.Context, sources []logsource.Source, sink logsink.Sink) (Stats, error) {
	stats := Stats{Mode: ModePipelined, Sources: len(sources)}
	if err := validate(pipelinedComponent, sources, sink); err != nil {
		return stats, err
	}

	start := m.opts.clock()
	m.opts.logger.Info("merge started", m.opts.logFields(
		observability.F("mode", ModePipelined),
		observability.F("sources", len(sources)),
	)...)

	pending := newSlots(len(sources))
	err := m.run(ctx, sources, sink, pending, &stats)

	stats.Fetches = pending.issuedTotal
	stats.MaxOutstanding = pending.maxOutstanding
	stats.Elapsed = m.opts.clock().Sub(start)
	m.opts.metrics.recordRun(ctx, ModePipelined, runResult(err))
	if err != nil {
		m.opts.logger.Error("merge aborted", m.opts.logFields(
			observability.F("mode", ModePipelined),
			observability.F("emitted", stats.Emitted),
			observability.F("error", err),
		)...)
		return stats, err
	}
	m.opts.logger.Info("merge completed", m.opts.logFields(
		observability.F("mode", ModePipelined),
		observability.F("emitted", stats.Emitted),
		observability.F("fetches", stats.Fetches),
		observability.F("elapsed", stats.Elapsed),
	)...)
	return stats, nil
}

func (m *Pipelined) run(ctx context.Context, sources []logsource.Source, sink logsink.Sink, pending *slots, stats *Stats) (err error) {
	fetchCtx, cancelFetches := context.WithCancel(ctx)
	defer func() {
		cancelFetches()
		abandoned := pending.outstanding
		drainErr := observability.AggregateErrors("drain outstanding fetches", pending.drain(),
			m.opts.logFields(observability.F("abandoned", abandoned))...)
		m.opts.metrics.adjustOutstanding(context.WithoutCancel(ctx), -int64(abandoned))
		if err == nil && drainErr != nil {
			err = drainErr
		}
	}()

	queue := newOrderingQueue(len(sources))

	for i, src := range sources {
		if src.Drained() {
			continue
		}
		m.issue(fetchCtx, pending, sources, i)
	}

	for i := range sources {
		if err := m.consume(ctx, fetchCtx, queue, pending, sources, i); err != nil {
			return err
		}
	}

	for !queue.empty() {
		if err := ctx.Err(); err != nil {
			return canceledError(pipelinedComponent, err)
		}
		next := queue.pop()
		if err := sink.Print(ctx, next.entry); err != nil {
			return printError(pipelinedComponent, next.source, err)
		}
		stats.Emitted++
		m.opts.metrics.recordEmitted(ctx, ModePipelined)

		if err := m.consume(ctx, fetchCtx, queue, pending, sources, next.source); err != nil {
			return err
		}
	}

	if err := sink.Done(ctx); err != nil {
		return doneError(pipelinedComponent, err)
	}
	return nil
}

func (m *Pipelined) issue(fetchCtx context.Context, pending *slots, sources []logsource.Source, i int) {
	pending.set(i, sources[i].PopAsync(fetchCtx), m.opts.clock())
	m.opts.metrics.adjustOutstanding(fetchCtx, 1)
}

// consume awaits source i's outstanding pull. A real entry is queued and the next pull for the
// same source is issued before returning. End of stream retires the slot.
func (m *Pipelined) consume(ctx, fetchCtx context.Context, queue *orderingQueue, pending *slots, sources []logsource.Source, i int) error {
	if !pending.active(i) {
		return nil
	}
	current := pending.entries[i]
	entry, ok, err := current.fetch.Await(ctx)
	if err != nil && !current.fetch.Settled() {
		// ctx ended while waiting; leave the slot for the deferred drain.
		return canceledError(pipelinedComponent, err)
	}
	pending.take(i)
	m.opts.metrics.adjustOutstanding(ctx, -1)
	elapsed := m.opts.clock().Sub(current.issued)

	if err != nil {
		m.opts.metrics.recordFetch(ctx, ModePipelined, i, elapsed, telemetry.ResultError)
		return pullError(ctx, pipelinedComponent, i, err)
	}
	if !ok {
		m.opts.metrics.recordFetch(ctx, ModePipelined, i, elapsed, telemetry.ResultDrained)
		m.opts.logger.Debug("source drained", m.opts.logFields(
			observability.F("source", i),
			observability.F("name", logsource.NameOf(sources[i])),
		)...)
		return nil
	}
	m.opts.metrics.recordFetch(ctx, ModePipelined, i, elapsed, telemetry.ResultEntry)
	queue.push(entry, i)
	if !sources[i].Drained() {
		m.issue(fetchCtx, pending, sources, i)
	}
	return nil
}
