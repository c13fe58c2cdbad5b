package merge

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

var baseTime = time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return baseTime.Add(time.Duration(sec) * time.Second)
}

func entryAt(sec int, msg string) schema.LogEntry {
	return schema.NewLogEntry(at(sec), msg, nil)
}

// pullTracker counts pulls in flight across every source of one merge.
type pullTracker struct {
	current atomic.Int64
	peak    atomic.Int64
}

func (t *pullTracker) enter() {
	n := t.current.Add(1)
	for {
		peak := t.peak.Load()
		if n <= peak || t.peak.CompareAndSwap(peak, n) {
			return
		}
	}
}

func (t *pullTracker) leave() {
	t.current.Add(-1)
}

// fakeSource replays a fixed slice and records how it was pulled.
type fakeSource struct {
	logsource.DrainFlag

	name    string
	latency time.Duration
	tracker *pullTracker
	failAt  int
	failErr error

	mu      sync.Mutex
	entries []schema.LogEntry
	next    int

	busy            atomic.Bool
	overlapped      atomic.Bool
	pulls           atomic.Int64
	pullsAfterDrain atomic.Int64
}

func newFakeSource(name string, entries ...schema.LogEntry) *fakeSource {
	return &fakeSource{name: name, entries: entries, failAt: -1}
}

func (s *fakeSource) withLatency(d time.Duration) *fakeSource {
	s.latency = d
	return s
}

func (s *fakeSource) withTracker(t *pullTracker) *fakeSource {
	s.tracker = t
	return s
}

func (s *fakeSource) failingAt(index int, err error) *fakeSource {
	s.failAt = index
	s.failErr = err
	return s
}

func (s *fakeSource) Name() string { return s.name }

func (s *fakeSource) Pop(ctx context.Context) (schema.LogEntry, bool, error) {
	s.pulls.Add(1)
	if s.Drained() {
		s.pullsAfterDrain.Add(1)
		return schema.LogEntry{}, false, logsource.ErrDrained
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.overlapped.Store(true)
	}
	defer s.busy.Store(false)
	if s.tracker != nil {
		s.tracker.enter()
		defer s.tracker.leave()
	}

	if s.latency > 0 {
		timer := time.NewTimer(s.latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return schema.LogEntry{}, false, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == s.failAt {
		return schema.LogEntry{}, false, s.failErr
	}
	if s.next >= len(s.entries) {
		s.MarkDrained()
		return schema.LogEntry{}, false, nil
	}
	entry := s.entries[s.next]
	s.next++
	return entry, true, nil
}

func (s *fakeSource) PopAsync(ctx context.Context) *logsource.Fetch {
	return logsource.Go(ctx, s.Pop)
}

// recordingSink keeps every printed entry and counts completion calls.
type recordingSink struct {
	mu      sync.Mutex
	entries []schema.LogEntry
	done    int
	late    int

	onPrint func(n int) error
	doneErr error
}

func (s *recordingSink) Print(_ context.Context, entry schema.LogEntry) error {
	s.mu.Lock()
	if s.done > 0 {
		s.late++
	}
	s.entries = append(s.entries, entry)
	n := len(s.entries)
	hook := s.onPrint
	s.mu.Unlock()
	if hook != nil {
		return hook(n)
	}
	return nil
}

func (s *recordingSink) Done(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done++
	return s.doneErr
}

func (s *recordingSink) messages() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.entries))
	for i, e := range s.entries {
		out[i] = e.Message
	}
	return out
}

func (s *recordingSink) doneCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func sourcesOf(fakes ...*fakeSource) []logsource.Source {
	out := make([]logsource.Source, len(fakes))
	for i, f := range fakes {
		out[i] = f
	}
	return out
}

// buildFakes turns per-source timestamp lists into sources whose messages encode origin.
func buildFakes(timestamps [][]int, latency time.Duration, tracker *pullTracker) []*fakeSource {
	latencies := make([]time.Duration, len(timestamps))
	for i := range latencies {
		latencies[i] = latency
	}
	return buildFakesWithLatencies(timestamps, latencies, tracker)
}

// buildFakesWithLatencies is buildFakes with a pull latency per source.
func buildFakesWithLatencies(timestamps [][]int, latencies []time.Duration, tracker *pullTracker) []*fakeSource {
	fakes := make([]*fakeSource, len(timestamps))
	for i, stamps := range timestamps {
		entries := make([]schema.LogEntry, len(stamps))
		for j, ts := range stamps {
			entries[j] = entryAt(ts, fmt.Sprintf("s%d-%d", i, j))
		}
		fakes[i] = newFakeSource(fmt.Sprintf("source-%d", i), entries...).
			withLatency(latencies[i]).
			withTracker(tracker)
	}
	return fakes
}

var allModes = []Mode{ModeSync, ModePipelined}

func newMerger(mode Mode, opts ...Option) Merger {
	m, err := New(mode, opts...)
	if err != nil {
		panic(err)
	}
	return m
}
