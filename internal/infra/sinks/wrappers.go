package sinks

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// Matcher decides whether an entry continues down the chain.
type Matcher interface {
	Match(entry schema.LogEntry) (bool, error)
}

// Filtered forwards only entries the matcher accepts.
type Filtered struct {
	next    logsink.Sink
	matcher Matcher

	passed  atomic.Int64
	dropped atomic.Int64
}

// NewFiltered wraps next.
func NewFiltered(next logsink.Sink, matcher Matcher) *Filtered {
	return &Filtered{next: next, matcher: matcher}
}

// Print evaluates the matcher and forwards accepted entries.
func (f *Filtered) Print(ctx context.Context, entry schema.LogEntry) error {
	ok, err := f.matcher.Match(entry)
	if err != nil {
		return err
	}
	if !ok {
		f.dropped.Add(1)
		return nil
	}
	f.passed.Add(1)
	return f.next.Print(ctx, entry)
}

// Done forwards completion.
func (f *Filtered) Done(ctx context.Context) error { return f.next.Done(ctx) }

// Close forwards to next when it holds resources.
func (f *Filtered) Close() error { return closeSink(f.next) }

// Counts reports forwarded and dropped entries.
func (f *Filtered) Counts() (passed, dropped int64) {
	return f.passed.Load(), f.dropped.Load()
}

// Throttled delays entries so that at most rate entries per second reach next.
type Throttled struct {
	next    logsink.Sink
	limiter *rate.Limiter
}

// NewThrottled wraps next with a token bucket.
func NewThrottled(next logsink.Sink, perSecond float64, burst int) *Throttled {
	if burst <= 0 {
		burst = 1
	}
	return &Throttled{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Print waits for a token, then forwards.
func (t *Throttled) Print(ctx context.Context, entry schema.LogEntry) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("throttle wait: %w", err)
	}
	return t.next.Print(ctx, entry)
}

// Done forwards completion without throttling.
func (t *Throttled) Done(ctx context.Context) error { return t.next.Done(ctx) }

// Close forwards to next when it holds resources.
func (t *Throttled) Close() error { return closeSink(t.next) }

// Multi tees every entry to each sink in order.
type Multi struct {
	sinks []logsink.Sink
}

// NewMulti tees to sinks. Nil sinks are skipped.
func NewMulti(sinks ...logsink.Sink) *Multi {
	kept := make([]logsink.Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{sinks: kept}
}

// Print stops at the first failing sink.
func (m *Multi) Print(ctx context.Context, entry schema.LogEntry) error {
	for i, s := range m.sinks {
		if err := s.Print(ctx, entry); err != nil {
			return fmt.Errorf("tee %d: %w", i, err)
		}
	}
	return nil
}

// Done completes every sink, even after a failure, and joins the errors.
func (m *Multi) Done(ctx context.Context) error {
	var doneErrs []error
	for i, s := range m.sinks {
		if err := s.Done(ctx); err != nil {
			doneErrs = append(doneErrs, fmt.Errorf("tee %d: %w", i, err))
		}
	}
	return errors.Join(doneErrs...)
}

// Close closes every sink holding resources.
func (m *Multi) Close() error {
	var closeErrs []error
	for _, s := range m.sinks {
		if err := closeSink(s); err != nil {
			closeErrs = append(closeErrs, err)
		}
	}
	return errors.Join(closeErrs...)
}

func closeSink(s logsink.Sink) error {
	if closer, ok := s.(logsink.Closer); ok {
		return closer.Close()
	}
	return nil
}

var (
	_ logsink.Sink   = (*Filtered)(nil)
	_ logsink.Sink   = (*Throttled)(nil)
	_ logsink.Sink   = (*Multi)(nil)
	_ logsink.Closer = (*Multi)(nil)
)
