// Package sources provides the concrete log sources the merge core consumes.
//
// Every source here is safe for one outstanding pull at a time, which is all the merge core ever
// issues. PopAsync runs Pop on its own goroutine through logsource.Go.
package sources

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// Option tunes how a source paces its pulls.
type Option func(*pacer)

// WithLatency delays every pull by d, honouring context cancellation.
func WithLatency(d time.Duration) Option {
	return func(p *pacer) {
		if d > 0 {
			p.latency = d
		}
	}
}

// WithRate caps pulls to perSecond with the given burst.
func WithRate(perSecond float64, burst int) Option {
	return func(p *pacer) {
		if perSecond <= 0 {
			p.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// pacer simulates remote sources: a token bucket followed by a fixed delay.
type pacer struct {
	latency time.Duration
	limiter *rate.Limiter
}

func newPacer(opts []Option) pacer {
	var p pacer
	for _, opt := range opts {
		if opt != nil {
			opt(&p)
		}
	}
	return p
}

func (p pacer) wait(ctx context.Context) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limit wait: %w", err)
		}
	}
	if p.latency <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.latency)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// orderGuard rejects entries that go back in time relative to the previous one.
type orderGuard struct {
	component string
	last      time.Time
	seen      bool
}

func (g *orderGuard) check(entry schema.LogEntry) error {
	if g.seen && entry.Timestamp.Before(g.last) {
		return errs.New(g.component, errs.CodeInvalid, errs.WithMessage(fmt.Sprintf(
			"entry at %s precedes previous entry at %s",
			entry.Timestamp.Format(time.RFC3339Nano), g.last.Format(time.RFC3339Nano))))
	}
	g.last = entry.Timestamp
	g.seen = true
	return nil
}
