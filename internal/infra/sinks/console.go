// Package sinks provides the output side of a merge: terminal writers and the wrappers that
// filter, pace, tee and instrument them.
package sinks

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

// ConsoleStats summarises what a console sink printed.
type ConsoleStats struct {
	Printed int
	Elapsed time.Duration
}

// PerSecond reports print throughput.
func (s ConsoleStats) PerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Printed) / s.Elapsed.Seconds()
}

// Console writes one line per entry and a summary block on Done.
type Console struct {
	out        io.Writer
	checkOrder bool
	clock      func() time.Time

	mu      sync.Mutex
	start   time.Time
	printed int
	last    time.Time
	stats   ConsoleStats
}

// ConsoleOption configures a console sink.
type ConsoleOption func(*Console)

// WithOrderCheck makes Print fail when an entry precedes the previous one.
func WithOrderCheck(enabled bool) ConsoleOption {
	return func(c *Console) {
		c.checkOrder = enabled
	}
}

// WithConsoleClock overrides time.Now.
func WithConsoleClock(clock func() time.Time) ConsoleOption {
	return func(c *Console) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// NewConsole writes to out. Throughput is measured from construction.
func NewConsole(out io.Writer, opts ...ConsoleOption) *Console {
	c := &Console{out: out, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.start = c.clock()
	return c
}

// Print writes "<timestamp> [source] message".
func (c *Console) Print(_ context.Context, entry schema.LogEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.checkOrder && c.printed > 0 && entry.Timestamp.Before(c.last) {
		return errs.New("sink/console", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf(
			"entry at %s printed after %s", entry.Timestamp.Format(time.RFC3339Nano), c.last.Format(time.RFC3339Nano))))
	}

	var b strings.Builder
	b.WriteString(entry.Timestamp.UTC().Format(time.RFC3339Nano))
	if src, ok := entry.Field("source"); ok && src != "" {
		b.WriteString(" [")
		b.WriteString(src)
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	if _, err := io.WriteString(c.out, b.String()); err != nil {
		return fmt.Errorf("console write: %w", err)
	}
	c.printed++
	c.last = entry.Timestamp
	return nil
}

// Done writes the summary block.
func (c *Console) Done(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats = ConsoleStats{Printed: c.printed, Elapsed: c.clock().Sub(c.start)}
	_, err := fmt.Fprintf(c.out,
		"\n***********************************\n"+
			"Logs printed:\t\t %d\n"+
			"Time taken (s):\t\t %.3f\n"+
			"Logs/s:\t\t\t %.1f\n"+
			"***********************************\n",
		c.stats.Printed, c.stats.Elapsed.Seconds(), c.stats.PerSecond())
	if err != nil {
		return fmt.Errorf("console summary: %w", err)
	}
	return nil
}

// Stats returns the summary recorded by Done.
func (c *Console) Stats() ConsoleStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

var _ logsink.Sink = (*Console)(nil)
