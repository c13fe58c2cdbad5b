package logsource

import (
	"context"
	"fmt"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

// PopFunc performs one blocking pull.
type PopFunc func(ctx context.Context) (schema.LogEntry, bool, error)

// Result is the settled outcome of a pull.
type Result struct {
	Entry schema.LogEntry
	OK    bool
	Err   error
}

// Fetch is a single outstanding pull. It settles exactly once.
type Fetch struct {
	done   chan struct{}
	result Result
}

// Go runs pop on its own goroutine and returns the pending fetch. A panic inside pop settles the
// fetch with an error instead of crashing the process.
func Go(ctx context.Context, pop PopFunc) *Fetch {
	f := &Fetch{done: make(chan struct{})}
	go func() {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.result = Result{Err: fmt.Errorf("logsource: pull panicked: %v", r)}
			}
		}()
		entry, ok, err := pop(ctx)
		f.result = Result{Entry: entry, OK: ok && err == nil, Err: err}
	}()
	return f
}

// Resolved returns a fetch that is already settled with the given outcome.
func Resolved(entry schema.LogEntry, ok bool, err error) *Fetch {
	f := &Fetch{done: make(chan struct{}), result: Result{Entry: entry, OK: ok && err == nil, Err: err}}
	close(f.done)
	return f
}

// Done is closed once the fetch settles.
func (f *Fetch) Done() <-chan struct{} {
	return f.done
}

// Settled reports whether the fetch has resolved.
func (f *Fetch) Settled() bool {
	select {
	case <-f.done:
		return true
	default:
		return false
	}
}

// Await blocks until the fetch settles or ctx ends. A settled result always wins over a
// concurrently ended context.
func (f *Fetch) Await(ctx context.Context) (schema.LogEntry, bool, error) {
	select {
	case <-f.done:
		return f.result.Entry, f.result.OK, f.result.Err
	default:
	}
	select {
	case <-f.done:
		return f.result.Entry, f.result.OK, f.result.Err
	case <-ctx.Done():
		return schema.LogEntry{}, false, ctx.Err()
	}
}

// Wait blocks until the fetch settles, ignoring cancellation, and returns the result.
func (f *Fetch) Wait() Result {
	<-f.done
	return f.result
}
