// Package logsink defines the boundary between the merge core and output sinks.
package logsink

import (
	"context"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

// Sink receives entries in final chronological order.
//
// Print is called once per emitted entry, synchronously, before the merger proceeds. Done is
// called exactly once after the last Print when the merge completes; it is not called when the
// merge aborts.
type Sink interface {
	Print(ctx context.Context, entry schema.LogEntry) error
	Done(ctx context.Context) error
}

// Closer is implemented by sinks holding resources that must be released whether or not the
// merge completed.
type Closer interface {
	Close() error
}

// Funcs adapts a pair of functions to the Sink interface. Nil functions are no-ops.
type Funcs struct {
	PrintFunc func(ctx context.Context, entry schema.LogEntry) error
	DoneFunc  func(ctx context.Context) error
}

// Print forwards to PrintFunc.
func (f Funcs) Print(ctx context.Context, entry schema.LogEntry) error {
	if f.PrintFunc == nil {
		return nil
	}
	return f.PrintFunc(ctx, entry)
}

// Done forwards to DoneFunc.
func (f Funcs) Done(ctx context.Context) error {
	if f.DoneFunc == nil {
		return nil
	}
	return f.DoneFunc(ctx)
}
