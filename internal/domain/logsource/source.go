// Package logsource defines the boundary between the merge core and concrete log sources.
package logsource

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/coachpo/logmerge/internal/domain/schema"
)

// ErrDrained is returned by sources that are pulled again after reporting end of stream.
var ErrDrained = errors.New("logsource: source drained")

// Source yields entries in non-decreasing timestamp order.
//
// Pop blocks until the next entry is available. It returns ok=false once the stream has ended,
// after which Drained reports true. PopAsync starts the same pull without blocking the caller.
// Callers must not issue a pull while another pull on the same source is unresolved, and must
// not pull a drained source.
type Source interface {
	Pop(ctx context.Context) (entry schema.LogEntry, ok bool, err error)
	PopAsync(ctx context.Context) *Fetch
	Drained() bool
}

// Named is implemented by sources that can describe themselves in logs.
type Named interface {
	Name() string
}

// Closer is implemented by sources holding resources such as files or connections.
type Closer interface {
	Close() error
}

// NameOf returns the source's name when it has one.
func NameOf(src Source) string {
	if named, ok := src.(Named); ok {
		return named.Name()
	}
	return ""
}

// DrainFlag records the drained state of a source. It is safe to read from any goroutine.
type DrainFlag struct {
	drained atomic.Bool
}

// Drained reports whether end of stream has been returned.
func (d *DrainFlag) Drained() bool {
	return d.drained.Load()
}

// MarkDrained flips the flag. It is idempotent.
func (d *DrainFlag) MarkDrained() {
	d.drained.Store(true)
}
