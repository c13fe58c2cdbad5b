// Package merge implements the k-way time-ordered merge of log sources into a sink.
//
// Two mergers share one ordering queue design. Sync pulls each source on demand, one pull per
// emitted entry. Pipelined keeps exactly one pull outstanding per non-drained source and re-issues
// it the moment the previous result is consumed, overlapping source latency. Both emit the same
// sequence for the same input; the queue, not fetch completion order, decides emission order.
package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/observability"
)

// Mode selects the merge execution strategy.
type Mode string

const (
	// ModeSync pulls sources synchronously, one at a time.
	ModeSync Mode = "sync"
	// ModePipelined keeps one asynchronous pull in flight per source.
	ModePipelined Mode = "pipelined"
)

// ParseMode normalises a textual mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeSync:
		return ModeSync, nil
	case ModePipelined, "async":
		return ModePipelined, nil
	default:
		return "", errs.New("merge", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown merge mode %q", raw)))
	}
}

// Merger drains every source into sink in non-decreasing timestamp order.
type Merger interface {
	Merge(ctx context.Context, sources []logsource.Source, sink logsink.Sink) (Stats, error)
}

// Stats summarises a merge run.
type Stats struct {
	Mode           Mode
	Sources        int
	Emitted        int
	Fetches        int
	MaxOutstanding int
	Elapsed        time.Duration
}

// EntriesPerSecond reports throughput over the run.
func (s Stats) EntriesPerSecond() float64 {
	if s.Elapsed <= 0 {
		return 0
	}
	return float64(s.Emitted) / s.Elapsed.Seconds()
}

type options struct {
	logger  observability.Logger
	metrics *Metrics
	clock   func() time.Time
	fields  []observability.Field
}

// Option configures a merger.
type Option func(*options)

// WithLogger overrides the global logger.
func WithLogger(logger observability.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithMetrics supplies instruments. Without it the global meter provider is used.
func WithMetrics(metrics *Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithClock overrides time.Now, primarily for testing.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithLogFields attaches fields, such as a run identifier, to every log line of the run.
func WithLogFields(fields ...observability.Field) Option {
	return func(o *options) {
		o.fields = append(o.fields, fields...)
	}
}

func buildOptions(opts []Option) options {
	cfg := options{
		logger:  nil,
		metrics: nil,
		clock:   time.Now,
		fields:  nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.logger == nil {
		cfg.logger = observability.Log()
	}
	if cfg.metrics == nil {
		cfg.metrics = globalMetrics()
	}
	return cfg
}

func (o options) logFields(extra ...observability.Field) []observability.Field {
	out := make([]observability.Field, 0, len(o.fields)+len(extra))
	out = append(out, o.fields...)
	return append(out, extra...)
}

// New returns the merger for mode.
func New(mode Mode, opts ...Option) (Merger, error) {
	switch mode {
	case ModeSync:
		return NewSync(opts...), nil
	case ModePipelined:
		return NewPipelined(opts...), nil
	default:
		return nil, errs.New("merge", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown merge mode %q", mode)))
	}
}

func validate(component string, sources []logsource.Source, sink logsink.Sink) error {
	if sink == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("sink required"))
	}
	for i, src := range sources {
		if src == nil {
			return errs.New(component, errs.CodeInvalid, errs.WithSource(i), errs.WithMessage("nil source"))
		}
	}
	return nil
}

// pullError classifies a failed pull as a cancellation or a source failure.
func pullError(ctx context.Context, component string, source int, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return errs.New(component, errs.CodeCanceled, errs.WithSource(source), errs.WithCause(ctxErr))
	}
	return errs.New(component, errs.CodeSource, errs.WithSource(source), errs.WithMessage("pull failed"), errs.WithCause(err))
}

func canceledError(component string, err error) error {
	return errs.New(component, errs.CodeCanceled, errs.WithCause(err))
}

func printError(component string, source int, err error) error {
	return errs.New(component, errs.CodeSink, errs.WithSource(source), errs.WithMessage("print failed"), errs.WithCause(err))
}

func doneError(component string, err error) error {
	return errs.New(component, errs.CodeSink, errs.WithMessage("done failed"), errs.WithCause(err))
}

func runResult(err error) string {
	if err == nil {
		return "completed"
	}
	if code, ok := errs.CodeOf(err); ok {
		return string(code)
	}
	return "error"
}
