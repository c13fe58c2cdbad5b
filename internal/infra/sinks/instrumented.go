package sinks

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/logmerge/internal/domain/logsink"
	"github.com/coachpo/logmerge/internal/domain/schema"
	"github.com/coachpo/logmerge/internal/telemetry"
)

// Instrumented records print latency and outcomes for the wrapped sink.
type Instrumented struct {
	next  logsink.Sink
	kind  string
	clock func() time.Time

	duration metric.Float64Histogram
	calls    metric.Int64Counter
}

// NewInstrumented wraps next, labelling measurements with kind. A nil meter uses the global
// provider.
func NewInstrumented(next logsink.Sink, kind string, meter metric.Meter) *Instrumented {
	if meter == nil {
		meter = otel.Meter("logmerge/sinks")
	}
	s := &Instrumented{next: next, kind: kind, clock: time.Now}
	s.duration, _ = meter.Float64Histogram("logmerge.sink.print.duration",
		metric.WithDescription("Latency of sink print calls"),
		metric.WithUnit("ms"))
	s.calls, _ = meter.Int64Counter("logmerge.sink.calls",
		metric.WithDescription("Sink print and done calls by outcome"),
		metric.WithUnit("{call}"))
	return s
}

// Print forwards and measures.
func (s *Instrumented) Print(ctx context.Context, entry schema.LogEntry) error {
	start := s.clock()
	err := s.next.Print(ctx, entry)
	attrs := telemetry.SinkAttributes(s.kind, "print", outcome(err))
	if s.duration != nil {
		s.duration.Record(ctx, float64(s.clock().Sub(start))/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}
	if s.calls != nil {
		s.calls.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	return err
}

// Done forwards and counts.
func (s *Instrumented) Done(ctx context.Context) error {
	err := s.next.Done(ctx)
	if s.calls != nil {
		s.calls.Add(ctx, 1, metric.WithAttributes(telemetry.SinkAttributes(s.kind, "done", outcome(err))...))
	}
	return err
}

// Close forwards to next when it holds resources.
func (s *Instrumented) Close() error { return closeSink(s.next) }

func outcome(err error) string {
	if err != nil {
		return telemetry.ResultError
	}
	return "ok"
}

var _ logsink.Sink = (*Instrumented)(nil)
