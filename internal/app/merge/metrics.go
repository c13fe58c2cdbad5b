package merge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/logmerge/internal/telemetry"
)

const meterName = "logmerge/merge"

// Metrics records merge instrumentation. A nil *Metrics records nothing.
type Metrics struct {
	emitted       metric.Int64Counter
	fetchDuration metric.Float64Histogram
	outstanding   metric.Int64UpDownCounter
	runs          metric.Int64Counter
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// NewMetrics creates the merge instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	emitted, err := meter.Int64Counter("logmerge.entries.emitted",
		metric.WithDescription("Entries delivered to the sink"),
		metric.WithUnit("{entry}"))
	if err != nil {
		return nil, fmt.Errorf("create emitted counter: %w", err)
	}
	fetchDuration, err := meter.Float64Histogram("logmerge.fetch.duration",
		metric.WithDescription("Time from issuing a source pull to consuming its result"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create fetch histogram: %w", err)
	}
	outstanding, err := meter.Int64UpDownCounter("logmerge.fetch.outstanding",
		metric.WithDescription("Source pulls issued but not yet consumed"),
		metric.WithUnit("{fetch}"))
	if err != nil {
		return nil, fmt.Errorf("create outstanding counter: %w", err)
	}
	runs, err := meter.Int64Counter("logmerge.runs",
		metric.WithDescription("Completed or aborted merge runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, fmt.Errorf("create runs counter: %w", err)
	}
	return &Metrics{
		emitted:       emitted,
		fetchDuration: fetchDuration,
		outstanding:   outstanding,
		runs:          runs,
	}, nil
}

// globalMetrics binds to the process-wide meter provider on first use.
func globalMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		m, err := NewMetrics(otel.Meter(meterName))
		if err == nil {
			defaultMetrics = m
		}
	})
	return defaultMetrics
}

func (m *Metrics) recordEmitted(ctx context.Context, mode Mode) {
	if m == nil {
		return
	}
	m.emitted.Add(ctx, 1, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrMergeMode.String(string(mode)),
	))
}

func (m *Metrics) recordFetch(ctx context.Context, mode Mode, source int, elapsed time.Duration, result string) {
	if m == nil {
		return
	}
	m.fetchDuration.Record(ctx, float64(elapsed)/float64(time.Millisecond), metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrMergeMode.String(string(mode)),
		telemetry.AttrSourceIndex.Int(source),
		telemetry.AttrResult.String(result),
	))
}

func (m *Metrics) adjustOutstanding(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.outstanding.Add(ctx, delta, metric.WithAttributes(
		telemetry.AttrEnvironment.String(telemetry.Environment()),
	))
}

func (m *Metrics) recordRun(ctx context.Context, mode Mode, result string) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		telemetry.AttrEnvironment.String(telemetry.Environment()),
		telemetry.AttrMergeMode.String(string(mode)),
		telemetry.AttrResult.String(result),
	}
	m.runs.Add(ctx, 1, metric.WithAttributes(attrs...))
}
