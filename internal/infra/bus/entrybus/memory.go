package entrybus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/logmerge/errs"
	"github.com/coachpo/logmerge/internal/domain/schema"
	"github.com/coachpo/logmerge/internal/observability"
	"github.com/coachpo/logmerge/internal/telemetry"
)

// MemoryBus is an in-memory implementation of Bus.
//
// A subscriber whose buffer is full loses its oldest undelivered entry rather than stalling the
// publisher.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64

	publishedCounter metric.Int64Counter
	subscriberGauge  metric.Int64UpDownCounter
	droppedCounter   metric.Int64Counter
	fanoutHistogram  metric.Int64Histogram
	publishDuration  metric.Float64Histogram
}

type subscriber struct {
	ctx     context.Context
	cancel  context.CancelFunc
	ch      chan schema.LogEntry
	once    sync.Once
	dropped atomic.Int64
}

// NewMemoryBus constructs a memory-backed entry bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[SubscriptionID]*subscriber)

	meter := otel.Meter("logmerge/entrybus")
	bus.publishedCounter, _ = meter.Int64Counter("logmerge.bus.entries.published",
		metric.WithDescription("Entries published to the bus"),
		metric.WithUnit("{entry}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("logmerge.bus.subscribers",
		metric.WithDescription("Active bus subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.droppedCounter, _ = meter.Int64Counter("logmerge.bus.entries.dropped",
		metric.WithDescription("Entries dropped because a subscriber fell behind"),
		metric.WithUnit("{entry}"))
	bus.fanoutHistogram, _ = meter.Int64Histogram("logmerge.bus.fanout.size",
		metric.WithDescription("Subscribers per published entry"),
		metric.WithUnit("1"))
	bus.publishDuration, _ = meter.Float64Histogram("logmerge.bus.publish.duration",
		metric.WithDescription("Latency of bus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fans the entry out to every current subscriber.
func (b *MemoryBus) Publish(ctx context.Context, entry schema.LogEntry) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.ctx.Err() != nil {
		return errs.New("entrybus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	start := time.Now()
	result := "success"
	defer func() {
		if b.publishDuration != nil {
			b.publishDuration.Record(ctx, float64(time.Since(start))/float64(time.Millisecond), metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment()),
				telemetry.AttrResult.String(result)))
		}
	}()

	b.mu.RLock()
	subscribers := make([]*subscriber, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		subscribers = append(subscribers, sub)
	}
	b.mu.RUnlock()

	if b.fanoutHistogram != nil {
		b.fanoutHistogram.Record(ctx, int64(len(subscribers)), metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	if len(subscribers) == 0 {
		result = "no_subscribers"
		return nil
	}

	if err := b.dispatch(ctx, subscribers, entry); err != nil {
		result = "dispatch_failed"
		return err
	}
	if b.publishedCounter != nil {
		b.publishedCounter.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
	return nil
}

// Subscribe registers a subscriber. The channel closes when ctx ends, on Unsubscribe, or when the
// bus closes.
func (b *MemoryBus) Subscribe(ctx context.Context) (SubscriptionID, <-chan schema.LogEntry, error) {
	if b.ctx.Err() != nil {
		return "", nil, errs.New("entrybus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan schema.LogEntry, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if b.ctx.Err() != nil {
		b.mu.Unlock()
		cancel()
		return "", nil, errs.New("entrybus/subscribe", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	b.subscribers[id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}

	go b.observe(id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes its channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.RLock()
	sub, ok := b.subscribers[id]
	b.mu.RUnlock()
	if ok {
		sub.cancel()
	}
}

// Subscribers reports the number of active subscriptions.
func (b *MemoryBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the bus and closes every subscription channel.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		removed := len(b.subscribers)
		for id, sub := range b.subscribers {
			sub.close()
			delete(b.subscribers, id)
		}
		b.mu.Unlock()
		if removed > 0 && b.subscriberGauge != nil {
			b.subscriberGauge.Add(context.Background(), -int64(removed), metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment())))
		}
	})
}

// observe removes the subscription once its context ends.
func (b *MemoryBus) observe(id SubscriptionID, sub *subscriber) {
	select {
	case <-sub.ctx.Done():
	case <-b.ctx.Done():
	}
	b.mu.Lock()
	removed := false
	if stored, ok := b.subscribers[id]; ok && stored == sub {
		delete(b.subscribers, id)
		removed = true
	}
	sub.close()
	b.mu.Unlock()
	if removed && b.subscriberGauge != nil {
		b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(
			telemetry.AttrEnvironment.String(telemetry.Environment())))
	}
}

func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, entry schema.LogEntry) error {
	if sub.ctx.Err() != nil {
		return nil
	}
	// Closing happens under the bus lock; holding the read lock keeps the channel open while sending.
	b.mu.RLock()
	defer b.mu.RUnlock()
	if sub.ctx.Err() != nil || b.ctx.Err() != nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("deliver context: %w", ctx.Err())
	case sub.ch <- entry:
		return nil
	default:
	}

	select {
	case <-sub.ch:
		sub.dropped.Add(1)
		if b.droppedCounter != nil {
			b.droppedCounter.Add(ctx, 1, metric.WithAttributes(
				telemetry.AttrEnvironment.String(telemetry.Environment())))
		}
		observability.Log().Debug("entrybus: subscriber buffer full; dropped oldest entry",
			observability.F("dropped_total", sub.dropped.Load()))
	default:
	}
	select {
	case sub.ch <- entry:
		return nil
	default:
		return errs.New("entrybus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
	}
}

func (b *MemoryBus) dispatch(ctx context.Context, subs []*subscriber, entry schema.LogEntry) error {
	workerLimit := min(b.cfg.FanoutWorkers, len(subs))
	p := concpool.New().WithErrors().WithMaxGoroutines(max(workerLimit, 1))
	for _, sub := range subs {
		clone := entry.Clone()
		p.Go(func() error {
			return b.deliver(ctx, sub, clone)
		})
	}
	if err := p.Wait(); err != nil {
		return fmt.Errorf("entrybus/dispatch: %w", err)
	}
	return nil
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		close(s.ch)
	})
}

var _ Bus = (*MemoryBus)(nil)
