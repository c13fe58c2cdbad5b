package sources

import (
	"context"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coachpo/logmerge/internal/domain/logsource"
	"github.com/coachpo/logmerge/internal/domain/schema"
)

const (
	syntheticMaxBacklogDays = 40
	syntheticMaxStepHours   = 10
)

var syntheticWords = []string{
	"request", "handled", "cache", "miss", "retry", "upstream", "timeout", "user",
	"session", "opened", "closed", "queue", "flushed", "disk", "latency", "spike",
	"worker", "started", "stopped", "payment", "accepted", "rejected", "index", "rebuilt",
}

// Synthetic generates a finite stream of random entries with non-decreasing timestamps.
//
// The stream starts up to forty days in the past and advances by up to ten hours per entry, so
// several synthetic sources interleave heavily when merged.
type Synthetic struct {
	logsource.DrainFlag

	name  string
	pacer pacer

	mu        sync.Mutex
	rng       *rand.Rand
	remaining int
	last      time.Time
}

// NewSynthetic builds a generator producing count entries. The same seed and now yield the same
// timestamps and messages.
func NewSynthetic(name string, count int, seed int64, now time.Time, opts ...Option) *Synthetic {
	rng := rand.New(rand.NewPCG(uint64(seed), uint64(seed)^0x9e3779b97f4a7c15))
	backlog := time.Duration(rng.IntN(syntheticMaxBacklogDays+1)) * 24 * time.Hour
	return &Synthetic{
		name:      name,
		pacer:     newPacer(opts),
		rng:       rng,
		remaining: max(count, 0),
		last:      now.Add(-backlog),
	}
}

// Name implements logsource.Named.
func (s *Synthetic) Name() string { return s.name }

// Pop generates the next entry.
func (s *Synthetic) Pop(ctx context.Context) (schema.LogEntry, bool, error) {
	if s.Drained() {
		return schema.LogEntry{}, false, logsource.ErrDrained
	}
	if err := s.pacer.wait(ctx); err != nil {
		return schema.LogEntry{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.remaining == 0 {
		s.MarkDrained()
		return schema.LogEntry{}, false, nil
	}
	s.remaining--

	step := time.Duration(s.rng.Int64N(int64(syntheticMaxStepHours * time.Hour)))
	s.last = s.last.Add(step)
	entry := schema.NewLogEntry(s.last, s.message(), map[string]string{
		"source": s.name,
		"id":     uuid.NewString(),
	})
	return entry, true, nil
}

// PopAsync implements logsource.Source.
func (s *Synthetic) PopAsync(ctx context.Context) *logsource.Fetch {
	return logsource.Go(ctx, s.Pop)
}

func (s *Synthetic) message() string {
	n := 3 + s.rng.IntN(4)
	words := make([]string, n)
	for i := range words {
		words[i] = syntheticWords[s.rng.IntN(len(syntheticWords))]
	}
	return strings.Join(words, " ")
}

var _ logsource.Source = (*Synthetic)(nil)
