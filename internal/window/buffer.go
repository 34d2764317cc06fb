// Package window keeps a time-bounded, ordered view of received samples.
//
// The cutoff is always derived from the newest arrival's timestamp, never
// from the wall clock, so late or replayed streams behave the same.
package window

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/pscheid92/pricepulse/internal/domain"
)

type Config struct {
	Size          time.Duration
	MaxPoints     int
	FlushInterval time.Duration // <= 0 commits every sample immediately
}

func DefaultConfig() Config {
	return Config{
		Size:          60 * time.Second,
		MaxPoints:     1000,
		FlushInterval: 100 * time.Millisecond,
	}
}

// Buffer is the sole owner of the live point collection. Readers get copies.
type Buffer struct {
	size      time.Duration
	maxPoints int

	mu     sync.RWMutex
	points []domain.DisplayPoint
}

func NewBuffer(cfg Config) *Buffer {
	return &Buffer{size: cfg.Size, maxPoints: cfg.MaxPoints}
}

// AddDataPoint commits a single sample.
func (b *Buffer) AddDataPoint(s domain.Sample) {
	b.AddBatch([]domain.Sample{s})
}

// AddBatch commits samples in arrival order. The last valid sample of the
// batch is the reference for the window cutoff. Samples with an unparseable
// timestamp are dropped.
func (b *Buffer) AddBatch(samples []domain.Sample) {
	incoming := make([]domain.DisplayPoint, 0, len(samples))
	for _, s := range samples {
		p, err := domain.NewDisplayPoint(s)
		if err != nil {
			slog.Warn("Dropping sample with invalid timestamp", "timestamp", s.Timestamp, "error", err)
			continue
		}
		incoming = append(incoming, p)
	}
	if len(incoming) == 0 {
		return
	}
	cutoff := incoming[len(incoming)-1].At.Add(-b.size)

	b.mu.Lock()
	defer b.mu.Unlock()

	next := make([]domain.DisplayPoint, 0, len(b.points)+len(incoming))
	for _, p := range slices.Concat(b.points, incoming) {
		if p.At.After(cutoff) {
			next = append(next, p)
		}
	}
	slices.SortStableFunc(next, func(a, c domain.DisplayPoint) int {
		return a.At.Compare(c.At)
	})
	if b.maxPoints > 0 && len(next) > b.maxPoints {
		next = slices.Clone(next[len(next)-b.maxPoints:])
	}
	b.points = next
}

func (b *Buffer) Clear() {
	b.mu.Lock()
	b.points = nil
	b.mu.Unlock()
}

// Snapshot returns a copy of the current points, oldest first.
func (b *Buffer) Snapshot() []domain.DisplayPoint {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.points)
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.points)
}

// Latest returns the newest point by timestamp.
func (b *Buffer) Latest() (domain.DisplayPoint, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.points) == 0 {
		return domain.DisplayPoint{}, false
	}
	return b.points[len(b.points)-1], true
}
