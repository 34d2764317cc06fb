package window

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pricepulse/internal/domain"
)

// Committer receives flushed batches.
type Committer interface {
	AddBatch(samples []domain.Sample)
}

// Batcher decouples arrival rate from commit rate. Arrivals are collected in
// a pending list that a periodic flush swaps out and commits in one batch.
type Batcher struct {
	target   Committer
	interval time.Duration

	mu      sync.Mutex
	pending []domain.Sample

	stopCh   chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewBatcher starts the flush ticker unless interval <= 0, in which case
// every Add commits synchronously.
func NewBatcher(target Committer, interval time.Duration, clock clockwork.Clock) *Batcher {
	b := &Batcher{
		target:   target,
		interval: interval,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	if interval > 0 {
		go b.run(clock.NewTicker(interval))
	} else {
		close(b.done)
	}
	return b
}

func (b *Batcher) run(ticker clockwork.Ticker) {
	defer close(b.done)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.Chan():
			b.Flush()
		}
	}
}

func (b *Batcher) Add(s domain.Sample) {
	if b.interval <= 0 {
		b.target.AddBatch([]domain.Sample{s})
		return
	}
	b.mu.Lock()
	b.pending = append(b.pending, s)
	b.mu.Unlock()
}

// Flush commits all pending arrivals now.
func (b *Batcher) Flush() {
	b.mu.Lock()
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	if len(batch) > 0 {
		b.target.AddBatch(batch)
	}
}

// Clear drops pending arrivals without committing them.
func (b *Batcher) Clear() {
	b.mu.Lock()
	b.pending = nil
	b.mu.Unlock()
}

func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Stop cancels the flush ticker. Pending arrivals stay pending.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	<-b.done
}
