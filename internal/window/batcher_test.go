package window

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pricepulse/internal/domain"
)

type recordingCommitter struct {
	mu      sync.Mutex
	batches [][]domain.Sample
}

func (c *recordingCommitter) AddBatch(samples []domain.Sample) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, samples)
}

func (c *recordingCommitter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func (c *recordingCommitter) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, b := range c.batches {
		n += len(b)
	}
	return n
}

func TestBatcher_FlushesOnTick(t *testing.T) {
	clock := clockwork.NewFakeClock()
	buf := NewBuffer(DefaultConfig())
	b := NewBatcher(buf, 100*time.Millisecond, clock)
	t.Cleanup(b.Stop)

	for i := range 5 {
		b.Add(sampleAt(base.Add(time.Duration(i)*time.Second), float64(i)))
	}
	assert.Equal(t, 5, b.Pending())
	assert.Zero(t, buf.Len())

	clock.Advance(100 * time.Millisecond)

	require.Eventually(t, func() bool { return buf.Len() == 5 }, time.Second, time.Millisecond)
	assert.Zero(t, b.Pending())
}

func TestBatcher_NoArrivalLostOrDuplicated(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingCommitter{}
	b := NewBatcher(rec, 100*time.Millisecond, clock)
	t.Cleanup(b.Stop)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range 250 {
				b.Add(sampleAt(base.Add(time.Duration(w*1000+i)*time.Millisecond), 1))
				if i%50 == 0 {
					clock.Advance(100 * time.Millisecond)
				}
			}
		}()
	}
	wg.Wait()
	b.Flush()

	assert.Eventually(t, func() bool { return rec.total() == 1000 }, time.Second, time.Millisecond)
}

func TestBatcher_ImmediateMode(t *testing.T) {
	rec := &recordingCommitter{}
	b := NewBatcher(rec, 0, clockwork.NewFakeClock())
	t.Cleanup(b.Stop)

	b.Add(sampleAt(base, 1))
	b.Add(sampleAt(base.Add(time.Second), 2))

	assert.Equal(t, 2, rec.count())
	assert.Zero(t, b.Pending())
}

func TestBatcher_ManualFlushAndClear(t *testing.T) {
	rec := &recordingCommitter{}
	b := NewBatcher(rec, time.Hour, clockwork.NewFakeClock())
	t.Cleanup(b.Stop)

	b.Add(sampleAt(base, 1))
	b.Flush()
	b.Flush()
	assert.Equal(t, 1, rec.count())

	b.Add(sampleAt(base, 2))
	b.Clear()
	b.Flush()
	assert.Equal(t, 1, rec.count())
}

func TestBatcher_StopCancelsTicker(t *testing.T) {
	clock := clockwork.NewFakeClock()
	rec := &recordingCommitter{}
	b := NewBatcher(rec, 100*time.Millisecond, clock)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))

	b.Stop()
	b.Stop()

	b.Add(sampleAt(base, 1))
	clock.Advance(time.Second)

	assert.Equal(t, 1, b.Pending())
	assert.Zero(t, rec.count())
}
