package generator

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/metrics"
)

// seqRand replays a fixed sequence of values, cycling when exhausted.
type seqRand struct {
	mu   sync.Mutex
	vals []float64
	i    int
}

func (r *seqRand) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	v := r.vals[r.i%len(r.vals)]
	r.i++
	return v
}

// panicRand panics after the constructor consumed its first value.
type panicRand struct{ calls int }

func (r *panicRand) Float64() float64 {
	r.calls++
	if r.calls > 1 {
		panic("entropy exhausted")
	}
	return 0.5
}

func newTestGenerator(t *testing.T, rng Rand) (*Generator, *clockwork.FakeClock, *metrics.StreamMetrics) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))
	m := metrics.NewStreamMetrics(prometheus.NewRegistry())
	g := New(DefaultConfig(), clock, rng, m)
	t.Cleanup(g.Stop)
	return g, clock, m
}

// tick advances the fake clock by one interval once the ticker is armed.
func tick(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(50 * time.Millisecond)
}

func receive(t *testing.T, ch <-chan domain.Sample) domain.Sample {
	t.Helper()
	select {
	case s := <-ch:
		return s
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for sample")
		return domain.Sample{}
	}
}

func TestNew_InitialPriceNearMidpoint(t *testing.T) {
	for _, v := range []float64{0, 0.25, 0.5, 0.999} {
		g, _, _ := newTestGenerator(t, &seqRand{vals: []float64{v}})
		assert.GreaterOrEqual(t, g.price, 450.0)
		assert.LessOrEqual(t, g.price, 550.0)
	}
}

func TestGenerator_SmoothStep(t *testing.T) {
	// initial: 500 + (0.5*2-1)*50 = 500; then no shock (0.9 >= 0.05), delta = (0.75*2-1)*5 = 2.5
	g, clock, m := newTestGenerator(t, &seqRand{vals: []float64{0.5, 0.9, 0.75}})

	samples := make(chan domain.Sample, 1)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()

	tick(t, clock)
	s := receive(t, samples)

	assert.Equal(t, "USD", s.Symbol)
	assert.Equal(t, 502.5, s.Price)
	assert.Equal(t, "2024-01-02T12:00:00.050Z", s.Timestamp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SamplesGenerated))
}

func TestGenerator_ShockStep(t *testing.T) {
	// initial 500; shock (0.01 < 0.05), delta = (0*2-1)*50 = -50
	g, clock, _ := newTestGenerator(t, &seqRand{vals: []float64{0.5, 0.01, 0}})

	samples := make(chan domain.Sample, 1)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()

	tick(t, clock)
	assert.Equal(t, 450.0, receive(t, samples).Price)
}

func TestGenerator_ClampsToBounds(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := DefaultConfig()
	cfg.MaxPrice = 505
	// initial (0+505)/2 + (0.99*2-1)*50 = 301.5; every step a +49 shock
	g := New(cfg, clock, &seqRand{vals: []float64{0.99, 0.0}}, nil)
	t.Cleanup(g.Stop)

	samples := make(chan domain.Sample, 16)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()

	var last domain.Sample
	for range 8 {
		tick(t, clock)
		last = receive(t, samples)
		assert.LessOrEqual(t, last.Price, 505.0)
	}
	assert.Equal(t, 505.0, last.Price)
}

func TestGenerator_PriceInvariant(t *testing.T) {
	g, clock, _ := newTestGenerator(t, nil)

	samples := make(chan domain.Sample, 256)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()

	for range 200 {
		tick(t, clock)
		s := receive(t, samples)
		assert.GreaterOrEqual(t, s.Price, 0.0)
		assert.LessOrEqual(t, s.Price, 1000.0)
		cents := s.Price * 100
		assert.InDelta(t, math.Round(cents), cents, 1e-6, "price %v has more than 2 decimals", s.Price)
	}
}

func TestGenerator_StartIsIdempotent(t *testing.T) {
	g, clock, _ := newTestGenerator(t, nil)

	samples := make(chan domain.Sample, 4)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()
	g.Start()
	assert.True(t, g.IsActive())

	tick(t, clock)
	receive(t, samples)

	select {
	case <-samples:
		t.Fatal("second Start must not create a second emitter")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGenerator_StopHaltsEmission(t *testing.T) {
	g, clock, _ := newTestGenerator(t, nil)

	samples := make(chan domain.Sample, 4)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()
	tick(t, clock)
	receive(t, samples)

	g.Stop()
	g.Stop()
	assert.False(t, g.IsActive())

	clock.Advance(time.Second)
	select {
	case <-samples:
		t.Fatal("stopped generator emitted a sample")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestGenerator_RestartAfterStop(t *testing.T) {
	g, clock, _ := newTestGenerator(t, nil)

	samples := make(chan domain.Sample, 4)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()
	g.Stop()
	g.Start()

	tick(t, clock)
	receive(t, samples)
}

func TestGenerator_UnsubscribeRemovesOnlyThatListener(t *testing.T) {
	g, clock, _ := newTestGenerator(t, nil)

	a := make(chan domain.Sample, 4)
	b := make(chan domain.Sample, 4)
	unsubA := g.Subscribe(func(s domain.Sample) { a <- s })
	g.Subscribe(func(s domain.Sample) { b <- s })
	require.Equal(t, 2, g.ListenerCount())

	unsubA()
	unsubA()
	assert.Equal(t, 1, g.ListenerCount())

	g.Start()
	tick(t, clock)
	receive(t, b)
	assert.Empty(t, a)
}

func TestGenerator_PanickingListenerIsolated(t *testing.T) {
	g, clock, m := newTestGenerator(t, nil)

	good := make(chan domain.Sample, 4)
	g.Subscribe(func(domain.Sample) { panic("boom") })
	g.Subscribe(func(s domain.Sample) { good <- s })
	g.Start()

	tick(t, clock)
	receive(t, good)
	tick(t, clock)
	receive(t, good)

	assert.True(t, g.IsActive())
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.ListenerPanics) == 2
	}, time.Second, time.Millisecond)
}

func TestGenerator_GenerationFaultSkipsTick(t *testing.T) {
	g, clock, m := newTestGenerator(t, &panicRand{})

	samples := make(chan domain.Sample, 4)
	g.Subscribe(func(s domain.Sample) { samples <- s })
	g.Start()

	tick(t, clock)
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.GenerationErrors) == 1
	}, time.Second, time.Millisecond)

	assert.Empty(t, samples)
	assert.True(t, g.IsActive())
	assert.Equal(t, 0.0, testutil.ToFloat64(m.SamplesGenerated))
}
