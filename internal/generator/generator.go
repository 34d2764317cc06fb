// Package generator produces the simulated price signal.
//
// A Generator owns the single mutable price and emits one sample per tick to
// every subscribed listener. It knows nothing about transports.
package generator

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/metrics"
)

// DefaultSymbol is the identifier stamped on every sample.
const DefaultSymbol = "USD"

// initialSpread bounds the distance of the starting price from the midpoint.
const initialSpread = 50.0

// Rand is the randomness source. Float64 returns a value in [0, 1).
type Rand interface {
	Float64() float64
}

// Listener receives every generated sample. Listeners run on the generator
// goroutine and must not block.
type Listener func(domain.Sample)

type Config struct {
	Symbol           string
	TickInterval     time.Duration
	MinPrice         float64
	MaxPrice         float64
	ShockProbability float64
	ShockMagnitude   float64
	SmoothMagnitude  float64
}

// DefaultConfig returns the stock signal settings.
func DefaultConfig() Config {
	return Config{
		Symbol:           DefaultSymbol,
		TickInterval:     50 * time.Millisecond,
		MinPrice:         0,
		MaxPrice:         1000,
		ShockProbability: 0.05,
		ShockMagnitude:   50,
		SmoothMagnitude:  5,
	}
}

type Generator struct {
	cfg     Config
	clock   clockwork.Clock
	rng     Rand
	metrics *metrics.StreamMetrics

	// price is only touched by the constructor and the tick goroutine.
	price float64

	mu        sync.Mutex
	listeners map[uint64]Listener
	nextID    uint64
	active    bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a stopped generator. A nil rng uses a randomly seeded PCG source.
func New(cfg Config, clock clockwork.Clock, rng Rand, m *metrics.StreamMetrics) *Generator {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	g := &Generator{
		cfg:       cfg,
		clock:     clock,
		rng:       rng,
		metrics:   m,
		listeners: make(map[uint64]Listener),
	}
	mid := (cfg.MinPrice + cfg.MaxPrice) / 2
	g.price = g.bound(mid + (rng.Float64()*2-1)*initialSpread)
	return g
}

// Start begins emission. Starting a running generator is a no-op.
func (g *Generator) Start() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.active {
		slog.Debug("Generator already running")
		return
	}

	g.active = true
	g.stopCh = make(chan struct{})
	g.doneCh = make(chan struct{})
	go g.run(g.stopCh, g.doneCh)

	slog.Info("Generator started", "symbol", g.cfg.Symbol, "tick_interval", g.cfg.TickInterval)
}

// Stop halts emission and waits for the tick goroutine to exit. Stopping a
// stopped generator is a no-op. Must not be called from a listener.
func (g *Generator) Stop() {
	g.mu.Lock()
	if !g.active {
		g.mu.Unlock()
		return
	}
	g.active = false
	close(g.stopCh)
	done := g.doneCh
	g.mu.Unlock()

	<-done
	slog.Info("Generator stopped")
}

func (g *Generator) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Subscribe registers a listener and returns a function that removes exactly
// that listener. The returned function is idempotent.
func (g *Generator) Subscribe(l Listener) (unsubscribe func()) {
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = l
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		})
	}
}

// ListenerCount returns the number of subscribed listeners.
func (g *Generator) ListenerCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.listeners)
}

func (g *Generator) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := g.clock.NewTicker(g.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			g.tick()
		}
	}
}

func (g *Generator) tick() {
	sample, ok := g.next()
	if !ok {
		return
	}
	if g.metrics != nil {
		g.metrics.SamplesGenerated.Inc()
	}

	g.mu.Lock()
	listeners := make([]Listener, 0, len(g.listeners))
	for _, l := range g.listeners {
		listeners = append(listeners, l)
	}
	g.mu.Unlock()

	for _, l := range listeners {
		g.deliver(l, sample)
	}
}

// next advances the price by one step. A fault skips the tick.
func (g *Generator) next() (sample domain.Sample, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Sample generation failed, skipping tick", "panic", fmt.Sprint(r))
			if g.metrics != nil {
				g.metrics.GenerationErrors.Inc()
			}
			ok = false
		}
	}()

	magnitude := g.cfg.SmoothMagnitude
	if g.rng.Float64() < g.cfg.ShockProbability {
		magnitude = g.cfg.ShockMagnitude
	}
	delta := (g.rng.Float64()*2 - 1) * magnitude

	g.price = g.bound(g.price + delta)
	return domain.NewSample(g.cfg.Symbol, g.price, g.clock.Now()), true
}

func (g *Generator) deliver(l Listener, s domain.Sample) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Listener panicked", "panic", fmt.Sprint(r))
			if g.metrics != nil {
				g.metrics.ListenerPanics.Inc()
			}
		}
	}()
	l(s)
}

func (g *Generator) bound(p float64) float64 {
	p = math.Max(g.cfg.MinPrice, math.Min(g.cfg.MaxPrice, p))
	return math.Round(p*100) / 100
}
