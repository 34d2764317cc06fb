package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/generator"
	"github.com/pscheid92/pricepulse/internal/logging"
	"github.com/pscheid92/pricepulse/internal/metrics"
)

const defaultMailboxSize = 16

// greeting is the first event on every connection.
var greeting = []byte(`{"type":"connected"}`)

// pinger is implemented by sinks whose transport needs keep-alives at a
// bounded interval regardless of the configured heartbeat.
type pinger interface {
	MaxHeartbeatInterval() time.Duration
}

// Source produces the samples the registry fans out.
type Source interface {
	Start()
	Stop()
	IsActive() bool
	Subscribe(l generator.Listener) (unsubscribe func())
}

type Config struct {
	MaxConnections    int
	HeartbeatInterval time.Duration // 0 disables heartbeats
	MailboxSize       int           // 0 means 16
}

// Registry tracks live connections and feeds them from a single Source subscription.
type Registry struct {
	cfg     Config
	source  Source
	clock   clockwork.Clock
	metrics *metrics.StreamMetrics

	mu          sync.Mutex
	conns       map[uint64]*connection
	reserved    int
	nextID      uint64
	initialized bool
	unsubscribe func()
}

type connection struct {
	id         uint64
	mailbox    chan []byte
	removed    chan struct{}
	removeOnce sync.Once
	openedAt   time.Time
	logger     *slog.Logger
}

// NewRegistry creates an idle registry. A nil m records into a private,
// unexported registry.
func NewRegistry(cfg Config, source Source, clock clockwork.Clock, m *metrics.StreamMetrics) *Registry {
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = defaultMailboxSize
	}
	if m == nil {
		m = metrics.NewStreamMetrics(prometheus.NewRegistry())
	}
	return &Registry{
		cfg:     cfg,
		source:  source,
		clock:   clock,
		metrics: m,
		conns:   make(map[uint64]*connection),
	}
}

// Initialize subscribes to the source and starts it. Repeated calls are no-ops.
func (r *Registry) Initialize() {
	r.mu.Lock()
	if r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = true
	r.unsubscribe = r.source.Subscribe(r.fanOut)
	r.mu.Unlock()

	r.source.Start()
	slog.Info("Broadcast registry initialized", "max_connections", r.cfg.MaxConnections)
}

// HandleConnection serves one subscriber until it goes away, is evicted or
// the registry shuts down. It returns domain.ErrAtCapacity without touching
// the sink when no slot is free, and domain.ErrShuttingDown when the registry
// is not initialized. The sink is closed before HandleConnection returns.
func (r *Registry) HandleConnection(ctx context.Context, sink domain.Sink) error {
	conn, err := r.reserve()
	if err != nil {
		return err
	}
	conn.logger = logging.WithConnection(conn.id)

	if err := sink.Open(); err != nil {
		r.release()
		return fmt.Errorf("failed to open sink: %w", err)
	}
	defer func() { _ = sink.Close() }()

	if err := sink.WriteEvent(greeting); err != nil {
		r.release()
		return fmt.Errorf("failed to write greeting: %w", err)
	}

	if err := r.register(conn); err != nil {
		return err
	}
	conn.logger.Debug("Connection registered", "connections", r.ConnectionCount())

	r.serve(ctx, conn, sink)
	return nil
}

// serve is the single writer loop of one connection.
func (r *Registry) serve(ctx context.Context, conn *connection, sink domain.Sink) {
	var heartbeat <-chan time.Time
	if interval := heartbeatInterval(r.cfg.HeartbeatInterval, sink); interval > 0 {
		ticker := r.clock.NewTicker(interval)
		defer ticker.Stop()
		heartbeat = ticker.Chan()
	}

	for {
		select {
		case <-ctx.Done():
			r.remove(conn, metrics.ReasonClientClosed)
			return
		case <-sink.Done():
			r.remove(conn, metrics.ReasonClientClosed)
			return
		case <-conn.removed:
			return
		case payload := <-conn.mailbox:
			if err := sink.WriteEvent(payload); err != nil {
				conn.logger.Warn("Write failed, dropping connection", "error", err)
				r.remove(conn, metrics.ReasonWriteError)
				return
			}
			r.metrics.FramesDelivered.Inc()
		case <-heartbeat:
			if err := sink.WriteHeartbeat(); err != nil {
				conn.logger.Warn("Heartbeat failed, dropping connection", "error", err)
				r.remove(conn, metrics.ReasonWriteError)
				return
			}
		}
	}
}

// heartbeatInterval is the configured interval, shortened to what the sink's
// transport requires. 0 means no heartbeats.
func heartbeatInterval(configured time.Duration, sink domain.Sink) time.Duration {
	p, ok := sink.(pinger)
	if !ok {
		return configured
	}
	required := p.MaxHeartbeatInterval()
	if configured <= 0 || configured > required {
		return required
	}
	return configured
}

func (r *Registry) reserve() (*connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized {
		return nil, domain.ErrShuttingDown
	}
	if len(r.conns)+r.reserved >= r.cfg.MaxConnections {
		r.metrics.ConnectionsRejected.WithLabelValues(metrics.ReasonCapacity).Inc()
		slog.Warn("Rejecting connection: at capacity", "max_connections", r.cfg.MaxConnections)
		return nil, domain.ErrAtCapacity
	}

	r.reserved++
	r.nextID++
	return &connection{
		id:       r.nextID,
		mailbox:  make(chan []byte, r.cfg.MailboxSize),
		removed:  make(chan struct{}),
		openedAt: r.clock.Now(),
	}, nil
}

func (r *Registry) release() {
	r.mu.Lock()
	r.reserved--
	r.mu.Unlock()
}

func (r *Registry) register(conn *connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.reserved--
	if !r.initialized {
		return domain.ErrShuttingDown
	}
	r.conns[conn.id] = conn
	r.metrics.ActiveConnections.Set(float64(len(r.conns)))
	return nil
}

// remove unregisters a connection. Only the first call per connection has an effect.
func (r *Registry) remove(conn *connection, reason string) {
	conn.removeOnce.Do(func() {
		r.mu.Lock()
		delete(r.conns, conn.id)
		remaining := len(r.conns)
		r.mu.Unlock()

		close(conn.removed)

		r.metrics.ActiveConnections.Set(float64(remaining))
		r.metrics.ConnectionsRemoved.WithLabelValues(reason).Inc()
		r.metrics.ConnectionDuration.Observe(r.clock.Since(conn.openedAt).Seconds())
		conn.logger.Debug("Connection removed", "reason", reason, "remaining", remaining)
	})
}

// fanOut runs on the source goroutine and must not block.
func (r *Registry) fanOut(sample domain.Sample) {
	payload, err := json.Marshal(sample)
	if err != nil {
		slog.Error("Failed to marshal sample", "error", err)
		return
	}

	var slow []*connection
	r.mu.Lock()
	for _, conn := range r.conns {
		select {
		case conn.mailbox <- payload:
		default:
			slow = append(slow, conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range slow {
		conn.logger.Warn("Disconnecting slow client")
		r.remove(conn, metrics.ReasonSlowConsumer)
	}
}

func (r *Registry) ConnectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// IsActive reports whether the registry is initialized and its source is emitting.
func (r *Registry) IsActive() bool {
	r.mu.Lock()
	initialized := r.initialized
	r.mu.Unlock()
	return initialized && r.source.IsActive()
}

// Shutdown ends every live connection, stops the source and resets the
// registry. It does not wait for connection handlers to return. Safe to call
// repeatedly.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	if !r.initialized {
		r.mu.Unlock()
		return
	}
	r.initialized = false
	unsubscribe := r.unsubscribe
	r.unsubscribe = nil
	conns := make([]*connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	for _, conn := range conns {
		r.remove(conn, metrics.ReasonShutdown)
	}
	r.source.Stop()

	slog.Info("Broadcast registry shut down", "closed_connections", len(conns))
}
