// Package stream consumes a server-pushed sample stream and keeps it alive.
//
// A Client is an actor: one goroutine owns the State, the current transport
// and the reconnect timer. Transitions go through the pure Reduce function;
// the driver runs the connect effect whenever the retry count or the manual
// close flag changes. Messages bypass the state machine and are handed to the
// data callback on the transport's reader goroutine.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/retry"
)

type Config struct {
	URL                  string
	MaxReconnectAttempts int
	InitialDelay         time.Duration
	BackoffMultiplier    float64
}

func DefaultConfig(url string) Config {
	return Config{
		URL:                  url,
		MaxReconnectAttempts: 5,
		InitialDelay:         time.Second,
		BackoffMultiplier:    2,
	}
}

// Conn is an open transport. Next blocks until the next message payload or
// a transport failure.
type Conn interface {
	Next() ([]byte, error)
	Close() error
}

// Dialer opens transports. Cancelling ctx must unblock a pending Next.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// DataFunc receives every decoded sample.
type DataFunc func(domain.Sample)

type command int

const (
	cmdDisconnect command = iota
	cmdReconnect
)

type transportEvent struct {
	gen uint64
	err error // nil means opened
}

type Client struct {
	cfg    Config
	dialer Dialer
	onData DataFunc
	clock  clockwork.Clock

	cmds   chan command
	events chan transportEvent

	// owned by the run goroutine
	state     State
	gen       uint64
	cancelTr  context.CancelFunc
	timer     clockwork.Timer
	transport sync.WaitGroup

	liveGen atomic.Uint64

	mu          sync.RWMutex
	snapshot    State
	subscribers []chan State

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

func New(cfg Config, dialer Dialer, onData DataFunc, clock clockwork.Clock) *Client {
	return &Client{
		cfg:      cfg,
		dialer:   dialer,
		onData:   onData,
		clock:    clock,
		cmds:     make(chan command),
		events:   make(chan transportEvent, 4),
		state:    InitialState(),
		snapshot: InitialState(),
		done:     make(chan struct{}),
	}
}

// Start launches the driver and opens the first transport. Later calls are no-ops.
func (c *Client) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		ctx, c.cancel = context.WithCancel(ctx)
		c.started.Store(true)
		go c.run(ctx)
	})
}

// Disconnect closes the transport and stops retrying until Reconnect.
func (c *Client) Disconnect() { c.send(cmdDisconnect) }

// Reconnect clears a manual close or an exhausted retry budget.
func (c *Client) Reconnect() { c.send(cmdReconnect) }

// send is a no-op before Start, since no driver reads cmds.
func (c *Client) send(cmd command) {
	if !c.started.Load() {
		return
	}
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Client) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// Subscribe returns a channel carrying state changes. Slow readers only see
// the latest state.
func (c *Client) Subscribe() <-chan State {
	ch := make(chan State, 1)
	c.mu.Lock()
	c.subscribers = append(c.subscribers, ch)
	c.mu.Unlock()
	return ch
}

// Close tears down the transport and stops the driver. Safe to call repeatedly.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.startOnce.Do(func() { close(c.done) })
		if c.cancel != nil {
			c.cancel()
		}
	})
	<-c.done
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer c.transport.Wait()
	defer c.teardown()

	c.effect()

	for {
		var timerC <-chan time.Time
		if c.timer != nil {
			timerC = c.timer.Chan()
		}

		select {
		case <-ctx.Done():
			return
		case cmd := <-c.cmds:
			switch cmd {
			case cmdDisconnect:
				c.teardown()
				c.dispatch(ManualDisconnect{})
			case cmdReconnect:
				c.dispatch(ManualReconnect{})
			}
		case ev := <-c.events:
			if ev.gen != c.gen {
				continue
			}
			if ev.err == nil {
				c.dispatch(ConnectionEstablished{})
				continue
			}
			slog.Warn("Stream transport failed", "url", c.cfg.URL, "retry_count", c.state.RetryCount, "error", ev.err)
			c.closeTransport()
			c.dispatch(ConnectionError{Message: MsgStreamInterrupted})
			c.scheduleRetry()
		case <-timerC:
			c.timer = nil
			c.dispatch(Retry{})
		}
	}
}

func (c *Client) dispatch(a Action) {
	prev := c.state
	c.state = Reduce(prev, a)
	if c.state != prev {
		c.publish(c.state)
	}
	// A successful open resets the retry count without reopening.
	if _, opened := a.(ConnectionEstablished); opened {
		return
	}
	if c.state.effectKey() != prev.effectKey() {
		c.effect()
	}
}

// effect opens a transport unless closed manually or out of attempts.
func (c *Client) effect() {
	c.teardown()

	if c.state.ManualClose {
		return
	}
	if c.state.RetryCount >= c.cfg.MaxReconnectAttempts {
		slog.Error("Giving up on stream", "url", c.cfg.URL, "attempts", c.state.RetryCount, "error", domain.ErrMaxReconnectAttempts)
		c.dispatch(ConnectionError{Message: MsgMaxAttempts})
		return
	}

	c.dispatch(StartConnect{})
	c.open()
}

func (c *Client) open() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancelTr = cancel
	c.gen++
	gen := c.gen
	c.liveGen.Store(gen)

	c.transport.Add(1)
	go func() {
		defer c.transport.Done()
		c.read(ctx, gen)
	}()
}

// read runs on the transport goroutine.
func (c *Client) read(ctx context.Context, gen uint64) {
	conn, err := c.dialer.Dial(ctx, c.cfg.URL)
	if err != nil {
		c.report(ctx, gen, fmt.Errorf("dial failed: %w", err))
		return
	}
	defer func() { _ = conn.Close() }()

	c.report(ctx, gen, nil)

	for {
		payload, err := conn.Next()
		if err != nil {
			c.report(ctx, gen, err)
			return
		}
		if c.liveGen.Load() != gen {
			return
		}
		c.handleMessage(payload)
	}
}

func (c *Client) report(ctx context.Context, gen uint64, err error) {
	select {
	case c.events <- transportEvent{gen: gen, err: err}:
	case <-ctx.Done():
	}
}

type frame struct {
	Type string `json:"type"`
	domain.Sample
}

func (c *Client) handleMessage(payload []byte) {
	var f frame
	if err := json.Unmarshal(payload, &f); err != nil {
		slog.Warn("Dropping malformed message", "error", err, "payload_bytes", len(payload))
		return
	}
	if f.Type != "" {
		slog.Debug("Control frame received", "type", f.Type)
		return
	}
	c.onData(f.Sample)
}

func (c *Client) scheduleRetry() {
	delay := retry.Backoff(c.cfg.InitialDelay, c.cfg.BackoffMultiplier, c.state.RetryCount)
	slog.Info("Scheduling reconnect", "delay", delay, "retry_count", c.state.RetryCount)
	c.timer = c.clock.NewTimer(delay)
}

func (c *Client) closeTransport() {
	if c.cancelTr != nil {
		c.cancelTr()
		c.cancelTr = nil
	}
	c.gen++
	c.liveGen.Store(c.gen)
}

func (c *Client) teardown() {
	c.closeTransport()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
}

func (c *Client) publish(s State) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.snapshot = s
	for _, ch := range c.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- s
	}
}
