package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/pricepulse/internal/domain"
)

type fakeConn struct {
	ctx  context.Context
	msgs chan []byte
	errs chan error
}

func (c *fakeConn) Next() ([]byte, error) {
	select {
	case m := <-c.msgs:
		return m, nil
	case err := <-c.errs:
		return nil, err
	case <-c.ctx.Done():
		return nil, c.ctx.Err()
	}
}

func (c *fakeConn) Close() error { return nil }

// fakeDialer fails the first failures dials, then hands out fakeConns.
type fakeDialer struct {
	mu       sync.Mutex
	dials    int
	failures int
	conns    chan *fakeConn
}

func newFakeDialer(failures int) *fakeDialer {
	return &fakeDialer{failures: failures, conns: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.dials++
	fail := d.dials <= d.failures
	d.mu.Unlock()

	if fail {
		return nil, errors.New("connection refused")
	}
	c := &fakeConn{ctx: ctx, msgs: make(chan []byte, 8), errs: make(chan error, 1)}
	d.conns <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) nextConn(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case c := <-d.conns:
		return c
	case <-time.After(time.Second):
		t.Fatal("no connection dialed")
		return nil
	}
}

type sampleRecorder struct {
	mu      sync.Mutex
	samples []domain.Sample
}

func (r *sampleRecorder) record(s domain.Sample) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, s)
}

func (r *sampleRecorder) all() []domain.Sample {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Sample(nil), r.samples...)
}

func newTestClient(t *testing.T, cfg Config, dialer Dialer) (*Client, *clockwork.FakeClock, *sampleRecorder) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	rec := &sampleRecorder{}
	c := New(cfg, dialer, rec.record, clock)
	t.Cleanup(c.Close)
	return c, clock, rec
}

func waitState(t *testing.T, c *Client, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return c.State() == want }, time.Second, time.Millisecond, "last state: %+v", c.State())
}

func waitTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestClient_InitialStateDisconnected(t *testing.T) {
	c, _, _ := newTestClient(t, DefaultConfig("http://x"), newFakeDialer(0))
	assert.Equal(t, State{Status: StatusDisconnected}, c.State())
}

func TestClient_ConnectsAndDispatchesSamples(t *testing.T) {
	dialer := newFakeDialer(0)
	c, _, rec := newTestClient(t, DefaultConfig("http://x"), dialer)

	c.Start(context.Background())
	conn := dialer.nextConn(t)
	waitState(t, c, State{Status: StatusConnected})

	conn.msgs <- []byte(`{"type":"connected"}`)
	conn.msgs <- []byte(`not json`)
	conn.msgs <- []byte(`{"symbol":"USD","price":512.34,"timestamp":"2024-01-02T12:00:00.050Z"}`)

	require.Eventually(t, func() bool { return len(rec.all()) == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, domain.Sample{Symbol: "USD", Price: 512.34, Timestamp: "2024-01-02T12:00:00.050Z"}, rec.all()[0])
	assert.Equal(t, StatusConnected, c.State().Status)
}

func TestClient_BackoffThenTerminal(t *testing.T) {
	dialer := newFakeDialer(100)
	c, clock, _ := newTestClient(t, DefaultConfig("http://x"), dialer)

	c.Start(context.Background())
	waitState(t, c, State{Status: StatusError, Error: MsgStreamInterrupted})

	delays := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}
	for i, delay := range delays {
		waitTimer(t, clock)
		clock.Advance(delay - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		require.Equal(t, i+1, dialer.dialCount(), "retry %d fired early", i+1)

		clock.Advance(time.Millisecond)
		if i < len(delays)-1 {
			require.Eventually(t, func() bool { return dialer.dialCount() == i+2 }, time.Second, time.Millisecond)
		}
	}

	waitState(t, c, State{Status: StatusError, Error: MsgMaxAttempts, RetryCount: 5})
	assert.Equal(t, 5, dialer.dialCount())
}

func TestClient_RecoveryResetsRetryCount(t *testing.T) {
	dialer := newFakeDialer(2)
	c, clock, _ := newTestClient(t, DefaultConfig("http://x"), dialer)

	c.Start(context.Background())
	waitTimer(t, clock)
	clock.Advance(time.Second)
	waitTimer(t, clock)
	clock.Advance(2 * time.Second)

	dialer.nextConn(t)
	waitState(t, c, State{Status: StatusConnected})
	assert.Equal(t, 3, dialer.dialCount())
}

func TestClient_TransportErrorAfterConnectRetries(t *testing.T) {
	dialer := newFakeDialer(0)
	c, clock, _ := newTestClient(t, DefaultConfig("http://x"), dialer)

	c.Start(context.Background())
	conn := dialer.nextConn(t)
	waitState(t, c, State{Status: StatusConnected})

	conn.errs <- ErrStreamClosed
	waitState(t, c, State{Status: StatusError, Error: MsgStreamInterrupted})

	waitTimer(t, clock)
	clock.Advance(time.Second)
	dialer.nextConn(t)
	waitState(t, c, State{Status: StatusConnected})
}

func TestClient_ManualDisconnectHaltsRetries(t *testing.T) {
	dialer := newFakeDialer(100)
	c, clock, _ := newTestClient(t, DefaultConfig("http://x"), dialer)

	c.Start(context.Background())
	waitTimer(t, clock)
	clock.Advance(time.Second)
	waitState(t, c, State{Status: StatusError, Error: MsgStreamInterrupted, RetryCount: 1})
	waitTimer(t, clock)

	c.Disconnect()
	waitState(t, c, State{Status: StatusDisconnected, Error: MsgStreamInterrupted, ManualClose: true})

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, 2, dialer.dialCount())

	c.Reconnect()
	require.Eventually(t, func() bool { return dialer.dialCount() == 3 }, time.Second, time.Millisecond)
	waitState(t, c, State{Status: StatusError, Error: MsgStreamInterrupted})
}

func TestClient_ManualReconnectAfterTerminal(t *testing.T) {
	cfg := DefaultConfig("http://x")
	cfg.MaxReconnectAttempts = 1
	dialer := newFakeDialer(1)
	c, clock, _ := newTestClient(t, cfg, dialer)

	c.Start(context.Background())
	waitTimer(t, clock)
	clock.Advance(time.Second)
	waitState(t, c, State{Status: StatusError, Error: MsgMaxAttempts, RetryCount: 1})

	c.Reconnect()
	dialer.nextConn(t)
	waitState(t, c, State{Status: StatusConnected})
}

func TestClient_StaleTransportDoesNotDispatch(t *testing.T) {
	dialer := newFakeDialer(0)
	c, _, rec := newTestClient(t, DefaultConfig("http://x"), dialer)

	c.Start(context.Background())
	conn := dialer.nextConn(t)
	waitState(t, c, State{Status: StatusConnected})

	c.Disconnect()
	conn.msgs <- []byte(`{"symbol":"USD","price":1,"timestamp":"2024-01-02T12:00:00.000Z"}`)
	time.Sleep(10 * time.Millisecond)

	assert.Empty(t, rec.all())
	assert.Equal(t, StatusDisconnected, c.State().Status)
}

func TestClient_SubscribeSeesStatusChanges(t *testing.T) {
	dialer := newFakeDialer(0)
	c, _, _ := newTestClient(t, DefaultConfig("http://x"), dialer)
	updates := c.Subscribe()

	c.Start(context.Background())
	dialer.nextConn(t)

	require.Eventually(t, func() bool {
		select {
		case s := <-updates:
			return s.Status == StatusConnected
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestClient_CloseIsIdempotent(t *testing.T) {
	c, _, _ := newTestClient(t, DefaultConfig("http://x"), newFakeDialer(0))
	c.Start(context.Background())
	c.Close()
	c.Close()

	// Commands after close return immediately.
	c.Disconnect()
	c.Reconnect()
}

func TestClient_CloseWithoutStart(t *testing.T) {
	c, _, _ := newTestClient(t, DefaultConfig("http://x"), newFakeDialer(0))
	c.Close()
	c.Start(context.Background())
	assert.Equal(t, StatusDisconnected, c.State().Status)
}

func TestClient_CommandsBeforeStartReturn(t *testing.T) {
	dialer := newFakeDialer(0)
	c, _, _ := newTestClient(t, DefaultConfig("http://x"), dialer)

	returned := make(chan struct{})
	go func() {
		c.Disconnect()
		c.Reconnect()
		close(returned)
	}()

	select {
	case <-returned:
	case <-time.After(time.Second):
		t.Fatal("commands blocked before Start")
	}
	assert.Equal(t, State{Status: StatusDisconnected}, c.State())
	assert.Equal(t, 0, dialer.dialCount())
}
