package broadcast

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const (
	wsWriteDeadline = 5 * time.Second
	wsPongDeadline  = 60 * time.Second
	wsReadLimit     = 512
)

var errSinkClosed = errors.New("sink closed")

// WebSocketSink carries the same payloads as text messages over a WebSocket.
// The upgrade happens in Open so rejected connections never switch protocols.
type WebSocketSink struct {
	w        http.ResponseWriter
	r        *http.Request
	upgrader *websocket.Upgrader
	clock    clockwork.Clock

	pongWait  time.Duration
	conn      *websocket.Conn
	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
}

func NewWebSocketSink(w http.ResponseWriter, r *http.Request, upgrader *websocket.Upgrader, clock clockwork.Clock) *WebSocketSink {
	return &WebSocketSink{
		w:        w,
		r:        r,
		upgrader: upgrader,
		clock:    clock,
		pongWait: wsPongDeadline,
		done:     make(chan struct{}),
	}
}

// MaxHeartbeatInterval keeps pings well inside the pong deadline, so idle
// subscribers survive even when heartbeats are disabled for SSE.
func (s *WebSocketSink) MaxHeartbeatInterval() time.Duration {
	return s.pongWait / 2
}

func (s *WebSocketSink) Open() error {
	conn, err := s.upgrader.Upgrade(s.w, s.r, nil)
	if err != nil {
		return fmt.Errorf("websocket upgrade failed: %w", err)
	}
	s.conn = conn

	conn.SetReadLimit(wsReadLimit)
	s.extendReadDeadline()
	conn.SetPongHandler(func(string) error {
		s.extendReadDeadline()
		return nil
	})

	go s.readPump()
	return nil
}

// readPump discards inbound messages and detects the peer going away.
func (s *WebSocketSink) readPump() {
	defer s.markDone()
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *WebSocketSink) WriteEvent(payload []byte) error {
	if s.conn == nil {
		return errSinkClosed
	}
	_ = s.conn.SetWriteDeadline(s.clock.Now().Add(wsWriteDeadline))
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (s *WebSocketSink) WriteHeartbeat() error {
	if s.conn == nil {
		return errSinkClosed
	}
	if err := s.conn.WriteControl(websocket.PingMessage, nil, s.clock.Now().Add(wsWriteDeadline)); err != nil {
		return fmt.Errorf("failed to write ping: %w", err)
	}
	return nil
}

func (s *WebSocketSink) Done() <-chan struct{} {
	return s.done
}

// Close sends a normal closure frame and closes the connection.
func (s *WebSocketSink) Close() error {
	if s.conn == nil {
		return nil
	}
	var err error
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended")
		_ = s.conn.WriteControl(websocket.CloseMessage, msg, s.clock.Now().Add(wsWriteDeadline))
		err = s.conn.Close()
	})
	return err
}

func (s *WebSocketSink) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *WebSocketSink) extendReadDeadline() {
	_ = s.conn.SetReadDeadline(s.clock.Now().Add(s.pongWait))
}
