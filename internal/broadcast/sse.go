package broadcast

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const sseWriteTimeout = 5 * time.Second

// SSESink writes Server-Sent Events to an HTTP response.
type SSESink struct {
	w         http.ResponseWriter
	rc        *http.ResponseController
	clock     clockwork.Clock
	done      <-chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

// NewSSESink wraps a response. The sink is done when the request context ends.
func NewSSESink(w http.ResponseWriter, r *http.Request, clock clockwork.Clock) *SSESink {
	return &SSESink{
		w:      w,
		rc:     http.NewResponseController(w),
		clock:  clock,
		done:   r.Context().Done(),
		closed: make(chan struct{}),
	}
}

func (s *SSESink) Open() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	s.w.WriteHeader(http.StatusOK)
	return s.flush()
}

func (s *SSESink) WriteEvent(payload []byte) error {
	if s.isClosed() {
		return errSinkClosed
	}
	s.extendDeadline()
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return s.flush()
}

func (s *SSESink) WriteHeartbeat() error {
	if s.isClosed() {
		return errSinkClosed
	}
	s.extendDeadline()
	if _, err := io.WriteString(s.w, ": keep-alive\n\n"); err != nil {
		return fmt.Errorf("failed to write heartbeat: %w", err)
	}
	return s.flush()
}

func (s *SSESink) Done() <-chan struct{} {
	return s.done
}

// Close marks the sink closed. The response ends when the handler returns.
func (s *SSESink) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *SSESink) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

func (s *SSESink) flush() error {
	if err := s.rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		return fmt.Errorf("failed to flush: %w", err)
	}
	return nil
}

func (s *SSESink) extendDeadline() {
	_ = s.rc.SetWriteDeadline(s.clock.Now().Add(sseWriteTimeout))
}
