package domain

import "context"

// Sink is a per-subscriber writable output channel. It abstracts the
// transport connection (SSE response, WebSocket, test double).
//
// A sink is owned by the goroutine running the connection handler; only that
// goroutine calls Open, WriteEvent, WriteHeartbeat and Close.
type Sink interface {
	// Open writes transport framing and headers.
	Open() error
	// WriteEvent writes one payload as a complete frame and flushes it.
	WriteEvent(payload []byte) error
	// WriteHeartbeat writes a keep-alive frame that carries no data.
	WriteHeartbeat() error
	// Done is closed when the peer goes away or the transport fails.
	Done() <-chan struct{}
	// Close ends the sink. Closing an already closed sink is a no-op.
	Close() error
}

// SamplePublisher mirrors samples to an external system.
type SamplePublisher interface {
	PublishSample(ctx context.Context, sample Sample) error
}
