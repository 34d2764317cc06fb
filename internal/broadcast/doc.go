// Package broadcast fans the generated signal out to live subscriber connections.
//
// The Registry subscribes once to the Source, encodes every sample once and
// hands the shared payload to each connection's mailbox without blocking. Each
// connection is served by the goroutine running HandleConnection, which is the
// only writer of its Sink. A connection whose mailbox is full is evicted.
// Sinks exist for Server-Sent Events and WebSocket transports.
package broadcast
