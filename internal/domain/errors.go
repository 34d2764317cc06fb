package domain

import "errors"

var (
	ErrAtCapacity           = errors.New("server overloaded - too many connections")
	ErrShuttingDown         = errors.New("registry is shutting down")
	ErrMaxReconnectAttempts = errors.New("maximum reconnection attempts reached")
	ErrNoSample             = errors.New("no sample published yet")
)
