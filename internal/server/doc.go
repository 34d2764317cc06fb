// Package server implements the HTTP server using Echo framework.
//
// Routes: price streams (SSE and WebSocket), status and greeting, latest mirrored sample, health checks, version and metrics.
// Handlers split by concern: handlers_stream.go, handlers_api.go, handlers_health.go.
package server
