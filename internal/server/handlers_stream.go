package server

import (
	"errors"
	"log/slog"

	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/domain"
	apperrors "github.com/pscheid92/pricepulse/internal/errors"
	"github.com/pscheid92/pricepulse/internal/metrics"
)

func (s *Server) registerStreamRoutes() {
	s.echo.GET("/stocks/subscribe", s.handleSubscribe)
	s.echo.GET("/stocks/ws", s.handleWebSocket)
}

func (s *Server) handleSubscribe(c echo.Context) error {
	release, err := s.admit(c)
	if err != nil {
		return err
	}
	defer release()

	sink := broadcast.NewSSESink(c.Response(), c.Request(), s.clock)
	return s.registry.HandleConnection(c.Request().Context(), sink)
}

func (s *Server) handleWebSocket(c echo.Context) error {
	release, err := s.admit(c)
	if err != nil {
		return err
	}
	defer release()

	sink := broadcast.NewWebSocketSink(c.Response(), c.Request(), s.upgrader, s.clock)
	err = s.registry.HandleConnection(c.Request().Context(), sink)
	if err != nil && c.Response().Committed {
		// The connection was hijacked; nothing can be written back.
		slog.WarnContext(c.Request().Context(), "WebSocket stream ended with error", "error", err)
		return nil
	}
	return err
}

// admit applies the global, per-IP and rate limits before a stream is opened.
// The returned release func must be called once the stream ends.
func (s *Server) admit(c echo.Context) (func(), error) {
	if s.registry.ConnectionCount() >= s.config.MaxConnections {
		s.streamMetrics.ConnectionsRejected.WithLabelValues(metrics.ReasonCapacity).Inc()
		return nil, apperrors.CapacityError("Server overloaded - too many connections", domain.ErrAtCapacity)
	}

	ip := c.RealIP()
	reason := s.limits.Acquire(ip)
	switch reason {
	case "":
		return func() { s.limits.Release(ip) }, nil
	case LimitReasonRate:
		s.streamMetrics.ConnectionsRejected.WithLabelValues(metrics.ReasonRateLimit).Inc()
		return nil, apperrors.RateLimitedError("Too many connection attempts")
	case LimitReasonPerIP:
		s.streamMetrics.ConnectionsRejected.WithLabelValues(metrics.ReasonPerIPLimit).Inc()
		return nil, apperrors.CapacityError("Too many connections from this address", nil)
	default:
		return nil, errors.New("unknown connection limit")
	}
}
