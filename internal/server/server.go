package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/labstack/echo/v4"

	"github.com/pscheid92/pricepulse/internal/config"
	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/metrics"
)

// streamRegistry is the part of the broadcast registry the handlers need.
type streamRegistry interface {
	HandleConnection(ctx context.Context, sink domain.Sink) error
	ConnectionCount() int
	IsActive() bool
}

// latestSource reads the most recently mirrored sample.
type latestSource interface {
	Latest(ctx context.Context) (domain.Sample, error)
}

type Server struct {
	echo   *echo.Echo
	config *config.Config
	clock  clockwork.Clock

	registry       streamRegistry
	latest         latestSource
	limits         *ConnectionLimits
	upgrader       *websocket.Upgrader
	streamMetrics  *metrics.StreamMetrics
	httpMetrics    *metrics.HTTPMetrics
	metricsHandler http.Handler

	healthChecks []HealthCheck
	startTime    time.Time
}

// Deps groups the collaborators of the server.
type Deps struct {
	Registry       streamRegistry
	Latest         latestSource // optional; /stocks/latest is only served when set
	Clock          clockwork.Clock
	StreamMetrics  *metrics.StreamMetrics
	HTTPMetrics    *metrics.HTTPMetrics
	MetricsHandler http.Handler
	HealthChecks   []HealthCheck
}

func NewServer(cfg *config.Config, deps Deps) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	srv := &Server{
		echo:           e,
		config:         cfg,
		clock:          deps.Clock,
		registry:       deps.Registry,
		latest:         deps.Latest,
		limits:         NewConnectionLimits(cfg.MaxConnectionsPerIP, cfg.ConnectionRate, cfg.ConnectionBurst, deps.Clock),
		upgrader:       &websocket.Upgrader{CheckOrigin: originChecker(cfg.CORSOrigin)},
		streamMetrics:  deps.StreamMetrics,
		httpMetrics:    deps.HTTPMetrics,
		metricsHandler: deps.MetricsHandler,
		healthChecks:   deps.HealthChecks,
		startTime:      deps.Clock.Now(),
	}

	srv.registerRoutes()

	return srv
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

func (s *Server) Start() error {
	slog.Info("Starting server", "port", s.config.Port, "environment", s.config.AppEnv)
	if err := s.echo.Start(":" + s.config.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.echo.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown server: %w", err)
	}
	return nil
}

// originChecker accepts WebSocket upgrades from the configured CORS origin.
func originChecker(allowed string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		if allowed == "" || allowed == "*" {
			return true
		}
		origin := r.Header.Get("Origin")
		return origin == "" || origin == allowed
	}
}
