package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/config"
	"github.com/pscheid92/pricepulse/internal/generator"
	"github.com/pscheid92/pricepulse/internal/logging"
	"github.com/pscheid92/pricepulse/internal/metrics"
	"github.com/pscheid92/pricepulse/internal/redis"
	"github.com/pscheid92/pricepulse/internal/retry"
	"github.com/pscheid92/pricepulse/internal/server"
	"github.com/pscheid92/pricepulse/internal/version"
)

const shutdownTimeout = 10 * time.Second

func setupConfig() *config.Config {
	cfg, err := config.Load()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

// setupRedis connects the optional sample mirror. It returns nil when no
// REDIS_URL is configured.
func setupRedis(cfg *config.Config, m *metrics.RedisMetrics, clock clockwork.Clock) *redis.Client {
	if cfg.RedisURL == "" {
		slog.Info("Redis not configured, sample mirror disabled")
		return nil
	}

	client, err := redis.NewClient(cfg.RedisURL, m)
	if err != nil {
		slog.Error("Failed to create Redis client", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	policy := retry.Policy{
		MaxAttempts:    5,
		InitialBackoff: 500 * time.Millisecond,
		Clock:          clock,
		OnRetry: func(attempt int, err error, backoff time.Duration) {
			slog.Warn("Redis not reachable, retrying", "attempt", attempt, "backoff", backoff, "error", err)
		},
	}
	if err := retry.DoVoid(ctx, policy, retry.AlwaysRetry, func() error { return client.Ping(ctx) }); err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	slog.Info("Redis connected, mirroring samples", "channel", redis.DefaultChannel)
	return client
}

func runGracefulShutdown(srv *server.Server, registry *broadcast.Registry, mirror *redis.Mirror, redisClient *redis.Client) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Streams never go idle on their own; end them before draining the server.
		registry.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}

		if mirror != nil {
			mirror.Close()
		}
		if redisClient != nil {
			if err := redisClient.Close(); err != nil {
				slog.Error("Failed to close Redis client", "error", err)
			}
		}

		close(done)
	}()

	return done
}

func main() {
	clock := clockwork.NewRealClock()

	cfg := setupConfig()

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Application starting", "env", cfg.AppEnv, "port", cfg.Port, "version", version.Get().String())

	reg := metrics.NewRegistry()
	streamMetrics := metrics.NewStreamMetrics(reg)

	gen := generator.New(cfg.Generator(), clock, nil, streamMetrics)
	registry := broadcast.NewRegistry(cfg.Broadcast(), gen, clock, streamMetrics)

	var healthChecks []server.HealthCheck
	var mirror *redis.Mirror
	var latest *redis.SamplePublisher
	redisMetrics := metrics.NewRedisMetrics(reg)
	redisClient := setupRedis(cfg, redisMetrics, clock)
	if redisClient != nil {
		latest = redis.NewSamplePublisher(redisClient)
		mirror = redis.NewMirror(latest, redisMetrics)
		gen.Subscribe(mirror.Offer)
		healthChecks = append(healthChecks, server.HealthCheck{Name: "redis", Check: redisClient.Ping})
	}

	registry.Initialize()

	deps := server.Deps{
		Registry:       registry,
		Clock:          clock,
		StreamMetrics:  streamMetrics,
		HTTPMetrics:    metrics.NewHTTPMetrics(reg),
		MetricsHandler: metrics.Handler(reg),
		HealthChecks:   healthChecks,
	}
	if latest != nil {
		deps.Latest = latest
	}
	srv := server.NewServer(cfg, deps)

	done := runGracefulShutdown(srv, registry, mirror, redisClient)

	if err := srv.Start(); err != nil {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}

	<-done
}
