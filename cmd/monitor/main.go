package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pricepulse/internal/config"
	"github.com/pscheid92/pricepulse/internal/logging"
	"github.com/pscheid92/pricepulse/internal/monitor"
	"github.com/pscheid92/pricepulse/internal/stream"
)

func main() {
	cfg, err := config.LoadMonitor()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logging.InitLogger(cfg.LogLevel, cfg.LogFormat)

	dialer, err := stream.DialerFor(cfg.StreamURL)
	if err != nil {
		slog.Error("Unsupported stream URL", "url", cfg.StreamURL, "error", err)
		os.Exit(1)
	}

	clock := clockwork.NewRealClock()
	mon := monitor.New(monitor.Config{
		Stream:         cfg.Stream(),
		Window:         cfg.Window(),
		AlertThreshold: cfg.AlertThreshold,
	}, dialer, clock)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("Monitor starting", "url", cfg.StreamURL, "threshold", cfg.AlertThreshold)
	mon.Start(ctx)
	defer mon.Stop()

	ticker := clock.NewTicker(cfg.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Monitor stopping")
			return
		case <-ticker.Chan():
			report(mon.Summary())
		}
	}
}

func report(s monitor.Summary) {
	attrs := []any{
		"status", s.Status,
		"points", s.Points,
		"price", s.Current,
		"min", s.Min,
		"max", s.Max,
		"paused", s.Paused,
	}
	if s.LastError != "" {
		attrs = append(attrs, "error", s.LastError)
	}

	if s.Breached {
		slog.Warn("Price above alert threshold", attrs...)
		return
	}
	slog.Info("Price report", attrs...)
}
