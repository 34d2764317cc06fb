package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/pscheid92/pricepulse/internal/broadcast"
	"github.com/pscheid92/pricepulse/internal/generator"
	"github.com/pscheid92/pricepulse/internal/stream"
	"github.com/pscheid92/pricepulse/internal/window"
)

// Config is the server configuration.
type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"5001"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
	RedisURL  string `env:"REDIS_URL"`

	CORSOrigin      string `env:"CORS_ORIGIN" default:"*"`
	CORSCredentials bool   `env:"CORS_CREDENTIALS" default:"false"`

	SSEKeepAlive         bool          `env:"SSE_KEEP_ALIVE" default:"true"`
	SSEHeartbeatInterval time.Duration `env:"SSE_HEARTBEAT_INTERVAL" default:"15s"`
	MaxConnections       int           `env:"SSE_MAX_CONNECTIONS" default:"1000"`
	MaxConnectionsPerIP  int           `env:"MAX_CONNECTIONS_PER_IP" default:"0"`
	ConnectionRate       float64       `env:"CONNECTION_RATE" default:"0"`
	ConnectionBurst      int           `env:"CONNECTION_BURST" default:"10"`

	TickInterval     time.Duration `env:"TICK_INTERVAL" default:"50ms"`
	PriceMin         float64       `env:"PRICE_MIN" default:"0"`
	PriceMax         float64       `env:"PRICE_MAX" default:"1000"`
	ShockProbability float64       `env:"SHOCK_PROBABILITY" default:"0.05"`
	ShockMagnitude   float64       `env:"SHOCK_MAGNITUDE" default:"50"`
	SmoothMagnitude  float64       `env:"SMOOTH_MAGNITUDE" default:"5"`
}

// MonitorConfig is the configuration of the terminal stream consumer.
type MonitorConfig struct {
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	StreamURL                  string        `env:"STREAM_URL" default:"http://localhost:5001/stocks/subscribe"`
	MaxReconnectAttempts       int           `env:"MAX_RECONNECT_ATTEMPTS" default:"5"`
	InitialReconnectDelay      time.Duration `env:"INITIAL_RECONNECT_DELAY" default:"1s"`
	ReconnectBackoffMultiplier float64       `env:"RECONNECT_BACKOFF_MULTIPLIER" default:"2"`

	WindowSize     time.Duration `env:"WINDOW_SIZE" default:"60s"`
	BufferCap      int           `env:"BUFFER_CAP" default:"1000"`
	BatchInterval  time.Duration `env:"BATCH_INTERVAL" default:"100ms"`
	AlertThreshold float64       `env:"ALERT_THRESHOLD" default:"700"`
	ReportInterval time.Duration `env:"REPORT_INTERVAL" default:"1s"`
}

// Load reads the server configuration from the environment (and .env if present).
func Load() (*Config, error) {
	loadDotEnv()

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// LoadMonitor reads the monitor configuration from the environment (and .env if present).
func LoadMonitor() (*MonitorConfig, error) {
	loadDotEnv()

	var cfg MonitorConfig
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv() {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}
}

func (c *Config) validate() error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if c.MaxConnections <= 0 {
		return errors.New("SSE_MAX_CONNECTIONS must be positive")
	}
	if c.MaxConnectionsPerIP < 0 {
		return errors.New("MAX_CONNECTIONS_PER_IP must not be negative")
	}
	if c.ConnectionRate < 0 {
		return errors.New("CONNECTION_RATE must not be negative")
	}
	if c.TickInterval <= 0 {
		return errors.New("TICK_INTERVAL must be positive")
	}
	if c.PriceMin >= c.PriceMax {
		return fmt.Errorf("PRICE_MIN (%v) must be below PRICE_MAX (%v)", c.PriceMin, c.PriceMax)
	}
	if c.ShockProbability < 0 || c.ShockProbability > 1 {
		return errors.New("SHOCK_PROBABILITY must be between 0 and 1")
	}
	if c.SSEKeepAlive && c.SSEHeartbeatInterval < 0 {
		return errors.New("SSE_HEARTBEAT_INTERVAL must not be negative")
	}
	if c.RedisURL != "" {
		if _, err := url.Parse(c.RedisURL); err != nil {
			return fmt.Errorf("REDIS_URL is invalid: %w", err)
		}
	}
	return nil
}

func (c *MonitorConfig) validate() error {
	u, err := url.Parse(c.StreamURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("STREAM_URL must be an absolute URL, got %q", c.StreamURL)
	}
	if c.MaxReconnectAttempts < 0 {
		return errors.New("MAX_RECONNECT_ATTEMPTS must not be negative")
	}
	if c.InitialReconnectDelay <= 0 {
		return errors.New("INITIAL_RECONNECT_DELAY must be positive")
	}
	if c.ReconnectBackoffMultiplier < 1 {
		return errors.New("RECONNECT_BACKOFF_MULTIPLIER must be at least 1")
	}
	if c.WindowSize <= 0 {
		return errors.New("WINDOW_SIZE must be positive")
	}
	if c.BufferCap <= 0 {
		return errors.New("BUFFER_CAP must be positive")
	}
	return nil
}

// IsProduction reports whether the server runs in production.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// Generator returns the signal generator settings.
func (c *Config) Generator() generator.Config {
	return generator.Config{
		Symbol:           generator.DefaultSymbol,
		TickInterval:     c.TickInterval,
		MinPrice:         c.PriceMin,
		MaxPrice:         c.PriceMax,
		ShockProbability: c.ShockProbability,
		ShockMagnitude:   c.ShockMagnitude,
		SmoothMagnitude:  c.SmoothMagnitude,
	}
}

// Broadcast returns the registry settings.
func (c *Config) Broadcast() broadcast.Config {
	heartbeat := time.Duration(0)
	if c.SSEKeepAlive {
		heartbeat = c.SSEHeartbeatInterval
	}
	return broadcast.Config{
		MaxConnections:    c.MaxConnections,
		HeartbeatInterval: heartbeat,
	}
}

// Stream returns the resilient stream client settings.
func (c *MonitorConfig) Stream() stream.Config {
	return stream.Config{
		URL:                  c.StreamURL,
		MaxReconnectAttempts: c.MaxReconnectAttempts,
		InitialDelay:         c.InitialReconnectDelay,
		BackoffMultiplier:    c.ReconnectBackoffMultiplier,
	}
}

// Window returns the sliding-window buffer settings.
func (c *MonitorConfig) Window() window.Config {
	return window.Config{
		Size:          c.WindowSize,
		MaxPoints:     c.BufferCap,
		FlushInterval: c.BatchInterval,
	}
}
