// Package config загружает настройки клиента и сервера из переменных окружения.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Prefix of every environment variable, e.g. SESSIONGUARD_SERVER_URL
const Prefix = "SESSIONGUARD"

// Client holds client-side settings
type Client struct {
	ServerURL         string        `envconfig:"SERVER_URL" default:"http://localhost:8080"`
	DBPath            string        `envconfig:"DB_PATH" default:"sessionguard-client.db"`
	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	ProbeURL          string        `envconfig:"PROBE_URL"` // пусто: ServerURL + /api/v1/health
	StoragePassphrase string        `envconfig:"STORAGE_PASSPHRASE"`
	SafetyMargin      time.Duration `envconfig:"SAFETY_MARGIN" default:"5m"`
	BaseDelay         time.Duration `envconfig:"BASE_DELAY" default:"1s"`
	ProbeInterval     time.Duration `envconfig:"PROBE_INTERVAL" default:"15s"`
	MaxAttempts       int           `envconfig:"MAX_ATTEMPTS" default:"3"`
	AutoRecover       bool          `envconfig:"AUTO_RECOVER" default:"true"`
	QueueOffline      bool          `envconfig:"QUEUE_OFFLINE" default:"true"`
}

// Server holds reference server settings
type Server struct {
	Addr            string        `envconfig:"ADDR" default:":8080"`
	DBPath          string        `envconfig:"DB_PATH" default:"sessionguard-server.db"`
	LogLevel        string        `envconfig:"LOG_LEVEL" default:"INFO"`
	JWTSecret       string        `envconfig:"JWT_SECRET"`
	AccessTokenTTL  time.Duration `envconfig:"ACCESS_TOKEN_TTL" default:"15m"`
	RefreshTokenTTL time.Duration `envconfig:"REFRESH_TOKEN_TTL" default:"720h"`
	RateWindow      time.Duration `envconfig:"RATE_WINDOW" default:"1m"`
	TokenCleanup    time.Duration `envconfig:"TOKEN_CLEANUP_INTERVAL" default:"1h"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
	RateLimit       int           `envconfig:"RATE_LIMIT" default:"100"`
	AuthRateLimit   int           `envconfig:"AUTH_RATE_LIMIT" default:"10"`
	MetricsEnabled  bool          `envconfig:"METRICS_ENABLED" default:"true"`
}

// LoadClient reads client settings from the environment
func LoadClient() (*Client, error) {
	cfg := &Client{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load client config: %w", err)
	}
	return cfg, nil
}

// LoadServer reads server settings from the environment and validates them
func LoadServer() (*Server, error) {
	cfg := &Server{}
	if err := envconfig.Process(Prefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load server config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks value ranges; call it after applying flag overrides
func (c *Client) Validate() error {
	var errs []error

	if _, err := url.ParseRequestURI(c.ServerURL); err != nil {
		errs = append(errs, fmt.Errorf("invalid server url %q: %w", c.ServerURL, err))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.BaseDelay <= 0 {
		errs = append(errs, fmt.Errorf("base delay must be positive, got %s", c.BaseDelay))
	}
	if c.SafetyMargin < 0 {
		errs = append(errs, fmt.Errorf("safety margin must not be negative, got %s", c.SafetyMargin))
	}
	if c.ProbeInterval <= 0 {
		errs = append(errs, fmt.Errorf("probe interval must be positive, got %s", c.ProbeInterval))
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// HealthURL returns the connectivity probe target
func (c *Client) HealthURL() string {
	if c.ProbeURL != "" {
		return c.ProbeURL
	}
	return strings.TrimRight(c.ServerURL, "/") + "/api/v1/health"
}

// Validate checks value ranges
func (s *Server) Validate() error {
	var errs []error

	if len(s.JWTSecret) < 32 {
		errs = append(errs, errors.New("SESSIONGUARD_JWT_SECRET must be at least 32 bytes"))
	}
	if s.AccessTokenTTL <= 0 {
		errs = append(errs, fmt.Errorf("access token ttl must be positive, got %s", s.AccessTokenTTL))
	}
	if s.RefreshTokenTTL <= s.AccessTokenTTL {
		errs = append(errs, errors.New("refresh token ttl must be longer than access token ttl"))
	}
	if s.RateLimit < 1 || s.AuthRateLimit < 1 || s.RateWindow <= 0 {
		errs = append(errs, fmt.Errorf("invalid rate limit %d (auth %d) per %s", s.RateLimit, s.AuthRateLimit, s.RateWindow))
	}
	if s.TokenCleanup <= 0 {
		errs = append(errs, fmt.Errorf("token cleanup interval must be positive, got %s", s.TokenCleanup))
	}
	if _, err := ParseLevel(s.LogLevel); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// ParseLevel converts DEBUG/INFO/WARN/ERROR to slog.Level
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
