package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds application configuration populated from environment variables.
type Config struct {
	// Core
	ServerPort int
	ServerEnv  string // "development" or "production"
	LogLevel   string // "error", "warn", "info", or "debug"

	// Socket endpoint
	SocketPath       string
	MaxConnections   int
	PingIntervalMS   int
	PingTimeoutMS    int
	UpgradeTimeoutMS int
	AuthDeadlineMS   int

	// Rate limiting (points per minute per class)
	RateLimitWSConnections int
	RateLimitWSMessages    int
	RateLimitAPIRequests   int
	RateLimitAuthAttempts  int

	// Pub/sub coordination
	PubSubEnabled   bool
	PubSubHost      string
	PubSubPort      int
	PubSubKeyPrefix string

	// JWT
	JWTSecret     string
	JWTAlgorithm  string
	JWTIssuer     string
	JWTAccessTTL  time.Duration
	JWTRefreshTTL time.Duration

	// Admin surface
	AdminAPIKey string

	// Shutdown
	ShutdownGrace time.Duration

	// CORS
	CORSAllowOrigins string
}

// Load reads configuration from environment variables. It returns an error if any variable is set but cannot be
// parsed, or if required security values are missing.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		ServerPort: p.int("SERVER_PORT", 8080),
		ServerEnv:  envStr("SERVER_ENV", "production"),
		LogLevel:   envStr("LOG_LEVEL", "info"),

		SocketPath:       envStr("SOCKET_PATH", "/socket.io"),
		MaxConnections:   p.int("MAX_CONNECTIONS", 10000),
		PingIntervalMS:   p.int("PING_INTERVAL_MS", 30000),
		PingTimeoutMS:    p.int("PING_TIMEOUT_MS", 10000),
		UpgradeTimeoutMS: p.int("UPGRADE_TIMEOUT_MS", 10000),
		AuthDeadlineMS:   p.int("AUTH_DEADLINE_MS", 30000),

		RateLimitWSConnections: p.int("RATE_LIMIT_WS_CONNECTIONS", 5),
		RateLimitWSMessages:    p.int("RATE_LIMIT_WS_MESSAGES", 60),
		RateLimitAPIRequests:   p.int("RATE_LIMIT_API_REQUESTS", 120),
		RateLimitAuthAttempts:  p.int("RATE_LIMIT_AUTH_ATTEMPTS", 5),

		PubSubEnabled:   p.bool("PUBSUB_ENABLED", true),
		PubSubHost:      envStr("PUBSUB_HOST", "localhost"),
		PubSubPort:      p.int("PUBSUB_PORT", 6379),
		PubSubKeyPrefix: envStr("PUBSUB_KEY_PREFIX", "agentmesh"),

		JWTSecret:     envStr("JWT_SECRET", ""),
		JWTAlgorithm:  envStr("JWT_ALGORITHM", "HS256"),
		JWTIssuer:     envStr("JWT_ISSUER", "agentmesh"),
		JWTAccessTTL:  p.duration("JWT_ACCESS_TTL", 15*time.Minute),
		JWTRefreshTTL: p.duration("JWT_REFRESH_TTL", 7*24*time.Hour),

		AdminAPIKey: envStr("ADMIN_API_KEY", ""),

		ShutdownGrace: p.duration("SHUTDOWN_GRACE", 30*time.Second),

		CORSAllowOrigins: envStr("CORS_ALLOW_ORIGINS", "*"),
	}

	if parseErr := errors.Join(p.errs...); parseErr != nil {
		return nil, parseErr
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// IsDevelopment returns true when running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.ServerEnv == "development"
}

// PubSubAddr returns the host:port address of the pub/sub backend.
func (c *Config) PubSubAddr() string {
	return fmt.Sprintf("%s:%d", c.PubSubHost, c.PubSubPort)
}

// PingInterval returns the heartbeat interval as a duration.
func (c *Config) PingInterval() time.Duration {
	return time.Duration(c.PingIntervalMS) * time.Millisecond
}

// PingTimeout returns the heartbeat response timeout as a duration.
func (c *Config) PingTimeout() time.Duration {
	return time.Duration(c.PingTimeoutMS) * time.Millisecond
}

// UpgradeTimeout returns the WebSocket upgrade handshake timeout.
func (c *Config) UpgradeTimeout() time.Duration {
	return time.Duration(c.UpgradeTimeoutMS) * time.Millisecond
}

// AuthDeadline returns how long an accepted socket may remain unauthenticated.
func (c *Config) AuthDeadline() time.Duration {
	return time.Duration(c.AuthDeadlineMS) * time.Millisecond
}

// IdleEviction returns the inactivity window after which an authenticated connection is reaped: one full heartbeat
// interval plus two ping timeouts, so a single missed heartbeat never evicts a healthy client.
func (c *Config) IdleEviction() time.Duration {
	return c.PingInterval() + 2*c.PingTimeout()
}

func (c *Config) validate() error {
	var errs []error

	if c.JWTSecret == "" {
		errs = append(errs, fmt.Errorf("JWT_SECRET is required"))
	} else if len(c.JWTSecret) < 32 {
		errs = append(errs, fmt.Errorf("JWT_SECRET must be at least 32 characters"))
	}

	if c.JWTAlgorithm != "HS256" && c.JWTAlgorithm != "HS384" && c.JWTAlgorithm != "HS512" {
		errs = append(errs, fmt.Errorf("JWT_ALGORITHM must be one of HS256, HS384, HS512"))
	}

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT must be between 1 and 65535"))
	}

	if !strings.HasPrefix(c.SocketPath, "/") {
		errs = append(errs, fmt.Errorf("SOCKET_PATH must start with /"))
	}

	if c.MaxConnections < 1 {
		errs = append(errs, fmt.Errorf("MAX_CONNECTIONS must be at least 1"))
	}

	if c.PingIntervalMS < 1000 {
		errs = append(errs, fmt.Errorf("PING_INTERVAL_MS must be at least 1000"))
	}
	if c.PingTimeoutMS < 100 {
		errs = append(errs, fmt.Errorf("PING_TIMEOUT_MS must be at least 100"))
	}
	if c.AuthDeadlineMS < 1000 {
		errs = append(errs, fmt.Errorf("AUTH_DEADLINE_MS must be at least 1000"))
	}

	for _, lim := range []struct {
		name  string
		value int
	}{
		{"RATE_LIMIT_WS_CONNECTIONS", c.RateLimitWSConnections},
		{"RATE_LIMIT_WS_MESSAGES", c.RateLimitWSMessages},
		{"RATE_LIMIT_API_REQUESTS", c.RateLimitAPIRequests},
		{"RATE_LIMIT_AUTH_ATTEMPTS", c.RateLimitAuthAttempts},
	} {
		if lim.value < 1 {
			errs = append(errs, fmt.Errorf("%s must be at least 1", lim.name))
		}
	}

	if c.PubSubEnabled {
		if c.PubSubHost == "" {
			errs = append(errs, fmt.Errorf("PUBSUB_HOST is required when PUBSUB_ENABLED is true"))
		}
		if c.PubSubPort < 1 || c.PubSubPort > 65535 {
			errs = append(errs, fmt.Errorf("PUBSUB_PORT must be between 1 and 65535"))
		}
	}

	if c.JWTAccessTTL < time.Second {
		errs = append(errs, fmt.Errorf("JWT_ACCESS_TTL must be at least 1s"))
	}
	if c.JWTRefreshTTL < time.Second {
		errs = append(errs, fmt.Errorf("JWT_REFRESH_TTL must be at least 1s"))
	}

	if c.AdminAPIKey == "" {
		errs = append(errs, fmt.Errorf("ADMIN_API_KEY is required"))
	} else if len(c.AdminAPIKey) < 16 {
		errs = append(errs, fmt.Errorf("ADMIN_API_KEY must be at least 16 characters"))
	}

	if c.ShutdownGrace < time.Second {
		errs = append(errs, fmt.Errorf("SHUTDOWN_GRACE must be at least 1s"))
	}

	switch c.LogLevel {
	case "error", "warn", "info", "debug":
	default:
		errs = append(errs, fmt.Errorf("LOG_LEVEL must be one of error, warn, info, debug"))
	}

	return errors.Join(errs...)
}

// parser collects parse errors so Load can report all invalid values at once.
type parser struct {
	errs []error
}

func (p *parser) int(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected integer)", key, v))
		return fallback
	}
	return n
}

func (p *parser) bool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected boolean)", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("invalid value for %s: %q (expected duration like \"30s\" or \"15m\")", key, v))
		return fallback
	}
	return d
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
