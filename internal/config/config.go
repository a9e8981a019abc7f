// Package config parses and validates jobpoold configuration from environment
// variables using caarlos0/env/v11.
//
// Call [Load] once at startup. A .env file in the working directory is read
// first when present; variables already set in the environment win.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/petrijr/jobpool/pkg/api"
)

// Supported broker backends.
const (
	BrokerMemory   = "memory"
	BrokerSQLite   = "sqlite"
	BrokerPostgres = "postgres"
	BrokerRedis    = "redis"
	BrokerMongo    = "mongo"
)

// Supported worker backends.
const (
	BackendGoroutine = "goroutine"
	BackendProcess   = "process"
)

// Config holds all daemon configuration sourced from environment variables.
type Config struct {
	// ── Broker ───────────────────────────────────────────────────────────────────
	Broker string `env:"JOBPOOL_BROKER" envDefault:"sqlite"`
	// DSN is a file DSN for sqlite, a URL for postgres, redis and mongo.
	DSN           string        `env:"JOBPOOL_DSN"            envDefault:"file:jobpool.db?_pragma=busy_timeout(5000)"`
	Tubes         []string      `env:"JOBPOOL_TUBES"          envDefault:"default" envSeparator:","`
	TTR           time.Duration `env:"JOBPOOL_TTR"            envDefault:"60s"`
	RedisPrefix   string        `env:"JOBPOOL_REDIS_PREFIX"   envDefault:"jobpool:"`
	MongoDatabase string        `env:"JOBPOOL_MONGO_DATABASE" envDefault:"jobpool"`

	// ── Pool ─────────────────────────────────────────────────────────────────────
	Size         int           `env:"JOBPOOL_SIZE"          envDefault:"4"`
	BufferFactor int           `env:"JOBPOOL_BUFFER_FACTOR" envDefault:"5"`
	Timeout      time.Duration `env:"JOBPOOL_TIMEOUT"       envDefault:"1s"`
	JoinTimeout  time.Duration `env:"JOBPOOL_JOIN_TIMEOUT"  envDefault:"30s"`

	// ── Workers ──────────────────────────────────────────────────────────────────
	Backend   string        `env:"JOBPOOL_BACKEND"    envDefault:"goroutine"`
	IPCDir    string        `env:"JOBPOOL_IPC_DIR"`
	IdleSleep time.Duration `env:"JOBPOOL_IDLE_SLEEP" envDefault:"500ms"`

	// ── Retries ──────────────────────────────────────────────────────────────────
	// MaxAttempts of 0 retries forever.
	MaxAttempts     int           `env:"JOBPOOL_MAX_ATTEMPTS"      envDefault:"5"`
	RetryBackoff    time.Duration `env:"JOBPOOL_RETRY_BACKOFF"     envDefault:"1s"`
	RetryMaxBackoff time.Duration `env:"JOBPOOL_RETRY_MAX_BACKOFF" envDefault:"5m"`

	// ── Observability ────────────────────────────────────────────────────────────
	// MetricsAddr empty disables the metrics server.
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	LogLevel    string `env:"LOG_LEVEL"    envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"   envDefault:"text"`
}

// Load reads the given .env files (".env" when none are named), then parses
// Config from the environment. Missing .env files are not an error.
func Load(envFiles ...string) (*Config, error) {
	if err := godotenv.Load(envFiles...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Broker {
	case BrokerMemory, BrokerSQLite, BrokerPostgres, BrokerRedis, BrokerMongo:
	default:
		return fmt.Errorf("JOBPOOL_BROKER: unknown broker %q", c.Broker)
	}
	if c.Broker != BrokerMemory && c.DSN == "" {
		return errors.New("JOBPOOL_DSN: required for broker " + c.Broker)
	}
	switch c.Backend {
	case BackendGoroutine, BackendProcess:
	default:
		return fmt.Errorf("JOBPOOL_BACKEND: unknown worker backend %q", c.Backend)
	}
	if len(c.TubeList()) == 0 {
		return errors.New("JOBPOOL_TUBES: at least one tube is required")
	}
	if c.Size < 0 {
		return fmt.Errorf("JOBPOOL_SIZE: must not be negative, got %d", c.Size)
	}
	if c.BufferFactor < 1 {
		return fmt.Errorf("JOBPOOL_BUFFER_FACTOR: must be at least 1, got %d", c.BufferFactor)
	}
	if c.Timeout <= 0 {
		return errors.New("JOBPOOL_TIMEOUT: must be positive")
	}
	if c.TTR < time.Second {
		return fmt.Errorf("JOBPOOL_TTR: must be at least 1s, got %s", c.TTR)
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("JOBPOOL_MAX_ATTEMPTS: must not be negative, got %d", c.MaxAttempts)
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("LOG_FORMAT: must be text or json, got %q", c.LogFormat)
	}
	return nil
}

// TubeList returns the configured tubes with blanks dropped.
func (c *Config) TubeList() []string {
	out := make([]string, 0, len(c.Tubes))
	for _, t := range c.Tubes {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}

// ReleasePolicy builds the retry policy. Backoff doubles per delivery.
func (c *Config) ReleasePolicy() api.ReleasePolicy {
	return api.ReleasePolicy{
		MaxAttempts:       c.MaxAttempts,
		InitialBackoff:    c.RetryBackoff,
		BackoffMultiplier: 2,
		MaxBackoff:        c.RetryMaxBackoff,
	}
}
