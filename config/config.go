/*
Package config loads the service configuration.

SOURCES (later wins):
 1. Built-in defaults
 2. YAML file (optional; path from --config)
 3. .env file in the working directory (optional)
 4. LE_* environment variables

ENVIRONMENT OVERRIDES:
  LE_PORT, LE_DB_PATH, LE_GATEWAY_URL, LE_GATEWAY_TOKEN, LE_GATEWAY_FAKE,
  LE_REDIS_ADDR, LE_ARCHIVE_BUCKET, LE_ARCHIVE_REGION, LE_LOG_LEVEL,
  LE_SCHEDULER_INTERVAL (Go duration), LE_WORKERS

Per-employer reporting settings are not here: they are domain data stored
through pipeline.Service.SaveConfig.
*/
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Redis     RedisConfig     `yaml:"redis"`
	Archive   ArchiveConfig   `yaml:"archive"`
	Log       LogConfig       `yaml:"log"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port                   int      `yaml:"port"`
	AllowedOrigins         []string `yaml:"allowed_origins"`
	ShutdownTimeoutSeconds int      `yaml:"shutdown_timeout_seconds"`
}

// DatabaseConfig configures the SQLite store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// GatewayConfig configures the outbound transport. Fake replaces the HTTP
// client with the in-memory transport for local runs.
type GatewayConfig struct {
	URL                    string `yaml:"url"`
	Token                  string `yaml:"token"`
	Fake                   bool   `yaml:"fake"`
	TimeoutSeconds         int    `yaml:"timeout_seconds"`
	MaxRetries             int    `yaml:"max_retries"`
	RetryDelayMillis       int    `yaml:"retry_delay_millis"`
	BreakerFailures        int    `yaml:"breaker_failures"`
	BreakerCooldownSeconds int    `yaml:"breaker_cooldown_seconds"`
}

// RedisConfig enables the distributed batch lock when Addr is set.
type RedisConfig struct {
	Addr       string `yaml:"addr"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	LockTTLSec int    `yaml:"lock_ttl_seconds"`
}

// ArchiveConfig enables the S3 document archive when Bucket is set.
type ArchiveConfig struct {
	Bucket string `yaml:"bucket"`
	Prefix string `yaml:"prefix"`
	Region string `yaml:"region"`
}

// LogConfig configures zap.
type LogConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// SchedulerConfig drives the in-process dispatcher loop.
type SchedulerConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// PipelineConfig tunes the pipeline service.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

// Load reads the optional YAML file at path, then .env and LE_* overrides,
// fills defaults and validates the result.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// .env is optional.
	_ = godotenv.Load()

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("LE_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LE_PORT: %w", err)
		}
		cfg.Server.Port = port
	}
	if v := os.Getenv("LE_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LE_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("LE_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("LE_GATEWAY_FAKE"); v != "" {
		fake, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("LE_GATEWAY_FAKE: %w", err)
		}
		cfg.Gateway.Fake = fake
	}
	if v := os.Getenv("LE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("LE_ARCHIVE_BUCKET"); v != "" {
		cfg.Archive.Bucket = v
	}
	if v := os.Getenv("LE_ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	if v := os.Getenv("LE_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LE_SCHEDULER_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LE_SCHEDULER_INTERVAL: %w", err)
		}
		cfg.Scheduler.Interval = d
		cfg.Scheduler.Enabled = true
	}
	if v := os.Getenv("LE_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("LE_WORKERS: %w", err)
		}
		cfg.Pipeline.Workers = n
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	if cfg.Server.ShutdownTimeoutSeconds == 0 {
		cfg.Server.ShutdownTimeoutSeconds = 30
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "./labor-events.db"
	}
	if cfg.Gateway.TimeoutSeconds == 0 {
		cfg.Gateway.TimeoutSeconds = 30
	}
	if cfg.Gateway.MaxRetries == 0 {
		cfg.Gateway.MaxRetries = 3
	}
	if cfg.Gateway.RetryDelayMillis == 0 {
		cfg.Gateway.RetryDelayMillis = 1000
	}
	if cfg.Gateway.BreakerFailures == 0 {
		cfg.Gateway.BreakerFailures = 5
	}
	if cfg.Gateway.BreakerCooldownSeconds == 0 {
		cfg.Gateway.BreakerCooldownSeconds = 60
	}
	if cfg.Redis.LockTTLSec == 0 {
		cfg.Redis.LockTTLSec = 60
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Scheduler.Interval == 0 {
		cfg.Scheduler.Interval = time.Hour
	}
	if cfg.Pipeline.Workers == 0 {
		cfg.Pipeline.Workers = 4
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if !c.Gateway.Fake && c.Gateway.URL == "" {
		errs = append(errs, errors.New("gateway.url is required unless gateway.fake is set"))
	}
	if c.Gateway.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway.max_retries must not be negative"))
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level))
	}
	if c.Scheduler.Interval < time.Second {
		errs = append(errs, fmt.Errorf("scheduler.interval %s is below one second", c.Scheduler.Interval))
	}
	if c.Pipeline.Workers < 1 {
		errs = append(errs, errors.New("pipeline.workers must be at least 1"))
	}
	return errors.Join(errs...)
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string { return fmt.Sprintf(":%d", s.Port) }

// ShutdownTimeout returns the graceful shutdown budget.
func (s ServerConfig) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}

// Timeout returns the per-request gateway timeout.
func (g GatewayConfig) Timeout() time.Duration { return time.Duration(g.TimeoutSeconds) * time.Second }

// RetryDelay returns the base retry backoff.
func (g GatewayConfig) RetryDelay() time.Duration {
	return time.Duration(g.RetryDelayMillis) * time.Millisecond
}

// BreakerCooldown returns how long an open breaker stays open.
func (g GatewayConfig) BreakerCooldown() time.Duration {
	return time.Duration(g.BreakerCooldownSeconds) * time.Second
}

// LockTTL returns the Redis lock expiry.
func (r RedisConfig) LockTTL() time.Duration { return time.Duration(r.LockTTLSec) * time.Second }
