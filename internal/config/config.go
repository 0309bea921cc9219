// Package config loads and validates orchestrator configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Backend names shared by the store and dispatch sections.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	RateLimit RateLimitConfig `mapstructure:"ratelimit"`
	Worker    WorkerConfig    `mapstructure:"worker"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// DatabaseConfig controls access to the job store.
type DatabaseConfig struct {
	Backend         string        `mapstructure:"backend"`
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MigrateOnStart  bool          `mapstructure:"migrate_on_start"`
}

// RedisConfig controls the dispatch broker.
type RedisConfig struct {
	Backend            string        `mapstructure:"backend"`
	URL                string        `mapstructure:"url"`
	Prefix             string        `mapstructure:"prefix"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	CompletedRetention int64         `mapstructure:"completed_retention"`
	FailedRetention    int64         `mapstructure:"failed_retention"`
	LeaseTimeout       time.Duration `mapstructure:"lease_timeout"`
}

// ScraperConfig configures the fetch service and per-job defaults.
type ScraperConfig struct {
	APIURL      string        `mapstructure:"api_url"`
	Concurrency int           `mapstructure:"concurrency"`
	RetryLimit  int           `mapstructure:"retry_limit"`
	Timeout     time.Duration `mapstructure:"timeout"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// RateLimitConfig bounds fetch starts across the whole pool.
type RateLimitConfig struct {
	Max    int           `mapstructure:"max"`
	Window time.Duration `mapstructure:"window"`
}

// WorkerConfig tunes the worker pool.
type WorkerConfig struct {
	PauseRecheck   time.Duration `mapstructure:"pause_recheck"`
	MaxQueueErrors int           `mapstructure:"max_queue_errors"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid configuration:\n  - " + strings.Join(e.Problems, "\n  - ")
}

// legacyEnv maps config keys to the unprefixed variable names used by
// existing deployments.
var legacyEnv = map[string]string{
	"server.port":         "PORT",
	"database.dsn":        "DATABASE_URL",
	"redis.url":           "REDIS_URL",
	"scraper.api_url":     "SCRAPER_API_URL",
	"scraper.concurrency": "SCRAPER_CONCURRENCY",
	"scraper.retry_limit": "SCRAPER_RETRY_LIMIT",
	"scraper.timeout":     "SCRAPER_TIMEOUT",
	"logging.level":       "LOG_LEVEL",
}

// Load builds a Config from .env, disk, and environment.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("ORCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "ORCH_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.request_timeout", 60*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("database.backend", BackendPostgres)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 1)
	v.SetDefault("database.max_conn_lifetime", 30*time.Minute)
	v.SetDefault("database.migrate_on_start", false)
	v.SetDefault("redis.backend", BackendRedis)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.prefix", "scrape")
	v.SetDefault("redis.poll_interval", 200*time.Millisecond)
	v.SetDefault("redis.completed_retention", 1000)
	v.SetDefault("redis.failed_retention", 10000)
	v.SetDefault("redis.lease_timeout", 5*time.Minute)
	v.SetDefault("scraper.api_url", "https://pitchbook-scraper-api.onrender.com/scrape")
	v.SetDefault("scraper.concurrency", 3)
	v.SetDefault("scraper.retry_limit", 3)
	v.SetDefault("scraper.timeout", 30*time.Second)
	v.SetDefault("scraper.backoff_base", 2*time.Second)
	v.SetDefault("scraper.backoff_max", 5*time.Minute)
	v.SetDefault("ratelimit.max", 5)
	v.SetDefault("ratelimit.window", time.Second)
	v.SetDefault("worker.pause_recheck", 2*time.Second)
	v.SetDefault("worker.max_queue_errors", 5)
}

// Validate enforces required values and reasonable limits. All problems are
// reported together so operators can fix a deployment in one pass.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port <= 0 {
		add("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		add("auth.api_key must be set when auth is enabled")
	}
	switch c.Database.Backend {
	case BackendPostgres:
		if c.Database.DSN == "" {
			add("database.dsn is required (DATABASE_URL)")
		}
	case BackendMemory:
	default:
		add("database.backend must be %q or %q", BackendPostgres, BackendMemory)
	}
	switch c.Redis.Backend {
	case BackendRedis:
		if c.Redis.URL == "" {
			add("redis.url is required (REDIS_URL)")
		}
	case BackendMemory:
	default:
		add("redis.backend must be %q or %q", BackendRedis, BackendMemory)
	}
	if c.Scraper.APIURL == "" {
		add("scraper.api_url is required (SCRAPER_API_URL)")
	}
	if c.Scraper.Concurrency <= 0 {
		add("scraper.concurrency must be > 0")
	}
	if c.Scraper.RetryLimit < 0 {
		add("scraper.retry_limit must be >= 0")
	}
	if c.Scraper.Timeout <= 0 {
		add("scraper.timeout must be > 0")
	}
	if c.Redis.Backend == BackendRedis && c.Redis.LeaseTimeout > 0 && c.Redis.LeaseTimeout <= c.Scraper.Timeout {
		add("redis.lease_timeout must be longer than scraper.timeout")
	}
	if c.RateLimit.Max > 0 && c.RateLimit.Window <= 0 {
		add("ratelimit.window must be > 0 when ratelimit.max is set")
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}
