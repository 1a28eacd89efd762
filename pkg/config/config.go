// Package config provides the unified configuration for the vendorsync engine.
// A single Config structure covers the scheduler, connector reliability
// behavior, storage, and logging, loaded from YAML with environment variable
// substitution.
package config

import (
	"fmt"
	"time"
)

// Config is the top-level engine configuration.
type Config struct {
	// Sync controls job scheduling and execution
	Sync SyncConfig `yaml:"sync" json:"sync"`

	// Reliability controls retry, circuit breaker, and rate limit behavior
	// shared by all connectors
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`

	// Database configures the canonical record store
	Database DatabaseConfig `yaml:"database" json:"database"`

	// Redis optionally backs the rate-limit counters and token cache.
	// When Addr is empty, in-process implementations are used.
	Redis RedisConfig `yaml:"redis" json:"redis"`

	// Logging configures structured log output
	Logging LoggingConfig `yaml:"logging" json:"logging"`
}

// SyncConfig contains scheduler and job execution settings.
type SyncConfig struct {
	// MaxConcurrentJobs bounds the worker pool and the system-wide number
	// of jobs in the running state
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs" json:"max_concurrent_jobs"`
	// MaxRetries is the job-level retry limit before permanently_failed
	MaxRetries int `yaml:"max_retries" json:"max_retries"`
	// RetryBackoff is the job retry schedule, indexed by retry_count
	RetryBackoff []time.Duration `yaml:"retry_backoff" json:"retry_backoff"`
	// PollInterval is the queue polling cadence
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
	// JobTimeout is the wall-clock limit applied to one job run
	JobTimeout time.Duration `yaml:"job_timeout" json:"job_timeout"`
	// DefaultBatchSize is the page size used when a job does not set one
	DefaultBatchSize int `yaml:"default_batch_size" json:"default_batch_size"`
	// MaxPages caps the per-entity pagination loop
	MaxPages int `yaml:"max_pages" json:"max_pages"`
}

// ReliabilityConfig contains connector-level resilience settings.
type ReliabilityConfig struct {
	// RetryAttempts sets maximum attempts for one API call
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// FailureThreshold is the consecutive-failure count that opens a breaker
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	// BreakerInterval is how long an open breaker rejects calls
	BreakerInterval time.Duration `yaml:"breaker_interval" json:"breaker_interval"`
	// RequestTimeout bounds a single outbound request
	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
}

// DatabaseConfig contains the record store connection settings.
type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
}

// RedisConfig contains optional Redis settings.
type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
}

// LoggingConfig contains log output settings.
type LoggingConfig struct {
	Level       string `yaml:"level" json:"level"`
	Development bool   `yaml:"development" json:"development"`
	Encoding    string `yaml:"encoding" json:"encoding"`
}

// Default returns a Config populated with production defaults.
func Default() *Config {
	return &Config{
		Sync: SyncConfig{
			MaxConcurrentJobs: 10,
			MaxRetries:        3,
			RetryBackoff:      []time.Duration{60 * time.Second, 300 * time.Second, 600 * time.Second},
			PollInterval:      10 * time.Second,
			JobTimeout:        30 * time.Minute,
			DefaultBatchSize:  50,
			MaxPages:          1000,
		},
		Reliability: ReliabilityConfig{
			RetryAttempts:    3,
			FailureThreshold: 5,
			BreakerInterval:  60 * time.Second,
			RequestTimeout:   30 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
	}
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Sync.MaxConcurrentJobs <= 0 {
		return fmt.Errorf("sync.max_concurrent_jobs must be positive, got %d", c.Sync.MaxConcurrentJobs)
	}
	if c.Sync.MaxRetries < 0 {
		return fmt.Errorf("sync.max_retries must not be negative, got %d", c.Sync.MaxRetries)
	}
	if c.Sync.MaxPages <= 0 {
		return fmt.Errorf("sync.max_pages must be positive, got %d", c.Sync.MaxPages)
	}
	if c.Sync.DefaultBatchSize <= 0 {
		return fmt.Errorf("sync.default_batch_size must be positive, got %d", c.Sync.DefaultBatchSize)
	}
	if c.Reliability.RetryAttempts <= 0 {
		return fmt.Errorf("reliability.retry_attempts must be positive, got %d", c.Reliability.RetryAttempts)
	}
	if c.Reliability.FailureThreshold <= 0 {
		return fmt.Errorf("reliability.failure_threshold must be positive, got %d", c.Reliability.FailureThreshold)
	}
	return nil
}

// BackoffFor returns the retry delay for a given retry count. Counts past
// the end of the schedule reuse the last entry.
func (c *SyncConfig) BackoffFor(retryCount int) time.Duration {
	if len(c.RetryBackoff) == 0 {
		return 5 * time.Minute
	}
	if retryCount >= len(c.RetryBackoff) {
		return c.RetryBackoff[len(c.RetryBackoff)-1]
	}
	if retryCount < 0 {
		retryCount = 0
	}
	return c.RetryBackoff[retryCount]
}
