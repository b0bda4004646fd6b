package config

import (
	"time"

	"github.com/altiora/conductor/internal/jobstore"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server   ServerConfig            `yaml:"server"`
	Breaker  BreakerConfig           `yaml:"breaker"`
	Retry    RetryConfig             `yaml:"retry"`
	Pool     PoolConfig              `yaml:"pool"`
	Stages   []StageConfig           `yaml:"stages"`
	Store    StoreConfig             `yaml:"store"`
	Redis    jobstore.RedisConfig    `yaml:"redis"`
	Database jobstore.PostgresConfig `yaml:"database"`
	Logging  LoggingConfig           `yaml:"logging"`
}

// ServerConfig holds status/metrics HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout"`
}

// RetryConfig holds retry/backoff settings.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// PoolConfig sizes the model session pool.
type PoolConfig struct {
	Size int `yaml:"size"`
}

// StageConfig holds settings for one pipeline stage.
type StageConfig struct {
	Name        string        `yaml:"name"`
	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"` // per-attempt deadline, 0 = none
}

// StoreConfig selects the job store backend.
type StoreConfig struct {
	Backend string        `yaml:"backend"` // redis, postgres, memory
	TTL     time.Duration `yaml:"ttl"`
}
