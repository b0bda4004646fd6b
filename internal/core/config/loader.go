package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config usable without any file, backed by the
// in-memory store.
func Default() *AppConfig {
	cfg := &AppConfig{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *AppConfig) {
	if cfg.Breaker.FailureThreshold == 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.RecoveryTimeout == 0 {
		cfg.Breaker.RecoveryTimeout = 60 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.BaseDelay == 0 {
		cfg.Retry.BaseDelay = time.Second
	}
	if cfg.Retry.MaxDelay == 0 {
		cfg.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Pool.Size == 0 {
		cfg.Pool.Size = 3
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if cfg.Store.TTL == 0 {
		cfg.Store.TTL = time.Hour
	}
	if len(cfg.Stages) == 0 {
		// The extract stage is wide (CPU-bound OCR), the analyze stage
		// narrow (model-bound LLM calls).
		cfg.Stages = []StageConfig{
			{Name: "extract", Concurrency: 20, Timeout: 2 * time.Minute},
			{Name: "analyze", Concurrency: 6, Timeout: 5 * time.Minute},
		}
	}
	for i := range cfg.Stages {
		if cfg.Stages[i].Concurrency == 0 {
			cfg.Stages[i].Concurrency = 1
		}
	}
}

func validate(cfg *AppConfig) error {
	if cfg.Breaker.FailureThreshold < 0 {
		return fmt.Errorf("breaker.failure_threshold must be positive, got %d", cfg.Breaker.FailureThreshold)
	}
	if cfg.Pool.Size < 0 {
		return fmt.Errorf("pool.size must be positive, got %d", cfg.Pool.Size)
	}
	for _, s := range cfg.Stages {
		if s.Name == "" {
			return fmt.Errorf("stage name must not be empty")
		}
		if s.Concurrency < 0 {
			return fmt.Errorf("stage %s: concurrency must be positive, got %d", s.Name, s.Concurrency)
		}
	}
	switch cfg.Store.Backend {
	case "memory", "redis", "postgres":
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, postgres; got %q", cfg.Store.Backend)
	}
	return nil
}
