// Package config loads pipeline configuration from the environment, with
// sensible defaults, following the teacher's envdecode+godotenv loading
// pattern (pkg/config.Load).
package config

import (
	"fmt"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level process configuration, populated from environment
// variables per §6 of the specification.
type Config struct {
	DBPath             string `env:"DB_PATH"`
	ProviderToken      string `env:"PROVIDER_TOKEN"`
	LogLevel           string `env:"LOG_LEVEL"`
	ScheduleTimezone   string `env:"SCHEDULE_TIMEZONE"`
	RateLimitLowWater  int    `env:"RATE_LIMIT_LOW_WATER"`
	EnrichMaxAttempts  int    `env:"ENRICH_MAX_ATTEMPTS"`
	ProcessBatchSize   int    `env:"PROCESS_BATCH_SIZE"`
	RankWeightsRaw     string `env:"RANK_WEIGHTS"`
	HTTPAddr           string `env:"HTTP_ADDR"`
	ShutdownGraceSecs  int    `env:"SHUTDOWN_GRACE_SECONDS"`

	RankWeights RankWeights `env:"-"`
}

// RankWeights maps a ranking dimension to its contribution to total_score.
// Unset dimensions default to 0. See §4.8 and §9 open question (c).
type RankWeights struct {
	Volume         float64 `yaml:"volume"`
	Efficiency     float64 `yaml:"efficiency"`
	Impact         float64 `yaml:"impact"`
	Influence      float64 `yaml:"influence"`
	Popularity     float64 `yaml:"popularity"`
	Followers      float64 `yaml:"followers"`
	Completeness   float64 `yaml:"completeness"`
	Collaboration  float64 `yaml:"collaboration"`
}

// DefaultRankWeights is used when RANK_WEIGHTS is unset; a RANK_WEIGHTS
// value that fails to parse makes Load return an error instead.
func DefaultRankWeights() RankWeights {
	return RankWeights{
		Volume:        0.20,
		Efficiency:    0.15,
		Impact:        0.20,
		Influence:     0.10,
		Popularity:    0.10,
		Followers:     0.05,
		Completeness:  0.10,
		Collaboration: 0.10,
	}
}

// New returns a Config populated with defaults.
func New() *Config {
	return &Config{
		DBPath:            "pipeline.db",
		LogLevel:          "info",
		ScheduleTimezone:  "UTC",
		RateLimitLowWater: 100,
		EnrichMaxAttempts: 3,
		ProcessBatchSize:  100,
		HTTPAddr:          ":8088",
		ShutdownGraceSecs: 30,
		RankWeights:       DefaultRankWeights(),
	}
}

// Load reads a local .env file if present, then overlays environment
// variables onto the defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()
	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	if strings.TrimSpace(cfg.RankWeightsRaw) != "" {
		var w RankWeights
		if err := yaml.Unmarshal([]byte(cfg.RankWeightsRaw), &w); err != nil {
			return nil, fmt.Errorf("parse RANK_WEIGHTS: %w", err)
		}
		cfg.RankWeights = w
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks invariants that would otherwise surface as confusing
// failures deep inside a stage. A non-nil error here should map to CLI exit
// code 2 (invalid configuration) per §6.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.ProcessBatchSize < 1 || c.ProcessBatchSize > 1000 {
		return fmt.Errorf("PROCESS_BATCH_SIZE must be between 1 and 1000, got %d", c.ProcessBatchSize)
	}
	if c.EnrichMaxAttempts < 1 {
		return fmt.Errorf("ENRICH_MAX_ATTEMPTS must be at least 1, got %d", c.EnrichMaxAttempts)
	}
	if c.RateLimitLowWater < 0 {
		return fmt.Errorf("RATE_LIMIT_LOW_WATER must not be negative")
	}
	return nil
}
