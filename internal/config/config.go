// Package config loads and validates the pipeline's configuration
// surface: worker pool size, per-service rate limits, timeouts, retry
// policy, circuit-breaker thresholds, cache settings, checkpoint
// cadence, and the selected LLM provider.
package config

import (
	"bytes"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/jordigilh/korean-flashcard-pipeline/internal/errors"
)

// ServiceLimitsConfig holds the token-bucket ceilings for one logical
// LLM service (stage1 or stage2).
type ServiceLimitsConfig struct {
	RequestsPerMinute int `yaml:"rpm"`
	TokensPerMinute   int `yaml:"tpm"`
}

type TimeoutsConfig struct {
	Stage1Seconds int `yaml:"stage1_s"`
	Stage2Seconds int `yaml:"stage2_s"`
	ItemSeconds   int `yaml:"item_s"`
}

type RetryConfig struct {
	MaxAttempts int    `yaml:"max_attempts"`
	BaseDelayMs int    `yaml:"base_delay_ms"`
	MaxDelayMs  int    `yaml:"max_delay_ms"`
	Jitter      string `yaml:"jitter"` // none | full | equal
}

type BreakerConfig struct {
	FailureRatio         float64 `yaml:"failure_ratio"`
	MinThroughput        int     `yaml:"min_throughput"`
	WindowSeconds         int    `yaml:"window_s"`
	BreakDurationSeconds int     `yaml:"break_duration_s"`
	MaxProbes            int     `yaml:"max_probes"`
}

type CacheConfig struct {
	Codec        string `yaml:"codec"` // none | lz4 | gzip
	HotThreshold int    `yaml:"hot_threshold"`
	MaxBytes     int64  `yaml:"max_bytes"`
}

type CheckpointConfig struct {
	EveryN int `yaml:"every_n"`
}

// ProviderConfig selects the single LLM backend used for the run
// (multi-model arbitration is explicitly out of scope).
type ProviderConfig struct {
	Kind         string `yaml:"kind"` // http | anthropic | bedrock
	APIKey       string `yaml:"api_key"`
	ModelID      string `yaml:"model_id"`
	PresetStage1 string `yaml:"preset_stage1"`
	PresetStage2 string `yaml:"preset_stage2"`
	Endpoint     string `yaml:"endpoint"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// Config is the fully parsed, defaulted, validated configuration for
// one orchestrator run.
type Config struct {
	Workers      int                 `yaml:"workers"`
	Stage1       ServiceLimitsConfig `yaml:"stage1"`
	Stage2       ServiceLimitsConfig `yaml:"stage2"`
	SafetyFactor float64             `yaml:"safety_factor"`
	Timeouts     TimeoutsConfig      `yaml:"timeouts"`
	Retry        RetryConfig         `yaml:"retry"`
	Breaker      BreakerConfig       `yaml:"breaker"`
	Cache        CacheConfig         `yaml:"cache"`
	Checkpoint   CheckpointConfig    `yaml:"checkpoint"`
	Provider     ProviderConfig      `yaml:"provider"`
	Logging      LoggingConfig       `yaml:"logging"`
	Database     DatabaseConfig      `yaml:"database"`
}

const maxWorkers = 50

// DefaultConfig returns the same defaults Load applies to an empty
// YAML file, for callers that want to run without a config file.
func DefaultConfig() *Config {
	return defaults()
}

func defaults() *Config {
	return &Config{
		Workers: 5,
		Stage1:  ServiceLimitsConfig{RequestsPerMinute: 60, TokensPerMinute: 60000},
		Stage2:  ServiceLimitsConfig{RequestsPerMinute: 60, TokensPerMinute: 60000},
		SafetyFactor: 0.8,
		Timeouts: TimeoutsConfig{Stage1Seconds: 30, Stage2Seconds: 30, ItemSeconds: 90},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelayMs: 500,
			MaxDelayMs:  30000,
			Jitter:      "full",
		},
		Breaker: BreakerConfig{
			FailureRatio:         0.5,
			MinThroughput:        10,
			WindowSeconds:        60,
			BreakDurationSeconds: 30,
			MaxProbes:            1,
		},
		Cache: CacheConfig{
			Codec:        "lz4",
			HotThreshold: 5,
			MaxBytes:     512 * 1024 * 1024,
		},
		Checkpoint: CheckpointConfig{EveryN: 10},
		Provider:   ProviderConfig{Kind: "http"},
		Logging:    LoggingConfig{Level: "info", Format: "json"},
		Database:   DatabaseConfig{Path: "flashcards.db"},
	}
}

// Load reads path as YAML, rejects unrecognized top-level keys,
// applies defaults for anything unset, overlays environment variable
// overrides, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := defaults()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to apply environment overrides: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validJitter = map[string]bool{"none": true, "full": true, "equal": true}
var validCodec = map[string]bool{"none": true, "lz4": true, "gzip": true}
var validProvider = map[string]bool{"http": true, "anthropic": true, "bedrock": true}

func validate(cfg *Config) error {
	if cfg.Workers < 1 || cfg.Workers > maxWorkers {
		return apperrors.NewValidationError(
			fmt.Sprintf("workers must be between 1 and %d", maxWorkers))
	}
	if cfg.SafetyFactor <= 0 || cfg.SafetyFactor > 1 {
		return apperrors.NewValidationError("safety_factor must be in (0, 1]")
	}
	if !validJitter[cfg.Retry.Jitter] {
		return apperrors.NewValidationError("retry.jitter must be one of none, full, equal")
	}
	if cfg.Retry.MaxAttempts < 1 {
		return apperrors.NewValidationError("retry.max_attempts must be greater than 0")
	}
	if !validCodec[cfg.Cache.Codec] {
		return apperrors.NewValidationError("cache.codec must be one of none, lz4, gzip")
	}
	if cfg.Breaker.FailureRatio <= 0 || cfg.Breaker.FailureRatio > 1 {
		return apperrors.NewValidationError("breaker.failure_ratio must be in (0, 1]")
	}
	if cfg.Breaker.MaxProbes < 1 {
		return apperrors.NewValidationError("breaker.max_probes must be greater than 0")
	}
	if cfg.Checkpoint.EveryN < 1 {
		return apperrors.NewValidationError("checkpoint.every_n must be greater than 0")
	}
	if !validProvider[cfg.Provider.Kind] {
		return apperrors.NewValidationError("provider.kind must be one of http, anthropic, bedrock")
	}
	if cfg.Provider.ModelID == "" {
		return apperrors.NewValidationError("provider.model_id is required")
	}
	if cfg.Provider.Kind == "http" && cfg.Provider.Endpoint == "" {
		return apperrors.NewValidationError("provider.endpoint is required for the http provider")
	}
	return nil
}

// loadFromEnv overlays a small set of operational environment
// variables, letting deployments override the workers count, api
// key, and log level without editing the YAML file.
func loadFromEnv(cfg *Config) error {
	if v := os.Getenv("FLASHCARD_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("FLASHCARD_MODEL_ID"); v != "" {
		cfg.Provider.ModelID = v
	}
	if v := os.Getenv("FLASHCARD_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid FLASHCARD_WORKERS: %w", err)
		}
		cfg.Workers = n
	}
	if v := os.Getenv("FLASHCARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("FLASHCARD_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	return nil
}

// Stage1Timeout returns the configured Stage 1 LLM call timeout.
func (c *Config) Stage1Timeout() time.Duration {
	return time.Duration(c.Timeouts.Stage1Seconds) * time.Second
}

// Stage2Timeout returns the configured Stage 2 LLM call timeout.
func (c *Config) Stage2Timeout() time.Duration {
	return time.Duration(c.Timeouts.Stage2Seconds) * time.Second
}

// ItemTimeout returns the configured end-to-end per-item timeout.
func (c *Config) ItemTimeout() time.Duration {
	return time.Duration(c.Timeouts.ItemSeconds) * time.Second
}
