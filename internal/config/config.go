// Package config handles configuration loading and management for qefleet.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/qefleet/qefleet/internal/policy"
	"github.com/qefleet/qefleet/pkg/models"
)

// Config holds all configuration for qefleet.
type Config struct {
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	Defaults  DefaultsConfig  `mapstructure:"defaults"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Learning  LearningConfig  `mapstructure:"learning"`
	Tiers     []TierConfig    `mapstructure:"tiers"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `mapstructure:"api_key"`
	// UseAWSBedrock routes API calls through AWS Bedrock instead of the
	// direct API.
	UseAWSBedrock bool   `mapstructure:"use_aws_bedrock"`
	AWSRegion     string `mapstructure:"aws_region"`
	AWSProfile    string `mapstructure:"aws_profile"`
}

// DefaultsConfig holds engine defaults applied to every workflow run.
type DefaultsConfig struct {
	MaxInFlight  int           `mapstructure:"max_in_flight"`
	MaxRetries   int           `mapstructure:"max_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	TaskDeadline time.Duration `mapstructure:"task_deadline"`
	LockLease    time.Duration `mapstructure:"lock_lease"`
	ResultTTL    time.Duration `mapstructure:"result_ttl"`
}

// RedisConfig holds the optional Redis coordination store settings.
// When disabled, the fleet runs on the in-process store.
type RedisConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LearningConfig holds the tier-selection policy settings.
type LearningConfig struct {
	// Alpha is the learning rate for value updates.
	Alpha float64 `mapstructure:"alpha"`
	// DecayAlpha switches to a decaying per-state learning rate.
	DecayAlpha bool `mapstructure:"decay_alpha"`
	// Epsilon is the training-mode exploration probability.
	Epsilon float64 `mapstructure:"epsilon"`
	// Training enables exploration. Outside training, selection is
	// deterministic.
	Training bool `mapstructure:"training"`
	// MinVisits is the sample count below which a tier estimate is
	// treated as cold.
	MinVisits int `mapstructure:"min_visits"`
	// DBPath is the policy database location. Empty uses the XDG default.
	DBPath string `mapstructure:"db_path"`
	// SizeBrackets are the input-size boundaries for feature bucketing.
	SizeBrackets []int `mapstructure:"size_brackets"`

	RewardWeights policy.RewardWeights `mapstructure:"reward_weights"`
	RewardScale   policy.RewardScale   `mapstructure:"reward_scale"`
}

// TierConfig describes one execution tier loaded from YAML.
type TierConfig struct {
	// ID is the tier name (fast, standard, deep).
	ID string `mapstructure:"id"`
	// Model is the Claude model backing this tier.
	Model string `mapstructure:"model"`
	// ExpectedCost is the configured per-task cost estimate.
	ExpectedCost float64 `mapstructure:"expected_cost"`
	// ExpectedQuality is the configured quality estimate (0..1).
	ExpectedQuality float64 `mapstructure:"expected_quality"`
}

// Tier returns the tier identifier as a model type.
func (tc TierConfig) Tier() models.Tier {
	return models.Tier(tc.ID)
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ANTHROPIC_API_KEY, QEFLEET_REDIS_ADDR)
// 2. Project config (.qefleet.yaml in current directory or parent)
// 3. User config (~/.config/qefleet/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("anthropic.api_key", "ANTHROPIC_API_KEY")
	v.BindEnv("redis.addr", "QEFLEET_REDIS_ADDR")
	v.BindEnv("redis.password", "QEFLEET_REDIS_PASSWORD")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	// Expand ${VAR} references
	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Redis.Password = expandEnv(cfg.Redis.Password)

	if len(cfg.Tiers) == 0 {
		cfg.Tiers = DefaultTiers()
	}

	return cfg, nil
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("anthropic.api_key", "")
	v.SetDefault("anthropic.use_aws_bedrock", false)

	v.SetDefault("defaults.max_in_flight", 4)
	v.SetDefault("defaults.max_retries", 3)
	v.SetDefault("defaults.retry_backoff", "1s")
	v.SetDefault("defaults.task_deadline", "10m")
	v.SetDefault("defaults.lock_lease", "10m")
	v.SetDefault("defaults.result_ttl", "10m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", "qefleet")

	v.SetDefault("learning.alpha", 0.3)
	v.SetDefault("learning.decay_alpha", false)
	v.SetDefault("learning.epsilon", 0.1)
	v.SetDefault("learning.training", false)
	v.SetDefault("learning.min_visits", 3)
	v.SetDefault("learning.size_brackets", []int{1024, 8192})
	v.SetDefault("learning.reward_weights.quality", 0.7)
	v.SetDefault("learning.reward_weights.cost", 0.2)
	v.SetDefault("learning.reward_weights.latency", 0.1)
	v.SetDefault("learning.reward_scale.max_cost", 1.0)
	v.SetDefault("learning.reward_scale.max_latency", "5m")
}

// DefaultTiers returns the standard three-tier ladder.
func DefaultTiers() []TierConfig {
	return []TierConfig{
		{ID: "fast", Model: "claude-3-5-haiku-20241022", ExpectedCost: 0.01, ExpectedQuality: 0.7},
		{ID: "standard", Model: "claude-sonnet-4-20250514", ExpectedCost: 0.05, ExpectedQuality: 0.85},
		{ID: "deep", Model: "claude-opus-4-1-20250805", ExpectedCost: 0.25, ExpectedQuality: 0.95},
	}
}

// getUserConfigDir returns the XDG config directory for qefleet.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "qefleet")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "qefleet")
	}
	return filepath.Join(home, ".config", "qefleet")
}

// findProjectConfig searches for .qefleet.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".qefleet.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Defaults: DefaultsConfig{
			MaxInFlight:  4,
			MaxRetries:   3,
			RetryBackoff: time.Second,
			TaskDeadline: 10 * time.Minute,
			LockLease:    10 * time.Minute,
			ResultTTL:    10 * time.Minute,
		},
		Redis: RedisConfig{
			Addr:      "localhost:6379",
			KeyPrefix: "qefleet",
		},
		Learning: LearningConfig{
			Alpha:         0.3,
			Epsilon:       0.1,
			MinVisits:     3,
			SizeBrackets:  []int{1024, 8192},
			RewardWeights: policy.DefaultRewardWeights(),
			RewardScale:   policy.DefaultRewardScale(),
		},
		Tiers: DefaultTiers(),
	}
}
