package config

import (
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	API      APIConfig
	Stream   StreamConfig
	LLM      LLMConfig
	Recovery RecoveryConfig
	Store    StoreConfig
	Log      LogConfig
}

// APIConfig holds the anonymization API configuration
type APIConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	Language string `mapstructure:"language"`
}

// StreamConfig holds the server-push stream configuration
type StreamConfig struct {
	// URL is the receive-only push endpoint.
	URL string `mapstructure:"url"`
	// SendURL is the companion endpoint for the client->server direction.
	SendURL string `mapstructure:"send_url"`
	// FallbackURL is the synchronous batch endpoint used in fallback mode.
	FallbackURL string `mapstructure:"fallback_url"`
}

// LLMConfig holds the direct-mode LLM configuration
type LLMConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
	Model   string `mapstructure:"model"`
}

// RecoveryConfig holds the retry/backoff/health tuning knobs.
type RecoveryConfig struct {
	MaxRetries          int           `mapstructure:"max_retries"`
	BaseDelay           time.Duration `mapstructure:"base_delay"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`
	MaxDelay            time.Duration `mapstructure:"max_delay"`
	JitterMax           time.Duration `mapstructure:"jitter_max"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval"`
	ProbeTimeout        time.Duration `mapstructure:"probe_timeout"`
	FallbackEnabled     bool          `mapstructure:"fallback_enabled"`
}

// StoreConfig holds the attestation record store configuration
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LogConfig holds the logging configuration
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Load loads the configuration from config.yaml, or from the file named by
// the CONFIG_PATH environment variable when set.
func Load() (*Config, error) {
	v := viper.New()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetDefault("api.language", "en")
	v.SetDefault("recovery.max_retries", 3)
	v.SetDefault("recovery.base_delay", time.Second)
	v.SetDefault("recovery.backoff_multiplier", 2.0)
	v.SetDefault("recovery.max_delay", 30*time.Second)
	v.SetDefault("recovery.jitter_max", time.Second)
	v.SetDefault("recovery.health_check_interval", 30*time.Second)
	v.SetDefault("recovery.probe_timeout", 5*time.Second)
	v.SetDefault("recovery.fallback_enabled", true)
	v.SetDefault("store.path", "attestations.db")
	v.SetDefault("log.level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
