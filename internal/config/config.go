// Package config provides configuration management for AvatarHub
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Quota   QuotaConfig   `mapstructure:"quota"`
	Speech  SpeechConfig  `mapstructure:"speech"`
	Remote  RemoteConfig  `mapstructure:"remote"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// QuotaConfig configures the usage ledger
type QuotaConfig struct {
	TotalMinutes   float64 `mapstructure:"total_minutes"`
	WarningMinutes float64 `mapstructure:"warning_minutes"` // remaining-minutes warning threshold
}

// SpeechConfig configures the local text-to-speech fallback
type SpeechConfig struct {
	Rate        float64 `mapstructure:"rate"`
	Pitch       float64 `mapstructure:"pitch"`
	Volume      float64 `mapstructure:"volume"`
	VoiceName   string  `mapstructure:"voice_name"`
	VoiceLocale string  `mapstructure:"voice_locale"`
}

// RemoteConfig configures the remote streaming avatar service
type RemoteConfig struct {
	TokenURL    string        `mapstructure:"token_url"`
	StreamURL   string        `mapstructure:"stream_url"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"` // <= 0 disables idle teardown
}

// StorageConfig configures durable client storage
type StorageConfig struct {
	Dir string `mapstructure:"dir"`
}

// LoggingConfig configures structured logging output
type LoggingConfig struct {
	Level string `mapstructure:"level"`
	Dir   string `mapstructure:"dir"`
}

// MetricsConfig configures the Prometheus endpoint
type MetricsConfig struct {
	ListenAddr string `mapstructure:"listen_addr"` // empty disables the endpoint
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Quota: QuotaConfig{
			TotalMinutes:   20,
			WarningMinutes: 5,
		},
		Speech: SpeechConfig{
			Rate:   1.0,
			Pitch:  1.0,
			Volume: 1.0,
		},
		Remote: RemoteConfig{
			TokenURL:    "http://localhost:8080/api/avatar/token",
			StreamURL:   "ws://localhost:8080/api/avatar/stream",
			DialTimeout: 15 * time.Second,
			IdleTimeout: 2 * time.Minute,
		},
		Storage: StorageConfig{
			Dir: filepath.Join(home, ".avatarhub", "data"),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Metrics: MetricsConfig{
			ListenAddr: "",
		},
	}
}

// Load reads configuration from file and environment
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configDir, err := GetConfigDir()
	if err != nil {
		return cfg, err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return cfg, err
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	// Environment variable overrides
	viper.SetEnvPrefix("AVATARHUB")
	viper.AutomaticEnv()

	// Read config file if it exists
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, err
		}
		// Config file not found, use defaults and create one
		if err := Save(cfg); err != nil {
			return cfg, err
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// Save writes the configuration to file
func Save(cfg *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return err
	}

	viper.Set("quota", cfg.Quota)
	viper.Set("speech", cfg.Speech)
	viper.Set("remote", cfg.Remote)
	viper.Set("storage", cfg.Storage)
	viper.Set("logging", cfg.Logging)
	viper.Set("metrics", cfg.Metrics)

	return viper.WriteConfigAs(filepath.Join(configDir, "config.yaml"))
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".avatarhub"), nil
}
