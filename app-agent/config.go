package main

import (
	"fmt"
	"os"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/vettid/vettid-app/transport"
)

// Config holds the app agent configuration. Values come from the YAML file
// when present, with environment variables taking precedence.
type Config struct {
	// OwnerSpace is this user's GUID; all vault subjects derive from it
	OwnerSpace string `yaml:"owner_space" env:"VETTID_OWNER_SPACE"`

	// StorePath is the encrypted SQLite database location
	StorePath string `yaml:"store_path" env:"VETTID_STORE_PATH"`

	// DEKFile holds the 32-byte data encryption key
	DEKFile string `yaml:"dek_file" env:"VETTID_DEK_FILE"`

	// NATS connection settings
	NATS transport.Config `yaml:"nats"`

	// RetentionDays is how long synced offline actions are kept
	RetentionDays int `yaml:"retention_days" env:"VETTID_RETENTION_DAYS"`

	// DevMode enables console logging
	DevMode bool `yaml:"dev_mode" env:"VETTID_DEV_MODE"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		StorePath: "vettid-app.db",
		NATS: transport.Config{
			URL:           "nats://localhost:4222",
			ReconnectWait: 2000,
			MaxReconnects: -1,
		},
		RetentionDays: 7,
	}
}

// LoadConfig loads configuration from a YAML file and the environment
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if cfg.OwnerSpace == "" {
		return nil, fmt.Errorf("owner_space is required")
	}
	if cfg.DEKFile == "" {
		return nil, fmt.Errorf("dek_file is required")
	}

	return cfg, nil
}

// loadDEK reads and validates the data encryption key
func loadDEK(path string) ([]byte, error) {
	dek, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read DEK file: %w", err)
	}
	if len(dek) != 32 {
		return nil, fmt.Errorf("DEK must be 32 bytes, got %d", len(dek))
	}
	return dek, nil
}
