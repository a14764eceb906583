package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/catherinevee/evidencemgr/internal/logger"
	"github.com/catherinevee/evidencemgr/internal/vault"
)

// Config represents the application configuration
type Config struct {
	Logging    logger.Config    `yaml:"logging"`
	Vault      VaultConfig      `yaml:"vault"`
	Store      StoreConfig      `yaml:"store"`
	Collection CollectionConfig `yaml:"collection"`
}

// VaultConfig holds the credential encryption secrets. Both values are
// normally injected through the environment rather than written into the
// config file.
type VaultConfig struct {
	MasterKey string `yaml:"master_key"`
	Salt      string `yaml:"salt"`
}

// StoreConfig represents evidence store configuration
type StoreConfig struct {
	// Type selects the backend: "sqlite" or "memory"
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

// CollectionConfig tunes orchestrator resilience behavior
type CollectionConfig struct {
	MaxRetryAttempts        int           `yaml:"max_retry_attempts"`
	RetryInitialDelay       time.Duration `yaml:"retry_initial_delay"`
	RetryMaxDelay           time.Duration `yaml:"retry_max_delay"`
	BreakerFailureThreshold uint32        `yaml:"breaker_failure_threshold"`
	BreakerTimeout          time.Duration `yaml:"breaker_timeout"`
	DedupWindow             time.Duration `yaml:"dedup_window"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Logging: logger.Config{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Store: StoreConfig{
			Type: "sqlite",
			Path: "evidencemgr.db",
		},
		Collection: CollectionConfig{
			MaxRetryAttempts:        5,
			RetryInitialDelay:       2 * time.Second,
			RetryMaxDelay:           60 * time.Second,
			BreakerFailureThreshold: 5,
			BreakerTimeout:          30 * time.Second,
			DedupWindow:             24 * time.Hour,
		},
	}
}

// Load reads configuration from an optional YAML file, applies environment
// overrides and validates the result. An empty path loads defaults plus
// environment only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays environment variables onto the loaded configuration.
// Secrets always win from the environment so they stay out of files.
func (c *Config) applyEnv() {
	if v := os.Getenv("EVIDENCEMGR_MASTER_KEY"); v != "" {
		c.Vault.MasterKey = v
	}
	if v := os.Getenv("EVIDENCEMGR_VAULT_SALT"); v != "" {
		c.Vault.Salt = v
	}
	if v := os.Getenv("EVIDENCEMGR_DB_PATH"); v != "" {
		c.Store.Path = v
	}
	if v := os.Getenv("EVIDENCEMGR_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("EVIDENCEMGR_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

// Validate rejects configurations that would fail at first use. A short
// master key is refused here, at startup, rather than surfacing later as a
// job failure.
func (c *Config) Validate() error {
	if len(c.Vault.MasterKey) < vault.MinMasterKeyLength {
		return fmt.Errorf("vault master key must be at least %d characters", vault.MinMasterKeyLength)
	}
	if c.Vault.Salt == "" {
		return fmt.Errorf("vault salt must not be empty")
	}

	switch c.Store.Type {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("store path is required for sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported store type: %s", c.Store.Type)
	}

	if c.Collection.MaxRetryAttempts < 1 {
		return fmt.Errorf("max_retry_attempts must be at least 1")
	}
	if c.Collection.DedupWindow <= 0 {
		return fmt.Errorf("dedup_window must be positive")
	}
	return nil
}
