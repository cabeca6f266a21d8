// Package config provides configuration management for the manager
// daemon. Settings can come from a YAML file or from SPOTFLY_* environment
// variables; env values win.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete daemon configuration.
type Config struct {
	// DataDir is where the record store keeps its state file.
	DataDir string `mapstructure:"dataDir"`

	// LockDir is where per-pool lock files live. Every worker process
	// reconciling the same pools must share this directory.
	LockDir string `mapstructure:"lockDir"`

	// PoolsFile optionally seeds the record store with pool definitions
	// on first start.
	PoolsFile string `mapstructure:"poolsFile"`

	// MetricsBindAddress is the address the metrics endpoint binds to.
	MetricsBindAddress string `mapstructure:"metricsBindAddress"`

	// LogLevel controls log verbosity: debug, info, warn, error.
	LogLevel string `mapstructure:"logLevel"`

	// AWS credentials for the EC2 spot provider. Empty values fall back
	// to the default AWS credential chain.
	AWSAccessKeyID     string `mapstructure:"awsAccessKeyId"`
	AWSSecretAccessKey string `mapstructure:"awsSecretAccessKey"`

	// ReconcileInterval is how often every pool is reconciled.
	ReconcileInterval time.Duration `mapstructure:"reconcileInterval"`

	// PriceInterval is how often spot prices are collected.
	PriceInterval time.Duration `mapstructure:"priceInterval"`

	// PriceTTL is how long collected prices stay valid. Must not be
	// shorter than PriceInterval.
	PriceTTL time.Duration `mapstructure:"priceTTL"`
}

// Load reads configuration from the given file (optional) and the
// environment, applies defaults and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("dataDir", "/var/lib/spotfly")
	v.SetDefault("lockDir", "/tmp/spotfly-locks")
	v.SetDefault("metricsBindAddress", ":9120")
	v.SetDefault("logLevel", "info")
	v.SetDefault("reconcileInterval", "1m")
	v.SetDefault("priceInterval", "1h")
	v.SetDefault("priceTTL", "2h")
	// Empty defaults so the env binding picks these up without a file
	v.SetDefault("poolsFile", "")
	v.SetDefault("awsAccessKeyId", "")
	v.SetDefault("awsSecretAccessKey", "")

	v.SetEnvPrefix("SPOTFLY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcileInterval must be positive")
	}
	if c.PriceInterval <= 0 {
		return fmt.Errorf("priceInterval must be positive")
	}
	if c.PriceTTL < c.PriceInterval {
		return fmt.Errorf("priceTTL (%s) must not be shorter than priceInterval (%s)", c.PriceTTL, c.PriceInterval)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logLevel %q", c.LogLevel)
	}
	return nil
}
