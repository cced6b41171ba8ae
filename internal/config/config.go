// Package config defines process configuration for the matching kernel.
// Config is loaded from a YAML file with sensitive/deployment-specific
// fields overridable via FENRIR_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Store   StoreConfig   `mapstructure:"store"`
	Matcher MatcherConfig `mapstructure:"matcher"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the TCP order-entry listener.
type ServerConfig struct {
	Address    string `mapstructure:"address"`
	Port       int    `mapstructure:"port"`
	WorkerPool int    `mapstructure:"worker_pool"`
}

// StoreConfig points at the durable store backing the durability
// coordinator (C5).
type StoreConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxConns        int           `mapstructure:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// MatcherConfig tunes the matching kernel itself.
//
//   - RetryBound: how many times a durability unit retries a transient
//     error (§7) before the matcher surfaces it to the submitter.
type MatcherConfig struct {
	RetryBound int `mapstructure:"retry_bound"`
}

// LoggingConfig controls the zerolog setup.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. Any key can
// be overridden via FENRIR_<SECTION>_<FIELD>, e.g. FENRIR_STORE_DSN.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("FENRIR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.address", "0.0.0.0")
	v.SetDefault("server.port", 9090)
	v.SetDefault("server.worker_pool", 10)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.conn_max_lifetime", time.Hour)
	v.SetDefault("matcher.retry_bound", 3)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.WorkerPool <= 0 {
		return fmt.Errorf("server.worker_pool must be > 0")
	}
	if c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required (set FENRIR_STORE_DSN)")
	}
	if c.Matcher.RetryBound < 0 {
		return fmt.Errorf("matcher.retry_bound must be >= 0")
	}
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format must be one of: console, json")
	}
	return nil
}
