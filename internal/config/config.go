// Package config loads service configuration from YAML files and the
// environment, in that order. Environment variables use the POOLEX_ prefix
// with underscores for nesting (POOLEX_SERVER_ADDR, POOLEX_DATABASE_DSN).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/openpool/poolex/internal/trading/fees"
)

// Config is the root configuration for the process.
type Config struct {
	Environment string           `mapstructure:"environment"`
	Server      ServerConfig     `mapstructure:"server"`
	Log         LogConfig        `mapstructure:"log"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Ledger      LedgerConfig     `mapstructure:"ledger"`
	Settlement  SettlementConfig `mapstructure:"settlement"`
	Router      RouterConfig     `mapstructure:"router"`
	Markets     []MarketConfig   `mapstructure:"markets"`
	DefaultFees *fees.Schedule   `mapstructure:"default_fees"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// DatabaseConfig selects the trade write-through store. An empty DSN runs
// the service without persistence.
type DatabaseConfig struct {
	Driver string `mapstructure:"driver"` // "postgres" or "sqlite"
	DSN    string `mapstructure:"dsn"`
}

// LedgerConfig points at the external settlement ledger.
type LedgerConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type SettlementConfig struct {
	Workers         int           `mapstructure:"workers"`
	QueueSize       int           `mapstructure:"queue_size"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	BackoffBase     time.Duration `mapstructure:"backoff_base"`
	AttemptTimeout  time.Duration `mapstructure:"attempt_timeout"`
	ConfirmTimeout  time.Duration `mapstructure:"confirm_timeout"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
	PlatformAccount string        `mapstructure:"platform_account"`
}

type RouterConfig struct {
	QueueSize           int           `mapstructure:"queue_size"`
	ExpirySweepInterval time.Duration `mapstructure:"expiry_sweep_interval"`
}

// MarketConfig declares one tradable market and its fee schedule.
type MarketConfig struct {
	ID   string        `mapstructure:"id"`
	Fees fees.Schedule `mapstructure:"fees"`
}

// Load reads configuration from the given path (optional) and the
// environment, applies defaults and validates the result.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("POOLEX")

	setDefaults(v)

	if configPath != "" {
		if _, err := os.Stat(configPath); err != nil {
			return nil, fmt.Errorf("config file %s: %w", configPath, err)
		}
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("ledger.timeout", 10*time.Second)
	v.SetDefault("settlement.workers", 4)
	v.SetDefault("settlement.queue_size", 1024)
	v.SetDefault("settlement.max_attempts", 5)
	v.SetDefault("settlement.backoff_base", 2*time.Second)
	v.SetDefault("settlement.attempt_timeout", 10*time.Second)
	v.SetDefault("settlement.confirm_timeout", time.Minute)
	v.SetDefault("settlement.sweep_interval", 30*time.Second)
	v.SetDefault("settlement.platform_account", "acct:platform")
	v.SetDefault("router.queue_size", 1024)
	v.SetDefault("router.expiry_sweep_interval", time.Second)
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if len(c.Markets) == 0 {
		return fmt.Errorf("at least one market must be configured")
	}
	seen := make(map[string]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.ID == "" {
			return fmt.Errorf("market id must not be empty")
		}
		if seen[m.ID] {
			return fmt.Errorf("duplicate market %q", m.ID)
		}
		seen[m.ID] = true
		if err := m.Fees.Validate(); err != nil {
			return fmt.Errorf("market %q fees: %w", m.ID, err)
		}
	}
	if c.DefaultFees != nil {
		if err := c.DefaultFees.Validate(); err != nil {
			return fmt.Errorf("default fees: %w", err)
		}
	}
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown database driver %q", c.Database.Driver)
	}
	if c.Ledger.BaseURL == "" {
		return fmt.Errorf("ledger.base_url is required")
	}
	if c.Settlement.Workers <= 0 || c.Settlement.MaxAttempts <= 0 {
		return fmt.Errorf("settlement workers and max_attempts must be positive")
	}
	return nil
}

// FeeSchedules returns the per-market schedule map for the fee provider.
func (c *Config) FeeSchedules() map[string]fees.Schedule {
	out := make(map[string]fees.Schedule, len(c.Markets))
	for _, m := range c.Markets {
		out[m.ID] = m.Fees
	}
	return out
}

// MarketIDs returns the configured market identifiers.
func (c *Config) MarketIDs() []string {
	out := make([]string, 0, len(c.Markets))
	for _, m := range c.Markets {
		out = append(out, m.ID)
	}
	return out
}
