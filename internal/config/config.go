// Package config loads Bay's server configuration and profile set.
// Precedence: defaults < config file < BAY_* environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	Server struct {
		Addr   string `mapstructure:"addr"`
		APIKey string `mapstructure:"api_key"`
	} `mapstructure:"server"`

	Database struct {
		// Path is the sqlite database file; ":memory:" is accepted for
		// tests.
		Path string `mapstructure:"path"`
	} `mapstructure:"database"`

	Driver struct {
		Name string `mapstructure:"name"`
		// Host overrides DOCKER_HOST when set.
		Host string `mapstructure:"host"`
	} `mapstructure:"driver"`

	Profiles struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"profiles"`

	GC struct {
		Interval             time.Duration `mapstructure:"interval"`
		OrphanGrace          time.Duration `mapstructure:"orphan_grace"`
		TombstoneRetention   time.Duration `mapstructure:"tombstone_retention"`
		IdempotencyRetention time.Duration `mapstructure:"idempotency_retention"`
	} `mapstructure:"gc"`

	Timeouts struct {
		ReadinessBudget   time.Duration `mapstructure:"readiness_budget"`
		CapabilityDefault time.Duration `mapstructure:"capability_default"`
		CapabilityCeiling time.Duration `mapstructure:"capability_ceiling"`
		DriverOperation   time.Duration `mapstructure:"driver_operation"`
	} `mapstructure:"timeouts"`

	Quota struct {
		// MaxActiveSandboxes caps non-deleted sandboxes per owner.
		// Zero disables the check.
		MaxActiveSandboxes int `mapstructure:"max_active_sandboxes"`
	} `mapstructure:"quota"`
}

// Load reads the config file at path (optional) plus environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.api_key", "")
	v.SetDefault("database.path", "bay.db")
	v.SetDefault("driver.name", "docker")
	v.SetDefault("driver.host", "")
	v.SetDefault("profiles.path", "profiles.yaml")
	v.SetDefault("gc.interval", 300*time.Second)
	v.SetDefault("gc.orphan_grace", 60*time.Second)
	v.SetDefault("gc.tombstone_retention", 15*time.Minute)
	v.SetDefault("gc.idempotency_retention", 24*time.Hour)
	v.SetDefault("timeouts.readiness_budget", 120*time.Second)
	v.SetDefault("timeouts.capability_default", 30*time.Second)
	v.SetDefault("timeouts.capability_ceiling", 300*time.Second)
	v.SetDefault("timeouts.driver_operation", 120*time.Second)
	v.SetDefault("quota.max_active_sandboxes", 0)

	v.SetEnvPrefix("BAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Timeouts.CapabilityCeiling < c.Timeouts.CapabilityDefault {
		return fmt.Errorf("timeouts.capability_ceiling %s below default %s",
			c.Timeouts.CapabilityCeiling, c.Timeouts.CapabilityDefault)
	}
	if c.Timeouts.DriverOperation < c.Timeouts.ReadinessBudget {
		// Driver calls inherit a liberal deadline so pressure does not
		// surface as spurious Transient errors.
		c.Timeouts.DriverOperation = c.Timeouts.ReadinessBudget
	}
	return nil
}
