package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix namespaces every environment override.
const EnvPrefix = "SECTOR7G_"

// Overrides are deployment settings that usually come from the environment
// rather than the config file.
type Overrides struct {
	RedisURL    string `env:"REDIS_URL"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL"`
	ForceUpdate *bool  `env:"SCHEDULER_FORCE_UPDATE"`
	DiagAddr    string `env:"DIAG_ADDR"`
}

// LoadOverrides reads SECTOR7G_* variables.
func LoadOverrides() (Overrides, error) {
	var o Overrides
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return Overrides{}, fmt.Errorf("env: %w", err)
	}
	return o, nil
}

// Apply copies non-empty overrides onto cfg.
func (o Overrides) Apply(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(o.RedisURL); v != "" {
		cfg.Broker.Redis.URL = v
	}
	if v := strings.TrimSpace(o.DatabaseURL); v != "" {
		cfg.Storage.URL = v
		if cfg.Storage.Driver == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
	if v := strings.TrimSpace(o.LogLevel); v != "" {
		cfg.Logging.Level = v
	}
	if o.ForceUpdate != nil {
		cfg.Scheduler.ForceUpdate = *o.ForceUpdate
	}
	if v := strings.TrimSpace(o.DiagAddr); v != "" {
		cfg.Diag.Addr = v
	}
}
