// Package config loads syncd's environment-driven configuration via
// viper, reading exactly the variables spec.md §6 names. Grounded on
// marmos91-dittofs/pkg/config's env-prefixed viper setup, scaled down
// to this spec's flat (non-nested) variable set: nothing here reads
// os.Getenv directly outside of Load.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is syncd's full runtime configuration.
type Config struct {
	Host              string `mapstructure:"host"`
	Port              int    `mapstructure:"port"`
	DBPath            string `mapstructure:"db_path"`
	JWTSecret         string `mapstructure:"jwt_secret"`
	EnableCORS        bool   `mapstructure:"enable_cors"`
	CORSAllowedOrigins []string
	MaxPullLimit      int    `mapstructure:"max_pull_limit"`
	MaxPushBatchSize  int    `mapstructure:"max_push_batch_size"`
	LogLevel          string `mapstructure:"log_level"`
}

// Addr returns the host:port pair Listen expects.
func (c *Config) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// Load reads configuration from the environment (no config file; the
// teacher's own modules carry no config library, and the rest of the
// pack shows env-only viper setups for services this size). Every
// field has a typed default; callers never need os.Getenv.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)
	v.SetDefault("db_path", "./data")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("enable_cors", false)
	v.SetDefault("cors_allowed_origins", "")
	v.SetDefault("max_pull_limit", 1000)
	v.SetDefault("max_push_batch_size", 100)
	v.SetDefault("log_level", "info")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal failed: %w", err)
	}

	cfg.CORSAllowedOrigins = splitCSV(v.GetString("cors_allowed_origins"))

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("config: PORT must be between 1 and 65535, got %d", cfg.Port)
	}
	if cfg.MaxPullLimit <= 0 {
		return nil, fmt.Errorf("config: MAX_PULL_LIMIT must be positive, got %d", cfg.MaxPullLimit)
	}
	if cfg.MaxPushBatchSize <= 0 {
		return nil, fmt.Errorf("config: MAX_PUSH_BATCH_SIZE must be positive, got %d", cfg.MaxPushBatchSize)
	}

	return &cfg, nil
}

func splitCSV(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
