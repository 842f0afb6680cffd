// Package config loads the service configuration from YAML with
// environment variable overrides and ${VAR} interpolation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/spf13/viper"

	"github.com/leadflow-ai/leadflow/internal/types"
)

// Config is the full service configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the API listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// DatabaseConfig configures persistence.
type DatabaseConfig struct {
	// Path to the SQLite file. The literal value ":memory:" selects the
	// in-memory store.
	Path string `mapstructure:"path"`
}

// SchedulerConfig configures the run queue.
type SchedulerConfig struct {
	TickSeconds int `mapstructure:"tick_seconds"`
	Concurrency int `mapstructure:"concurrency"`
}

// HTTPConfig configures the outbound HTTP client used by tools.
type HTTPConfig struct {
	RateLimitPerSecond float64 `mapstructure:"rate_limit_per_second"`
	RateLimitBurst     int     `mapstructure:"rate_limit_burst"`
	// AllowLoopback permits fetches against loopback addresses. Only
	// for local development.
	AllowLoopback bool `mapstructure:"allow_loopback"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// envVarPattern matches ${VAR} references in config values.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads the configuration file at path (optional: empty path uses
// defaults and environment only) and applies LEADFLOW_* environment
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("database.path", "leadflow.db")
	v.SetDefault("scheduler.tick_seconds", 5)
	v.SetDefault("scheduler.concurrency", 4)
	v.SetDefault("http.rate_limit_per_second", 10)
	v.SetDefault("http.rate_limit_burst", 20)
	v.SetDefault("http.allow_loopback", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetEnvPrefix("LEADFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, types.WrapError(types.CONFIG_LOAD_FAILED,
				fmt.Sprintf("reading config %s failed", path), err)
		}
	}

	interpolateEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, types.WrapError(types.CONFIG_LOAD_FAILED, "decoding config failed", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// interpolateEnv expands ${VAR} references in every string value.
// Unset variables expand to the empty string.
func interpolateEnv(v *viper.Viper) {
	for _, key := range v.AllKeys() {
		value, ok := v.Get(key).(string)
		if !ok || !strings.Contains(value, "${") {
			continue
		}
		expanded := envVarPattern.ReplaceAllStringFunc(value, func(ref string) string {
			name := envVarPattern.FindStringSubmatch(ref)[1]
			return os.Getenv(name)
		})
		v.Set(key, expanded)
	}
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("server.port %d is out of range", c.Server.Port))
	}
	if c.Database.Path == "" {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "database.path cannot be empty")
	}
	if c.Scheduler.TickSeconds < 1 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "scheduler.tick_seconds must be at least 1")
	}
	if c.Scheduler.Concurrency < 1 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "scheduler.concurrency must be at least 1")
	}
	if c.HTTP.RateLimitPerSecond <= 0 {
		return types.NewError(types.CONFIG_VALIDATION_FAILED, "http.rate_limit_per_second must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level))
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return types.NewError(types.CONFIG_VALIDATION_FAILED,
			fmt.Sprintf("logging.format %q is not one of json, text", c.Logging.Format))
	}
	return nil
}
