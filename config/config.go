// Package config loads reload-hub configuration from an optional YAML file,
// RELOAD_HUB_* environment variables and built-in defaults.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/obby/reload-hub/internal/history"
	"github.com/obby/reload-hub/internal/patterns"
	"github.com/obby/reload-hub/internal/stream"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix for environment overrides, e.g. RELOAD_HUB_SERVER_HTTP_PORT.
const EnvPrefix = "RELOAD_HUB"

// Config holds the configuration for the reload hub service
type Config struct {
	Server  ServerConfig   `mapstructure:"server" yaml:"server"`
	Watcher WatcherConfig  `mapstructure:"watcher" yaml:"watcher"`
	Stream  stream.Options `mapstructure:"stream" yaml:"stream"`
	History HistoryConfig  `mapstructure:"history" yaml:"history"`
	Logging LoggingConfig  `mapstructure:"logging" yaml:"logging"`
}

// ServerConfig holds listener settings.
type ServerConfig struct {
	Host     string `mapstructure:"host" yaml:"host"`
	HTTPPort int    `mapstructure:"http_port" yaml:"http_port"`
	GRPCPort int    `mapstructure:"grpc_port" yaml:"grpc_port"`
}

// WatcherConfig holds file watcher settings.
type WatcherConfig struct {
	Enabled        bool     `mapstructure:"enabled" yaml:"enabled"`
	Paths          []string `mapstructure:"paths" yaml:"paths"`
	DebounceMs     int      `mapstructure:"debounce_ms" yaml:"debounce_ms"`
	WatchPatterns  []string `mapstructure:"watch_patterns" yaml:"watch_patterns"`
	IgnorePatterns []string `mapstructure:"ignore_patterns" yaml:"ignore_patterns"`
	// SkipUnchanged drops saves that leave a file's content as it was.
	SkipUnchanged bool `mapstructure:"skip_unchanged" yaml:"skip_unchanged"`
}

// HistoryConfig holds event history settings.
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
	Limit   int    `mapstructure:"limit" yaml:"limit"`
	Workers int    `mapstructure:"workers" yaml:"workers"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// DefaultIgnorePatterns are skipped by the watcher unless overridden.
var DefaultIgnorePatterns = []string{
	"**/.git/**",
	"**/node_modules/**",
	"**/.idea/**",
	"**/.vscode/**",
	"*.swp",
	"*~",
	".DS_Store",
}

// Load loads configuration. An empty path searches for reload-hub.yaml in
// the working directory and $HOME/.reload-hub; a missing file is not an error.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("reload-hub")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.reload-hub")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.http_port", 3000)
	v.SetDefault("server.grpc_port", 50055)

	v.SetDefault("watcher.enabled", true)
	v.SetDefault("watcher.paths", []string{"."})
	v.SetDefault("watcher.debounce_ms", 200)
	v.SetDefault("watcher.watch_patterns", []string{})
	v.SetDefault("watcher.ignore_patterns", DefaultIgnorePatterns)
	v.SetDefault("watcher.skip_unchanged", true)

	v.SetDefault("stream.once", false)
	v.SetDefault("stream.match", "")

	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dsn", history.DefaultDSN)
	v.SetDefault("history.limit", 100)
	v.SetDefault("history.workers", 2)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
}

// Validate checks the configuration for values the service cannot run with.
func Validate(cfg *Config) error {
	var errs []error

	if err := validatePort("server.http_port", cfg.Server.HTTPPort); err != nil {
		errs = append(errs, err)
	}
	if err := validatePort("server.grpc_port", cfg.Server.GRPCPort); err != nil {
		errs = append(errs, err)
	}
	if cfg.Server.HTTPPort == cfg.Server.GRPCPort {
		errs = append(errs, fmt.Errorf("server.http_port and server.grpc_port must differ (both %d)", cfg.Server.HTTPPort))
	}

	if cfg.Watcher.Enabled {
		if len(cfg.Watcher.Paths) == 0 {
			errs = append(errs, errors.New("watcher.paths must not be empty when the watcher is enabled"))
		}
		if cfg.Watcher.DebounceMs < 0 {
			errs = append(errs, fmt.Errorf("watcher.debounce_ms must not be negative, got %d", cfg.Watcher.DebounceMs))
		}
	}
	if err := patterns.NewMatcher().SetWatchPatterns(cfg.Watcher.WatchPatterns); err != nil {
		errs = append(errs, fmt.Errorf("watcher.watch_patterns: %w", err))
	}
	if err := patterns.NewMatcher().SetIgnorePatterns(cfg.Watcher.IgnorePatterns); err != nil {
		errs = append(errs, fmt.Errorf("watcher.ignore_patterns: %w", err))
	}

	if _, err := patterns.NewFilter(cfg.Stream.Match); err != nil {
		errs = append(errs, fmt.Errorf("stream.match: %w", err))
	}

	if cfg.History.Enabled && cfg.History.Limit <= 0 {
		errs = append(errs, fmt.Errorf("history.limit must be positive, got %d", cfg.History.Limit))
	}

	switch cfg.Logging.Format {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json, got %q", cfg.Logging.Format))
	}

	return errors.Join(errs...)
}

func validatePort(name string, port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("%s must be between 1 and 65535, got %d", name, port)
	}
	return nil
}
