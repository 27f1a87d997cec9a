// Package config provides static process configuration for Cyrus.
// It supports loading configuration from environment variables, config files,
// and defaults. The dynamic repository configuration (config.json) is handled
// separately by internal/config.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all static configuration sections for the edge worker.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Router     RouterConfig     `mapstructure:"router"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Runner     RunnerConfig     `mapstructure:"runner"`
	Workspace  WorkspaceConfig  `mapstructure:"workspace"`
	Admin      AdminConfig      `mapstructure:"admin"`
	Proxy      ProxyConfig      `mapstructure:"proxy"`
	Home       string           `mapstructure:"home"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	ReadTimeout   int    `mapstructure:"readTimeout"`   // in seconds
	WriteTimeout  int    `mapstructure:"writeTimeout"`  // in seconds
	ShutdownGrace int    `mapstructure:"shutdownGrace"` // in seconds
	ExternalHost  string `mapstructure:"externalHost"`  // public base URL for webhook registration
}

// DatabaseConfig holds database connection configuration. An empty DSN selects
// the embedded SQLite store under the Cyrus home.
type DatabaseConfig struct {
	DSN      string `mapstructure:"dsn"`      // postgres DSN; empty means sqlite
	Path     string `mapstructure:"path"`     // sqlite file path
	MaxConns int    `mapstructure:"maxConns"` // postgres pool size
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RouterConfig holds event routing configuration.
type RouterConfig struct {
	DedupWindow int `mapstructure:"dedupWindow"` // in seconds
}

// DispatcherConfig holds dispatch queue configuration.
type DispatcherConfig struct {
	BurstWindow        int `mapstructure:"burstWindow"`        // in milliseconds
	MaxSessionsPerRepo int `mapstructure:"maxSessionsPerRepo"` // concurrent active sessions per repository
	SinkRetryBudget    int `mapstructure:"sinkRetryBudget"`    // delivery attempts before an activity is dropped
}

// RunnerConfig holds agent subprocess supervision configuration.
type RunnerConfig struct {
	StopGrace   int `mapstructure:"stopGrace"`   // seconds between SIGTERM and SIGKILL
	IdleTimeout int `mapstructure:"idleTimeout"` // seconds of stream silence before stop(idle); 0 disables
	SpawnRetry  int `mapstructure:"spawnRetry"`  // respawn attempts after a spawn failure
}

// WorkspaceConfig holds per-issue workspace configuration.
type WorkspaceConfig struct {
	UseWorktrees  bool   `mapstructure:"useWorktrees"`  // git worktree per issue; plain directory otherwise
	BasePath      string `mapstructure:"basePath"`      // base directory for workspaces
	DefaultBranch string `mapstructure:"defaultBranch"` // fallback base branch
	BranchPrefix  string `mapstructure:"branchPrefix"`
}

// AdminConfig holds the admin API configuration.
type AdminConfig struct {
	Token string `mapstructure:"token"`
}

// ProxyConfig holds outbound proxy/tunnel registration configuration.
type ProxyConfig struct {
	URL   string `mapstructure:"url"`
	Token string `mapstructure:"token"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace as a time.Duration.
func (s *ServerConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(s.ShutdownGrace) * time.Second
}

// DedupWindowDuration returns the dedup window as a time.Duration.
func (r *RouterConfig) DedupWindowDuration() time.Duration {
	return time.Duration(r.DedupWindow) * time.Second
}

// BurstWindowDuration returns the burst-merge window as a time.Duration.
func (d *DispatcherConfig) BurstWindowDuration() time.Duration {
	return time.Duration(d.BurstWindow) * time.Millisecond
}

// StopGraceDuration returns the stop grace period as a time.Duration.
func (r *RunnerConfig) StopGraceDuration() time.Duration {
	return time.Duration(r.StopGrace) * time.Second
}

// IdleTimeoutDuration returns the idle timeout as a time.Duration.
func (r *RunnerConfig) IdleTimeoutDuration() time.Duration {
	return time.Duration(r.IdleTimeout) * time.Second
}

// detectDefaultLogFormat returns "json" for production environments and
// "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CYRUS_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultHome returns the Cyrus home directory, honoring CYRUS_HOME.
func defaultHome() string {
	if home := os.Getenv("CYRUS_HOME"); home != "" {
		return home
	}
	userHome, err := os.UserHomeDir()
	if err != nil {
		return ".cyrus"
	}
	return filepath.Join(userHome, ".cyrus")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	home := defaultHome()

	v.SetDefault("home", home)

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 3456)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.shutdownGrace", 30)
	v.SetDefault("server.externalHost", "")

	// Database defaults - empty DSN means sqlite under the Cyrus home
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", filepath.Join(home, "cyrus.db"))
	v.SetDefault("database.maxConns", 10)

	// NATS defaults - empty URL means in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "cyrus-edge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Router defaults - conservative dedup window for webhook retries
	v.SetDefault("router.dedupWindow", 300)

	// Dispatcher defaults
	v.SetDefault("dispatcher.burstWindow", 2000)
	v.SetDefault("dispatcher.maxSessionsPerRepo", 3)
	v.SetDefault("dispatcher.sinkRetryBudget", 5)

	// Runner defaults
	v.SetDefault("runner.stopGrace", 10)
	v.SetDefault("runner.idleTimeout", 0)
	v.SetDefault("runner.spawnRetry", 3)

	// Workspace defaults
	v.SetDefault("workspace.useWorktrees", true)
	v.SetDefault("workspace.basePath", filepath.Join(home, "workspaces"))
	v.SetDefault("workspace.defaultBranch", "main")
	v.SetDefault("workspace.branchPrefix", "cyrus/")

	// Admin defaults
	v.SetDefault("admin.token", "")

	// Proxy defaults
	v.SetDefault("proxy.url", "")
	v.SetDefault("proxy.token", "")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix CYRUS_ with underscore
// separators.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CYRUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings where the env var name differs from the config key.
	_ = v.BindEnv("home", "CYRUS_HOME")
	_ = v.BindEnv("server.externalHost", "CYRUS_HOST_EXTERNAL", "CYRUS_BASE_URL")
	_ = v.BindEnv("proxy.url", "PROXY_URL")
	_ = v.BindEnv("proxy.token", "CLOUDFLARE_TOKEN")

	v.SetConfigName("cyrus")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath(defaultHome())
	v.AddConfigPath("/etc/cyrus/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Router.DedupWindow <= 0 {
		errs = append(errs, "router.dedupWindow must be positive")
	}
	if cfg.Dispatcher.BurstWindow < 0 {
		errs = append(errs, "dispatcher.burstWindow must not be negative")
	}
	if cfg.Dispatcher.MaxSessionsPerRepo <= 0 {
		errs = append(errs, "dispatcher.maxSessionsPerRepo must be positive")
	}
	if cfg.Dispatcher.SinkRetryBudget <= 0 {
		errs = append(errs, "dispatcher.sinkRetryBudget must be positive")
	}
	if cfg.Runner.StopGrace <= 0 {
		errs = append(errs, "runner.stopGrace must be positive")
	}
	if cfg.Workspace.BasePath == "" {
		errs = append(errs, "workspace.basePath is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
