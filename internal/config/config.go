// Package config loads and persists dashboard configuration.
// Configuration comes from <data_dir>/config.yaml and can be overridden
// by MOBYCLAW_-prefixed environment variables. Values are resolved once
// at startup and treated as immutable afterwards.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration for the mobyclaw dashboard.
type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server"`
	Memory  MemoryConfig  `mapstructure:"memory" yaml:"memory"`
	Retry   RetryConfig   `mapstructure:"retry" yaml:"retry"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`

	// DataDir is the root of all agent state (~/.mobyclaw by default,
	// or MOBYCLAW_DATA).
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	// Port the dashboard listens on.
	Port int `mapstructure:"port" yaml:"port"`

	// StaticDir holds the dashboard HTML/JS assets.
	StaticDir string `mapstructure:"static_dir" yaml:"static_dir"`

	// APITokenHash is an optional bcrypt hash of the bearer token
	// required on mutating API calls. Empty disables auth.
	APITokenHash string `mapstructure:"api_token_hash" yaml:"api_token_hash,omitempty"`

	// LiveInterval is how often the live status WebSocket pushes a
	// snapshot to connected clients.
	LiveInterval time.Duration `mapstructure:"live_interval" yaml:"live_interval"`
}

// MemoryConfig contains settings for the memory compaction engine.
// These were process-wide constants in the original dashboard and are
// now injected at engine construction.
type MemoryConfig struct {
	// Path to the live memory document. Empty means <data_dir>/MEMORY.md.
	Path string `mapstructure:"path" yaml:"path"`

	// ArchiveDir holds dated task archives. Empty means
	// <data_dir>/memory/archives.
	ArchiveDir string `mapstructure:"archive_dir" yaml:"archive_dir"`

	// InnerStatePath is the agent-written inner state summary. Empty
	// means <data_dir>/state/inner-state.md.
	InnerStatePath string `mapstructure:"inner_state_path" yaml:"inner_state_path"`

	// DefaultBudgetTokens is used when a context request omits the
	// token budget.
	DefaultBudgetTokens int `mapstructure:"default_budget_tokens" yaml:"default_budget_tokens"`
}

// RetryConfig controls the background auto-retry sweeper.
type RetryConfig struct {
	// Enabled turns the sweeper on.
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`

	// Interval between sweeps.
	Interval time.Duration `mapstructure:"interval" yaml:"interval"`
}

// LoggingConfig contains application logging settings.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level" yaml:"level"`

	// File is an optional log file path; empty logs to stderr only.
	File string `mapstructure:"file" yaml:"file,omitempty"`
}

// Default returns a Config with sensible default values.
func Default() *Config {
	dataDir := os.Getenv("MOBYCLAW_DATA")
	if dataDir == "" {
		homeDir, _ := os.UserHomeDir()
		dataDir = filepath.Join(homeDir, ".mobyclaw")
	}

	return &Config{
		DataDir: dataDir,
		Server: ServerConfig{
			Port:         7777,
			StaticDir:    filepath.Join(dataDir, "static"),
			LiveInterval: 5 * time.Second,
		},
		Memory: MemoryConfig{
			DefaultBudgetTokens: 4000,
		},
		Retry: RetryConfig{
			Enabled:  true,
			Interval: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from <data_dir>/config.yaml, creating the
// file with defaults when it does not exist, and applies environment
// variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join(Default().DataDir, "config.yaml"))
}

// LoadFromPath reads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	path = expandPath(path)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create config directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := writeConfigFile(path, Default()); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	// Example: MOBYCLAW_SERVER_PORT, MOBYCLAW_MEMORY_DEFAULT_BUDGET_TOKENS
	v.SetEnvPrefix("MOBYCLAW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.DataDir = expandPath(cfg.DataDir)
	cfg.applyPathDefaults()

	return cfg, nil
}

// applyPathDefaults fills in derived paths left empty in the file.
func (c *Config) applyPathDefaults() {
	if c.Memory.Path == "" {
		c.Memory.Path = filepath.Join(c.DataDir, "MEMORY.md")
	}
	if c.Memory.ArchiveDir == "" {
		c.Memory.ArchiveDir = filepath.Join(c.DataDir, "memory", "archives")
	}
	if c.Memory.InnerStatePath == "" {
		c.Memory.InnerStatePath = filepath.Join(c.DataDir, "state", "inner-state.md")
	}
	c.Memory.Path = expandPath(c.Memory.Path)
	c.Memory.ArchiveDir = expandPath(c.Memory.ArchiveDir)
	c.Memory.InnerStatePath = expandPath(c.Memory.InnerStatePath)
	if c.Logging.File != "" {
		c.Logging.File = expandPath(c.Logging.File)
	}
}

// DBDir returns the directory holding the task database.
func (c *Config) DBDir() string {
	return filepath.Join(c.DataDir, "data")
}

// Validate checks the configuration for common errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Memory.DefaultBudgetTokens <= 0 {
		return fmt.Errorf("memory.default_budget_tokens must be positive, got %d", c.Memory.DefaultBudgetTokens)
	}
	if c.Retry.Enabled && c.Retry.Interval <= 0 {
		return fmt.Errorf("retry.interval must be positive when retry is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// writeConfigFile writes a Config struct to a YAML file.
// Uses gopkg.in/yaml.v3 directly to ensure proper tag-based serialization.
func writeConfigFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// expandPath expands ~ to the user's home directory in a path string.
func expandPath(path string) string {
	if strings.HasPrefix(path, "~") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(homeDir, path[1:])
	}
	return path
}
