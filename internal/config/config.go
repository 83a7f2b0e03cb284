// Package config handles configuration loading and management for Conductor.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Conductor.
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Data      DataConfig      `mapstructure:"data"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Worktrees WorktreesConfig `mapstructure:"worktrees"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// DataConfig holds the on-disk session data root (artifacts, blobs).
type DataConfig struct {
	Dir string `mapstructure:"dir"`
}

// AgentConfig holds the agent CLI command used for spawned agents.
type AgentConfig struct {
	// Command is the CLI binary spawned per agent.
	Command string `mapstructure:"command"`
	// Args are fixed arguments passed before the per-agent prompt.
	Args []string `mapstructure:"args"`
}

// EngineConfig holds session loop settings.
type EngineConfig struct {
	// PollInterval bounds how long a session loop sleeps between steps
	// when no nudge arrives.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// WorktreesConfig holds git worktree placement settings.
type WorktreesConfig struct {
	// BaseDir is where isolated worktrees are created. Empty means a
	// "worktrees" directory under the data dir.
	BaseDir string `mapstructure:"base_dir"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (CONDUCTOR_DB, CONDUCTOR_DATA_DIR, CONDUCTOR_AGENT_COMMAND)
// 2. Project config (.conductor.yaml in current directory or parent)
// 3. User config (~/.config/conductor/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	projectConfig := findProjectConfig()
	if projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			// Merge project config (takes precedence)
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.AutomaticEnv()
	v.BindEnv("database.path", "CONDUCTOR_DB")
	v.BindEnv("data.dir", "CONDUCTOR_DATA_DIR")
	v.BindEnv("agent.command", "CONDUCTOR_AGENT_COMMAND")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.Data.Dir = expandEnv(cfg.Data.Dir)

	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.Data.Dir = expandEnv(cfg.Data.Dir)

	return cfg, nil
}

// Save writes the current configuration to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	configPath := filepath.Join(userConfigDir, "config.yaml")

	v := viper.New()
	v.SetConfigFile(configPath)

	v.Set("database.path", cfg.Database.Path)
	v.Set("data.dir", cfg.Data.Dir)
	v.Set("agent.command", cfg.Agent.Command)
	v.Set("agent.args", cfg.Agent.Args)
	v.Set("engine.poll_interval", cfg.Engine.PollInterval.String())
	v.Set("worktrees.base_dir", cfg.Worktrees.BaseDir)
	v.Set("logging.level", cfg.Logging.Level)
	v.Set("logging.development", cfg.Logging.Development)

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// WorktreeDir resolves the worktree base directory, defaulting to a
// directory under the data dir.
func (c *Config) WorktreeDir() string {
	if c.Worktrees.BaseDir != "" {
		return c.Worktrees.BaseDir
	}
	return filepath.Join(c.Data.Dir, "worktrees")
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	dataDir := defaultDataDir()

	v.SetDefault("database.path", filepath.Join(dataDir, "conductor.db"))
	v.SetDefault("data.dir", dataDir)

	v.SetDefault("agent.command", "claude")
	v.SetDefault("agent.args", []string{})

	v.SetDefault("engine.poll_interval", "2s")

	v.SetDefault("worktrees.base_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.development", false)
}

// defaultDataDir returns the XDG data directory for Conductor.
func defaultDataDir() string {
	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "conductor")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".conductor")
	}
	return filepath.Join(home, ".local", "share", "conductor")
}

// getUserConfigDir returns the XDG config directory for Conductor.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "conductor")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "conductor")
	}
	return filepath.Join(home, ".config", "conductor")
}

// findProjectConfig searches for .conductor.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".conductor.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// expandEnv expands ${VAR} references in a string.
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Default returns a Config with default values.
func Default() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Database: DatabaseConfig{
			Path: filepath.Join(dataDir, "conductor.db"),
		},
		Data: DataConfig{
			Dir: dataDir,
		},
		Agent: AgentConfig{
			Command: "claude",
		},
		Engine: EngineConfig{
			PollInterval: 2 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
