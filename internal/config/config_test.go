package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Agent.Command != "claude" {
		t.Errorf("expected default agent command 'claude', got %q", cfg.Agent.Command)
	}

	if cfg.Engine.PollInterval != 2*time.Second {
		t.Errorf("expected poll interval 2s, got %v", cfg.Engine.PollInterval)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected logging level 'info', got %q", cfg.Logging.Level)
	}

	if cfg.Database.Path == "" {
		t.Error("expected a non-empty default database path")
	}

	if cfg.Data.Dir == "" {
		t.Error("expected a non-empty default data dir")
	}
}

func TestLoadFromPath(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := `database:
  path: /var/lib/conductor/state.db
data:
  dir: /var/lib/conductor
agent:
  command: my-agent
  args: ["--output-format", "stream-json"]
engine:
  poll_interval: 500ms
worktrees:
  base_dir: /tmp/worktrees
logging:
  level: debug
  development: true
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Database.Path != "/var/lib/conductor/state.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
	if cfg.Agent.Command != "my-agent" {
		t.Errorf("agent.command = %q", cfg.Agent.Command)
	}
	if len(cfg.Agent.Args) != 2 || cfg.Agent.Args[0] != "--output-format" {
		t.Errorf("agent.args = %v", cfg.Agent.Args)
	}
	if cfg.Engine.PollInterval != 500*time.Millisecond {
		t.Errorf("engine.poll_interval = %v", cfg.Engine.PollInterval)
	}
	if cfg.Worktrees.BaseDir != "/tmp/worktrees" {
		t.Errorf("worktrees.base_dir = %q", cfg.Worktrees.BaseDir)
	}
	if !cfg.Logging.Development {
		t.Error("expected logging.development true")
	}
}

func TestLoadFromPathAppliesDefaults(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	// Partial config: unset keys fall back to defaults.
	content := "agent:\n  command: custom-cli\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Agent.Command != "custom-cli" {
		t.Errorf("agent.command = %q", cfg.Agent.Command)
	}
	if cfg.Engine.PollInterval != 2*time.Second {
		t.Errorf("expected default poll interval, got %v", cfg.Engine.PollInterval)
	}
	if cfg.Logging.Level != "info" {
		t.Errorf("expected default logging level, got %q", cfg.Logging.Level)
	}
}

func TestLoadFromPathExpandsEnv(t *testing.T) {
	t.Setenv("CONDUCTOR_TEST_ROOT", "/srv/conductor")

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	content := "database:\n  path: ${CONDUCTOR_TEST_ROOT}/state.db\n"
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	cfg, err := LoadFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadFromPath: %v", err)
	}

	if cfg.Database.Path != "/srv/conductor/state.db" {
		t.Errorf("database.path = %q", cfg.Database.Path)
	}
}

func TestWorktreeDirFallsBackToDataDir(t *testing.T) {
	cfg := Default()
	cfg.Data.Dir = "/data"

	if got := cfg.WorktreeDir(); got != filepath.Join("/data", "worktrees") {
		t.Errorf("WorktreeDir() = %q", got)
	}

	cfg.Worktrees.BaseDir = "/elsewhere"
	if got := cfg.WorktreeDir(); got != "/elsewhere" {
		t.Errorf("WorktreeDir() = %q", got)
	}
}
