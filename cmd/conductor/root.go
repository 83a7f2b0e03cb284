package main

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/app"
	"github.com/conductor-dev/conductor/internal/config"
)

var configPath string

// CheckAgentCLI verifies that the configured agent CLI is available in PATH.
func CheckAgentCLI(command string) error {
	_, err := exec.LookPath(command)
	if err != nil {
		return fmt.Errorf("agent CLI %q not found in PATH\n\n"+
			"Conductor drives sessions by spawning an agent CLI per phase.\n"+
			"Install one and point agent.command at it in your config, or set\n"+
			"CONDUCTOR_AGENT_COMMAND.", command)
	}
	return nil
}

var rootCmd = &cobra.Command{
	Use:   "conductor",
	Short: "Session orchestration for coding agents",
	Long: `Conductor runs multi-phase sessions of autonomous coding agents
over your repositories.

A workflow defines ordered phases; each phase spawns one or more agent
CLI subprocesses bound to git worktrees or branches. Phases can gate on
human approval, loop back for refinement passes, and relay findings
from one iteration to the next. All state lives in SQLite, so a crashed
process recovers cleanly on restart.

Typical flow:
  conductor workspace add myapp --repo app=/path/to/repo
  conductor workflow import feature-flow.yaml
  conductor run --workspace <ws-id> --workflow <wf-id> "describe the goal"
  conductor status
  conductor approve <approval-id>`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves configuration honoring the --config flag.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// openApp loads config and assembles the application components.
// Callers must Close the returned app.
func openApp() (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(cfg)
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a config file (overrides discovery)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(inputCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(pauseCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(workflowCmd)
	rootCmd.AddCommand(workspaceCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(toolCmd)
	rootCmd.AddCommand(versionCmd)
}
