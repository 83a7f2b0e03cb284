package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/app"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/strategy"
)

var (
	cleanupDryRun      bool
	cleanupVerbose     bool
	cleanupArtifactAge time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove orphaned worktrees and expired artifacts",
	Long: `Clean up leftovers from finished and crashed sessions.

This command:
  - Removes worktrees still on disk for terminal agents
  - Deletes unpinned draft artifacts older than --artifact-age,
    files and rows both

Pinned artifacts and finals are never touched. Agents that are still
running are skipped entirely.

Examples:
  conductor cleanup                       # Clean with defaults
  conductor cleanup --dry-run             # Show what would be removed
  conductor cleanup --artifact-age 168h   # Keep drafts for a week`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "Show what would be removed without removing")
	cleanupCmd.Flags().BoolVarP(&cleanupVerbose, "verbose", "v", false, "Show each removal")
	cleanupCmd.Flags().DurationVar(&cleanupArtifactAge, "artifact-age", 30*24*time.Hour, "Purge unpinned drafts older than this")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	worktrees, err := cleanupWorktrees(a)
	if err != nil {
		return err
	}

	artifacts, err := cleanupArtifacts(a)
	if err != nil {
		return err
	}

	verb := "removed"
	if cleanupDryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %s %d worktree bindings, %d artifacts\n",
		color.GreenString("✓"), verb, worktrees, artifacts)
	return nil
}

// cleanupWorktrees removes on-disk worktrees left behind by terminal
// agents. Bindings whose paths are already gone are skipped.
func cleanupWorktrees(a *app.App) (int, error) {
	agents, err := a.DB.ListAgents(nil)
	if err != nil {
		return 0, fmt.Errorf("list agents: %w", err)
	}

	removed := 0
	for _, ag := range agents {
		if !ag.Status.IsTerminal() || ag.WorktreeManifest == "" {
			continue
		}
		manifest, err := strategy.DecodeManifest(ag.WorktreeManifest)
		if err != nil || manifest == nil {
			continue
		}
		stale := false
		for _, b := range manifest.Bindings {
			if !b.Worktree {
				continue
			}
			if _, err := os.Stat(b.Path); err == nil {
				stale = true
				break
			}
		}
		if !stale {
			continue
		}
		if cleanupVerbose || cleanupDryRun {
			fmt.Printf("  agent %s: stale worktree binding\n", shortID(ag.ID))
		}
		if cleanupDryRun {
			removed++
			continue
		}
		if err := a.Resolver.Cleanup(manifest); err != nil {
			fmt.Printf("  %s agent %s: %v\n", color.YellowString("warn:"), shortID(ag.ID), err)
			continue
		}
		removed++
	}
	return removed, nil
}

// cleanupArtifacts deletes expired unpinned drafts, file first, row
// second.
func cleanupArtifacts(a *app.App) (int, error) {
	return sweepArtifacts(a.DB, a.Config.Data.Dir, cleanupArtifactAge, cleanupDryRun, cleanupVerbose)
}

// sweepArtifacts removes the files behind purgeable artifact rows and
// then purges the rows. Paths are stored relative to the data dir.
func sweepArtifacts(db *state.DB, dataDir string, age time.Duration, dryRun, verbose bool) (int, error) {
	artifacts, err := db.ListPurgeableArtifacts(age)
	if err != nil {
		return 0, err
	}
	if dryRun {
		for _, art := range artifacts {
			if verbose {
				fmt.Printf("  artifact %s (%s)\n", art.Name, art.Path)
			}
		}
		return len(artifacts), nil
	}

	for _, art := range artifacts {
		if art.Path == "" {
			continue
		}
		path := art.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(dataDir, path)
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			fmt.Printf("  %s artifact %s: %v\n", color.YellowString("warn:"), art.Name, err)
		}
		if verbose {
			fmt.Printf("  artifact %s removed\n", art.Name)
		}
	}
	count, err := db.PurgeUnpinnedArtifacts(age)
	if err != nil {
		return 0, err
	}
	return int(count), nil
}
