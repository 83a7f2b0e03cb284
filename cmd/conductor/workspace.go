package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/state"
)

var workspaceRepos []string

var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Manage workspaces",
}

var workspaceAddCmd = &cobra.Command{
	Use:   "add <name>",
	Short: "Create a workspace over one or more repositories",
	Long: `Create a workspace, the unit a session runs over.

Each --repo flag names one repository as name=path; order matters, the
first repo is the primary one agents are pointed at:

  conductor workspace add myapp --repo app=./app --repo lib=../lib`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkspaceAdd,
}

var workspaceListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workspaces",
	RunE:  runWorkspaceList,
}

func init() {
	workspaceAddCmd.Flags().StringArrayVar(&workspaceRepos, "repo", nil, "Repository as name=path (repeatable, required)")
	workspaceAddCmd.MarkFlagRequired("repo")

	workspaceCmd.AddCommand(workspaceAddCmd)
	workspaceCmd.AddCommand(workspaceListCmd)
}

func runWorkspaceAdd(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	ws := &state.Workspace{
		ID:        uuid.New().String(),
		Name:      args[0],
		CreatedAt: time.Now(),
	}

	repos := make([]state.Repo, 0, len(workspaceRepos))
	for i, spec := range workspaceRepos {
		name, path, ok := strings.Cut(spec, "=")
		if !ok || name == "" || path == "" {
			return fmt.Errorf("repo %q: want name=path", spec)
		}
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("repo %q: %w", spec, err)
		}
		if info, err := os.Stat(filepath.Join(abs, ".git")); err != nil || !info.IsDir() {
			return fmt.Errorf("repo %q: %s is not a git repository", name, abs)
		}
		repos = append(repos, state.Repo{
			ID:          uuid.New().String(),
			WorkspaceID: ws.ID,
			Name:        name,
			Path:        abs,
			Ordinal:     i,
		})
	}

	if err := a.DB.CreateWorkspace(ws, repos); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}
	fmt.Printf("%s created workspace %q as %s (%d repos)\n",
		color.GreenString("✓"), ws.Name, ws.ID, len(repos))
	return nil
}

func runWorkspaceList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	workspaces, err := a.DB.ListWorkspaces()
	if err != nil {
		return fmt.Errorf("list workspaces: %w", err)
	}
	if len(workspaces) == 0 {
		fmt.Println("No workspaces. Create one with 'conductor workspace add'.")
		return nil
	}
	for _, ws := range workspaces {
		repos, err := a.DB.ListRepos(ws.ID)
		if err != nil {
			return fmt.Errorf("list repos: %w", err)
		}
		fmt.Printf("  %s  %s\n", ws.ID, ws.Name)
		for _, r := range repos {
			fmt.Printf("      %s: %s\n", r.Name, r.Path)
		}
	}
	return nil
}
