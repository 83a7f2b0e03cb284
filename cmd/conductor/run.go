package main

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/app"
	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/pkg/models"
)

var (
	runWorkspace string
	runWorkflow  string
	runContext   string
	runUser      string
	runDetach    bool
	runGitKind   string
	runGitBranch string
	runIsolation string
	runCreate    bool
)

var runCmd = &cobra.Command{
	Use:   "run [description]",
	Short: "Start a session and follow it",
	Long: `Start a new session executing a workflow over a workspace.

The session runs phase by phase: each phase spawns agents bound to git
working directories per the configured strategy, waits for them to
signal completion, and advances. Gated phases park the session until
'conductor approve' resolves the gate; agents that ask for input park
it until 'conductor input' answers.

By default the command follows the session, printing events until it
reaches a terminal state. Use --detach to start it and return
immediately; a 'conductor serve' process (or a later foreground
command) picks it up.

Git strategy override (per session, falls back to phase then workspace):
  --git worktree   isolated worktree per agent per repo (default)
  --git main       bind the primary checkout (one agent at a time)
  --git branch     work on --branch, isolated or --isolation in_place`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSession,
}

func init() {
	runCmd.Flags().StringVar(&runWorkspace, "workspace", "", "Workspace ID (required)")
	runCmd.Flags().StringVar(&runWorkflow, "workflow", "", "Workflow ID (required)")
	runCmd.Flags().StringVar(&runContext, "context", "", "Free-form context passed to every agent prompt")
	runCmd.Flags().StringVar(&runUser, "user", "operator", "User recorded as the session owner")
	runCmd.Flags().BoolVar(&runDetach, "detach", false, "Start the session and exit without following")
	runCmd.Flags().StringVar(&runGitKind, "git", "", "Git strategy override: worktree, main, or branch")
	runCmd.Flags().StringVar(&runGitBranch, "branch", "", "Branch name for --git branch")
	runCmd.Flags().StringVar(&runIsolation, "isolation", "worktree", "Branch isolation: worktree or in_place")
	runCmd.Flags().BoolVar(&runCreate, "create-branch", false, "Create the branch if it does not exist")
	runCmd.MarkFlagRequired("workspace")
	runCmd.MarkFlagRequired("workflow")
}

func runSession(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := CheckAgentCLI(a.Config.Agent.Command); err != nil {
		return err
	}

	description := ""
	if len(args) > 0 {
		description = args[0]
	}

	req := engine.LaunchRequest{
		UserID:      runUser,
		WorkspaceID: runWorkspace,
		WorkflowID:  runWorkflow,
		Description: description,
		Context:     runContext,
	}
	if runGitKind != "" {
		strat := &models.GitStrategy{
			Kind:      models.GitStrategyKind(runGitKind),
			Branch:    runGitBranch,
			Isolation: models.Isolation(runIsolation),
			Create:    runCreate,
		}
		if err := strat.Validate(); err != nil {
			return err
		}
		req.GitStrategy = strat
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Start(ctx); err != nil {
		return err
	}

	sub := a.Engine.Subscribe()

	session, err := a.Engine.StartSession(req)
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	fmt.Printf("Session %s started\n", color.CyanString(session.ID))

	if runDetach {
		return nil
	}

	return followSession(ctx, a, session.ID, sub)
}

// followSession prints session events until the session is terminal or
// the context is cancelled.
func followSession(ctx context.Context, a *app.App, sessionID string, sub <-chan events.Event) error {
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nDetaching; the session keeps its durable state. Re-attach with 'conductor serve'.")
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.SessionID != "" && ev.SessionID != sessionID {
				continue
			}
			printEvent(ev)
			if ev.Type == events.TypeSessionStatus {
				session, err := a.DB.GetSession(sessionID)
				if err != nil || session == nil {
					return err
				}
				if session.Status.IsTerminal() {
					printOutcome(session.Status)
					return nil
				}
				if session.Status == models.SessionWaitingApproval {
					fmt.Printf("  %s resolve with 'conductor approvals' and 'conductor approve'\n",
						color.YellowString("waiting:"))
				}
			}
		}
	}
}

func printEvent(ev events.Event) {
	label := string(ev.Type)
	switch ev.Type {
	case events.TypeSessionStatus, events.TypePhaseAdvanced:
		label = color.CyanString(label)
	case events.TypeApprovalCreated:
		label = color.YellowString(label)
	case events.TypeAgentOutcome:
		label = color.GreenString(label)
	case events.TypeStoreChanged:
		return
	}
	line := ev.Message
	if ev.AgentID != "" {
		line = fmt.Sprintf("[%s] %s", shortID(ev.AgentID), line)
	}
	fmt.Printf("%s %s\n", label, line)
}

func printOutcome(status models.SessionStatus) {
	switch status {
	case models.SessionCompleted:
		fmt.Printf("\n%s session completed\n", color.GreenString("✓"))
	case models.SessionFailed:
		fmt.Printf("\n%s session failed\n", color.RedString("✗"))
	default:
		fmt.Printf("\nsession is %s\n", status)
	}
}

func shortID(id string) string {
	if i := strings.IndexByte(id, '-'); i > 0 {
		return id[:i]
	}
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
