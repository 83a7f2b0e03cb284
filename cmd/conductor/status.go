package main

import (
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

var statusCmd = &cobra.Command{
	Use:   "status [session-id]",
	Short: "Show session state",
	Long: `Display sessions and their agents.

With no arguments, lists every session. With a session ID, shows the
session's phase position, loop counters, agents, pending approvals,
and artifacts.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 1 {
		return displaySessionDetail(a.DB, args[0])
	}
	return displaySessions(a.DB)
}

func displaySessions(db *state.DB) error {
	sessions, err := db.ListSessions(nil)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	if len(sessions) == 0 {
		fmt.Println("No sessions. Run 'conductor run' to start one.")
		return nil
	}

	fmt.Println("Sessions:")
	for _, s := range sessions {
		phase := "-"
		if s.CurrentPhase != nil {
			phase = fmt.Sprintf("%d", *s.CurrentPhase)
		}
		fmt.Printf("  %s  %-18s phase %-3s %s  %s\n",
			shortID(s.ID),
			colorSessionStatus(s.Status),
			phase,
			formatDuration(time.Since(s.StartedAt)),
			s.Description)
	}
	return nil
}

func displaySessionDetail(db *state.DB, id string) error {
	session, err := db.GetSession(id)
	if err != nil {
		return fmt.Errorf("get session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", id)
	}

	phases, err := db.GetPhases(session.WorkflowID)
	if err != nil {
		return fmt.Errorf("get phases: %w", err)
	}

	fmt.Printf("Session: %s\n", session.ID)
	fmt.Printf("  Status:  %s\n", colorSessionStatus(session.Status))
	fmt.Printf("  Started: %s ago\n", formatDuration(time.Since(session.StartedAt)))
	if session.Description != "" {
		fmt.Printf("  Goal:    %s\n", session.Description)
	}
	if session.CurrentPhase != nil && *session.CurrentPhase < len(phases) {
		p := phases[*session.CurrentPhase]
		fmt.Printf("  Phase:   %d of %d (%s)\n", p.Ordinal+1, len(phases), p.Name)
		if iter := session.LoopState[p.Ordinal]; iter > 0 {
			fmt.Printf("  Iteration: %d\n", iter)
		}
	}

	agents, err := db.ListAgentsBySession(session.ID)
	if err != nil {
		return fmt.Errorf("list agents: %w", err)
	}
	if len(agents) > 0 {
		fmt.Println("\nAgents:")
		for _, ag := range agents {
			loc := ag.WorktreePath
			if loc == "" {
				loc = ag.Branch
			}
			fmt.Printf("  %s  %-10s %-12s iter %d  %s\n",
				shortID(ag.ID), ag.Role, colorAgentStatus(ag.Status), ag.LoopIteration, loc)
			if ag.PhaseSummary != "" {
				fmt.Printf("      %s\n", ag.PhaseSummary)
			}
		}
	}

	approvals, err := db.ListApprovalsBySession(session.ID)
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	var pending []state.Approval
	for _, ap := range approvals {
		if ap.Status == models.ApprovalPending {
			pending = append(pending, ap)
		}
	}
	if len(pending) > 0 {
		fmt.Println("\nPending approvals:")
		for _, ap := range pending {
			fmt.Printf("  %s  %-12s %s\n", shortID(ap.ID), ap.Type, ap.Summary)
		}
	}

	artifacts, err := db.ListArtifactsBySession(session.ID)
	if err != nil {
		return fmt.Errorf("list artifacts: %w", err)
	}
	if len(artifacts) > 0 {
		fmt.Println("\nArtifacts:")
		for _, art := range artifacts {
			pin := " "
			if art.Pinned {
				pin = "*"
			}
			fmt.Printf("  %s %s (%s, iteration %d)\n", pin, art.Name, art.Status, art.LoopIteration)
		}
	}

	return nil
}

func colorSessionStatus(s models.SessionStatus) string {
	switch s {
	case models.SessionActive:
		return color.GreenString(string(s))
	case models.SessionWaitingApproval:
		return color.YellowString(string(s))
	case models.SessionFailed:
		return color.RedString(string(s))
	case models.SessionCompleted:
		return color.CyanString(string(s))
	default:
		return string(s)
	}
}

func colorAgentStatus(s models.AgentStatus) string {
	switch s {
	case models.AgentRunning:
		return color.GreenString(string(s))
	case models.AgentWaiting:
		return color.YellowString(string(s))
	case models.AgentFailed:
		return color.RedString(string(s))
	default:
		return string(s)
	}
}

// formatDuration renders a duration in coarse human units.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
