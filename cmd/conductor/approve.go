package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/pkg/models"
)

var (
	approveReject   bool
	approveResponse string
	approveBy       string
)

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "List pending approvals",
	Long: `List formal approvals waiting on a human.

Shown here: phase gates, decision confirmations, merge and escalation
requests. Continuation requests (an agent asking for input) are listed
under 'conductor status <session-id>' and answered with
'conductor input'.`,
	RunE: runApprovals,
}

var approveCmd = &cobra.Command{
	Use:   "approve <approval-id>",
	Short: "Resolve a pending approval",
	Long: `Approve or reject a pending approval.

Approving a phase gate lets the session proceed (or re-enter the loop
for a loop gate). Rejecting a gate pauses the session; rejecting a
loop gate completes the phase without another pass. Decision approvals
confirm or invalidate the underlying decision.`,
	Args: cobra.ExactArgs(1),
	RunE: runApprove,
}

func init() {
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "Reject instead of approve")
	approveCmd.Flags().StringVar(&approveResponse, "response", "", "Optional response text recorded with the resolution")
	approveCmd.Flags().StringVar(&approveBy, "by", "operator", "User recorded as the resolver")
}

func runApprovals(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	approvals, err := a.DB.ListPendingFormalApprovals()
	if err != nil {
		return fmt.Errorf("list approvals: %w", err)
	}
	if len(approvals) == 0 {
		fmt.Println("No pending approvals.")
		return nil
	}

	fmt.Println("Pending approvals:")
	for _, ap := range approvals {
		stage := ""
		if ap.Stage != "" {
			stage = fmt.Sprintf(" [%s]", ap.Stage)
		}
		fmt.Printf("  %s  session %s  %s%s\n      %s\n",
			color.YellowString(shortID(ap.ID)), shortID(ap.SessionID), ap.Type, stage, ap.Summary)
	}
	fmt.Println("\nResolve with: conductor approve <approval-id> [--reject]")
	return nil
}

func runApprove(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	status := models.ApprovalApproved
	if approveReject {
		status = models.ApprovalRejected
	}
	// Resolve against the store only; a serving engine picks up the
	// change through its store bridge or poll interval.
	if _, err := engine.ApplyApprovalResolution(a.DB, args[0], status, approveBy, approveResponse); err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}

	if approveReject {
		fmt.Printf("%s rejected\n", color.RedString("✗"))
	} else {
		fmt.Printf("%s approved\n", color.GreenString("✓"))
	}
	return nil
}
