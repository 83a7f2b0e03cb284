package main

import (
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/workflowdef"
)

var workflowCmd = &cobra.Command{
	Use:   "workflow",
	Short: "Manage workflow definitions",
}

var workflowImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Validate and import a workflow definition",
	Long: `Import a YAML workflow definition into the store.

The file is validated first: phases need names and prompts, loop
targets must point at the phase itself or an earlier one, and gate,
relay, and loop condition values must be known. Stored workflows are
immutable; importing the same file again creates a new workflow.`,
	Args: cobra.ExactArgs(1),
	RunE: runWorkflowImport,
}

var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List imported workflows",
	RunE:  runWorkflowList,
}

var workflowShowCmd = &cobra.Command{
	Use:   "show <workflow-id>",
	Short: "Show a workflow's phases",
	Args:  cobra.ExactArgs(1),
	RunE:  runWorkflowShow,
}

func init() {
	workflowCmd.AddCommand(workflowImportCmd)
	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowShowCmd)
}

func runWorkflowImport(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	wf, err := workflowdef.ImportFile(a.DB, args[0])
	if err != nil {
		return err
	}
	fmt.Printf("%s imported workflow %q as %s\n", color.GreenString("✓"), wf.Name, wf.ID)
	return nil
}

func runWorkflowList(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	workflows, err := a.DB.ListWorkflows()
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows. Import one with 'conductor workflow import'.")
		return nil
	}
	for _, wf := range workflows {
		phases, err := a.DB.GetPhases(wf.ID)
		if err != nil {
			return fmt.Errorf("get phases: %w", err)
		}
		fmt.Printf("  %s  %-24s %d phases\n", wf.ID, wf.Name, len(phases))
	}
	return nil
}

func runWorkflowShow(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	wf, err := a.DB.GetWorkflow(args[0])
	if err != nil {
		return fmt.Errorf("get workflow: %w", err)
	}
	if wf == nil {
		return fmt.Errorf("workflow %s not found", args[0])
	}
	phases, err := a.DB.GetPhases(wf.ID)
	if err != nil {
		return fmt.Errorf("get phases: %w", err)
	}

	fmt.Printf("Workflow: %s (%s)\n", wf.Name, wf.ID)
	for _, p := range phases {
		fmt.Printf("\n  %d. %s\n", p.Ordinal+1, color.CyanString(p.Name))
		fmt.Printf("     gate: %s, relay: %s\n", p.GateMode, p.Relay)
		if p.Loop != nil {
			fmt.Printf("     loop: to phase %d, max %d iterations, condition %s\n",
				p.Loop.LoopTo, p.Loop.MaxIterations, p.Loop.Condition)
		}
		if len(p.Roles) > 0 {
			for role, profile := range p.Roles {
				fmt.Printf("     role: %s (%s)\n", role, profile)
			}
		}
	}
	return nil
}
