package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/toolkit"
)

var (
	toolTags       []string
	toolFiles      []string
	toolLimit      int
	toolRationale  string
	toolAlts       []string
	toolSupersedes string
	toolArtStatus  string
	toolDone       string
)

var toolCmd = &cobra.Command{
	Use:   "tool",
	Short: "Agent-side toolkit (for spawned agents)",
	Long: `Commands invoked by spawned agents, not by operators.

Identity comes from the environment Conductor injects at spawn time
(CONDUCTOR_DB, CONDUCTOR_DATA_DIR, CONDUCTOR_AGENT_ID,
CONDUCTOR_SESSION_ID, CONDUCTOR_PHASE_ID). Results are printed as JSON
on stdout.`,
}

var toolContextCmd = &cobra.Command{
	Use:   "context [query]",
	Short: "Read the session's decisions and artifacts",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runToolContext,
}

var toolRecordCmd = &cobra.Command{
	Use:   "record <question> <choice>",
	Short: "Record a finding (no approval requested)",
	Args:  cobra.ExactArgs(2),
	RunE:  runToolRecord,
}

var toolDecideCmd = &cobra.Command{
	Use:   "decide <question> <choice>",
	Short: "Record a decision and request confirmation",
	Args:  cobra.ExactArgs(2),
	RunE:  runToolDecide,
}

var toolArtifactCmd = &cobra.Command{
	Use:   "artifact <name> [content]",
	Short: "Store an artifact (content from arg or stdin)",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  runToolArtifact,
}

var toolPhaseCompleteCmd = &cobra.Command{
	Use:   "phase-complete <summary>",
	Short: "Signal the phase outcome",
	Long: `Record the agent's outcome for this phase.

--status complete   work is done (default)
--status iterate    propose another loop pass
--status blocked    cannot proceed, wait for an operator
--status needs_input ask the operator a question and wait`,
	Args: cobra.ExactArgs(1),
	RunE: runToolPhaseComplete,
}

func init() {
	toolContextCmd.Flags().StringArrayVar(&toolTags, "tag", nil, "Filter by tag (repeatable)")
	toolContextCmd.Flags().StringArrayVar(&toolFiles, "file", nil, "Filter by touched file (repeatable)")
	toolContextCmd.Flags().IntVar(&toolLimit, "limit", 0, "Cap results (default 15)")

	for _, c := range []*cobra.Command{toolRecordCmd, toolDecideCmd} {
		c.Flags().StringVar(&toolRationale, "rationale", "", "Why this choice")
		c.Flags().StringArrayVar(&toolAlts, "alternative", nil, "Rejected alternative (repeatable)")
		c.Flags().StringArrayVar(&toolTags, "tag", nil, "Tag (repeatable)")
		c.Flags().StringVar(&toolSupersedes, "supersedes", "", "Decision ID this one replaces")
	}

	toolArtifactCmd.Flags().StringVar(&toolArtStatus, "status", "draft", "Artifact status: draft or final")
	toolArtifactCmd.Flags().StringArrayVar(&toolTags, "tag", nil, "Tag (repeatable)")

	toolPhaseCompleteCmd.Flags().StringVar(&toolDone, "status", "complete", "Outcome: complete, iterate, blocked, or needs_input")

	toolCmd.AddCommand(toolContextCmd)
	toolCmd.AddCommand(toolRecordCmd)
	toolCmd.AddCommand(toolDecideCmd)
	toolCmd.AddCommand(toolArtifactCmd)
	toolCmd.AddCommand(toolPhaseCompleteCmd)
}

// openToolkit builds a Toolkit strictly from the spawn environment.
func openToolkit() (*toolkit.Toolkit, *state.DB, error) {
	id, err := toolkit.IdentityFromEnv()
	if err != nil {
		return nil, nil, err
	}
	dbPath := os.Getenv(toolkit.EnvDBPath)
	if dbPath == "" {
		return nil, nil, fmt.Errorf("%s is not set", toolkit.EnvDBPath)
	}
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	tk := toolkit.New(db, os.Getenv(toolkit.EnvDataDir), id, nil)
	return tk, db, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runToolContext(cmd *cobra.Command, args []string) error {
	tk, db, err := openToolkit()
	if err != nil {
		return err
	}
	defer db.Close()

	query := ""
	if len(args) > 0 {
		query = args[0]
	}
	result, err := tk.Context(toolkit.ContextRequest{
		Query: query,
		Tags:  toolTags,
		Files: toolFiles,
		Limit: toolLimit,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runToolRecord(cmd *cobra.Command, args []string) error {
	tk, db, err := openToolkit()
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := tk.Record(toolkit.DecisionRequest{
		Question:     args[0],
		Choice:       args[1],
		Rationale:    toolRationale,
		Alternatives: toolAlts,
		Tags:         toolTags,
		Supersedes:   toolSupersedes,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runToolDecide(cmd *cobra.Command, args []string) error {
	tk, db, err := openToolkit()
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := tk.Decide(toolkit.DecisionRequest{
		Question:     args[0],
		Choice:       args[1],
		Rationale:    toolRationale,
		Alternatives: toolAlts,
		Tags:         toolTags,
		Supersedes:   toolSupersedes,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runToolArtifact(cmd *cobra.Command, args []string) error {
	tk, db, err := openToolkit()
	if err != nil {
		return err
	}
	defer db.Close()

	content := ""
	if len(args) == 2 {
		content = args[1]
	} else {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		content = string(data)
	}

	result, err := tk.Artifact(toolkit.ArtifactRequest{
		Name:    args[0],
		Content: content,
		Status:  toolArtStatus,
		Tags:    toolTags,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runToolPhaseComplete(cmd *cobra.Command, args []string) error {
	tk, db, err := openToolkit()
	if err != nil {
		return err
	}
	defer db.Close()

	result, err := tk.PhaseComplete(toolkit.PhaseCompleteRequest{
		Summary: args[0],
		Status:  toolDone,
	})
	if err != nil {
		return err
	}
	return printJSON(result)
}
