package main

import (
	"fmt"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/engine"
	"github.com/conductor-dev/conductor/pkg/models"
)

var inputBy string

var inputCmd = &cobra.Command{
	Use:   "input <agent-id> <text...>",
	Short: "Answer a waiting agent",
	Long: `Deliver a response to an agent that is waiting for input.

The answer is recorded durably: pending input requests are resolved
with the text, and the engine process owning the agent forwards it to
the agent's stdin. The agent resumes and its session unparks.`,
	Args: cobra.MinimumNArgs(2),
	RunE: runInput,
}

var killCmd = &cobra.Command{
	Use:   "kill <agent-id>",
	Short: "Terminate an agent",
	Long: `Kill an agent's subprocess.

If the process is alive it receives SIGKILL; the engine that spawned it
observes the exit and finalizes the agent (completed if it already
signalled, failed otherwise), releasing its git binding. If no process
remains, the agent row is finalized directly.`,
	Args: cobra.ExactArgs(1),
	RunE: runKill,
}

var pauseCmd = &cobra.Command{
	Use:   "pause <session-id>",
	Short: "Pause a session",
	Long: `Stop a session from advancing. Agents already running keep
running; once they finish, the session holds until 'conductor resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: runPause,
}

var resumeCmd = &cobra.Command{
	Use:   "resume <session-id>",
	Short: "Resume a paused session",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

func init() {
	inputCmd.Flags().StringVar(&inputBy, "by", "operator", "User recorded as the responder")
}

func runInput(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	agentID := args[0]
	text := strings.Join(args[1:], " ")

	if err := engine.AnswerAgent(a.DB, agentID, text, inputBy); err != nil {
		return err
	}
	fmt.Printf("%s response recorded for agent %s\n", color.GreenString("✓"), shortID(agentID))
	return nil
}

func runKill(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	agent, err := a.DB.GetAgent(args[0])
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("agent %s not found", args[0])
	}
	if agent.Status.IsTerminal() {
		return fmt.Errorf("agent %s is already %s", shortID(agent.ID), agent.Status)
	}

	if agent.PID > 0 && processAlive(agent.PID) {
		if err := syscall.Kill(agent.PID, syscall.SIGKILL); err != nil {
			return fmt.Errorf("kill pid %d: %w", agent.PID, err)
		}
		fmt.Printf("%s killed agent %s (pid %d); its engine will finalize it\n",
			color.RedString("✗"), shortID(agent.ID), agent.PID)
		return nil
	}

	// No live process: finalize the row and release the git binding.
	if err := a.Manager.Kill(agent.ID); err != nil {
		return err
	}
	fmt.Printf("%s finalized orphaned agent %s\n", color.RedString("✗"), shortID(agent.ID))
	return nil
}

// processAlive checks for an existing process with signal 0.
func processAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func runPause(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := engine.PauseSession(a.DB, args[0]); err != nil {
		return err
	}
	fmt.Printf("session %s is %s\n", shortID(args[0]), models.SessionPaused)
	return nil
}

func runResume(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := engine.ResumeSession(a.DB, args[0]); err != nil {
		return err
	}
	fmt.Printf("session %s is %s; a serving engine will pick it up\n",
		shortID(args[0]), models.SessionActive)
	return nil
}
