package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/pkg/models"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session engine as a long-lived process",
	Long: `Run the engine until interrupted.

On startup it recovers from any previous crash: agents whose processes
are gone are marked failed, their git bindings are released, and
stranded sessions are paused for inspection. It then resumes every
unfinished session and prints events as they happen.

Use this when sessions were started with 'conductor run --detach' or
when a previous foreground run was interrupted.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if err := CheckAgentCLI(a.Config.Agent.Command); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sub := a.Engine.Subscribe()
	if err := a.Start(ctx); err != nil {
		return err
	}

	sessions, err := a.DB.ListSessions(nil)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Status.IsTerminal() {
			continue
		}
		hint := ""
		if s.Status == models.SessionPaused {
			hint = " (resume with 'conductor resume')"
		}
		fmt.Printf("session %s is %s%s\n", shortID(s.ID), s.Status, hint)
	}

	fmt.Println("conductor serving; Ctrl-C to stop")
	for {
		select {
		case <-ctx.Done():
			fmt.Println("\nshutting down")
			return nil
		case ev, ok := <-sub:
			if !ok {
				return nil
			}
			if ev.Type == events.TypeStoreChanged {
				continue
			}
			printEvent(ev)
		}
	}
}
