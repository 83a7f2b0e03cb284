package engine

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/strategy"
	"github.com/conductor-dev/conductor/pkg/models"
)

// Recover reconciles durable state with the fact that no subprocess
// survived a restart. Every non-terminal agent is assumed dead and
// marked failed; stranded sessions go to paused so a human decides
// whether to resume or abandon. The pass is conservative and
// idempotent: running it twice changes nothing the second time.
func (e *Engine) Recover() error {
	agents, err := e.store.ListNonTerminalAgents()
	if err != nil {
		return fmt.Errorf("list non-terminal agents: %w", err)
	}

	for _, a := range agents {
		a.Status = models.AgentFailed
		now := time.Now()
		a.CompletedAt = &now
		if err := e.store.UpdateAgent(&a); err != nil {
			return fmt.Errorf("fail orphaned agent %s: %w", a.ID, err)
		}
		e.resolver.Release(a.ID)

		if manifest, merr := strategy.DecodeManifest(a.WorktreeManifest); merr == nil && manifest != nil {
			if cerr := e.resolver.Cleanup(manifest); cerr != nil {
				e.logger.Warn("cleanup orphaned binding",
					zap.String("agent", a.ID), zap.Error(cerr))
			}
		}
		e.logger.Warn("recovered orphaned agent",
			zap.String("agent", a.ID),
			zap.String("session", a.SessionID),
			zap.Int("pid", a.PID))
	}

	sessions, err := e.store.ListUnfinishedSessions()
	if err != nil {
		return fmt.Errorf("list unfinished sessions: %w", err)
	}
	for _, s := range sessions {
		live, err := e.store.ListAgentsBySession(s.ID)
		if err != nil {
			return fmt.Errorf("list session agents: %w", err)
		}
		stranded := true
		for _, a := range live {
			if !a.Status.IsTerminal() {
				stranded = false
				break
			}
		}
		if !stranded {
			continue
		}
		s.Status = models.SessionPaused
		if err := e.store.UpdateSession(&s); err != nil {
			return fmt.Errorf("pause stranded session %s: %w", s.ID, err)
		}
		e.logger.Warn("paused stranded session", zap.String("session", s.ID))
	}

	if len(agents) > 0 || len(sessions) > 0 {
		e.logger.Info("recovery complete",
			zap.Int("agents_failed", len(agents)),
			zap.Int("sessions_checked", len(sessions)))
	}
	return nil
}
