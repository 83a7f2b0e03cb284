package engine

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/manager"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/strategy"
	"github.com/conductor-dev/conductor/pkg/models"
)

// step reconciles one session against the store. It returns done=true
// when the session no longer needs its loop (terminal or paused).
// Every branch is idempotent: re-running a step after a crash or a
// duplicate nudge reaches the same state.
func (e *Engine) step(sessionID string) (done bool, err error) {
	session, err := e.store.GetSession(sessionID)
	if err != nil {
		return false, fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return true, fmt.Errorf("session %s vanished", sessionID)
	}

	switch session.Status {
	case models.SessionCompleted, models.SessionFailed, models.SessionPaused:
		return true, nil
	case models.SessionPending:
		zero := 0
		session.CurrentPhase = &zero
		session.Status = models.SessionActive
		if err := e.store.UpdateSession(session); err != nil {
			return false, fmt.Errorf("start session: %w", err)
		}
		e.emitSession(session.ID, models.SessionActive)
		e.emitter.Emit(events.Event{Type: events.TypePhaseAdvanced, SessionID: session.ID, Message: "0"})
	case models.SessionActive, models.SessionWaitingApproval:
	default:
		return true, fmt.Errorf("session %s has unknown status %q", sessionID, session.Status)
	}

	phases, err := e.store.GetPhases(session.WorkflowID)
	if err != nil {
		return false, fmt.Errorf("load phases: %w", err)
	}
	if session.CurrentPhase == nil || *session.CurrentPhase < 0 || *session.CurrentPhase >= len(phases) {
		// Invariant violation: a runnable session must point at a valid
		// phase. Fail loudly rather than guessing.
		return true, fmt.Errorf("session %s current_phase out of range: %v of %d phases",
			sessionID, session.CurrentPhase, len(phases))
	}

	ord := *session.CurrentPhase
	phase := phases[ord]
	iteration := session.LoopState[ord]

	agents, err := e.store.ListAgentsByPhase(session.ID, phase.ID, iteration)
	if err != nil {
		return false, fmt.Errorf("list phase agents: %w", err)
	}

	if len(agents) == 0 {
		return e.enterPhase(session, phases, phase, iteration)
	}
	if hasNonTerminal(agents) {
		return false, e.superviseRunning(session, agents)
	}
	return e.evaluatePhase(session, phases, phase, iteration, agents)
}

// enterPhase starts one iteration of a phase: enforce a before gate,
// then spawn the phase's agents.
func (e *Engine) enterPhase(session *state.Session, phases []state.Phase, phase state.Phase, iteration int) (bool, error) {
	if phase.GateMode == models.GateBefore {
		proceed, done, err := e.checkGate(session, phase, iteration, models.StageBefore,
			fmt.Sprintf("Start phase %q (iteration %d)?", phase.Name, iteration))
		if !proceed {
			return done, err
		}
	}
	return false, e.spawnPhaseAgents(session, phases, phase, iteration)
}

// checkGate drives one phase_gate approval for a specific phase entry.
// proceed=true means execution may continue past the gate.
func (e *Engine) checkGate(session *state.Session, phase state.Phase, iteration int, stage models.GateStage, summary string) (proceed, done bool, err error) {
	gate, err := e.store.LatestGateApproval(session.ID, phase.ID, iteration, stage)
	if err != nil {
		return false, false, fmt.Errorf("load gate approval: %w", err)
	}

	if gate == nil {
		gate = &state.Approval{
			ID:            uuid.New().String(),
			SessionID:     session.ID,
			Type:          models.ApprovalPhaseGate,
			Status:        models.ApprovalPending,
			PhaseID:       phase.ID,
			LoopIteration: iteration,
			Stage:         stage,
			Summary:       summary,
			CreatedAt:     time.Now(),
		}
		if err := e.store.CreateApproval(gate); err != nil {
			return false, false, fmt.Errorf("create gate approval: %w", err)
		}
		e.emitter.Emit(events.Event{Type: events.TypeApprovalCreated, SessionID: session.ID, Message: gate.ID})
	}

	switch gate.Status {
	case models.ApprovalPending:
		if session.Status != models.SessionWaitingApproval {
			session.Status = models.SessionWaitingApproval
			if err := e.store.UpdateSession(session); err != nil {
				return false, false, fmt.Errorf("park session: %w", err)
			}
			e.emitSession(session.ID, models.SessionWaitingApproval)
		}
		return false, false, nil
	case models.ApprovalRejected:
		// A rejected gate pauses the session for an explicit human
		// resume or abandon; it is not a failure.
		session.Status = models.SessionPaused
		if err := e.store.UpdateSession(session); err != nil {
			return false, false, fmt.Errorf("pause session: %w", err)
		}
		e.logger.Info("gate rejected, session paused",
			zap.String("session", session.ID), zap.String("phase", phase.Name))
		e.emitSession(session.ID, models.SessionPaused)
		return false, true, nil
	default:
		return true, false, nil
	}
}

// spawnPhaseAgents launches one agent per named role. A git binding
// conflict is transient (another agent still holds the workspace); the
// session stays active and retries on the next pass.
func (e *Engine) spawnPhaseAgents(session *state.Session, phases []state.Phase, phase state.Phase, iteration int) error {
	strat := e.strategyFor(session, phase)

	prompt, err := e.buildPrompt(session, phases, phase, iteration)
	if err != nil {
		return fmt.Errorf("compose prompt: %w", err)
	}

	roles := phase.Roles
	if len(roles) == 0 {
		roles = map[string]string{"worker": "default"}
	}
	names := make([]string, 0, len(roles))
	for name := range roles {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, role := range names {
		_, err := e.mgr.Spawn(e.ctx, manager.SpawnRequest{
			SessionID:     session.ID,
			PhaseID:       phase.ID,
			WorkspaceID:   session.WorkspaceID,
			Role:          role,
			Prompt:        prompt,
			Strategy:      strat,
			LoopIteration: iteration,
		})
		if err != nil {
			if errors.Is(err, strategy.ErrBindingConflict) {
				e.logger.Debug("git binding held, retrying later",
					zap.String("session", session.ID), zap.String("phase", phase.Name))
				return nil
			}
			return e.failSession(session, fmt.Errorf("spawn %s agent: %w", role, err))
		}
	}

	if session.Status != models.SessionActive {
		session.Status = models.SessionActive
		if err := e.store.UpdateSession(session); err != nil {
			return fmt.Errorf("activate session: %w", err)
		}
		e.emitSession(session.ID, models.SessionActive)
	}
	return nil
}

// superviseRunning parks the session while an agent sits in waiting with
// a pending continuation approval, and reactivates it when input
// arrived through another path.
func (e *Engine) superviseRunning(session *state.Session, agents []state.Agent) error {
	blocked := false
	for _, a := range agents {
		if a.Status != models.AgentWaiting {
			continue
		}
		pending, err := e.store.ListPendingApprovalsForAgent(a.ID)
		if err != nil {
			return fmt.Errorf("list continuation approvals: %w", err)
		}
		if len(pending) > 0 {
			blocked = true
			continue
		}
		if err := e.deliverAnswers(a.ID); err != nil {
			return err
		}
	}

	if blocked && session.Status == models.SessionActive {
		session.Status = models.SessionWaitingApproval
		if err := e.store.UpdateSession(session); err != nil {
			return fmt.Errorf("park session: %w", err)
		}
		e.emitSession(session.ID, models.SessionWaitingApproval)
	}
	if !blocked && session.Status == models.SessionWaitingApproval {
		session.Status = models.SessionActive
		if err := e.store.UpdateSession(session); err != nil {
			return fmt.Errorf("unpark session: %w", err)
		}
		e.emitSession(session.ID, models.SessionActive)
	}
	return nil
}

// deliverAnswers forwards continuation responses recorded by another
// process (conductor input) to a waiting agent this engine owns. The
// delivery stamp keeps a response from being replayed into a later
// wait.
func (e *Engine) deliverAnswers(agentID string) error {
	if !e.mgr.Running(agentID) {
		return nil
	}
	answered, err := e.store.ListUndeliveredContinuations(agentID)
	if err != nil {
		return fmt.Errorf("list answered continuations: %w", err)
	}
	if len(answered) == 0 {
		return nil
	}
	// One wait, one answer: SendInput moves the agent to running, so
	// forward only the oldest and stamp the rest consumed.
	if err := e.mgr.SendInput(agentID, answered[0].Response, answered[0].ResolvedBy); err != nil {
		return fmt.Errorf("forward input to agent %s: %w", agentID, err)
	}
	for _, a := range answered {
		if err := e.store.MarkApprovalDelivered(a.ID); err != nil {
			return fmt.Errorf("mark approval delivered: %w", err)
		}
	}
	return nil
}

// evaluatePhase inspects a finished iteration's completion signals and
// decides between looping, gating, advancing and finishing.
func (e *Engine) evaluatePhase(session *state.Session, phases []state.Phase, phase state.Phase, iteration int, agents []state.Agent) (bool, error) {
	for _, a := range agents {
		if a.Status == models.AgentFailed && a.CompletionSignal == "" {
			return true, e.failSession(session, fmt.Errorf("agent %s (%s) failed in phase %q", a.ID, a.Role, phase.Name))
		}
	}

	ord := *session.CurrentPhase
	wantsIterate := false
	for _, a := range agents {
		if a.CompletionSignal == models.SignalIterate {
			wantsIterate = true
			break
		}
	}

	if wantsIterate && phase.Loop != nil {
		next := iteration + 1
		if next > phase.Loop.MaxIterations {
			// Cap reached: coerce to complete semantics. Policy, not an
			// error.
			e.logger.Info("loop limit reached, completing phase",
				zap.String("session", session.ID),
				zap.String("phase", phase.Name),
				zap.Int("max_iterations", phase.Loop.MaxIterations))
		} else if phase.Loop.Condition == models.LoopApproval {
			// The iterate signal only proposes the loop; a formal
			// approval decides. Rejection falls through to complete
			// semantics instead of pausing.
			gate, err := e.store.LatestGateApproval(session.ID, phase.ID, iteration, models.StageLoop)
			if err != nil {
				return false, fmt.Errorf("load loop gate: %w", err)
			}
			if gate == nil {
				gate = &state.Approval{
					ID:            uuid.New().String(),
					SessionID:     session.ID,
					Type:          models.ApprovalPhaseGate,
					Status:        models.ApprovalPending,
					PhaseID:       phase.ID,
					LoopIteration: iteration,
					Stage:         models.StageLoop,
					Summary:       fmt.Sprintf("Run iteration %d of phase %q?", next, phase.Name),
					CreatedAt:     time.Now(),
				}
				if err := e.store.CreateApproval(gate); err != nil {
					return false, fmt.Errorf("create loop gate: %w", err)
				}
				e.emitter.Emit(events.Event{Type: events.TypeApprovalCreated, SessionID: session.ID, Message: gate.ID})
			}
			switch gate.Status {
			case models.ApprovalPending:
				if session.Status != models.SessionWaitingApproval {
					session.Status = models.SessionWaitingApproval
					if err := e.store.UpdateSession(session); err != nil {
						return false, fmt.Errorf("park session: %w", err)
					}
					e.emitSession(session.ID, models.SessionWaitingApproval)
				}
				return false, nil
			case models.ApprovalApproved:
				return false, e.reenterLoop(session, phase, ord, next)
			}
		} else {
			return false, e.reenterLoop(session, phase, ord, next)
		}
	}

	return e.exitPhase(session, phases, phase, iteration)
}

// reenterLoop bumps the loop counters for every phase in the loop span
// and moves current_phase back to the loop target.
func (e *Engine) reenterLoop(session *state.Session, phase state.Phase, ord, next int) error {
	target := phase.Loop.LoopTo
	if session.LoopState == nil {
		session.LoopState = map[int]int{}
	}
	for p := target; p <= ord; p++ {
		session.LoopState[p] = next
	}
	session.CurrentPhase = &target
	session.Status = models.SessionActive
	if err := e.store.UpdateSession(session); err != nil {
		return fmt.Errorf("re-enter loop: %w", err)
	}

	e.logger.Info("loop re-entry",
		zap.String("session", session.ID),
		zap.String("phase", phase.Name),
		zap.Int("target", target),
		zap.Int("iteration", next),
		zap.Int("max_iterations", phase.Loop.MaxIterations))
	e.emitter.Emit(events.Event{
		Type: events.TypePhaseAdvanced, SessionID: session.ID,
		Message: fmt.Sprintf("%d", target),
	})
	return nil
}

// exitPhase enforces an after gate, then advances to the next phase or
// completes the session.
func (e *Engine) exitPhase(session *state.Session, phases []state.Phase, phase state.Phase, iteration int) (bool, error) {
	if phase.GateMode == models.GateAfter {
		proceed, done, err := e.checkGate(session, phase, iteration, models.StageAfter,
			fmt.Sprintf("Accept results of phase %q (iteration %d)?", phase.Name, iteration))
		if !proceed {
			return done, err
		}
	}

	ord := *session.CurrentPhase
	if ord == len(phases)-1 {
		now := time.Now()
		session.Status = models.SessionCompleted
		session.CompletedAt = &now
		if err := e.store.UpdateSession(session); err != nil {
			return false, fmt.Errorf("complete session: %w", err)
		}
		e.logger.Info("session completed", zap.String("session", session.ID))
		e.emitSession(session.ID, models.SessionCompleted)
		return true, nil
	}

	next := ord + 1
	session.CurrentPhase = &next
	session.Status = models.SessionActive
	if err := e.store.UpdateSession(session); err != nil {
		return false, fmt.Errorf("advance phase: %w", err)
	}
	e.emitter.Emit(events.Event{
		Type: events.TypePhaseAdvanced, SessionID: session.ID,
		Message: fmt.Sprintf("%d", next),
	})
	return false, nil
}

// failSession marks the session failed and kills any agent still alive.
func (e *Engine) failSession(session *state.Session, cause error) error {
	e.logger.Error("session failed", zap.String("session", session.ID), zap.Error(cause))

	agents, err := e.store.ListAgentsBySession(session.ID)
	if err == nil {
		for _, a := range agents {
			if !a.Status.IsTerminal() {
				if kerr := e.mgr.Kill(a.ID); kerr != nil {
					e.logger.Warn("kill agent on session failure",
						zap.String("agent", a.ID), zap.Error(kerr))
				}
			}
		}
	}

	now := time.Now()
	session.Status = models.SessionFailed
	session.CompletedAt = &now
	if err := e.store.UpdateSession(session); err != nil {
		return fmt.Errorf("mark session failed: %w", err)
	}
	e.emitSession(session.ID, models.SessionFailed)
	return nil
}

// strategyFor picks the effective git strategy: session override, then
// phase default, then isolated worktrees.
func (e *Engine) strategyFor(session *state.Session, phase state.Phase) models.GitStrategy {
	if session.GitStrategy != nil {
		return *session.GitStrategy
	}
	if phase.GitStrategy != nil {
		return *phase.GitStrategy
	}
	return models.GitStrategy{Kind: models.StrategyWorktree}
}

func hasNonTerminal(agents []state.Agent) bool {
	for _, a := range agents {
		if !a.Status.IsTerminal() {
			return true
		}
	}
	return false
}
