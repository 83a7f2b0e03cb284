// Package engine implements the top-level workflow state machine:
// session lifecycle, phase sequencing, gate enforcement, loop and relay
// control, and startup recovery. All coordination is single-writer per
// session; one goroutine owns each live session and re-derives truth
// from the durable store on every pass, so a missed notification never
// corrupts state.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/manager"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/strategy"
	"github.com/conductor-dev/conductor/pkg/models"
)

// Options tunes engine behavior.
type Options struct {
	// PollInterval bounds how stale a session's view of the store can
	// get when no nudge arrives. The bridge usually wakes sessions much
	// sooner.
	PollInterval time.Duration
}

// defaultPollInterval keeps sessions live even with the bridge down.
const defaultPollInterval = 2 * time.Second

// Engine coordinates sessions. Construct one per application; tests can
// build several against separate stores.
type Engine struct {
	store    *state.DB
	mgr      *manager.Manager
	resolver *strategy.Resolver
	emitter  *events.Emitter
	logger   *zap.Logger
	opts     Options

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	nudges map[string]chan struct{}
	subs   []chan events.Event
	wg     sync.WaitGroup
}

// New builds an engine. The emitter is the fan-in for manager and
// bridge notifications; the engine consumes it and re-publishes to
// subscribers.
func New(store *state.DB, mgr *manager.Manager, resolver *strategy.Resolver, emitter *events.Emitter, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Engine{
		store:    store,
		mgr:      mgr,
		resolver: resolver,
		emitter:  emitter,
		logger:   logger,
		opts:     opts,
		nudges:   make(map[string]chan struct{}),
	}
}

// Start runs crash recovery, then begins dispatching events and resumes
// loops for sessions that survived in a runnable state.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	if err := e.Recover(); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	e.wg.Add(1)
	go e.dispatch()

	pending := models.SessionPending
	sessions, err := e.store.ListSessions(&pending)
	if err != nil {
		return fmt.Errorf("list pending sessions: %w", err)
	}
	for _, s := range sessions {
		e.startLoop(s.ID)
	}
	return nil
}

// Stop halts all session loops and the dispatcher. Live agent processes
// are the manager's to shut down.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

// Subscribe returns a channel of engine notifications: agent and
// session status changes, approvals, phase advancement. Slow consumers
// lose events rather than blocking the engine.
func (e *Engine) Subscribe() <-chan events.Event {
	ch := make(chan events.Event, 64)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch
}

// dispatch consumes the shared emitter: every event wakes the relevant
// session loop (or all of them) and fans out to subscribers.
func (e *Engine) dispatch() {
	defer e.wg.Done()
	for {
		select {
		case <-e.ctx.Done():
			return
		case ev, ok := <-e.emitter.Events():
			if !ok {
				return
			}
			e.fanout(ev)
			if ev.Type == events.TypeStoreChanged {
				// Another process may have created or resumed a
				// session; pick up anything runnable.
				e.reviveLoops()
			}
			if ev.SessionID != "" {
				e.nudge(ev.SessionID)
			} else {
				e.nudgeAll()
			}
		}
	}
}

func (e *Engine) fanout(ev events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (e *Engine) nudge(sessionID string) {
	e.mu.Lock()
	ch, ok := e.nudges[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- struct{}{}:
	default:
	}
}

// reviveLoops starts loops for runnable sessions that have none, such
// as sessions created or resumed by another process.
func (e *Engine) reviveLoops() {
	pending := models.SessionPending
	sessions, err := e.store.ListSessions(&pending)
	if err != nil {
		e.logger.Warn("list pending sessions", zap.Error(err))
		return
	}
	unfinished, err := e.store.ListUnfinishedSessions()
	if err != nil {
		e.logger.Warn("list unfinished sessions", zap.Error(err))
		return
	}
	for _, s := range append(sessions, unfinished...) {
		e.startLoop(s.ID)
	}
}

func (e *Engine) nudgeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.nudges {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// LaunchRequest starts one session of a workflow against a workspace.
type LaunchRequest struct {
	UserID      string              `json:"user_id"`
	WorkspaceID string              `json:"workspace_id"`
	WorkflowID  string              `json:"workflow_id"`
	Description string              `json:"description,omitempty"`
	Context     string              `json:"context,omitempty"`
	GitStrategy *models.GitStrategy `json:"git_strategy,omitempty"`
}

// StartSession creates a session and begins executing it.
func (e *Engine) StartSession(req LaunchRequest) (*state.Session, error) {
	workflow, err := e.store.GetWorkflow(req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load workflow: %w", err)
	}
	if workflow == nil {
		return nil, fmt.Errorf("workflow %s not found", req.WorkflowID)
	}
	phases, err := e.store.GetPhases(req.WorkflowID)
	if err != nil {
		return nil, fmt.Errorf("load phases: %w", err)
	}
	if len(phases) == 0 {
		return nil, fmt.Errorf("workflow %s has no phases", req.WorkflowID)
	}
	workspace, err := e.store.GetWorkspace(req.WorkspaceID)
	if err != nil {
		return nil, fmt.Errorf("load workspace: %w", err)
	}
	if workspace == nil {
		return nil, fmt.Errorf("workspace %s not found", req.WorkspaceID)
	}
	if req.GitStrategy != nil {
		if err := req.GitStrategy.Validate(); err != nil {
			return nil, fmt.Errorf("session git strategy: %w", err)
		}
	}

	session := &state.Session{
		ID:          uuid.New().String(),
		WorkflowID:  req.WorkflowID,
		WorkspaceID: req.WorkspaceID,
		UserID:      req.UserID,
		Description: req.Description,
		Context:     req.Context,
		Status:      models.SessionPending,
		LoopState:   map[int]int{},
		GitStrategy: req.GitStrategy,
		StartedAt:   time.Now(),
	}
	if err := e.store.CreateSession(session); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	e.logger.Info("session launched",
		zap.String("session", session.ID),
		zap.String("workflow", workflow.Name),
		zap.String("workspace", workspace.Name))
	e.emitter.Emit(events.Event{
		Type: events.TypeSessionStatus, SessionID: session.ID,
		Message: string(models.SessionPending),
	})
	e.startLoop(session.ID)
	return session, nil
}

// startLoop spawns the single-writer goroutine for a session if one is
// not already running.
func (e *Engine) startLoop(sessionID string) {
	e.mu.Lock()
	if _, ok := e.nudges[sessionID]; ok {
		e.mu.Unlock()
		return
	}
	ch := make(chan struct{}, 1)
	e.nudges[sessionID] = ch
	e.mu.Unlock()

	e.wg.Add(1)
	go e.runSession(sessionID, ch)
}

func (e *Engine) removeLoop(sessionID string) {
	e.mu.Lock()
	delete(e.nudges, sessionID)
	e.mu.Unlock()
}

// runSession owns all phase advancement for one session. Each pass
// reconciles against the store; the loop parks between passes until a
// nudge or the poll interval.
func (e *Engine) runSession(sessionID string, nudge <-chan struct{}) {
	defer e.wg.Done()
	defer e.removeLoop(sessionID)

	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()

	for {
		done, err := e.step(sessionID)
		if err != nil {
			e.logger.Error("session step", zap.String("session", sessionID), zap.Error(err))
		}
		if done {
			return
		}

		select {
		case <-e.ctx.Done():
			return
		case <-nudge:
		case <-ticker.C:
		}
	}
}

// PauseSession parks a runnable session directly in the store. Live
// agents keep running; the session stops advancing until resumed.
func PauseSession(store *state.DB, sessionID string) error {
	session, err := store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if session.Status != models.SessionActive && session.Status != models.SessionWaitingApproval {
		return fmt.Errorf("session %s is %s, cannot pause", sessionID, session.Status)
	}
	session.Status = models.SessionPaused
	if err := store.UpdateSession(session); err != nil {
		return fmt.Errorf("pause session: %w", err)
	}
	return nil
}

// ResumeSession returns a paused session to active in the store. An
// engine picks it up via its store bridge or at startup.
func ResumeSession(store *state.DB, sessionID string) error {
	session, err := store.GetSession(sessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session == nil {
		return fmt.Errorf("session %s not found", sessionID)
	}
	if session.Status != models.SessionPaused {
		return fmt.Errorf("session %s is %s, not paused", sessionID, session.Status)
	}
	session.Status = models.SessionActive
	if err := store.UpdateSession(session); err != nil {
		return fmt.Errorf("resume session: %w", err)
	}
	return nil
}

// Pause parks a runnable session.
func (e *Engine) Pause(sessionID string) error {
	if err := PauseSession(e.store, sessionID); err != nil {
		return err
	}
	e.emitSession(sessionID, models.SessionPaused)
	return nil
}

// Resume returns a paused session to active and restarts its loop.
func (e *Engine) Resume(sessionID string) error {
	if err := ResumeSession(e.store, sessionID); err != nil {
		return err
	}
	e.emitSession(sessionID, models.SessionActive)
	e.startLoop(sessionID)
	return nil
}

// SendInput delivers text to a waiting agent and wakes its session.
func (e *Engine) SendInput(agentID, text, userID string) error {
	if err := e.mgr.SendInput(agentID, text, userID); err != nil {
		return err
	}
	agent, err := e.store.GetAgent(agentID)
	if err == nil && agent != nil {
		e.nudge(agent.SessionID)
		e.startLoop(agent.SessionID)
	}
	return nil
}

// KillAgent terminates an agent's subprocess and wakes its session.
func (e *Engine) KillAgent(agentID string) error {
	agent, err := e.store.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("agent %s not found", agentID)
	}
	if err := e.mgr.Kill(agentID); err != nil {
		return err
	}
	e.nudge(agent.SessionID)
	return nil
}

// ApplyApprovalResolution resolves a pending approval directly against
// the store, confirming or invalidating the originating decision for
// decision-type approvals. It is safe to call from a process that is
// not running the engine; a running engine notices the change via its
// store bridge or poll interval.
func ApplyApprovalResolution(store *state.DB, id string, status models.ApprovalStatus, userID, response string) (*state.Approval, error) {
	approval, err := store.GetApproval(id)
	if err != nil {
		return nil, fmt.Errorf("load approval: %w", err)
	}
	if approval == nil {
		return nil, fmt.Errorf("approval %s not found", id)
	}

	if err := store.ResolveApproval(id, status, userID, response); err != nil {
		if errors.Is(err, state.ErrAlreadyResolved) {
			return nil, err
		}
		return nil, fmt.Errorf("resolve approval: %w", err)
	}

	if approval.Type == models.ApprovalDecision && approval.DecisionID != "" {
		decisionStatus := models.DecisionConfirmed
		if status == models.ApprovalRejected {
			decisionStatus = models.DecisionInvalidated
		}
		if err := store.SetDecisionStatus(approval.DecisionID, decisionStatus); err != nil {
			return nil, fmt.Errorf("update decision %s: %w", approval.DecisionID, err)
		}
	}
	return approval, nil
}

// AnswerAgent records a response for a waiting agent directly in the
// store. Pending continuation approvals are resolved with the text;
// if the agent waits without one (a blocked signal), an already
// approved continuation row carries the answer. The engine owning the
// agent's process forwards the response and stamps it delivered.
func AnswerAgent(store *state.DB, agentID, text, userID string) error {
	if userID == "" {
		userID = "operator"
	}
	agent, err := store.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent == nil {
		return fmt.Errorf("agent %s not found", agentID)
	}
	if agent.Status != models.AgentWaiting {
		return fmt.Errorf("agent %s is %s, not waiting", agentID, agent.Status)
	}

	pending, err := store.ListPendingApprovalsForAgent(agentID)
	if err != nil {
		return fmt.Errorf("list continuation approvals: %w", err)
	}
	if len(pending) == 0 {
		now := time.Now()
		return store.CreateApproval(&state.Approval{
			ID:         uuid.New().String(),
			SessionID:  agent.SessionID,
			AgentID:    agentID,
			Type:       models.ApprovalAgentIdle,
			Status:     models.ApprovalApproved,
			Summary:    "operator input",
			Response:   text,
			ResolvedBy: userID,
			CreatedAt:  now,
			ResolvedAt: &now,
		})
	}
	for _, a := range pending {
		if err := store.ResolveApproval(a.ID, models.ApprovalApproved, userID, text); err != nil {
			if errors.Is(err, state.ErrAlreadyResolved) {
				continue
			}
			return fmt.Errorf("resolve approval %s: %w", a.ID, err)
		}
	}
	return nil
}

// ResolveApproval resolves a pending approval and wakes the gated
// session.
func (e *Engine) ResolveApproval(id string, status models.ApprovalStatus, userID, response string) error {
	approval, err := ApplyApprovalResolution(e.store, id, status, userID, response)
	if err != nil {
		return err
	}

	e.emitter.Emit(events.Event{
		Type:      events.TypeApprovalResolved,
		SessionID: approval.SessionID,
		AgentID:   approval.AgentID,
		Message:   id,
	})
	e.startLoop(approval.SessionID)
	return nil
}

func (e *Engine) emitSession(sessionID string, status models.SessionStatus) {
	e.emitter.Emit(events.Event{
		Type: events.TypeSessionStatus, SessionID: sessionID, Message: string(status),
	})
}
