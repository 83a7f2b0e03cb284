// Package manager spawns and supervises agent subprocesses. It owns the
// process side of an agent's life: the durable agent row is created
// here, the subprocess is launched with its identity in the environment,
// output is persisted to the transcript, and the terminal status is
// stamped when the process exits. Side-channel writes from the agent's
// tool process never move an agent to a terminal state; the manager
// finalizes from the recorded completion signal.
package manager

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/conductor-dev/conductor/internal/blob"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/strategy"
	"github.com/conductor-dev/conductor/internal/toolkit"
	"github.com/conductor-dev/conductor/pkg/models"
)

// ErrAgentNotRunning is returned when an operation needs a live process
// and none exists for the agent.
var ErrAgentNotRunning = errors.New("agent has no running process")

// maxPreview is the largest message body stored inline; longer bodies
// overflow to the blob store.
const maxPreview = 512

// Options configures a Manager.
type Options struct {
	// Command is the agent CLI binary to spawn.
	Command string
	// Args are fixed arguments passed before the prompt.
	Args []string
	// DataDir is the root of session data (artifacts, blobs).
	DataDir string
}

// Manager supervises agent subprocesses for the engine.
type Manager struct {
	store      *state.DB
	blobs      *blob.Store
	resolver   *strategy.Resolver
	newProcess ProcessFactory
	emitter    *events.Emitter
	logger     *zap.Logger
	opts       Options

	mu    sync.Mutex
	procs map[string]Process
	wg    sync.WaitGroup
}

// New builds a Manager. A nil factory launches real CLI subprocesses.
func New(store *state.DB, blobs *blob.Store, resolver *strategy.Resolver, emitter *events.Emitter, opts Options, factory ProcessFactory, logger *zap.Logger) *Manager {
	if factory == nil {
		factory = NewCLIProcess
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:      store,
		blobs:      blobs,
		resolver:   resolver,
		newProcess: factory,
		emitter:    emitter,
		logger:     logger,
		opts:       opts,
		procs:      make(map[string]Process),
	}
}

// SpawnRequest describes one agent to launch.
type SpawnRequest struct {
	SessionID     string
	PhaseID       string
	WorkspaceID   string
	Role          string
	Prompt        string
	Strategy      models.GitStrategy
	SpawnedBy     string
	LoopIteration int
}

// Spawn resolves a git binding, records the agent, and launches its
// subprocess. A binding conflict is rejected before any durable or git
// state is created. A failed launch leaves the agent row failed and the
// binding released.
func (m *Manager) Spawn(ctx context.Context, req SpawnRequest) (*state.Agent, error) {
	agentID := uuid.New().String()

	manifest, err := m.resolver.Resolve(agentID, req.WorkspaceID, req.Strategy)
	if err != nil {
		return nil, fmt.Errorf("resolve git binding: %w", err)
	}
	encoded, err := manifest.Encode()
	if err != nil {
		m.resolver.Release(agentID)
		return nil, fmt.Errorf("encode manifest: %w", err)
	}

	primary := manifest.Bindings[0]
	now := time.Now()
	agent := &state.Agent{
		ID:               agentID,
		SessionID:        req.SessionID,
		PhaseID:          req.PhaseID,
		Role:             req.Role,
		Status:           models.AgentSpawning,
		WorktreePath:     primary.Path,
		Branch:           primary.Branch,
		WorktreeManifest: encoded,
		SpawnedBy:        req.SpawnedBy,
		LoopIteration:    req.LoopIteration,
		StartedAt:        &now,
	}
	if err := m.store.CreateAgent(agent); err != nil {
		m.resolver.Release(agentID)
		m.resolver.Cleanup(manifest)
		return nil, fmt.Errorf("create agent: %w", err)
	}

	proc := m.newProcess(ctx)
	err = proc.Start(ProcessSpec{
		Command: m.opts.Command,
		Args:    m.opts.Args,
		Prompt:  req.Prompt,
		Dir:     primary.Path,
		Env: []string{
			toolkit.EnvDBPath + "=" + m.store.Path(),
			toolkit.EnvDataDir + "=" + m.opts.DataDir,
			toolkit.EnvAgentID + "=" + agentID,
			toolkit.EnvSessionID + "=" + req.SessionID,
			toolkit.EnvPhaseID + "=" + req.PhaseID,
		},
	})
	if err != nil {
		agent.Status = models.AgentFailed
		completed := time.Now()
		agent.CompletedAt = &completed
		if uerr := m.store.UpdateAgent(agent); uerr != nil {
			m.logger.Error("mark spawn failure", zap.String("agent", agentID), zap.Error(uerr))
		}
		m.resolver.Release(agentID)
		m.resolver.Cleanup(manifest)
		return nil, fmt.Errorf("spawn agent process: %w", err)
	}

	// The row stays spawning until the process emits something; consume
	// flips it to running on the first observed output.
	agent.PID = proc.PID()
	if err := m.store.UpdateAgent(agent); err != nil {
		m.logger.Error("record agent pid", zap.String("agent", agentID), zap.Error(err))
	}

	m.mu.Lock()
	m.procs[agentID] = proc
	m.mu.Unlock()

	m.wg.Add(1)
	go m.consume(agent.ID, req.SessionID, proc)

	m.logger.Info("agent spawned",
		zap.String("agent", agentID),
		zap.String("session", req.SessionID),
		zap.String("role", req.Role),
		zap.Int("pid", agent.PID))
	m.emit(events.TypeAgentStatus, req.SessionID, agentID, string(models.AgentSpawning))
	return agent, nil
}

// consume drains a process's output into the transcript, then finalizes
// the agent when the process exits.
func (m *Manager) consume(agentID, sessionID string, proc Process) {
	defer m.wg.Done()

	first := true
	for ev := range proc.Output() {
		if first {
			first = false
			m.markRunning(agentID, sessionID)
		}
		if err := m.appendMessage(agentID, ev); err != nil {
			m.logger.Warn("persist message", zap.String("agent", agentID), zap.Error(err))
		}
	}

	exitErr := proc.Wait()
	m.finalize(agentID, sessionID, exitErr)
}

// markRunning flips a spawning agent to running on its first observed
// output. Later statuses (waiting, terminal) are left alone.
func (m *Manager) markRunning(agentID, sessionID string) {
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		m.logger.Error("mark running: load agent", zap.String("agent", agentID), zap.Error(err))
		return
	}
	if agent.Status != models.AgentSpawning {
		return
	}
	agent.Status = models.AgentRunning
	if err := m.store.UpdateAgent(agent); err != nil {
		m.logger.Error("mark agent running", zap.String("agent", agentID), zap.Error(err))
		return
	}
	m.emit(events.TypeAgentStatus, sessionID, agentID, string(models.AgentRunning))
}

// appendMessage stores one stream event as a transcript entry, spilling
// oversized bodies into the blob store.
func (m *Manager) appendMessage(agentID string, ev StreamEvent) error {
	body := ev.Message
	role := roleFor(ev.Type)
	if ev.Type == StreamEventError {
		body = ev.Error
	}
	if body == "" {
		return nil
	}

	msg := &state.Message{
		ID:        uuid.New().String(),
		AgentID:   agentID,
		Role:      role,
		Preview:   body,
		CreatedAt: time.Now(),
	}
	if len(body) > maxPreview {
		ref, err := m.blobs.Put([]byte(body))
		if err != nil {
			return fmt.Errorf("store message blob: %w", err)
		}
		msg.Preview = body[:maxPreview]
		msg.BlobRef = ref
	}
	return m.store.AppendMessage(msg)
}

func roleFor(t StreamEventType) models.MessageRole {
	switch t {
	case StreamEventAssistant:
		return models.MessageAssistant
	case StreamEventUser:
		return models.MessageUser
	case StreamEventResult:
		return models.MessageResult
	default:
		return models.MessageSystem
	}
}

// finalize stamps the agent's terminal status once its process is gone.
// A recorded completion signal wins over the exit error: an agent that
// already signaled complete or iterate finished its work even if the
// process was killed afterwards.
func (m *Manager) finalize(agentID, sessionID string, exitErr error) {
	m.mu.Lock()
	delete(m.procs, agentID)
	m.mu.Unlock()

	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		m.logger.Error("finalize: load agent", zap.String("agent", agentID), zap.Error(err))
		m.resolver.Release(agentID)
		return
	}

	if agent.Status.IsTerminal() {
		m.resolver.Release(agentID)
		return
	}

	if agent.CompletionSignal != "" {
		agent.Status = models.AgentCompleted
	} else {
		agent.Status = models.AgentFailed
		if exitErr != nil {
			m.logger.Warn("agent process failed",
				zap.String("agent", agentID), zap.Error(exitErr))
		}
	}
	now := time.Now()
	agent.CompletedAt = &now
	if err := m.store.UpdateAgent(agent); err != nil {
		m.logger.Error("finalize: update agent", zap.String("agent", agentID), zap.Error(err))
	}

	m.resolver.Release(agentID)
	m.logger.Info("agent finalized",
		zap.String("agent", agentID),
		zap.String("status", string(agent.Status)),
		zap.String("signal", string(agent.CompletionSignal)))
	m.emit(events.TypeAgentStatus, sessionID, agentID, string(agent.Status))
}

// SendInput delivers text to a waiting agent's stdin and moves it back
// to running. Pending continuation approvals for the agent auto-resolve
// approved with the text as response; a session parked in
// waiting_approval returns to active.
func (m *Manager) SendInput(agentID, text, resolvedBy string) error {
	if resolvedBy == "" {
		resolvedBy = "operator"
	}

	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if agent.Status != models.AgentWaiting {
		return fmt.Errorf("agent %s is %s, not waiting", agentID, agent.Status)
	}

	m.mu.Lock()
	proc, ok := m.procs[agentID]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, agentID)
	}
	if err := proc.SendInput(text); err != nil {
		return fmt.Errorf("deliver input: %w", err)
	}

	agent.Status = models.AgentRunning
	if err := m.store.UpdateAgent(agent); err != nil {
		return fmt.Errorf("mark agent running: %w", err)
	}

	pending, err := m.store.ListPendingApprovalsForAgent(agentID)
	if err != nil {
		return fmt.Errorf("list pending approvals: %w", err)
	}
	for _, a := range pending {
		if !a.Type.IsContinuation() {
			continue
		}
		if err := m.store.ResolveApproval(a.ID, models.ApprovalApproved, resolvedBy, text); err != nil {
			if errors.Is(err, state.ErrAlreadyResolved) {
				continue
			}
			return fmt.Errorf("auto-resolve approval %s: %w", a.ID, err)
		}
		if err := m.store.MarkApprovalDelivered(a.ID); err != nil {
			return fmt.Errorf("mark approval delivered: %w", err)
		}
		m.emit(events.TypeApprovalResolved, agent.SessionID, agentID, a.ID)
	}

	session, err := m.store.GetSession(agent.SessionID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if session.Status == models.SessionWaitingApproval {
		session.Status = models.SessionActive
		if err := m.store.UpdateSession(session); err != nil {
			return fmt.Errorf("resume session: %w", err)
		}
		m.emit(events.TypeSessionStatus, session.ID, agentID, string(models.SessionActive))
	}

	m.emit(events.TypeAgentStatus, agent.SessionID, agentID, string(models.AgentRunning))
	return nil
}

// Kill terminates an agent's subprocess. The exit path finalizes the
// agent; without a recorded complete signal it lands failed, and its
// git binding is released before another exclusive binding can be
// acquired for the workspace.
func (m *Manager) Kill(agentID string) error {
	m.mu.Lock()
	proc, ok := m.procs[agentID]
	m.mu.Unlock()

	if ok {
		return proc.Kill()
	}

	// No live process: finalize directly so the row does not stay
	// non-terminal.
	agent, err := m.store.GetAgent(agentID)
	if err != nil {
		return fmt.Errorf("load agent: %w", err)
	}
	if !agent.Status.IsTerminal() {
		m.finalize(agentID, agent.SessionID, nil)
	}
	return nil
}

// Running reports whether a live process exists for the agent.
func (m *Manager) Running(agentID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.procs[agentID]
	return ok
}

// Shutdown kills every live process and waits for their consumers to
// finish.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	procs := make([]Process, 0, len(m.procs))
	for _, p := range m.procs {
		procs = append(procs, p)
	}
	m.mu.Unlock()

	var g errgroup.Group
	for _, p := range procs {
		g.Go(p.Kill)
	}
	if err := g.Wait(); err != nil {
		m.logger.Warn("kill on shutdown", zap.Error(err))
	}
	m.wg.Wait()
}

func (m *Manager) emit(t events.Type, sessionID, agentID, message string) {
	if m.emitter == nil {
		return
	}
	m.emitter.Emit(events.Event{Type: t, SessionID: sessionID, AgentID: agentID, Message: message})
}
