package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/blob"
	"github.com/conductor-dev/conductor/internal/events"
	"github.com/conductor-dev/conductor/internal/git"
	"github.com/conductor-dev/conductor/internal/manager"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/internal/strategy"
	"github.com/conductor-dev/conductor/pkg/models"
)

// fakeProc is a scriptable stand-in for an agent subprocess.
type fakeProc struct {
	mu     sync.Mutex
	spec   manager.ProcessSpec
	events chan manager.StreamEvent
	exited bool
}

func (f *fakeProc) Start(spec manager.ProcessSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.spec = spec
	return nil
}

func (f *fakeProc) Output() <-chan manager.StreamEvent { return f.events }
func (f *fakeProc) SendInput(string) error             { return nil }
func (f *fakeProc) Wait() error                        { return nil }
func (f *fakeProc) PID() int                           { return 99 }
func (f *fakeProc) Stderr() string                     { return "" }

func (f *fakeProc) Kill() error {
	f.exit()
	return nil
}

func (f *fakeProc) exit() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.exited {
		f.exited = true
		close(f.events)
	}
}

// agentID extracts the identity the manager injected at spawn time.
func (f *fakeProc) agentID() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, kv := range f.spec.Env {
		if v, ok := strings.CutPrefix(kv, "CONDUCTOR_AGENT_ID="); ok {
			return v
		}
	}
	return ""
}

func (f *fakeProc) prompt() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.spec.Prompt
}

type noopRunner struct{}

func (noopRunner) CurrentBranch() (string, error)            { return "main", nil }
func (noopRunner) CheckoutBranch(string) error               { return nil }
func (noopRunner) CreateAndCheckoutBranch(string) error      { return nil }
func (noopRunner) BranchExists(string) (bool, error)         { return true, nil }
func (noopRunner) WorktreeAdd(string, string) error          { return nil }
func (noopRunner) WorktreeAddNewBranch(string, string) error { return nil }
func (noopRunner) WorktreeRemove(string) error               { return nil }
func (noopRunner) WorktreeUnlock(string) error               { return nil }
func (noopRunner) WorktreePruneExpireNow() error             { return nil }

type harness struct {
	eng         *Engine
	mgr         *manager.Manager
	db          *state.DB
	workspaceID string
	workflowID  string
	procs       chan *fakeProc
}

// phaseDef is the slice element newHarness turns into stored phases.
type phaseDef struct {
	name     string
	gate     models.GateMode
	loop     *models.LoopSpec
	relay    models.RelayMode
	strategy *models.GitStrategy
}

func newHarness(t *testing.T, defs []phaseDef) *harness {
	t.Helper()
	db, err := state.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	ws := &state.Workspace{ID: uuid.New().String(), Name: "ws", CreatedAt: time.Now()}
	require.NoError(t, db.CreateWorkspace(ws, []state.Repo{
		{ID: uuid.New().String(), WorkspaceID: ws.ID, Name: "app", Path: "/repos/app", Ordinal: 0},
	}))

	wf := &state.Workflow{ID: uuid.New().String(), Name: "flow", CreatedAt: time.Now()}
	phases := make([]state.Phase, len(defs))
	for i, d := range defs {
		gate := d.gate
		if gate == "" {
			gate = models.GateNone
		}
		relay := d.relay
		if relay == "" {
			relay = models.RelayOff
		}
		phases[i] = state.Phase{
			ID:          uuid.New().String(),
			WorkflowID:  wf.ID,
			Ordinal:     i,
			Name:        d.name,
			Prompt:      "work on " + d.name,
			Roles:       map[string]string{"builder": "default"},
			GateMode:    gate,
			GitStrategy: d.strategy,
			Loop:        d.loop,
			Relay:       relay,
		}
	}
	require.NoError(t, db.CreateWorkflow(wf, phases))

	h := &harness{db: db, workspaceID: ws.ID, workflowID: wf.ID, procs: make(chan *fakeProc, 16)}

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	resolver := strategy.NewResolver(db, t.TempDir(), func(string) git.Runner { return noopRunner{} }, nil)
	emitter := events.NewEmitter(128, nil)

	factory := func(ctx context.Context) manager.Process {
		p := &fakeProc{events: make(chan manager.StreamEvent, 8)}
		h.procs <- p
		return p
	}
	h.mgr = manager.New(db, blobs, resolver, emitter, manager.Options{Command: "agent-cli", DataDir: t.TempDir()}, factory, nil)
	h.eng = New(db, h.mgr, resolver, emitter, Options{PollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, h.eng.Start(context.Background()))
	t.Cleanup(func() {
		h.eng.Stop()
		h.mgr.Shutdown()
	})
	return h
}

func (h *harness) launch(t *testing.T) *state.Session {
	t.Helper()
	s, err := h.eng.StartSession(LaunchRequest{
		UserID:      "tester",
		WorkspaceID: h.workspaceID,
		WorkflowID:  h.workflowID,
		Description: "integration run",
	})
	require.NoError(t, err)
	return s
}

// nextProc waits for the engine to spawn the next agent.
func (h *harness) nextProc(t *testing.T) *fakeProc {
	t.Helper()
	select {
	case p := <-h.procs:
		require.Eventually(t, func() bool { return p.agentID() != "" }, 2*time.Second, 5*time.Millisecond)
		return p
	case <-time.After(3 * time.Second):
		t.Fatal("engine spawned no agent")
		return nil
	}
}

// finish scripts the agent's side channel outcome and exits the process.
func (h *harness) finish(t *testing.T, p *fakeProc, summary string, signal models.CompletionSignal) {
	t.Helper()
	require.NoError(t, h.db.SetAgentOutcome(p.agentID(), summary, signal))
	p.exit()
}

func (h *harness) waitStatus(t *testing.T, sessionID string, want models.SessionStatus) *state.Session {
	t.Helper()
	var got *state.Session
	require.Eventually(t, func() bool {
		s, err := h.db.GetSession(sessionID)
		if err != nil || s == nil {
			return false
		}
		got = s
		return s.Status == want
	}, 3*time.Second, 10*time.Millisecond, "session did not reach %s", want)
	return got
}

func (h *harness) pendingGate(t *testing.T, sessionID string) state.Approval {
	t.Helper()
	var gate state.Approval
	require.Eventually(t, func() bool {
		approvals, err := h.db.ListPendingFormalApprovals()
		if err != nil {
			return false
		}
		for _, a := range approvals {
			if a.SessionID == sessionID && a.Type == models.ApprovalPhaseGate {
				gate = a
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "no pending phase gate appeared")
	return gate
}

func TestSinglePhaseSessionCompletes(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "build"}})
	s := h.launch(t)

	p := h.nextProc(t)
	assert.Contains(t, p.prompt(), "work on build")
	assert.Contains(t, p.prompt(), "- app: /repos/app")
	h.finish(t, p, "built it", models.SignalComplete)

	final := h.waitStatus(t, s.ID, models.SessionCompleted)
	require.NotNil(t, final.CompletedAt)
	require.NotNil(t, final.CurrentPhase)
	assert.Equal(t, 0, *final.CurrentPhase)
}

func TestMultiPhaseAdvancesSequentially(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "plan"}, {name: "build"}, {name: "review"}})
	s := h.launch(t)

	for _, name := range []string{"plan", "build", "review"} {
		p := h.nextProc(t)
		assert.Contains(t, p.prompt(), "work on "+name)
		h.finish(t, p, name+" done", models.SignalComplete)
	}

	h.waitStatus(t, s.ID, models.SessionCompleted)

	agents, err := h.db.ListAgentsBySession(s.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestSelfLoopIteratesWithinCap(t *testing.T) {
	h := newHarness(t, []phaseDef{{
		name:  "refine",
		loop:  &models.LoopSpec{LoopTo: 0, MaxIterations: 2, Condition: models.LoopAgentSignal},
		relay: models.RelaySummary,
	}})
	s := h.launch(t)

	first := h.nextProc(t)
	h.finish(t, first, "first pass findings", models.SignalIterate)

	second := h.nextProc(t)
	assert.Contains(t, second.prompt(), "first pass findings", "relay summary should carry over")
	assert.Contains(t, second.prompt(), "iteration: 1 of 2")
	h.finish(t, second, "second pass findings", models.SignalIterate)

	third := h.nextProc(t)
	assert.Contains(t, third.prompt(), "iteration: 2 of 2")
	h.finish(t, third, "good enough", models.SignalComplete)

	final := h.waitStatus(t, s.ID, models.SessionCompleted)
	assert.Equal(t, 2, final.LoopState[0], "loop counter reaches the cap, never exceeds it")

	agents, err := h.db.ListAgentsBySession(s.ID)
	require.NoError(t, err)
	assert.Len(t, agents, 3)
}

func TestBackLoopRelaysLoopingPhaseSummary(t *testing.T) {
	h := newHarness(t, []phaseDef{
		{name: "draft"},
		{
			name:  "review",
			loop:  &models.LoopSpec{LoopTo: 0, MaxIterations: 2, Condition: models.LoopAgentSignal},
			relay: models.RelaySummary,
		},
	})
	s := h.launch(t)

	h.finish(t, h.nextProc(t), "draft summary", models.SignalComplete)

	review := h.nextProc(t)
	assert.Contains(t, review.prompt(), "work on review")
	h.finish(t, review, "needs tighter error handling", models.SignalIterate)

	// Back-loop re-entry: the draft phase runs again and must see the
	// reviewing agent's summary, not just its own earlier output.
	redraft := h.nextProc(t)
	assert.Contains(t, redraft.prompt(), "work on draft")
	assert.Contains(t, redraft.prompt(), "needs tighter error handling")
	assert.NotContains(t, redraft.prompt(), "draft summary")
	assert.Contains(t, redraft.prompt(), "iteration: 1 of 2")
	assert.Contains(t, redraft.prompt(), "back-loop")
	h.finish(t, redraft, "draft v2", models.SignalComplete)

	rereview := h.nextProc(t)
	h.finish(t, rereview, "ship it", models.SignalComplete)

	h.waitStatus(t, s.ID, models.SessionCompleted)
}

func TestBackLoopRelayAllSpansEveryPhase(t *testing.T) {
	h := newHarness(t, []phaseDef{
		{name: "draft"},
		{
			name:  "review",
			loop:  &models.LoopSpec{LoopTo: 0, MaxIterations: 2, Condition: models.LoopAgentSignal},
			relay: models.RelayAll,
		},
	})
	s := h.launch(t)

	phases, err := h.db.GetPhases(h.workflowID)
	require.NoError(t, err)

	draft := h.nextProc(t)
	require.NoError(t, h.db.CreateArtifact(&state.Artifact{
		ID:        uuid.New().String(),
		SessionID: s.ID,
		PhaseID:   phases[0].ID,
		AgentID:   draft.agentID(),
		Name:      "design-notes",
		Path:      "sessions/" + s.ID + "/artifacts/design-notes.md",
		Status:    models.ArtifactDraft,
		CreatedAt: time.Now(),
	}))
	h.finish(t, draft, "draft summary", models.SignalComplete)

	h.finish(t, h.nextProc(t), "review findings", models.SignalIterate)

	// The re-entered phase sees summaries and artifacts from the whole
	// loop span, both phases included.
	redraft := h.nextProc(t)
	assert.Contains(t, redraft.prompt(), "draft summary")
	assert.Contains(t, redraft.prompt(), "review findings")
	assert.Contains(t, redraft.prompt(), "design-notes")
	h.finish(t, redraft, "draft v2", models.SignalComplete)

	h.finish(t, h.nextProc(t), "ship it", models.SignalComplete)
	h.waitStatus(t, s.ID, models.SessionCompleted)
}

func TestLoopCapCoercesIterateToComplete(t *testing.T) {
	h := newHarness(t, []phaseDef{{
		name: "refine",
		loop: &models.LoopSpec{LoopTo: 0, MaxIterations: 1, Condition: models.LoopAgentSignal},
	}})
	s := h.launch(t)

	h.finish(t, h.nextProc(t), "pass 1", models.SignalIterate)
	// The agent asks to iterate again but the cap is reached.
	h.finish(t, h.nextProc(t), "pass 2", models.SignalIterate)

	final := h.waitStatus(t, s.ID, models.SessionCompleted)
	assert.Equal(t, 1, final.LoopState[0])
}

func TestGateBeforeHaltsUntilApproved(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "deploy", gate: models.GateBefore}})
	s := h.launch(t)

	h.waitStatus(t, s.ID, models.SessionWaitingApproval)
	gate := h.pendingGate(t, s.ID)
	assert.Equal(t, models.StageBefore, gate.Stage)

	// No agent may start while the gate is pending.
	select {
	case <-h.procs:
		t.Fatal("agent spawned before gate approval")
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, h.eng.ResolveApproval(gate.ID, models.ApprovalApproved, "alice", "go ahead"))
	h.finish(t, h.nextProc(t), "deployed", models.SignalComplete)
	h.waitStatus(t, s.ID, models.SessionCompleted)
}

func TestGateRejectionPausesSession(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "deploy", gate: models.GateBefore}})
	s := h.launch(t)

	gate := h.pendingGate(t, s.ID)
	require.NoError(t, h.eng.ResolveApproval(gate.ID, models.ApprovalRejected, "alice", "not yet"))

	h.waitStatus(t, s.ID, models.SessionPaused)
}

func TestGateAfterHaltsBeforeAdvancing(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "build", gate: models.GateAfter}, {name: "ship"}})
	s := h.launch(t)

	h.finish(t, h.nextProc(t), "built", models.SignalComplete)

	h.waitStatus(t, s.ID, models.SessionWaitingApproval)
	gate := h.pendingGate(t, s.ID)
	assert.Equal(t, models.StageAfter, gate.Stage)

	require.NoError(t, h.eng.ResolveApproval(gate.ID, models.ApprovalApproved, "alice", ""))
	h.finish(t, h.nextProc(t), "shipped", models.SignalComplete)
	h.waitStatus(t, s.ID, models.SessionCompleted)
}

func TestLoopConditionApprovalGatesReentry(t *testing.T) {
	h := newHarness(t, []phaseDef{{
		name: "refine",
		loop: &models.LoopSpec{LoopTo: 0, MaxIterations: 3, Condition: models.LoopApproval},
	}})
	s := h.launch(t)

	h.finish(t, h.nextProc(t), "wants another pass", models.SignalIterate)

	// The iterate signal only proposes; the session parks on a loop gate.
	h.waitStatus(t, s.ID, models.SessionWaitingApproval)
	gate := h.pendingGate(t, s.ID)
	assert.Equal(t, models.StageLoop, gate.Stage)

	require.NoError(t, h.eng.ResolveApproval(gate.ID, models.ApprovalApproved, "alice", ""))
	h.finish(t, h.nextProc(t), "finished", models.SignalComplete)

	final := h.waitStatus(t, s.ID, models.SessionCompleted)
	assert.Equal(t, 1, final.LoopState[0])
}

func TestLoopConditionApprovalRejectionCompletes(t *testing.T) {
	h := newHarness(t, []phaseDef{{
		name: "refine",
		loop: &models.LoopSpec{LoopTo: 0, MaxIterations: 3, Condition: models.LoopApproval},
	}})
	s := h.launch(t)

	h.finish(t, h.nextProc(t), "wants another pass", models.SignalIterate)
	gate := h.pendingGate(t, s.ID)
	require.NoError(t, h.eng.ResolveApproval(gate.ID, models.ApprovalRejected, "alice", "enough"))

	final := h.waitStatus(t, s.ID, models.SessionCompleted)
	assert.Equal(t, 0, final.LoopState[0], "rejected loop proposal completes without re-entry")
}

func TestAgentFailureFailsSession(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "build"}})
	s := h.launch(t)

	// Process dies without recording any completion signal.
	h.nextProc(t).exit()

	final := h.waitStatus(t, s.ID, models.SessionFailed)
	require.NotNil(t, final.CompletedAt)
}

func TestRecoveryAfterCrash(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "build"}})
	s := h.launch(t)

	p := h.nextProc(t)
	h.waitStatus(t, s.ID, models.SessionActive)
	orphanID := p.agentID()

	// Crash: the engine goes away while the agent row is still running.
	h.eng.Stop()

	blobs, err := blob.NewStore(t.TempDir())
	require.NoError(t, err)
	resolver := strategy.NewResolver(h.db, t.TempDir(), func(string) git.Runner { return noopRunner{} }, nil)
	emitter := events.NewEmitter(128, nil)
	mgr := manager.New(h.db, blobs, resolver, emitter, manager.Options{Command: "agent-cli", DataDir: t.TempDir()}, func(context.Context) manager.Process {
		t.Errorf("recovery must not spawn agents")
		return &fakeProc{events: make(chan manager.StreamEvent, 1)}
	}, nil)
	eng := New(h.db, mgr, resolver, emitter, Options{PollInterval: 20 * time.Millisecond}, nil)
	require.NoError(t, eng.Start(context.Background()))
	t.Cleanup(eng.Stop)

	agent, err := h.db.GetAgent(orphanID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentFailed, agent.Status)
	require.NotNil(t, agent.CompletedAt)

	live, err := h.db.ListNonTerminalAgents()
	require.NoError(t, err)
	assert.Empty(t, live)

	got, err := h.db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, got.Status)
}

func TestPauseAndResume(t *testing.T) {
	h := newHarness(t, []phaseDef{{name: "a"}, {name: "b"}})
	s := h.launch(t)

	p := h.nextProc(t)
	h.waitStatus(t, s.ID, models.SessionActive)
	require.NoError(t, h.eng.Pause(s.ID))
	h.waitStatus(t, s.ID, models.SessionPaused)

	// Finishing the agent while paused must not advance the session.
	h.finish(t, p, "done", models.SignalComplete)
	time.Sleep(100 * time.Millisecond)
	got, err := h.db.GetSession(s.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionPaused, got.Status)

	require.NoError(t, h.eng.Resume(s.ID))
	h.finish(t, h.nextProc(t), "done", models.SignalComplete)
	h.waitStatus(t, s.ID, models.SessionCompleted)
}
