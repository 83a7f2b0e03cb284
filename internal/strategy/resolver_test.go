package strategy

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/git"
	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

// fakeRunner records git operations instead of shelling out. Each repo
// path gets its own runner, so branch namespaces stay independent the
// way real repositories are.
type fakeRunner struct {
	mu       sync.Mutex
	branches map[string]bool
	current  string
	ops      []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{branches: map[string]bool{"main": true}, current: "main"}
}

func (f *fakeRunner) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ops = append(f.ops, op)
}

func (f *fakeRunner) CurrentBranch() (string, error) { return f.current, nil }
func (f *fakeRunner) CheckoutBranch(name string) error {
	f.record("checkout " + name)
	f.current = name
	return nil
}
func (f *fakeRunner) CreateAndCheckoutBranch(name string) error {
	f.branches[name] = true
	f.record("checkout -b " + name)
	f.current = name
	return nil
}
func (f *fakeRunner) BranchExists(name string) (bool, error) { return f.branches[name], nil }
func (f *fakeRunner) WorktreeAdd(path, branch string) error {
	f.record("worktree add " + path + " " + branch)
	return nil
}
func (f *fakeRunner) WorktreeAddNewBranch(path, branch string) error {
	f.branches[branch] = true
	f.record("worktree add -b " + path + " " + branch)
	return nil
}
func (f *fakeRunner) WorktreeRemove(path string) error {
	f.record("worktree remove " + path)
	return nil
}
func (f *fakeRunner) WorktreeUnlock(path string) error { return nil }
func (f *fakeRunner) WorktreePruneExpireNow() error {
	f.record("worktree prune")
	return nil
}

var _ git.Runner = (*fakeRunner)(nil)

// fakeRunners hands out one fakeRunner per repo path.
type fakeRunners struct {
	mu     sync.Mutex
	byPath map[string]*fakeRunner
}

func (s *fakeRunners) get(path string) *fakeRunner {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.byPath[path]; ok {
		return r
	}
	r := newFakeRunner()
	s.byPath[path] = r
	return r
}

func setupResolver(t *testing.T) (*Resolver, *state.DB, string, *fakeRunners) {
	t.Helper()
	db, err := state.Open(t.TempDir() + "/test.db")
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })

	ws := &state.Workspace{ID: uuid.New().String(), Name: "ws", CreatedAt: time.Now()}
	require.NoError(t, db.CreateWorkspace(ws, []state.Repo{
		{ID: uuid.New().String(), WorkspaceID: ws.ID, Name: "app", Path: "/repos/app", Ordinal: 0},
		{ID: uuid.New().String(), WorkspaceID: ws.ID, Name: "lib", Path: "/repos/lib", Ordinal: 1},
	}))

	runners := &fakeRunners{byPath: make(map[string]*fakeRunner)}
	r := NewResolver(db, t.TempDir(), func(path string) git.Runner { return runners.get(path) }, nil)
	return r, db, ws.ID, runners
}

func TestResolveWorktreeStrategy(t *testing.T) {
	r, _, wsID, _ := setupResolver(t)

	m, err := r.Resolve("agent-1234567890", wsID, models.GitStrategy{Kind: models.StrategyWorktree})
	require.NoError(t, err)
	require.Len(t, m.Bindings, 2)
	assert.False(t, m.Exclusive)
	for _, b := range m.Bindings {
		assert.True(t, b.Worktree)
		assert.NotEmpty(t, b.Branch)
	}
	// Repo order preserved.
	assert.Equal(t, "app", m.Bindings[0].RepoName)
	assert.Equal(t, "lib", m.Bindings[1].RepoName)

	// Worktree strategy never takes the exclusive lease.
	_, held := r.Holder(wsID)
	assert.False(t, held)
}

func TestResolveMainMutualExclusion(t *testing.T) {
	r, _, wsID, _ := setupResolver(t)

	first, err := r.Resolve("agent-a", wsID, models.GitStrategy{Kind: models.StrategyMain})
	require.NoError(t, err)
	assert.True(t, first.Exclusive)
	assert.Equal(t, "/repos/app", first.Bindings[0].Path)

	_, err = r.Resolve("agent-b", wsID, models.GitStrategy{Kind: models.StrategyMain})
	assert.ErrorIs(t, err, ErrBindingConflict)

	// In-place branch conflicts with main: same shared directory.
	_, err = r.Resolve("agent-c", wsID, models.GitStrategy{
		Kind: models.StrategyBranch, Branch: "main", Isolation: models.IsolationInPlace,
	})
	assert.ErrorIs(t, err, ErrBindingConflict)

	// Release frees the lease.
	r.Release("agent-a")
	_, err = r.Resolve("agent-b", wsID, models.GitStrategy{Kind: models.StrategyMain})
	require.NoError(t, err)
}

func TestResolveConflictFromDurableState(t *testing.T) {
	r, db, wsID, _ := setupResolver(t)

	// Simulate a holder created by a previous process: non-terminal agent
	// row with an exclusive manifest, not present in the in-memory map.
	s := &state.Session{
		ID: uuid.New().String(), WorkflowID: "wf", WorkspaceID: wsID,
		Status: models.SessionActive, StartedAt: time.Now(),
	}
	require.NoError(t, db.CreateSession(s))
	manifest := &Manifest{Strategy: models.GitStrategy{Kind: models.StrategyMain}, Exclusive: true}
	encoded, err := manifest.Encode()
	require.NoError(t, err)
	require.NoError(t, db.CreateAgent(&state.Agent{
		ID: "ghost", SessionID: s.ID, PhaseID: "ph", Role: "builder",
		Status: models.AgentRunning, WorktreeManifest: encoded,
	}))

	_, err = r.Resolve("agent-new", wsID, models.GitStrategy{Kind: models.StrategyMain})
	assert.ErrorIs(t, err, ErrBindingConflict)
}

func TestResolveConcurrentMainRequests(t *testing.T) {
	r, _, wsID, _ := setupResolver(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = r.Resolve("agent-"+string(rune('a'+i)), wsID, models.GitStrategy{Kind: models.StrategyMain})
		}(i)
	}
	wg.Wait()

	conflicts := 0
	for _, err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, ErrBindingConflict)
			conflicts++
		}
	}
	assert.Equal(t, 1, conflicts, "exactly one of the two concurrent requests must fail")
}

func TestResolveBranchCreateSemantics(t *testing.T) {
	r, _, wsID, runners := setupResolver(t)

	// create=false requires the branch to exist.
	_, err := r.Resolve("agent-a", wsID, models.GitStrategy{
		Kind: models.StrategyBranch, Branch: "feature", Isolation: models.IsolationWorktree,
	})
	assert.Error(t, err)

	// create=true makes it, in every workspace repo.
	m, err := r.Resolve("agent-a", wsID, models.GitStrategy{
		Kind: models.StrategyBranch, Branch: "feature", Isolation: models.IsolationWorktree, Create: true,
	})
	require.NoError(t, err)
	require.Len(t, m.Bindings, 2)
	assert.True(t, m.Bindings[0].Worktree)
	assert.Equal(t, "feature", m.Bindings[0].Branch)
	assert.True(t, runners.get("/repos/app").branches["feature"])
	assert.True(t, runners.get("/repos/lib").branches["feature"])

	// create=true again now fails: the branch exists.
	_, err = r.Resolve("agent-b", wsID, models.GitStrategy{
		Kind: models.StrategyBranch, Branch: "feature", Isolation: models.IsolationWorktree, Create: true,
	})
	assert.Error(t, err)
}

func TestResolveInPlaceBranchCheckout(t *testing.T) {
	r, _, wsID, runners := setupResolver(t)
	runners.get("/repos/app").branches["release"] = true
	runners.get("/repos/lib").branches["release"] = true

	m, err := r.Resolve("agent-a", wsID, models.GitStrategy{
		Kind: models.StrategyBranch, Branch: "release", Isolation: models.IsolationInPlace,
	})
	require.NoError(t, err)
	assert.True(t, m.Exclusive)
	assert.Equal(t, "/repos/app", m.Bindings[0].Path)
	assert.False(t, m.Bindings[0].Worktree)
	assert.Contains(t, runners.get("/repos/app").ops, "checkout release")
	assert.Contains(t, runners.get("/repos/lib").ops, "checkout release")
}

func TestCleanupRemovesWorktreesAndPrunes(t *testing.T) {
	r, _, wsID, runners := setupResolver(t)

	m, err := r.Resolve("agent-1234567890", wsID, models.GitStrategy{Kind: models.StrategyWorktree})
	require.NoError(t, err)
	require.NoError(t, r.Cleanup(m))

	for _, repo := range []string{"/repos/app", "/repos/lib"} {
		ops := runners.get(repo).ops
		assert.Contains(t, ops, "worktree prune", "repo %s should be pruned", repo)
		removed := false
		for _, op := range ops {
			if strings.HasPrefix(op, "worktree remove ") {
				removed = true
			}
		}
		assert.True(t, removed, "repo %s worktree should be removed", repo)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := &Manifest{
		Strategy:  models.GitStrategy{Kind: models.StrategyBranch, Branch: "x", Isolation: models.IsolationInPlace},
		Exclusive: true,
		Bindings:  []RepoBinding{{RepoID: "r1", RepoName: "app", Path: "/repos/app", Branch: "x"}},
	}
	encoded, err := m.Encode()
	require.NoError(t, err)

	decoded, err := DecodeManifest(encoded)
	require.NoError(t, err)
	assert.Equal(t, m, decoded)

	none, err := DecodeManifest("")
	require.NoError(t, err)
	assert.Nil(t, none)
}
