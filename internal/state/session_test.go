package state

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/pkg/models"
)

func TestSessionRoundTrip(t *testing.T) {
	db := setupTestDB(t)
	_, _, sessionID := fixture(t, db, []Phase{{Name: "plan"}, {Name: "build"}})

	s, err := db.GetSession(sessionID)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, models.SessionPending, s.Status)
	assert.Nil(t, s.CurrentPhase)
	assert.Empty(t, s.LoopState)

	phase := 1
	s.Status = models.SessionActive
	s.CurrentPhase = &phase
	s.LoopState = map[int]int{1: 2}
	require.NoError(t, db.UpdateSession(s))

	got, err := db.GetSession(sessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionActive, got.Status)
	require.NotNil(t, got.CurrentPhase)
	assert.Equal(t, 1, *got.CurrentPhase)
	assert.Equal(t, map[int]int{1: 2}, got.LoopState)
}

func TestGetSessionNotFound(t *testing.T) {
	db := setupTestDB(t)
	s, err := db.GetSession("no-such-id")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSessionGitStrategyOverride(t *testing.T) {
	db := setupTestDB(t)
	_, _, sessionID := fixture(t, db, []Phase{{Name: "p"}})

	s, err := db.GetSession(sessionID)
	require.NoError(t, err)
	s.GitStrategy = &models.GitStrategy{
		Kind: models.StrategyBranch, Branch: "release", Isolation: models.IsolationInPlace,
	}
	require.NoError(t, db.UpdateSession(s))

	got, err := db.GetSession(sessionID)
	require.NoError(t, err)
	require.NotNil(t, got.GitStrategy)
	assert.Equal(t, models.StrategyBranch, got.GitStrategy.Kind)
	assert.Equal(t, "release", got.GitStrategy.Branch)
	assert.True(t, got.GitStrategy.Exclusive())
}

func TestListUnfinishedSessions(t *testing.T) {
	db := setupTestDB(t)

	mk := func(status models.SessionStatus) string {
		_, _, id := fixture(t, db, []Phase{{Name: "p"}})
		s, err := db.GetSession(id)
		require.NoError(t, err)
		s.Status = status
		require.NoError(t, db.UpdateSession(s))
		return id
	}

	active := mk(models.SessionActive)
	waiting := mk(models.SessionWaitingApproval)
	mk(models.SessionCompleted)
	mk(models.SessionPaused)

	unfinished, err := db.ListUnfinishedSessions()
	require.NoError(t, err)
	require.Len(t, unfinished, 2)
	ids := []string{unfinished[0].ID, unfinished[1].ID}
	assert.Contains(t, ids, active)
	assert.Contains(t, ids, waiting)
}

func TestAgentRoundTripAndAncestry(t *testing.T) {
	db := setupTestDB(t)
	_, _, sessionID := fixture(t, db, []Phase{{Name: "p"}})

	parent := &Agent{
		ID: uuid.New().String(), SessionID: sessionID, PhaseID: "ph", Role: "builder",
		Status: models.AgentRunning, PID: 4242,
	}
	require.NoError(t, db.CreateAgent(parent))

	child := &Agent{
		ID: uuid.New().String(), SessionID: sessionID, PhaseID: "ph", Role: "reviewer",
		Status: models.AgentSpawning, SpawnedBy: parent.ID,
	}
	require.NoError(t, db.CreateAgent(child))

	chain, err := db.AgentAncestry(child.ID)
	require.NoError(t, err)
	require.Len(t, chain, 2)
	assert.Equal(t, parent.ID, chain[0].ID)
	assert.Equal(t, child.ID, chain[1].ID)
}

func TestSetAgentOutcomeDoesNotTouchStatus(t *testing.T) {
	db := setupTestDB(t)
	_, _, sessionID := fixture(t, db, []Phase{{Name: "p"}})

	a := &Agent{
		ID: uuid.New().String(), SessionID: sessionID, PhaseID: "ph", Role: "builder",
		Status: models.AgentRunning,
	}
	require.NoError(t, db.CreateAgent(a))

	require.NoError(t, db.SetAgentOutcome(a.ID, "all done", models.SignalComplete))

	got, err := db.GetAgent(a.ID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentRunning, got.Status)
	assert.Equal(t, "all done", got.PhaseSummary)
	assert.Equal(t, models.SignalComplete, got.CompletionSignal)
	assert.Nil(t, got.CompletedAt)
}

func TestListNonTerminalAgents(t *testing.T) {
	db := setupTestDB(t)
	_, _, sessionID := fixture(t, db, []Phase{{Name: "p"}})

	now := time.Now()
	statuses := []models.AgentStatus{
		models.AgentSpawning, models.AgentRunning, models.AgentWaiting,
		models.AgentCompleted, models.AgentFailed,
	}
	for _, st := range statuses {
		a := &Agent{
			ID: uuid.New().String(), SessionID: sessionID, PhaseID: "ph", Role: "r",
			Status: st,
		}
		if st.IsTerminal() {
			a.CompletedAt = &now
		}
		require.NoError(t, db.CreateAgent(a))
	}

	agents, err := db.ListNonTerminalAgents()
	require.NoError(t, err)
	assert.Len(t, agents, 3)
	for _, a := range agents {
		assert.False(t, a.Status.IsTerminal())
	}
}
