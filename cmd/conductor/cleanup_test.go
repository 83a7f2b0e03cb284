package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-dev/conductor/internal/state"
	"github.com/conductor-dev/conductor/pkg/models"
)

func writeArtifact(t *testing.T, db *state.DB, dataDir, name string, status models.ArtifactStatus, pinned bool, age time.Duration) string {
	t.Helper()
	rel := filepath.Join("sessions", "s1", "artifacts", name+".md")
	abs := filepath.Join(dataDir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte("body"), 0o644))
	require.NoError(t, db.CreateArtifact(&state.Artifact{
		ID:        uuid.New().String(),
		SessionID: "s1",
		PhaseID:   "p1",
		AgentID:   "a1",
		Name:      name,
		Path:      rel,
		Status:    status,
		Pinned:    pinned,
		CreatedAt: time.Now().Add(-age),
	}))
	return abs
}

func setupSweepDB(t *testing.T) *state.DB {
	t.Helper()
	db, err := state.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSweepArtifactsRemovesExpiredDraftFiles(t *testing.T) {
	db := setupSweepDB(t)
	dataDir := t.TempDir()

	stale := writeArtifact(t, db, dataDir, "stale-draft", models.ArtifactDraft, false, 48*time.Hour)
	pinned := writeArtifact(t, db, dataDir, "pinned-draft", models.ArtifactDraft, true, 48*time.Hour)
	final := writeArtifact(t, db, dataDir, "report", models.ArtifactFinal, false, 48*time.Hour)
	fresh := writeArtifact(t, db, dataDir, "fresh-draft", models.ArtifactDraft, false, time.Hour)

	removed, err := sweepArtifacts(db, dataDir, 24*time.Hour, false, false)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "expired draft file must be deleted with its row")
	for _, keep := range []string{pinned, final, fresh} {
		_, err := os.Stat(keep)
		assert.NoError(t, err)
	}

	rows, err := db.ListArtifactsBySession("s1")
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestSweepArtifactsDryRunTouchesNothing(t *testing.T) {
	db := setupSweepDB(t)
	dataDir := t.TempDir()

	stale := writeArtifact(t, db, dataDir, "stale-draft", models.ArtifactDraft, false, 48*time.Hour)

	would, err := sweepArtifacts(db, dataDir, 24*time.Hour, true, false)
	require.NoError(t, err)
	assert.Equal(t, 1, would)

	_, err = os.Stat(stale)
	assert.NoError(t, err, "dry run must leave the file in place")
	rows, err := db.ListArtifactsBySession("s1")
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}
