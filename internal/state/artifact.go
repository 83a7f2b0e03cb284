package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// Artifact is a named deliverable written by an agent for a phase.
// Content lives at Path, relative to the session data directory.
// Pinned artifacts are exempt from retention cleanup.
type Artifact struct {
	ID            string                `json:"id"`
	SessionID     string                `json:"session_id"`
	PhaseID       string                `json:"phase_id"`
	AgentID       string                `json:"agent_id"`
	Name          string                `json:"name"`
	Path          string                `json:"path"`
	Status        models.ArtifactStatus `json:"status"`
	Pinned        bool                  `json:"pinned"`
	LoopIteration int                   `json:"loop_iteration"`
	Tags          []string              `json:"tags,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
}

const artifactCols = `id, session_id, phase_id, agent_id, name, path, status, pinned, loop_iteration, tags, created_at`

// CreateArtifact records an artifact row.
func (db *DB) CreateArtifact(a *Artifact) error {
	var tags *string
	if len(a.Tags) > 0 {
		b, err := json.Marshal(a.Tags)
		if err != nil {
			return fmt.Errorf("marshal tags: %w", err)
		}
		s := string(b)
		tags = &s
	}

	_, err := db.Exec(`
		INSERT INTO artifacts (`+artifactCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.PhaseID, a.AgentID, a.Name, a.Path,
		string(a.Status), boolToInt(a.Pinned), a.LoopIteration, tags, formatTime(a.CreatedAt))
	if err != nil {
		return fmt.Errorf("create artifact: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// SetArtifactPinned toggles the retention exemption flag.
func (db *DB) SetArtifactPinned(id string, pinned bool) error {
	_, err := db.Exec(`UPDATE artifacts SET pinned = ? WHERE id = ?`, boolToInt(pinned), id)
	if err != nil {
		return fmt.Errorf("set artifact pinned: %w", err)
	}
	return nil
}

// ListArtifactsBySession returns a session's artifacts, most recent first.
func (db *DB) ListArtifactsBySession(sessionID string) ([]Artifact, error) {
	rows, err := db.Query(`
		SELECT `+artifactCols+` FROM artifacts WHERE session_id = ? ORDER BY created_at DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifactsByIteration returns artifacts produced for a phase at a
// specific loop iteration, most recent first.
func (db *DB) ListArtifactsByIteration(sessionID, phaseID string, iteration int) ([]Artifact, error) {
	rows, err := db.Query(`
		SELECT `+artifactCols+` FROM artifacts
		WHERE session_id = ? AND phase_id = ? AND loop_iteration = ?
		ORDER BY created_at DESC, id DESC
	`, sessionID, phaseID, iteration)
	if err != nil {
		return nil, fmt.Errorf("list artifacts by iteration: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// ListArtifactsSinceIteration returns artifacts produced for a phase at or
// after the given loop iteration, most recent first.
func (db *DB) ListArtifactsSinceIteration(sessionID, phaseID string, iteration int) ([]Artifact, error) {
	rows, err := db.Query(`
		SELECT `+artifactCols+` FROM artifacts
		WHERE session_id = ? AND phase_id = ? AND loop_iteration >= ?
		ORDER BY loop_iteration, created_at
	`, sessionID, phaseID, iteration)
	if err != nil {
		return nil, fmt.Errorf("list artifacts since iteration: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

func collectArtifacts(rows *sql.Rows) ([]Artifact, error) {
	var artifacts []Artifact
	for rows.Next() {
		var a Artifact
		var pinned int
		var tags sql.NullString
		var createdAt string
		if err := rows.Scan(&a.ID, &a.SessionID, &a.PhaseID, &a.AgentID, &a.Name, &a.Path,
			&a.Status, &pinned, &a.LoopIteration, &tags, &createdAt); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		a.Pinned = pinned != 0
		if tags.Valid {
			json.Unmarshal([]byte(tags.String), &a.Tags)
		}
		a.CreatedAt, _ = parseTime(createdAt)
		artifacts = append(artifacts, a)
	}
	return artifacts, nil
}

// ListPurgeableArtifacts returns the unpinned draft artifacts that a
// purge with the same cutoff would delete, so callers can remove the
// files first.
func (db *DB) ListPurgeableArtifacts(olderThan time.Duration) ([]Artifact, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	rows, err := db.Query(`
		SELECT `+artifactCols+` FROM artifacts
		WHERE pinned = 0 AND status = ? AND created_at < ? ORDER BY created_at
	`, string(models.ArtifactDraft), cutoff)
	if err != nil {
		return nil, fmt.Errorf("list purgeable artifacts: %w", err)
	}
	defer rows.Close()
	return collectArtifacts(rows)
}

// PurgeUnpinnedArtifacts deletes unpinned draft artifact rows older than
// the cutoff. Pinned artifacts and finals are always kept. Returns the
// number of rows deleted.
func (db *DB) PurgeUnpinnedArtifacts(olderThan time.Duration) (int64, error) {
	cutoff := formatTime(time.Now().Add(-olderThan))
	result, err := db.Exec(`
		DELETE FROM artifacts WHERE pinned = 0 AND status = ? AND created_at < ?
	`, string(models.ArtifactDraft), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge artifacts: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return count, nil
}
