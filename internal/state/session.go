package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// Session is one execution of a workflow against a workspace.
// CurrentPhase is nil until the session starts; while the session is
// active or waiting on an approval it is always a valid phase ordinal.
type Session struct {
	ID           string               `json:"id"`
	WorkflowID   string               `json:"workflow_id"`
	WorkspaceID  string               `json:"workspace_id"`
	UserID       string               `json:"user_id,omitempty"`
	Description  string               `json:"description,omitempty"`
	Context      string               `json:"context,omitempty"`
	Status       models.SessionStatus `json:"status"`
	CurrentPhase *int                 `json:"current_phase,omitempty"`
	LoopState    map[int]int          `json:"loop_state"`
	GitStrategy  *models.GitStrategy  `json:"git_strategy,omitempty"`
	StartedAt    time.Time            `json:"started_at"`
	CompletedAt  *time.Time           `json:"completed_at,omitempty"`
}

// loopStateJSON round-trips the per-phase iteration counters. JSON object
// keys are strings, so the ordinals are converted on both sides.
func loopStateJSON(ls map[int]int) string {
	if len(ls) == 0 {
		return "{}"
	}
	m := make(map[string]int, len(ls))
	for k, v := range ls {
		m[strconv.Itoa(k)] = v
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func parseLoopState(s string) map[int]int {
	ls := make(map[int]int)
	if s == "" {
		return ls
	}
	var m map[string]int
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return ls
	}
	for k, v := range m {
		if ord, err := strconv.Atoi(k); err == nil {
			ls[ord] = v
		}
	}
	return ls
}

// CreateSession creates a new session.
func (db *DB) CreateSession(s *Session) error {
	var strategy *string
	if s.GitStrategy != nil {
		b, err := json.Marshal(s.GitStrategy)
		if err != nil {
			return fmt.Errorf("marshal git strategy: %w", err)
		}
		str := string(b)
		strategy = &str
	}

	_, err := db.Exec(`
		INSERT INTO sessions (id, workflow_id, workspace_id, user_id, description, context, status, current_phase, loop_state, git_strategy, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.WorkflowID, s.WorkspaceID, s.UserID, s.Description, s.Context,
		string(s.Status), s.CurrentPhase, loopStateJSON(s.LoopState), strategy,
		formatTime(s.StartedAt), formatNullableTime(s.CompletedAt))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetSession retrieves a session by ID, or nil if not found.
func (db *DB) GetSession(id string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, workflow_id, workspace_id, user_id, description, context, status, current_phase, loop_state, git_strategy, started_at, completed_at
		FROM sessions WHERE id = ?
	`, id)
	s, err := scanSession(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return s, nil
}

func scanSession(scan func(dest ...any) error) (*Session, error) {
	var s Session
	var userID, description, contextSeed sql.NullString
	var currentPhase sql.NullInt64
	var loopState string
	var strategy sql.NullString
	var startedAt string
	var completedAt sql.NullString

	err := scan(&s.ID, &s.WorkflowID, &s.WorkspaceID, &userID, &description, &contextSeed,
		&s.Status, &currentPhase, &loopState, &strategy, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if userID.Valid {
		s.UserID = userID.String
	}
	if description.Valid {
		s.Description = description.String
	}
	if contextSeed.Valid {
		s.Context = contextSeed.String
	}
	if currentPhase.Valid {
		p := int(currentPhase.Int64)
		s.CurrentPhase = &p
	}
	s.LoopState = parseLoopState(loopState)
	if strategy.Valid {
		var gs models.GitStrategy
		if err := json.Unmarshal([]byte(strategy.String), &gs); err == nil {
			s.GitStrategy = &gs
		}
	}
	s.StartedAt, _ = parseTime(startedAt)
	s.CompletedAt = parseNullableTime(completedAt)
	return &s, nil
}

// UpdateSession updates a session's mutable fields.
func (db *DB) UpdateSession(s *Session) error {
	var strategy *string
	if s.GitStrategy != nil {
		b, err := json.Marshal(s.GitStrategy)
		if err != nil {
			return fmt.Errorf("marshal git strategy: %w", err)
		}
		str := string(b)
		strategy = &str
	}

	_, err := db.Exec(`
		UPDATE sessions SET status = ?, current_phase = ?, loop_state = ?, git_strategy = ?, completed_at = ?
		WHERE id = ?
	`, string(s.Status), s.CurrentPhase, loopStateJSON(s.LoopState), strategy,
		formatNullableTime(s.CompletedAt), s.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return nil
}

// ListSessions lists all sessions, optionally filtered by status,
// most recent first.
func (db *DB) ListSessions(status *models.SessionStatus) ([]Session, error) {
	var rows *sql.Rows
	var err error

	const cols = `id, workflow_id, workspace_id, user_id, description, context, status, current_phase, loop_state, git_strategy, started_at, completed_at`
	if status != nil {
		rows, err = db.Query(`SELECT `+cols+` FROM sessions WHERE status = ? ORDER BY started_at DESC`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + cols + ` FROM sessions ORDER BY started_at DESC`)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}

// ListUnfinishedSessions returns sessions whose status is active or
// waiting_approval. Used by startup recovery.
func (db *DB) ListUnfinishedSessions() ([]Session, error) {
	rows, err := db.Query(`
		SELECT id, workflow_id, workspace_id, user_id, description, context, status, current_phase, loop_state, git_strategy, started_at, completed_at
		FROM sessions WHERE status IN (?, ?) ORDER BY started_at
	`, string(models.SessionActive), string(models.SessionWaitingApproval))
	if err != nil {
		return nil, fmt.Errorf("list unfinished sessions: %w", err)
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		s, err := scanSession(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *s)
	}
	return sessions, nil
}
