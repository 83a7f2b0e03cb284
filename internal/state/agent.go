package state

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// Agent is one subprocess instance bound to a session, phase, and role.
// WorktreeManifest holds the resolved git binding (JSON) so it can be
// audited or cleaned up later, including during recovery.
// CompletedAt is set if and only if the agent is completed or failed.
type Agent struct {
	ID               string                  `json:"id"`
	SessionID        string                  `json:"session_id"`
	PhaseID          string                  `json:"phase_id"`
	Role             string                  `json:"role"`
	Status           models.AgentStatus      `json:"status"`
	PID              int                     `json:"pid,omitempty"`
	WorktreePath     string                  `json:"worktree_path,omitempty"`
	Branch           string                  `json:"branch,omitempty"`
	WorktreeManifest string                  `json:"worktree_manifest,omitempty"`
	SpawnedBy        string                  `json:"spawned_by,omitempty"`
	PhaseSummary     string                  `json:"phase_summary,omitempty"`
	CompletionSignal models.CompletionSignal `json:"completion_signal,omitempty"`
	LoopIteration    int                     `json:"loop_iteration"`
	StartedAt        *time.Time              `json:"started_at,omitempty"`
	CompletedAt      *time.Time              `json:"completed_at,omitempty"`
}

const agentCols = `id, session_id, phase_id, role, status, pid, worktree_path, branch, worktree_manifest, spawned_by, phase_summary, completion_signal, loop_iteration, started_at, completed_at`

// CreateAgent creates a new agent row.
func (db *DB) CreateAgent(a *Agent) error {
	_, err := db.Exec(`
		INSERT INTO agents (`+agentCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, a.PhaseID, a.Role, string(a.Status), a.PID,
		a.WorktreePath, a.Branch, a.WorktreeManifest, nullIfEmpty(a.SpawnedBy),
		a.PhaseSummary, string(a.CompletionSignal), a.LoopIteration,
		formatNullableTime(a.StartedAt), formatNullableTime(a.CompletedAt))
	if err != nil {
		return fmt.Errorf("create agent: %w", err)
	}
	return nil
}

func nullIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// GetAgent retrieves an agent by ID, or nil if not found.
func (db *DB) GetAgent(id string) (*Agent, error) {
	row := db.QueryRow(`SELECT `+agentCols+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return a, nil
}

func scanAgent(scan func(dest ...any) error) (*Agent, error) {
	var a Agent
	var pid sql.NullInt64
	var worktreePath, branch, manifest, spawnedBy, summary, signal sql.NullString
	var startedAt, completedAt sql.NullString

	err := scan(&a.ID, &a.SessionID, &a.PhaseID, &a.Role, &a.Status, &pid,
		&worktreePath, &branch, &manifest, &spawnedBy, &summary, &signal,
		&a.LoopIteration, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	if pid.Valid {
		a.PID = int(pid.Int64)
	}
	if worktreePath.Valid {
		a.WorktreePath = worktreePath.String
	}
	if branch.Valid {
		a.Branch = branch.String
	}
	if manifest.Valid {
		a.WorktreeManifest = manifest.String
	}
	if spawnedBy.Valid {
		a.SpawnedBy = spawnedBy.String
	}
	if summary.Valid {
		a.PhaseSummary = summary.String
	}
	if signal.Valid {
		a.CompletionSignal = models.CompletionSignal(signal.String)
	}
	a.StartedAt = parseNullableTime(startedAt)
	a.CompletedAt = parseNullableTime(completedAt)
	return &a, nil
}

// UpdateAgent updates an agent's mutable fields.
func (db *DB) UpdateAgent(a *Agent) error {
	_, err := db.Exec(`
		UPDATE agents SET status = ?, pid = ?, worktree_path = ?, branch = ?, worktree_manifest = ?,
			phase_summary = ?, completion_signal = ?, loop_iteration = ?, started_at = ?, completed_at = ?
		WHERE id = ?
	`, string(a.Status), a.PID, a.WorktreePath, a.Branch, a.WorktreeManifest,
		a.PhaseSummary, string(a.CompletionSignal), a.LoopIteration,
		formatNullableTime(a.StartedAt), formatNullableTime(a.CompletedAt), a.ID)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	return nil
}

// SetAgentOutcome records the summary and completion signal reported by the
// agent's companion tool process. It never touches the status column; the
// engine interprets the signal and drives the status transition itself.
func (db *DB) SetAgentOutcome(id, summary string, signal models.CompletionSignal) error {
	_, err := db.Exec(`
		UPDATE agents SET phase_summary = ?, completion_signal = ? WHERE id = ?
	`, summary, string(signal), id)
	if err != nil {
		return fmt.Errorf("set agent outcome: %w", err)
	}
	return nil
}

// SetAgentWaiting marks an agent as waiting for input, recording the
// summary it reported. Waiting is not terminal, so the side channel is
// allowed to request this transition.
func (db *DB) SetAgentWaiting(id, summary string) error {
	_, err := db.Exec(`
		UPDATE agents SET status = ?, phase_summary = ? WHERE id = ?
	`, string(models.AgentWaiting), summary, id)
	if err != nil {
		return fmt.Errorf("set agent waiting: %w", err)
	}
	return nil
}

// ListAgents lists all agents, optionally filtered by status.
func (db *DB) ListAgents(status *models.AgentStatus) ([]Agent, error) {
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = db.Query(`SELECT `+agentCols+` FROM agents WHERE status = ?`, string(*status))
	} else {
		rows, err = db.Query(`SELECT ` + agentCols + ` FROM agents`)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListNonTerminalAgents returns agents whose status is spawning, running,
// or waiting. After a restart none of these can have a live subprocess.
func (db *DB) ListNonTerminalAgents() ([]Agent, error) {
	rows, err := db.Query(`
		SELECT `+agentCols+` FROM agents WHERE status IN (?, ?, ?)
	`, string(models.AgentSpawning), string(models.AgentRunning), string(models.AgentWaiting))
	if err != nil {
		return nil, fmt.Errorf("list non-terminal agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListNonTerminalAgentsByWorkspace returns live agents across all
// sessions of a workspace. The strategy resolver uses it to enforce the
// single-holder rule for exclusive git bindings.
func (db *DB) ListNonTerminalAgentsByWorkspace(workspaceID string) ([]Agent, error) {
	rows, err := db.Query(`
		SELECT a.id, a.session_id, a.phase_id, a.role, a.status, a.pid, a.worktree_path, a.branch,
			a.worktree_manifest, a.spawned_by, a.phase_summary, a.completion_signal, a.loop_iteration,
			a.started_at, a.completed_at
		FROM agents a
		JOIN sessions s ON a.session_id = s.id
		WHERE s.workspace_id = ? AND a.status IN (?, ?, ?)
	`, workspaceID, string(models.AgentSpawning), string(models.AgentRunning), string(models.AgentWaiting))
	if err != nil {
		return nil, fmt.Errorf("list agents by workspace: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListAgentsBySession lists all agents for a session.
func (db *DB) ListAgentsBySession(sessionID string) ([]Agent, error) {
	rows, err := db.Query(`SELECT `+agentCols+` FROM agents WHERE session_id = ?`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list agents by session: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListAgentsByPhase lists agents for a session+phase, optionally filtered
// to a loop iteration (pass -1 for all iterations).
func (db *DB) ListAgentsByPhase(sessionID, phaseID string, loopIteration int) ([]Agent, error) {
	var rows *sql.Rows
	var err error
	if loopIteration >= 0 {
		rows, err = db.Query(`
			SELECT `+agentCols+` FROM agents
			WHERE session_id = ? AND phase_id = ? AND loop_iteration = ?
		`, sessionID, phaseID, loopIteration)
	} else {
		rows, err = db.Query(`
			SELECT `+agentCols+` FROM agents WHERE session_id = ? AND phase_id = ?
		`, sessionID, phaseID)
	}
	if err != nil {
		return nil, fmt.Errorf("list agents by phase: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

func collectAgents(rows *sql.Rows) ([]Agent, error) {
	var agents []Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, *a)
	}
	return agents, nil
}

// AgentAncestry walks the spawn tree from the given agent to its root,
// returning the chain parent-first. The spawn tree only points backward,
// so traversal always terminates.
func (db *DB) AgentAncestry(id string) ([]Agent, error) {
	var chain []Agent
	seen := make(map[string]bool)
	cur := id
	for cur != "" && !seen[cur] {
		seen[cur] = true
		a, err := db.GetAgent(cur)
		if err != nil {
			return nil, err
		}
		if a == nil {
			break
		}
		chain = append([]Agent{*a}, chain...)
		cur = a.SpawnedBy
	}
	return chain, nil
}
