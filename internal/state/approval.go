package state

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// ErrAlreadyResolved is returned when resolving an approval that is no
// longer pending. Re-resolution never changes state.
var ErrAlreadyResolved = errors.New("approval already resolved")

// Approval is a durable gate instance requiring resolution before
// execution proceeds. Resolution stamps resolved_by/response/resolved_at
// exactly once.
type Approval struct {
	ID         string                `json:"id"`
	SessionID  string                `json:"session_id"`
	AgentID    string                `json:"agent_id,omitempty"`
	DecisionID string                `json:"decision_id,omitempty"`
	Type       models.ApprovalType   `json:"type"`
	Status     models.ApprovalStatus `json:"status"`
	// PhaseID, LoopIteration and Stage tie a phase_gate approval to the
	// exact phase entry it gates, so re-entering a looped phase gets a
	// fresh gate instead of consuming an old resolution.
	PhaseID       string           `json:"phase_id,omitempty"`
	LoopIteration int              `json:"loop_iteration,omitempty"`
	Stage         models.GateStage `json:"stage,omitempty"`
	Summary       string           `json:"summary,omitempty"`
	Response      string           `json:"response,omitempty"`
	ResolvedBy    string           `json:"resolved_by,omitempty"`
	CreatedAt     time.Time        `json:"created_at"`
	ResolvedAt    *time.Time       `json:"resolved_at,omitempty"`
	// DeliveredAt marks when a continuation response was forwarded to
	// the waiting agent's stdin. Nil means answered but not yet
	// delivered, or not a continuation.
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
}

const approvalCols = `id, session_id, agent_id, decision_id, type, status, phase_id, loop_iteration, stage, summary, response, resolved_by, created_at, resolved_at, delivered_at`

// CreateApproval inserts a pending approval.
func (db *DB) CreateApproval(a *Approval) error {
	_, err := db.Exec(`
		INSERT INTO approvals (`+approvalCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.SessionID, nullIfEmpty(a.AgentID), nullIfEmpty(a.DecisionID),
		string(a.Type), string(a.Status), nullIfEmpty(a.PhaseID), a.LoopIteration,
		nullIfEmpty(string(a.Stage)), a.Summary, a.Response,
		nullIfEmpty(a.ResolvedBy), formatTime(a.CreatedAt), formatNullableTime(a.ResolvedAt),
		formatNullableTime(a.DeliveredAt))
	if err != nil {
		return fmt.Errorf("create approval: %w", err)
	}
	return nil
}

// GetApproval retrieves an approval by ID, or nil if not found.
func (db *DB) GetApproval(id string) (*Approval, error) {
	row := db.QueryRow(`SELECT `+approvalCols+` FROM approvals WHERE id = ?`, id)
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return a, nil
}

func scanApproval(scan func(dest ...any) error) (*Approval, error) {
	var a Approval
	var agentID, decisionID, phaseID, stage, summary, response, resolvedBy sql.NullString
	var createdAt string
	var resolvedAt, deliveredAt sql.NullString

	err := scan(&a.ID, &a.SessionID, &agentID, &decisionID, &a.Type, &a.Status,
		&phaseID, &a.LoopIteration, &stage, &summary, &response, &resolvedBy, &createdAt, &resolvedAt, &deliveredAt)
	if err != nil {
		return nil, err
	}

	if agentID.Valid {
		a.AgentID = agentID.String
	}
	if decisionID.Valid {
		a.DecisionID = decisionID.String
	}
	if phaseID.Valid {
		a.PhaseID = phaseID.String
	}
	if stage.Valid {
		a.Stage = models.GateStage(stage.String)
	}
	if summary.Valid {
		a.Summary = summary.String
	}
	if response.Valid {
		a.Response = response.String
	}
	if resolvedBy.Valid {
		a.ResolvedBy = resolvedBy.String
	}
	a.CreatedAt, _ = parseTime(createdAt)
	a.ResolvedAt = parseNullableTime(resolvedAt)
	a.DeliveredAt = parseNullableTime(deliveredAt)
	return &a, nil
}

// ResolveApproval transitions a pending approval to approved or rejected.
// The guard is a conditional UPDATE, so a second resolution attempt is
// rejected with ErrAlreadyResolved and changes nothing even under
// concurrent resolvers.
func (db *DB) ResolveApproval(id string, status models.ApprovalStatus, resolvedBy, response string) error {
	if status != models.ApprovalApproved && status != models.ApprovalRejected {
		return fmt.Errorf("invalid resolution status %q", status)
	}

	result, err := db.Exec(`
		UPDATE approvals SET status = ?, resolved_by = ?, response = ?, resolved_at = ?
		WHERE id = ? AND status = ?
	`, string(status), resolvedBy, response, formatTime(time.Now()), id, string(models.ApprovalPending))
	if err != nil {
		return fmt.Errorf("resolve approval: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get rows affected: %w", err)
	}
	if affected == 0 {
		existing, err := db.GetApproval(id)
		if err != nil {
			return err
		}
		if existing == nil {
			return fmt.Errorf("approval %s not found", id)
		}
		return ErrAlreadyResolved
	}
	return nil
}

// ListPendingFormalApprovals returns the aggregate queue of pending
// approvals visible to reviewers. Continuation types (needs_input,
// agent_idle) are scoped to a single agent and excluded.
func (db *DB) ListPendingFormalApprovals() ([]Approval, error) {
	rows, err := db.Query(`
		SELECT `+approvalCols+` FROM approvals
		WHERE status = ? AND type NOT IN (?, ?)
		ORDER BY created_at
	`, string(models.ApprovalPending), string(models.ApprovalNeedsInput), string(models.ApprovalAgentIdle))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListPendingApprovalsForAgent returns pending continuation approvals
// blocking the given agent.
func (db *DB) ListPendingApprovalsForAgent(agentID string) ([]Approval, error) {
	rows, err := db.Query(`
		SELECT `+approvalCols+` FROM approvals
		WHERE status = ? AND agent_id = ? AND type IN (?, ?)
		ORDER BY created_at
	`, string(models.ApprovalPending), agentID,
		string(models.ApprovalNeedsInput), string(models.ApprovalAgentIdle))
	if err != nil {
		return nil, fmt.Errorf("list agent approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// ListUndeliveredContinuations returns continuation approvals for an
// agent that were approved but whose response has not yet been
// forwarded to the agent's stdin.
func (db *DB) ListUndeliveredContinuations(agentID string) ([]Approval, error) {
	rows, err := db.Query(`
		SELECT `+approvalCols+` FROM approvals
		WHERE agent_id = ? AND status = ? AND type IN (?, ?) AND delivered_at IS NULL
		ORDER BY resolved_at, rowid
	`, agentID, string(models.ApprovalApproved),
		string(models.ApprovalNeedsInput), string(models.ApprovalAgentIdle))
	if err != nil {
		return nil, fmt.Errorf("list undelivered continuations: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// MarkApprovalDelivered stamps delivered_at once.
func (db *DB) MarkApprovalDelivered(id string) error {
	_, err := db.Exec(`
		UPDATE approvals SET delivered_at = ? WHERE id = ? AND delivered_at IS NULL
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark approval delivered: %w", err)
	}
	return nil
}

// ListApprovalsBySession returns all approvals for a session in creation
// order.
func (db *DB) ListApprovalsBySession(sessionID string) ([]Approval, error) {
	rows, err := db.Query(`
		SELECT `+approvalCols+` FROM approvals WHERE session_id = ? ORDER BY created_at
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list session approvals: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// LatestGateApproval returns the most recent phase_gate approval tied to
// one phase entry (phase, iteration, stage), or nil if none was created
// for that entry yet.
func (db *DB) LatestGateApproval(sessionID, phaseID string, iteration int, stage models.GateStage) (*Approval, error) {
	row := db.QueryRow(`
		SELECT `+approvalCols+` FROM approvals
		WHERE session_id = ? AND type = ? AND phase_id = ? AND loop_iteration = ? AND stage = ?
		ORDER BY created_at DESC, id DESC LIMIT 1
	`, sessionID, string(models.ApprovalPhaseGate), phaseID, iteration, string(stage))
	a, err := scanApproval(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest gate approval: %w", err)
	}
	return a, nil
}

func collectApprovals(rows *sql.Rows) ([]Approval, error) {
	var approvals []Approval
	for rows.Next() {
		a, err := scanApproval(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		approvals = append(approvals, *a)
	}
	return approvals, nil
}
