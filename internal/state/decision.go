package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// Decision is a recorded choice or finding. Supersedes/SupersededBy form a
// linear revision chain; a decision only ever points backward in creation
// order, so the chain cannot cycle.
type Decision struct {
	ID           string                `json:"id"`
	SessionID    string                `json:"session_id"`
	AgentID      string                `json:"agent_id,omitempty"`
	Type         models.DecisionType   `json:"type"`
	Status       models.DecisionStatus `json:"status"`
	Origin       models.Origin         `json:"origin"`
	Question     string                `json:"question"`
	Choice       string                `json:"choice"`
	Rationale    string                `json:"rationale,omitempty"`
	Alternatives []string              `json:"alternatives,omitempty"`
	Tags         []string              `json:"tags,omitempty"`
	Supersedes   string                `json:"supersedes,omitempty"`
	SupersededBy string                `json:"superseded_by,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

const decisionCols = `id, session_id, agent_id, type, status, origin, question, choice, rationale, alternatives, tags, supersedes, superseded_by, created_at`

// CreateDecision inserts a decision. If the decision supersedes an earlier
// one, the earlier record is marked invalidated and back-linked in the
// same transaction.
func (db *DB) CreateDecision(d *Decision) error {
	alternatives, err := marshalStrings(d.Alternatives)
	if err != nil {
		return fmt.Errorf("marshal alternatives: %w", err)
	}
	tags, err := marshalStrings(d.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO decisions (`+decisionCols+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, d.ID, d.SessionID, nullIfEmpty(d.AgentID), string(d.Type), string(d.Status),
			string(d.Origin), d.Question, d.Choice, d.Rationale, alternatives, tags,
			nullIfEmpty(d.Supersedes), nullIfEmpty(d.SupersededBy), formatTime(d.CreatedAt))
		if err != nil {
			return fmt.Errorf("create decision: %w", err)
		}

		if d.Supersedes != "" {
			_, err := tx.Exec(`
				UPDATE decisions SET status = ?, superseded_by = ? WHERE id = ?
			`, string(models.DecisionInvalidated), d.ID, d.Supersedes)
			if err != nil {
				return fmt.Errorf("supersede decision %s: %w", d.Supersedes, err)
			}
		}
		return nil
	})
}

func marshalStrings(ss []string) (*string, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(ss)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

// GetDecision retrieves a decision by ID, or nil if not found.
func (db *DB) GetDecision(id string) (*Decision, error) {
	row := db.QueryRow(`SELECT `+decisionCols+` FROM decisions WHERE id = ?`, id)
	d, err := scanDecision(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get decision: %w", err)
	}
	return d, nil
}

func scanDecision(scan func(dest ...any) error) (*Decision, error) {
	var d Decision
	var agentID, rationale, alternatives, tags, supersedes, supersededBy sql.NullString
	var createdAt string

	err := scan(&d.ID, &d.SessionID, &agentID, &d.Type, &d.Status, &d.Origin,
		&d.Question, &d.Choice, &rationale, &alternatives, &tags,
		&supersedes, &supersededBy, &createdAt)
	if err != nil {
		return nil, err
	}

	if agentID.Valid {
		d.AgentID = agentID.String
	}
	if rationale.Valid {
		d.Rationale = rationale.String
	}
	if alternatives.Valid {
		json.Unmarshal([]byte(alternatives.String), &d.Alternatives)
	}
	if tags.Valid {
		json.Unmarshal([]byte(tags.String), &d.Tags)
	}
	if supersedes.Valid {
		d.Supersedes = supersedes.String
	}
	if supersededBy.Valid {
		d.SupersededBy = supersededBy.String
	}
	d.CreatedAt, _ = parseTime(createdAt)
	return &d, nil
}

// SetDecisionStatus updates a decision's status.
func (db *DB) SetDecisionStatus(id string, status models.DecisionStatus) error {
	_, err := db.Exec(`UPDATE decisions SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("set decision status: %w", err)
	}
	return nil
}

// DecisionFilter narrows ListDecisions results. Zero values match all.
type DecisionFilter struct {
	// Query matches a substring of question or choice.
	Query string
	// Tag matches decisions carrying the tag (substring match).
	Tag string
	// ActiveOnly excludes invalidated decisions.
	ActiveOnly bool
	// Limit caps the number of rows returned; 0 means no cap.
	Limit int
}

// ListDecisions returns a session's decisions most recent first, filtered.
// Tag and query matching happen in Go: decision volume per session is
// small and the tags column is a JSON array.
func (db *DB) ListDecisions(sessionID string, f DecisionFilter) ([]Decision, error) {
	rows, err := db.Query(`
		SELECT `+decisionCols+` FROM decisions WHERE session_id = ? ORDER BY created_at DESC, id DESC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list decisions: %w", err)
	}
	defer rows.Close()

	var decisions []Decision
	for rows.Next() {
		d, err := scanDecision(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan decision: %w", err)
		}
		if f.ActiveOnly && d.Status == models.DecisionInvalidated {
			continue
		}
		if f.Query != "" && !strings.Contains(strings.ToLower(d.Question+" "+d.Choice), strings.ToLower(f.Query)) {
			continue
		}
		if f.Tag != "" && !matchesTag(d.Tags, f.Tag) {
			continue
		}
		decisions = append(decisions, *d)
		if f.Limit > 0 && len(decisions) >= f.Limit {
			break
		}
	}
	return decisions, nil
}

func matchesTag(tags []string, want string) bool {
	for _, t := range tags {
		if strings.Contains(strings.ToLower(t), strings.ToLower(want)) {
			return true
		}
	}
	return false
}
