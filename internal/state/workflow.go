package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conductor-dev/conductor/pkg/models"
)

// Workflow is an ordered list of phases.
type Workflow struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Phase is one ordered step of a workflow. Phases are immutable once a
// session references them.
type Phase struct {
	ID          string              `json:"id"`
	WorkflowID  string              `json:"workflow_id"`
	Ordinal     int                 `json:"ordinal"`
	Name        string              `json:"name"`
	Prompt      string              `json:"prompt"`
	Tools       []string            `json:"tools,omitempty"`
	Roles       map[string]string   `json:"roles"`
	GateMode    models.GateMode     `json:"gate_mode"`
	GitStrategy *models.GitStrategy `json:"git_strategy,omitempty"`
	Loop        *models.LoopSpec    `json:"loop,omitempty"`
	Relay       models.RelayMode    `json:"relay"`
}

// CreateWorkflow inserts a workflow and its phases in one transaction.
func (db *DB) CreateWorkflow(w *Workflow, phases []Phase) error {
	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO workflows (id, name, created_at) VALUES (?, ?, ?)
		`, w.ID, w.Name, formatTime(w.CreatedAt))
		if err != nil {
			return fmt.Errorf("create workflow: %w", err)
		}

		for i := range phases {
			p := &phases[i]
			tools, roles, strategy, loop, err := marshalPhaseFields(p)
			if err != nil {
				return err
			}
			_, err = tx.Exec(`
				INSERT INTO phases (id, workflow_id, ordinal, name, prompt, tools, roles, gate_mode, git_strategy, loop_spec, relay_mode)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`, p.ID, w.ID, p.Ordinal, p.Name, p.Prompt, tools, roles, string(p.GateMode), strategy, loop, string(p.Relay))
			if err != nil {
				return fmt.Errorf("create phase %d: %w", p.Ordinal, err)
			}
		}
		return nil
	})
}

func marshalPhaseFields(p *Phase) (tools, roles *string, strategy, loop *string, err error) {
	if len(p.Tools) > 0 {
		b, err := json.Marshal(p.Tools)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal tools: %w", err)
		}
		s := string(b)
		tools = &s
	}
	rb, err := json.Marshal(p.Roles)
	if err != nil {
		return nil, nil, nil, nil, fmt.Errorf("marshal roles: %w", err)
	}
	rs := string(rb)
	roles = &rs
	if p.GitStrategy != nil {
		b, err := json.Marshal(p.GitStrategy)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal git strategy: %w", err)
		}
		s := string(b)
		strategy = &s
	}
	if p.Loop != nil {
		b, err := json.Marshal(p.Loop)
		if err != nil {
			return nil, nil, nil, nil, fmt.Errorf("marshal loop spec: %w", err)
		}
		s := string(b)
		loop = &s
	}
	return tools, roles, strategy, loop, nil
}

// GetWorkflow retrieves a workflow by ID, or nil if not found.
func (db *DB) GetWorkflow(id string) (*Workflow, error) {
	row := db.QueryRow(`SELECT id, name, created_at FROM workflows WHERE id = ?`, id)

	var w Workflow
	var createdAt string
	err := row.Scan(&w.ID, &w.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	w.CreatedAt, _ = parseTime(createdAt)
	return &w, nil
}

// GetPhases returns the workflow's phases ordered by ordinal.
func (db *DB) GetPhases(workflowID string) ([]Phase, error) {
	rows, err := db.Query(`
		SELECT id, workflow_id, ordinal, name, prompt, tools, roles, gate_mode, git_strategy, loop_spec, relay_mode
		FROM phases WHERE workflow_id = ? ORDER BY ordinal
	`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("list phases: %w", err)
	}
	defer rows.Close()

	var phases []Phase
	for rows.Next() {
		var p Phase
		var tools, roles, strategy, loop sql.NullString
		var gate, relay string
		if err := rows.Scan(&p.ID, &p.WorkflowID, &p.Ordinal, &p.Name, &p.Prompt, &tools, &roles, &gate, &strategy, &loop, &relay); err != nil {
			return nil, fmt.Errorf("scan phase: %w", err)
		}
		p.GateMode = models.GateMode(gate)
		p.Relay = models.RelayMode(relay)
		if tools.Valid {
			json.Unmarshal([]byte(tools.String), &p.Tools)
		}
		if roles.Valid {
			json.Unmarshal([]byte(roles.String), &p.Roles)
		}
		if strategy.Valid {
			var gs models.GitStrategy
			if err := json.Unmarshal([]byte(strategy.String), &gs); err == nil {
				p.GitStrategy = &gs
			}
		}
		if loop.Valid {
			var ls models.LoopSpec
			if err := json.Unmarshal([]byte(loop.String), &ls); err == nil {
				p.Loop = &ls
			}
		}
		phases = append(phases, p)
	}
	return phases, nil
}

// ListWorkflows lists all workflows ordered by creation time.
func (db *DB) ListWorkflows() ([]Workflow, error) {
	rows, err := db.Query(`SELECT id, name, created_at FROM workflows ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []Workflow
	for rows.Next() {
		var w Workflow
		var createdAt string
		if err := rows.Scan(&w.ID, &w.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan workflow: %w", err)
		}
		w.CreatedAt, _ = parseTime(createdAt)
		workflows = append(workflows, w)
	}
	return workflows, nil
}
