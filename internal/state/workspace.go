package state

import (
	"database/sql"
	"fmt"
	"time"
)

// Workspace is a named, ordered set of repositories.
type Workspace struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Repo is one repository in a workspace, ranked by ordinal.
type Repo struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Name        string `json:"name"`
	Path        string `json:"path"`
	Ordinal     int    `json:"ordinal"`
}

// CreateWorkspace inserts a workspace and its repos in one transaction.
func (db *DB) CreateWorkspace(w *Workspace, repos []Repo) error {
	return db.Transaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO workspaces (id, name, created_at) VALUES (?, ?, ?)
		`, w.ID, w.Name, formatTime(w.CreatedAt))
		if err != nil {
			return fmt.Errorf("create workspace: %w", err)
		}
		for _, r := range repos {
			_, err := tx.Exec(`
				INSERT INTO repos (id, workspace_id, name, path, ordinal) VALUES (?, ?, ?, ?, ?)
			`, r.ID, w.ID, r.Name, r.Path, r.Ordinal)
			if err != nil {
				return fmt.Errorf("create repo %s: %w", r.Name, err)
			}
		}
		return nil
	})
}

// GetWorkspace retrieves a workspace by ID, or nil if not found.
func (db *DB) GetWorkspace(id string) (*Workspace, error) {
	row := db.QueryRow(`SELECT id, name, created_at FROM workspaces WHERE id = ?`, id)

	var w Workspace
	var createdAt string
	err := row.Scan(&w.ID, &w.Name, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workspace: %w", err)
	}
	w.CreatedAt, _ = parseTime(createdAt)
	return &w, nil
}

// ListWorkspaces returns all workspaces, oldest first.
func (db *DB) ListWorkspaces() ([]Workspace, error) {
	rows, err := db.Query(`SELECT id, name, created_at FROM workspaces ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list workspaces: %w", err)
	}
	defer rows.Close()

	var workspaces []Workspace
	for rows.Next() {
		var w Workspace
		var createdAt string
		if err := rows.Scan(&w.ID, &w.Name, &createdAt); err != nil {
			return nil, fmt.Errorf("scan workspace: %w", err)
		}
		w.CreatedAt, _ = parseTime(createdAt)
		workspaces = append(workspaces, w)
	}
	return workspaces, nil
}

// ListRepos returns the workspace's repos ordered by ordinal.
func (db *DB) ListRepos(workspaceID string) ([]Repo, error) {
	rows, err := db.Query(`
		SELECT id, workspace_id, name, path, ordinal
		FROM repos WHERE workspace_id = ? ORDER BY ordinal
	`, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	defer rows.Close()

	var repos []Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.WorkspaceID, &r.Name, &r.Path, &r.Ordinal); err != nil {
			return nil, fmt.Errorf("scan repo: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, nil
}
