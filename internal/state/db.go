// Package state provides SQLite-based durable storage for Conductor.
// The store is the single source of truth: every entity the engine
// operates on is a row here, and in-memory structures are caches that
// must be rebuildable from it. The companion tool process opens the same
// database, so WAL mode is required for concurrent readers and writers.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps an SQLite database connection with Conductor-specific operations.
type DB struct {
	conn *sql.DB
	path string
	mu   sync.RWMutex
}

// DefaultDBPath returns the path to the Conductor database under the
// given data directory.
func DefaultDBPath(dataDir string) string {
	return filepath.Join(dataDir, "conductor.db")
}

// Open opens an SQLite database at the given path, creating parent
// directories if needed. WAL mode is enabled for concurrent access.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	return &DB{conn: conn, path: path}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Close()
}

// Path returns the path to the database file.
func (db *DB) Path() string {
	return db.path
}

// Migrate applies all pending schema migrations.
func (db *DB) Migrate() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	var currentVersion int
	row := db.conn.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version")
	if err := row.Scan(&currentVersion); err != nil {
		return fmt.Errorf("get schema version: %w", err)
	}

	migrations := []struct {
		version int
		sql     string
	}{
		{1, migrationV1Workspaces},
		{2, migrationV2Workflows},
		{3, migrationV3Sessions},
		{4, migrationV4Agents},
		{5, migrationV5Messages},
		{6, migrationV6Artifacts},
		{7, migrationV7Decisions},
		{8, migrationV8Approvals},
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}

		tx, err := db.conn.Begin()
		if err != nil {
			return fmt.Errorf("begin transaction: %w", err)
		}

		if _, err := tx.Exec(m.sql); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration v%d: %w", m.version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", m.version); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.version, err)
		}
	}

	return nil
}

const migrationV1Workspaces = `
CREATE TABLE IF NOT EXISTS workspaces (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS repos (
	id TEXT PRIMARY KEY,
	workspace_id TEXT NOT NULL REFERENCES workspaces(id) ON DELETE CASCADE,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	ordinal INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_repos_workspace ON repos(workspace_id, ordinal);
`

const migrationV2Workflows = `
CREATE TABLE IF NOT EXISTS workflows (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	created_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS phases (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL REFERENCES workflows(id) ON DELETE CASCADE,
	ordinal INTEGER NOT NULL,
	name TEXT NOT NULL,
	prompt TEXT NOT NULL DEFAULT '',
	tools TEXT,
	roles TEXT NOT NULL DEFAULT '{}',
	gate_mode TEXT NOT NULL DEFAULT 'none',
	git_strategy TEXT,
	loop_spec TEXT,
	relay_mode TEXT NOT NULL DEFAULT 'off',
	UNIQUE(workflow_id, ordinal)
);

CREATE INDEX IF NOT EXISTS idx_phases_workflow ON phases(workflow_id, ordinal);
`

const migrationV3Sessions = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	workflow_id TEXT NOT NULL,
	workspace_id TEXT NOT NULL,
	user_id TEXT,
	description TEXT,
	context TEXT,
	status TEXT NOT NULL DEFAULT 'pending',
	current_phase INTEGER,
	loop_state TEXT NOT NULL DEFAULT '{}',
	git_strategy TEXT,
	started_at DATETIME NOT NULL,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
`

const migrationV4Agents = `
CREATE TABLE IF NOT EXISTS agents (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	phase_id TEXT NOT NULL,
	role TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'spawning',
	pid INTEGER,
	worktree_path TEXT,
	branch TEXT,
	worktree_manifest TEXT,
	spawned_by TEXT,
	phase_summary TEXT,
	completion_signal TEXT,
	loop_iteration INTEGER NOT NULL DEFAULT 0,
	started_at DATETIME,
	completed_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_agents_session ON agents(session_id);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
`

const migrationV5Messages = `
CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	agent_id TEXT NOT NULL,
	seq INTEGER NOT NULL,
	role TEXT NOT NULL,
	preview TEXT NOT NULL DEFAULT '',
	blob_ref TEXT,
	created_at DATETIME NOT NULL,
	UNIQUE(agent_id, seq)
);

CREATE INDEX IF NOT EXISTS idx_messages_agent ON messages(agent_id, seq);
`

const migrationV6Artifacts = `
CREATE TABLE IF NOT EXISTS artifacts (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	phase_id TEXT NOT NULL,
	agent_id TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'draft',
	pinned INTEGER NOT NULL DEFAULT 0,
	loop_iteration INTEGER NOT NULL DEFAULT 0,
	tags TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_artifacts_session ON artifacts(session_id, created_at);
`

const migrationV7Decisions = `
CREATE TABLE IF NOT EXISTS decisions (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent_id TEXT,
	type TEXT NOT NULL DEFAULT 'finding',
	status TEXT NOT NULL DEFAULT 'active',
	origin TEXT NOT NULL,
	question TEXT NOT NULL,
	choice TEXT NOT NULL,
	rationale TEXT,
	alternatives TEXT,
	tags TEXT,
	supersedes TEXT,
	superseded_by TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_decisions_session ON decisions(session_id, created_at);
`

const migrationV8Approvals = `
CREATE TABLE IF NOT EXISTS approvals (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	agent_id TEXT,
	decision_id TEXT,
	type TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	phase_id TEXT,
	loop_iteration INTEGER NOT NULL DEFAULT 0,
	stage TEXT,
	summary TEXT,
	response TEXT,
	resolved_by TEXT,
	created_at DATETIME NOT NULL,
	resolved_at DATETIME,
	delivered_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
`

// Exec executes a query that doesn't return rows.
func (db *DB) Exec(query string, args ...any) (sql.Result, error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	return db.conn.Exec(query, args...)
}

// Query executes a query that returns rows.
func (db *DB) Query(query string, args ...any) (*sql.Rows, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.Query(query, args...)
}

// QueryRow executes a query that returns at most one row.
func (db *DB) QueryRow(query string, args ...any) *sql.Row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.conn.QueryRow(query, args...)
}

// Transaction runs the given function within a transaction.
func (db *DB) Transaction(fn func(tx *sql.Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()

	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	return tx.Commit()
}

// formatTime formats a time.Time for SQLite storage.
func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// parseTime parses a time string from SQLite.
func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

// parseNullableTime parses a nullable time string from SQLite.
func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil
	}
	return &t
}

// formatNullableTime formats an optional time for SQLite storage.
func formatNullableTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}
