// Package registry is the durable session table. It is the only writer
// of persisted state; hubs and the API mutate sessions exclusively
// through it.
package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var ErrNotFound = errors.New("session not found")

// Session statuses.
const (
	StatusRunning = "running"
	StatusIdle    = "idle"
	StatusStopped = "stopped"
	StatusError   = "error"
)

// Session is one registry row.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	WorkspacePath   string    `json:"workspacePath"`
	Kind            string    `json:"kind"`    // shell | agent
	Backend         string    `json:"backend"` // direct_pty | muxed
	MuxName         string    `json:"muxName"`
	Status          string    `json:"status"`
	SkipPermissions bool      `json:"skipPermissions"`
	AgentResumeID   string    `json:"agentResumeId,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
	LastActivity    time.Time `json:"lastActivity"`
}

type Registry struct {
	db *sql.DB
}

// Open opens (or creates) the registry file. WAL stays on for the life
// of the database; recovery files are never touched here — the engine
// replays them itself on open.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open registry: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return r, nil
}

// Close checkpoints the WAL into the base file and closes the database.
func (r *Registry) Close() error {
	_, _ = r.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return r.db.Close()
}

const baseSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	name TEXT NOT NULL,
	workspace_path TEXT NOT NULL DEFAULT '',
	kind TEXT NOT NULL DEFAULT 'shell',
	backend TEXT NOT NULL DEFAULT 'muxed',
	mux_name TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'stopped',
	created_at DATETIME NOT NULL,
	last_activity DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_mux_name
	ON sessions(mux_name) WHERE backend = 'muxed';
`

// additiveMigrations are applied on every open. Each statement only
// adds a column, so "duplicate column name" means it already ran and is
// silently absorbed.
var additiveMigrations = []string{
	`ALTER TABLE sessions ADD COLUMN skip_permissions INTEGER NOT NULL DEFAULT 0`,
	`ALTER TABLE sessions ADD COLUMN agent_resume_id TEXT NOT NULL DEFAULT ''`,
}

func (r *Registry) migrate() error {
	if _, err := r.db.Exec(baseSchema); err != nil {
		return fmt.Errorf("base schema: %w", err)
	}
	for _, stmt := range additiveMigrations {
		if _, err := r.db.Exec(stmt); err != nil {
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("additive migration: %w", err)
		}
	}
	return nil
}

// Create inserts a new session row. A transient write collision is
// retried once before failing.
func (r *Registry) Create(s *Session) error {
	err := r.insert(s)
	if err != nil && strings.Contains(err.Error(), "database is locked") {
		err = r.insert(s)
	}
	return err
}

func (r *Registry) insert(s *Session) error {
	_, err := r.db.Exec(`
		INSERT INTO sessions
			(id, name, workspace_path, kind, backend, mux_name, status,
			 skip_permissions, agent_resume_id, created_at, last_activity)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.ID, s.Name, s.WorkspacePath, s.Kind, s.Backend, s.MuxName, s.Status,
		boolInt(s.SkipPermissions), s.AgentResumeID,
		fmtTime(s.CreatedAt), fmtTime(s.LastActivity),
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns one session by id.
func (r *Registry) Get(id string) (*Session, error) {
	row := r.db.QueryRow(selectCols+" WHERE id = ?", id)
	return scanSession(row)
}

// GetByMuxName returns the muxed session owning a tmux session name.
func (r *Registry) GetByMuxName(muxName string) (*Session, error) {
	row := r.db.QueryRow(selectCols+" WHERE backend = 'muxed' AND mux_name = ?", muxName)
	return scanSession(row)
}

// List returns every session, most recently active first.
func (r *Registry) List() ([]*Session, error) {
	rows, err := r.db.Query(selectCols + " ORDER BY last_activity DESC")
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateStatus sets a session's status.
func (r *Registry) UpdateStatus(id, status string) error {
	return r.exec("UPDATE sessions SET status = ? WHERE id = ?", status, id)
}

// UpdateStatusWhere downgrades every session matching backend+statuses
// in one transaction. Used by the reconciler at boot.
func (r *Registry) UpdateStatusWhere(backend string, from []string, to string) (int64, error) {
	if len(from) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(from)), ",")
	args := []any{to, backend}
	for _, s := range from {
		args = append(args, s)
	}
	res, err := r.db.Exec(
		"UPDATE sessions SET status = ? WHERE backend = ? AND status IN ("+placeholders+")",
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("downgrade sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// UpdateActivity bumps last_activity.
func (r *Registry) UpdateActivity(id string, at time.Time) error {
	return r.exec("UPDATE sessions SET last_activity = ? WHERE id = ?", fmtTime(at), id)
}

// Rename changes the human label.
func (r *Registry) Rename(id, name string) error {
	return r.exec("UPDATE sessions SET name = ? WHERE id = ?", name, id)
}

// Delete removes the row. Deleting a missing row reports ErrNotFound.
func (r *Registry) Delete(id string) error {
	res, err := r.db.Exec("DELETE FROM sessions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Registry) exec(query string, args ...any) error {
	res, err := r.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectCols = `SELECT id, name, workspace_path, kind, backend, mux_name,
	status, skip_permissions, agent_resume_id, created_at, last_activity
	FROM sessions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*Session, error) {
	var s Session
	var skip int
	var created, activity string
	err := row.Scan(&s.ID, &s.Name, &s.WorkspacePath, &s.Kind, &s.Backend,
		&s.MuxName, &s.Status, &skip, &s.AgentResumeID, &created, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	s.SkipPermissions = skip != 0
	s.CreatedAt = parseTime(created)
	s.LastActivity = parseTime(activity)
	return &s, nil
}

const timeLayout = "2006-01-02 15:04:05"

func fmtTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
