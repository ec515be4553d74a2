// Package sqlite provides the SQL repository for sessions. It runs on SQLite
// and, through the dialect helpers, on PostgreSQL.
package sqlite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/betaforge/betaforge/internal/db/dialect"
)

// Repository provides SQL-backed session storage. Connections are owned by
// the caller.
type Repository struct {
	db *sqlx.DB // writer
	ro *sqlx.DB // reader (read-only pool)
}

// NewWithDB creates a repository over existing connections and ensures the
// schema exists. A nil reader falls back to the writer.
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	if reader == nil {
		reader = writer
	}
	repo := &Repository{db: writer, ro: reader}
	if err := repo.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close is a no-op; the pool is closed by its owner.
func (r *Repository) Close() error {
	return nil
}

func (r *Repository) initSchema() error {
	drv := r.db.DriverName()
	jsonCol := dialect.JSONColumn(drv)

	statements := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			target_url TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS test_sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			trigger_metadata %s,
			progress INTEGER NOT NULL DEFAULT 0,
			bugs_found INTEGER NOT NULL DEFAULT 0,
			error_message TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			started_at TIMESTAMP,
			completed_at TIMESTAMP
		)`, jsonCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS agent_executions (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES test_sessions(id) ON DELETE CASCADE,
			agent_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			environment %s,
			error_message TEXT NOT NULL DEFAULT '',
			started_at TIMESTAMP,
			completed_at TIMESTAMP,
			UNIQUE (session_id, agent_id)
		)`, jsonCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS activity_logs (
			id %s,
			session_id TEXT NOT NULL REFERENCES test_sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			agent_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			data %s,
			created_at TIMESTAMP NOT NULL
		)`, dialect.AutoIncrement(drv), jsonCol),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS bug_reports (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			session_id TEXT NOT NULL REFERENCES test_sessions(id) ON DELETE CASCADE,
			execution_id TEXT NOT NULL DEFAULT '',
			agent_id TEXT NOT NULL DEFAULT '',
			agent_name TEXT NOT NULL DEFAULT '',
			severity TEXT NOT NULL,
			status TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			steps_to_reproduce %[1]s,
			expected_behavior TEXT NOT NULL DEFAULT '',
			actual_behavior TEXT NOT NULL DEFAULT '',
			screenshots %[1]s,
			console_logs %[1]s,
			network_logs %[1]s,
			environment %[1]s,
			page_url TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`, jsonCol),
		`CREATE INDEX IF NOT EXISTS idx_test_sessions_project_id ON test_sessions(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_executions_session_id ON agent_executions(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_logs_session_seq ON activity_logs(session_id, id)`,
		`CREATE INDEX IF NOT EXISTS idx_bug_reports_session_id ON bug_reports(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_bug_reports_project_id ON bug_reports(project_id)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// marshalJSON encodes v for a JSON column. Nil values are stored as NULL.
func marshalJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	if string(data) == "null" {
		return nil, nil
	}
	return string(data), nil
}

// unmarshalJSON decodes a nullable JSON column into v.
func unmarshalJSON(col sql.NullString, v any) error {
	if !col.Valid || col.String == "" {
		return nil
	}
	return json.Unmarshal([]byte(col.String), v)
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}

func rollback(tx *sqlx.Tx, err error) error {
	if rbErr := tx.Rollback(); rbErr != nil {
		return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
	}
	return err
}
