package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/session/models"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

type sessionRow struct {
	ID           string         `db:"id"`
	ProjectID    string         `db:"project_id"`
	Status       string         `db:"status"`
	TriggerType  string         `db:"trigger_type"`
	TriggerMeta  sql.NullString `db:"trigger_metadata"`
	Progress     int            `db:"progress"`
	BugsFound    int            `db:"bugs_found"`
	ErrorMessage string         `db:"error_message"`
	CreatedAt    time.Time      `db:"created_at"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (s sessionRow) toModel() (*models.TestSession, error) {
	session := &models.TestSession{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		Status:       v1.SessionStatus(s.Status),
		TriggerType:  v1.TriggerType(s.TriggerType),
		Progress:     s.Progress,
		BugsFound:    s.BugsFound,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt.UTC(),
		StartedAt:    nullTime(s.StartedAt),
		CompletedAt:  nullTime(s.CompletedAt),
	}
	if err := unmarshalJSON(s.TriggerMeta, &session.TriggerMeta); err != nil {
		return nil, fmt.Errorf("failed to deserialize trigger metadata: %w", err)
	}
	return session, nil
}

const sessionColumns = `id, project_id, status, trigger_type, trigger_metadata, progress, bugs_found, error_message, created_at, started_at, completed_at`

// InsertSession creates a new test session
func (r *Repository) InsertSession(ctx context.Context, session *models.TestSession) error {
	return insertSession(ctx, r.db, session)
}

// CreateSessionWithExecutions inserts a session and its executions atomically
func (r *Repository) CreateSessionWithExecutions(ctx context.Context, session *models.TestSession, executions []*models.AgentExecution) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := insertSession(ctx, tx, session); err != nil {
		return rollback(tx, err)
	}
	for _, exec := range executions {
		exec.SessionID = session.ID
	}
	if err := insertExecutions(ctx, tx, executions); err != nil {
		return rollback(tx, err)
	}
	return tx.Commit()
}

func insertSession(ctx context.Context, db sqlx.ExtContext, session *models.TestSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now().UTC()
	}
	if session.Status == "" {
		session.Status = v1.SessionStatusQueued
	}
	if session.TriggerType == "" {
		session.TriggerType = v1.TriggerManual
	}

	meta, err := marshalJSON(session.TriggerMeta)
	if err != nil {
		return fmt.Errorf("failed to serialize trigger metadata: %w", err)
	}

	_, err = db.ExecContext(ctx, db.Rebind(`
		INSERT INTO test_sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), session.ID, session.ProjectID, session.Status, session.TriggerType, meta, session.Progress,
		session.BugsFound, session.ErrorMessage, session.CreatedAt, session.StartedAt, session.CompletedAt)
	return err
}

// GetSession retrieves a session by ID
func (r *Repository) GetSession(ctx context.Context, id string) (*models.TestSession, error) {
	var row sessionRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+sessionColumns+` FROM test_sessions WHERE id = ?`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateSession applies the non-nil fields of update
func (r *Repository) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	var sets []string
	var args []any
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Progress != nil {
		sets = append(sets, "progress = ?")
		args = append(args, *update.Progress)
	}
	if update.BugsFound != nil {
		sets = append(sets, "bugs_found = ?")
		args = append(args, *update.BugsFound)
	}
	if update.ErrorMessage != nil {
		sets = append(sets, "error_message = ?")
		args = append(args, *update.ErrorMessage)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.UTC())
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.UTC())
	}
	return r.update(ctx, "test_sessions", "session", id, sets, args)
}

// update runs an UPDATE built from SET clauses. An empty update only checks existence.
func (r *Repository) update(ctx context.Context, table, resource, id string, sets []string, args []any) error {
	if len(sets) == 0 {
		var exists int
		err := r.ro.GetContext(ctx, &exists, r.ro.Rebind(`SELECT 1 FROM `+table+` WHERE id = ?`), id)
		if stderrors.Is(err, sql.ErrNoRows) {
			return errors.NotFound(resource, id)
		}
		return err
	}

	args = append(args, id)
	result, err := r.db.ExecContext(ctx, r.db.Rebind(
		`UPDATE `+table+` SET `+strings.Join(sets, ", ")+` WHERE id = ?`), args...)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound(resource, id)
	}
	return nil
}

// ListSessions returns the sessions of a project, newest first. An empty
// projectID lists every session.
func (r *Repository) ListSessions(ctx context.Context, projectID string) ([]*models.TestSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM test_sessions`
	var args []any
	if projectID != "" {
		query += ` WHERE project_id = ?`
		args = append(args, projectID)
	}
	query += ` ORDER BY created_at DESC`

	var rows []sessionRow
	if err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]*models.TestSession, 0, len(rows))
	for _, row := range rows {
		session, err := row.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, nil
}

// DeleteSession deletes a session; executions, logs and bugs cascade
func (r *Repository) DeleteSession(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM test_sessions WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("session", id)
	}
	return nil
}
