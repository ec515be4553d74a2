package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/betaforge/betaforge/internal/session/models"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

type executionRow struct {
	ID           string         `db:"id"`
	SessionID    string         `db:"session_id"`
	AgentID      string         `db:"agent_id"`
	AgentName    string         `db:"agent_name"`
	Status       string         `db:"status"`
	Progress     int            `db:"progress"`
	Environment  sql.NullString `db:"environment"`
	ErrorMessage string         `db:"error_message"`
	StartedAt    sql.NullTime   `db:"started_at"`
	CompletedAt  sql.NullTime   `db:"completed_at"`
}

func (e executionRow) toModel() (*models.AgentExecution, error) {
	exec := &models.AgentExecution{
		ID:           e.ID,
		SessionID:    e.SessionID,
		AgentID:      e.AgentID,
		AgentName:    e.AgentName,
		Status:       v1.ExecutionStatus(e.Status),
		Progress:     e.Progress,
		ErrorMessage: e.ErrorMessage,
		StartedAt:    nullTime(e.StartedAt),
		CompletedAt:  nullTime(e.CompletedAt),
	}
	if err := unmarshalJSON(e.Environment, &exec.Environment); err != nil {
		return nil, fmt.Errorf("failed to deserialize execution environment: %w", err)
	}
	return exec, nil
}

const executionColumns = `id, session_id, agent_id, agent_name, status, progress, environment, error_message, started_at, completed_at`

// InsertExecutions creates executions in a single transaction
func (r *Repository) InsertExecutions(ctx context.Context, executions []*models.AgentExecution) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	if err := insertExecutions(ctx, tx, executions); err != nil {
		return rollback(tx, err)
	}
	return tx.Commit()
}

func insertExecutions(ctx context.Context, db sqlx.ExtContext, executions []*models.AgentExecution) error {
	query := db.Rebind(`
		INSERT INTO agent_executions (` + executionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for _, exec := range executions {
		if exec.ID == "" {
			exec.ID = uuid.New().String()
		}
		if exec.Status == "" {
			exec.Status = v1.ExecutionStatusQueued
		}
		env, err := marshalJSON(exec.Environment)
		if err != nil {
			return fmt.Errorf("failed to serialize execution environment: %w", err)
		}
		if _, err := db.ExecContext(ctx, query, exec.ID, exec.SessionID, exec.AgentID, exec.AgentName,
			exec.Status, exec.Progress, env, exec.ErrorMessage, exec.StartedAt, exec.CompletedAt); err != nil {
			return fmt.Errorf("failed to insert execution for agent %s: %w", exec.AgentID, err)
		}
	}
	return nil
}

// UpdateExecution applies the non-nil fields of update
func (r *Repository) UpdateExecution(ctx context.Context, id string, update models.ExecutionUpdate) error {
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
	return r.update(ctx, "agent_executions", "execution", id, sets, args)
}

// ListExecutions returns the executions of a session
func (r *Repository) ListExecutions(ctx context.Context, sessionID string) ([]*models.AgentExecution, error) {
	var rows []executionRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(
		`SELECT `+executionColumns+` FROM agent_executions WHERE session_id = ? ORDER BY agent_name, id`), sessionID)
	if err != nil {
		return nil, err
	}
	result := make([]*models.AgentExecution, 0, len(rows))
	for _, row := range rows {
		exec, err := row.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, exec)
	}
	return result, nil
}

