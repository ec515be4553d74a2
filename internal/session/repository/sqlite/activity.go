package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/betaforge/betaforge/internal/db/dialect"
	"github.com/betaforge/betaforge/internal/session/models"
)

type activityRow struct {
	ID        int64          `db:"id"`
	SessionID string         `db:"session_id"`
	Type      string         `db:"type"`
	AgentID   string         `db:"agent_id"`
	AgentName string         `db:"agent_name"`
	Message   string         `db:"message"`
	Data      sql.NullString `db:"data"`
	CreatedAt time.Time      `db:"created_at"`
}

func (a activityRow) toModel() *models.ActivityLog {
	entry := &models.ActivityLog{
		Seq:       a.ID,
		SessionID: a.SessionID,
		Type:      a.Type,
		AgentID:   a.AgentID,
		AgentName: a.AgentName,
		Message:   a.Message,
		CreatedAt: a.CreatedAt.UTC(),
	}
	if a.Data.Valid && a.Data.String != "" {
		entry.Data = json.RawMessage(a.Data.String)
	}
	return entry
}

// AppendActivityLog appends an entry and sets its store-assigned Seq
func (r *Repository) AppendActivityLog(ctx context.Context, entry *models.ActivityLog) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	var data any
	if len(entry.Data) > 0 {
		data = string(entry.Data)
	}

	seq, err := dialect.InsertSeq(ctx, r.db, "id", `
		INSERT INTO activity_logs (session_id, type, agent_id, agent_name, message, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, entry.Type, entry.AgentID, entry.AgentName, entry.Message, data, entry.CreatedAt)
	if err != nil {
		return err
	}
	entry.Seq = seq
	return nil
}

// QueryActivityLog returns the entries of a session after afterSeq
func (r *Repository) QueryActivityLog(ctx context.Context, sessionID string, afterSeq int64) ([]*models.ActivityLog, error) {
	var rows []activityRow
	err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(`
		SELECT id, session_id, type, agent_id, agent_name, message, data, created_at
		FROM activity_logs WHERE session_id = ? AND id > ?
		ORDER BY id ASC
	`), sessionID, afterSeq)
	if err != nil {
		return nil, err
	}
	result := make([]*models.ActivityLog, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}
