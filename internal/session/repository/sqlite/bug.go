package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/session/models"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

type bugRow struct {
	ID               string         `db:"id"`
	ProjectID        string         `db:"project_id"`
	SessionID        string         `db:"session_id"`
	ExecutionID      string         `db:"execution_id"`
	AgentID          string         `db:"agent_id"`
	AgentName        string         `db:"agent_name"`
	Severity         string         `db:"severity"`
	Status           string         `db:"status"`
	Title            string         `db:"title"`
	Description      string         `db:"description"`
	StepsToReproduce sql.NullString `db:"steps_to_reproduce"`
	ExpectedBehavior string         `db:"expected_behavior"`
	ActualBehavior   string         `db:"actual_behavior"`
	Screenshots      sql.NullString `db:"screenshots"`
	ConsoleLogs      sql.NullString `db:"console_logs"`
	NetworkLogs      sql.NullString `db:"network_logs"`
	Environment      sql.NullString `db:"environment"`
	PageURL          string         `db:"page_url"`
	CreatedAt        time.Time      `db:"created_at"`
	UpdatedAt        time.Time      `db:"updated_at"`
}

func (b bugRow) toModel() (*models.BugReport, error) {
	bug := &models.BugReport{
		ID:               b.ID,
		ProjectID:        b.ProjectID,
		SessionID:        b.SessionID,
		ExecutionID:      b.ExecutionID,
		AgentID:          b.AgentID,
		AgentName:        b.AgentName,
		Severity:         v1.Severity(b.Severity),
		Status:           v1.BugStatus(b.Status),
		Title:            b.Title,
		Description:      b.Description,
		ExpectedBehavior: b.ExpectedBehavior,
		ActualBehavior:   b.ActualBehavior,
		PageURL:          b.PageURL,
		CreatedAt:        b.CreatedAt.UTC(),
		UpdatedAt:        b.UpdatedAt.UTC(),
	}
	for col, dst := range map[string]struct {
		src sql.NullString
		v   any
	}{
		"steps_to_reproduce": {b.StepsToReproduce, &bug.StepsToReproduce},
		"screenshots":        {b.Screenshots, &bug.Screenshots},
		"console_logs":       {b.ConsoleLogs, &bug.ConsoleLogs},
		"network_logs":       {b.NetworkLogs, &bug.NetworkLogs},
		"environment":        {b.Environment, &bug.Environment},
	} {
		if err := unmarshalJSON(dst.src, dst.v); err != nil {
			return nil, fmt.Errorf("failed to deserialize bug %s: %w", col, err)
		}
	}
	return bug, nil
}

const bugColumns = `id, project_id, session_id, execution_id, agent_id, agent_name, severity, status, title, description,
	steps_to_reproduce, expected_behavior, actual_behavior, screenshots, console_logs, network_logs, environment,
	page_url, created_at, updated_at`

// CreateBugReport creates a new bug report
func (r *Repository) CreateBugReport(ctx context.Context, bug *models.BugReport) error {
	if bug.ID == "" {
		bug.ID = uuid.New().String()
	}
	if bug.Status == "" {
		bug.Status = v1.BugStatusOpen
	}
	now := time.Now().UTC()
	if bug.CreatedAt.IsZero() {
		bug.CreatedAt = now
	}
	bug.UpdatedAt = bug.CreatedAt

	var jsonArgs [5]any
	for i, v := range []any{bug.StepsToReproduce, bug.Screenshots, bug.ConsoleLogs, bug.NetworkLogs, bug.Environment} {
		encoded, err := marshalJSON(v)
		if err != nil {
			return fmt.Errorf("failed to serialize bug report: %w", err)
		}
		jsonArgs[i] = encoded
	}

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO bug_reports (`+bugColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), bug.ID, bug.ProjectID, bug.SessionID, bug.ExecutionID, bug.AgentID, bug.AgentName, bug.Severity,
		bug.Status, bug.Title, bug.Description, jsonArgs[0], bug.ExpectedBehavior, bug.ActualBehavior,
		jsonArgs[1], jsonArgs[2], jsonArgs[3], jsonArgs[4], bug.PageURL, bug.CreatedAt, bug.UpdatedAt)
	return err
}

// GetBugReport retrieves a bug report by ID
func (r *Repository) GetBugReport(ctx context.Context, id string) (*models.BugReport, error) {
	var row bugRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+bugColumns+` FROM bug_reports WHERE id = ?`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("bug report", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel()
}

// UpdateBugReport applies triage edits and returns the updated report
func (r *Repository) UpdateBugReport(ctx context.Context, id string, update models.BugUpdate) (*models.BugReport, error) {
	sets := []string{"updated_at = ?"}
	args := []any{time.Now().UTC()}
	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *update.Status)
	}
	if update.Severity != nil {
		sets = append(sets, "severity = ?")
		args = append(args, *update.Severity)
	}
	if err := r.update(ctx, "bug_reports", "bug report", id, sets, args); err != nil {
		return nil, err
	}
	return r.GetBugReport(ctx, id)
}

// DeleteBugReport deletes a bug report by ID
func (r *Repository) DeleteBugReport(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM bug_reports WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("bug report", id)
	}
	return nil
}

// ListBugReports returns the bug reports matching filter, newest first
func (r *Repository) ListBugReports(ctx context.Context, filter models.BugFilter) ([]*models.BugReport, error) {
	query := `SELECT ` + bugColumns + ` FROM bug_reports WHERE 1 = 1`
	var args []any
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.SessionID != "" {
		query += ` AND session_id = ?`
		args = append(args, filter.SessionID)
	}
	if filter.Severity != "" {
		query += ` AND severity = ?`
		args = append(args, filter.Severity)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, filter.Status)
	}
	query += ` ORDER BY created_at DESC, id`

	var rows []bugRow
	if err := r.ro.SelectContext(ctx, &rows, r.ro.Rebind(query), args...); err != nil {
		return nil, err
	}
	result := make([]*models.BugReport, 0, len(rows))
	for _, row := range rows {
		bug, err := row.toModel()
		if err != nil {
			return nil, err
		}
		result = append(result, bug)
	}
	return result, nil
}
