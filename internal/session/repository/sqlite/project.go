package sqlite

import (
	"context"
	"database/sql"
	stderrors "errors"
	"time"

	"github.com/google/uuid"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/session/models"
)

type projectRow struct {
	ID          string    `db:"id"`
	Name        string    `db:"name"`
	TargetURL   string    `db:"target_url"`
	Description string    `db:"description"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (p projectRow) toModel() *models.Project {
	return &models.Project{
		ID:          p.ID,
		Name:        p.Name,
		TargetURL:   p.TargetURL,
		Description: p.Description,
		CreatedAt:   p.CreatedAt.UTC(),
		UpdatedAt:   p.UpdatedAt.UTC(),
	}
}

const projectColumns = `id, name, target_url, description, created_at, updated_at`

// CreateProject creates a new project
func (r *Repository) CreateProject(ctx context.Context, project *models.Project) error {
	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO projects (id, name, target_url, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), project.ID, project.Name, project.TargetURL, project.Description, project.CreatedAt, project.UpdatedAt)
	return err
}

// GetProject retrieves a project by ID
func (r *Repository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	var row projectRow
	err := r.ro.GetContext(ctx, &row, r.ro.Rebind(`SELECT `+projectColumns+` FROM projects WHERE id = ?`), id)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.NotFound("project", id)
	}
	if err != nil {
		return nil, err
	}
	return row.toModel(), nil
}

// UpdateProject updates name, target URL and description of a project
func (r *Repository) UpdateProject(ctx context.Context, project *models.Project) error {
	project.UpdatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE projects SET name = ?, target_url = ?, description = ?, updated_at = ?
		WHERE id = ?
	`), project.Name, project.TargetURL, project.Description, project.UpdatedAt, project.ID)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("project", project.ID)
	}
	return nil
}

// DeleteProject deletes a project together with its sessions
func (r *Repository) DeleteProject(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM projects WHERE id = ?`), id)
	if err != nil {
		return err
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return errors.NotFound("project", id)
	}
	return nil
}

// ListProjects returns all projects, newest first
func (r *Repository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	var rows []projectRow
	if err := r.ro.SelectContext(ctx, &rows, `SELECT `+projectColumns+` FROM projects ORDER BY created_at DESC`); err != nil {
		return nil, err
	}
	result := make([]*models.Project, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toModel())
	}
	return result, nil
}
