package repository

import (
	"context"

	"github.com/betaforge/betaforge/internal/session/models"
)

// Repository defines the storage operations for projects, test sessions and
// everything a session produces.
type Repository interface {
	// Project operations
	CreateProject(ctx context.Context, project *models.Project) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	UpdateProject(ctx context.Context, project *models.Project) error
	DeleteProject(ctx context.Context, id string) error
	ListProjects(ctx context.Context) ([]*models.Project, error)

	// Session operations
	InsertSession(ctx context.Context, session *models.TestSession) error
	// CreateSessionWithExecutions inserts a session and all of its
	// executions in one transaction. Either every row exists afterwards or none.
	CreateSessionWithExecutions(ctx context.Context, session *models.TestSession, executions []*models.AgentExecution) error
	GetSession(ctx context.Context, id string) (*models.TestSession, error)
	UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error
	ListSessions(ctx context.Context, projectID string) ([]*models.TestSession, error)
	// DeleteSession removes the session with its executions, activity log and bug reports.
	DeleteSession(ctx context.Context, id string) error

	// Execution operations
	InsertExecutions(ctx context.Context, executions []*models.AgentExecution) error
	UpdateExecution(ctx context.Context, id string, update models.ExecutionUpdate) error
	ListExecutions(ctx context.Context, sessionID string) ([]*models.AgentExecution, error)

	// Activity log operations
	// AppendActivityLog stores entry and sets entry.Seq.
	AppendActivityLog(ctx context.Context, entry *models.ActivityLog) error
	// QueryActivityLog returns the entries with Seq > afterSeq in Seq order.
	// Seq order is also created_at order because writers never append an
	// entry older than the previous one.
	QueryActivityLog(ctx context.Context, sessionID string, afterSeq int64) ([]*models.ActivityLog, error)

	// Bug report operations
	CreateBugReport(ctx context.Context, bug *models.BugReport) error
	GetBugReport(ctx context.Context, id string) (*models.BugReport, error)
	UpdateBugReport(ctx context.Context, id string, update models.BugUpdate) (*models.BugReport, error)
	DeleteBugReport(ctx context.Context, id string) error
	ListBugReports(ctx context.Context, filter models.BugFilter) ([]*models.BugReport, error)

	// Close closes the repository (for database connections)
	Close() error
}
