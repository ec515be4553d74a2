package repository

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/db"
	"github.com/betaforge/betaforge/internal/session/models"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func newSQLiteRepo(t *testing.T) Repository {
	t.Helper()
	pool, err := db.Open(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "forge.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close() })

	repo, cleanup, err := Provide(pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = cleanup() })
	return repo
}

// forEachRepo runs fn against every implementation.
func forEachRepo(t *testing.T, fn func(t *testing.T, repo Repository)) {
	t.Run("memory", func(t *testing.T) { fn(t, NewMemoryRepository()) })
	t.Run("sqlite", func(t *testing.T) { fn(t, newSQLiteRepo(t)) })
}

func seedSession(t *testing.T, repo Repository, agentIDs ...string) (*models.Project, *models.TestSession, []*models.AgentExecution) {
	t.Helper()
	ctx := context.Background()

	project := &models.Project{Name: "Shop", TargetURL: "https://shop.example.test"}
	require.NoError(t, repo.CreateProject(ctx, project))

	session := &models.TestSession{
		ProjectID:   project.ID,
		TriggerType: v1.TriggerWebhook,
		TriggerMeta: map[string]interface{}{"ref": "main"},
	}
	var execs []*models.AgentExecution
	for _, id := range agentIDs {
		execs = append(execs, &models.AgentExecution{
			AgentID:     id,
			AgentName:   id,
			Environment: models.Environment{TargetURL: project.TargetURL, ViewportWidth: 390, ViewportHeight: 844, DeviceType: "mobile"},
		})
	}
	require.NoError(t, repo.CreateSessionWithExecutions(ctx, session, execs))
	return project, session, execs
}

func TestProjectCRUD(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		project := &models.Project{Name: "Docs", TargetURL: "https://docs.example.test", Description: "docs site"}
		require.NoError(t, repo.CreateProject(ctx, project))
		require.NotEmpty(t, project.ID)

		got, err := repo.GetProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, "Docs", got.Name)
		assert.Equal(t, "https://docs.example.test", got.TargetURL)

		got.Name = "Docs v2"
		require.NoError(t, repo.UpdateProject(ctx, got))
		again, err := repo.GetProject(ctx, project.ID)
		require.NoError(t, err)
		assert.Equal(t, "Docs v2", again.Name)

		list, err := repo.ListProjects(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 1)

		require.NoError(t, repo.DeleteProject(ctx, project.ID))
		_, err = repo.GetProject(ctx, project.ID)
		assert.True(t, errors.IsNotFound(err))
		assert.True(t, errors.IsNotFound(repo.DeleteProject(ctx, project.ID)))
	})
}

func TestCreateSessionWithExecutions(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		_, session, execs := seedSession(t, repo, "sarah", "marcus", "aiko")

		got, err := repo.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.SessionStatusQueued, got.Status)
		assert.Equal(t, v1.TriggerWebhook, got.TriggerType)
		assert.Equal(t, "main", got.TriggerMeta["ref"])
		assert.Nil(t, got.StartedAt)

		listed, err := repo.ListExecutions(ctx, session.ID)
		require.NoError(t, err)
		require.Len(t, listed, len(execs))
		for _, e := range listed {
			assert.Equal(t, session.ID, e.SessionID)
			assert.Equal(t, v1.ExecutionStatusQueued, e.Status)
			assert.Equal(t, 390, e.Environment.ViewportWidth)
		}
	})
}

func TestCreateSessionWithExecutionsIsAtomic(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		project := &models.Project{Name: "Shop", TargetURL: "https://shop.example.test"}
		require.NoError(t, repo.CreateProject(ctx, project))

		session := &models.TestSession{ID: "s-dup", ProjectID: project.ID}
		err := repo.CreateSessionWithExecutions(ctx, session, []*models.AgentExecution{
			{AgentID: "sarah", AgentName: "Sarah"},
			{AgentID: "sarah", AgentName: "Sarah"},
		})
		require.Error(t, err)

		_, err = repo.GetSession(ctx, "s-dup")
		assert.True(t, errors.IsNotFound(err), "a failed insert must leave no session row")
		execs, err := repo.ListExecutions(ctx, "s-dup")
		require.NoError(t, err)
		assert.Empty(t, execs)
	})
}

func TestUpdateSessionAndExecution(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		_, session, execs := seedSession(t, repo, "sarah")

		running := v1.SessionStatusRunning
		progress := 40
		started := time.Now().UTC()
		require.NoError(t, repo.UpdateSession(ctx, session.ID, models.SessionUpdate{
			Status:    &running,
			Progress:  &progress,
			StartedAt: &started,
		}))

		got, err := repo.GetSession(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.SessionStatusRunning, got.Status)
		assert.Equal(t, 40, got.Progress)
		require.NotNil(t, got.StartedAt)
		assert.WithinDuration(t, started, *got.StartedAt, time.Millisecond)
		assert.Equal(t, 0, got.BugsFound, "fields absent from the update are unchanged")

		failed := v1.ExecutionStatusFailed
		msg := "browser crashed"
		require.NoError(t, repo.UpdateExecution(ctx, execs[0].ID, models.ExecutionUpdate{Status: &failed, ErrorMessage: &msg}))
		listed, err := repo.ListExecutions(ctx, session.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.ExecutionStatusFailed, listed[0].Status)
		assert.Equal(t, "browser crashed", listed[0].ErrorMessage)

		assert.True(t, errors.IsNotFound(repo.UpdateSession(ctx, "missing", models.SessionUpdate{Progress: &progress})))
		assert.True(t, errors.IsNotFound(repo.UpdateExecution(ctx, "missing", models.ExecutionUpdate{})))
	})
}

func TestActivityLogOrdering(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		_, session, _ := seedSession(t, repo, "sarah")

		base := time.Now().UTC()
		var seqs []int64
		for i, typ := range []string{"agent_started", "agent_progress", "agent_completed"} {
			entry := &models.ActivityLog{
				SessionID: session.ID,
				Type:      typ,
				AgentID:   "sarah",
				AgentName: "Sarah",
				Message:   typ,
				Data:      json.RawMessage(`{"progress":` + []string{"0", "50", "100"}[i] + `}`),
				CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
			}
			require.NoError(t, repo.AppendActivityLog(ctx, entry))
			seqs = append(seqs, entry.Seq)
		}
		assert.Less(t, seqs[0], seqs[1])
		assert.Less(t, seqs[1], seqs[2])

		all, err := repo.QueryActivityLog(ctx, session.ID, 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "agent_started", all[0].Type)
		assert.Equal(t, "agent_completed", all[2].Type)
		assert.JSONEq(t, `{"progress":50}`, string(all[1].Data))

		tail, err := repo.QueryActivityLog(ctx, session.ID, seqs[0])
		require.NoError(t, err)
		require.Len(t, tail, 2)
		assert.Equal(t, seqs[1], tail[0].Seq)

		none, err := repo.QueryActivityLog(ctx, session.ID, seqs[2])
		require.NoError(t, err)
		assert.Empty(t, none)
	})
}

func TestBugReports(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		project, session, execs := seedSession(t, repo, "sarah")

		critical := &models.BugReport{
			ProjectID:        project.ID,
			SessionID:        session.ID,
			ExecutionID:      execs[0].ID,
			AgentID:          "sarah",
			AgentName:        "Sarah",
			Severity:         v1.SeverityCritical,
			Title:            "Server error 500 on /checkout",
			StepsToReproduce: []string{"Open /", "Click Checkout"},
			NetworkLogs:      []v1.NetworkLog{{Method: "GET", URL: "https://shop.example.test/checkout", StatusCode: 500}},
			Environment:      map[string]string{"device_type": "mobile"},
		}
		low := &models.BugReport{
			ProjectID: project.ID,
			SessionID: session.ID,
			Severity:  v1.SeverityLow,
			Title:     "Missing page title on /about",
		}
		require.NoError(t, repo.CreateBugReport(ctx, critical))
		require.NoError(t, repo.CreateBugReport(ctx, low))

		got, err := repo.GetBugReport(ctx, critical.ID)
		require.NoError(t, err)
		assert.Equal(t, v1.BugStatusOpen, got.Status)
		assert.Equal(t, []string{"Open /", "Click Checkout"}, got.StepsToReproduce)
		require.Len(t, got.NetworkLogs, 1)
		assert.Equal(t, 500, got.NetworkLogs[0].StatusCode)
		assert.Equal(t, "mobile", got.Environment["device_type"])

		onlyCritical, err := repo.ListBugReports(ctx, models.BugFilter{SessionID: session.ID, Severity: v1.SeverityCritical})
		require.NoError(t, err)
		require.Len(t, onlyCritical, 1)
		assert.Equal(t, critical.ID, onlyCritical[0].ID)

		fixed := v1.BugStatusFixed
		updated, err := repo.UpdateBugReport(ctx, low.ID, models.BugUpdate{Status: &fixed})
		require.NoError(t, err)
		assert.Equal(t, v1.BugStatusFixed, updated.Status)
		assert.Equal(t, v1.SeverityLow, updated.Severity)

		open, err := repo.ListBugReports(ctx, models.BugFilter{ProjectID: project.ID, Status: v1.BugStatusOpen})
		require.NoError(t, err)
		assert.Len(t, open, 1)

		require.NoError(t, repo.DeleteBugReport(ctx, low.ID))
		_, err = repo.GetBugReport(ctx, low.ID)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestDeleteSessionCascades(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		project, session, execs := seedSession(t, repo, "sarah", "marcus")

		require.NoError(t, repo.AppendActivityLog(ctx, &models.ActivityLog{SessionID: session.ID, Type: "agent_started", AgentID: "sarah"}))
		require.NoError(t, repo.CreateBugReport(ctx, &models.BugReport{
			ProjectID: project.ID, SessionID: session.ID, ExecutionID: execs[0].ID,
			Severity: v1.SeverityHigh, Title: "Broken link",
		}))

		require.NoError(t, repo.DeleteSession(ctx, session.ID))

		_, err := repo.GetSession(ctx, session.ID)
		assert.True(t, errors.IsNotFound(err))
		left, err := repo.ListExecutions(ctx, session.ID)
		require.NoError(t, err)
		assert.Empty(t, left)
		logs, err := repo.QueryActivityLog(ctx, session.ID, 0)
		require.NoError(t, err)
		assert.Empty(t, logs)
		bugs, err := repo.ListBugReports(ctx, models.BugFilter{SessionID: session.ID})
		require.NoError(t, err)
		assert.Empty(t, bugs)

		_, err = repo.GetProject(ctx, project.ID)
		assert.NoError(t, err, "deleting a session keeps its project")
	})
}

func TestDeleteProjectCascades(t *testing.T) {
	forEachRepo(t, func(t *testing.T, repo Repository) {
		ctx := context.Background()
		project, session, _ := seedSession(t, repo, "sarah")

		require.NoError(t, repo.DeleteProject(ctx, project.ID))
		_, err := repo.GetSession(ctx, session.ID)
		assert.True(t, errors.IsNotFound(err))

		sessions, err := repo.ListSessions(ctx, project.ID)
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})
}
