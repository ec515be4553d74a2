package service

import (
	"context"
	stderrors "errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	"github.com/betaforge/betaforge/internal/session/models"
	"github.com/betaforge/betaforge/internal/session/repository"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func newHandlerFixture(t *testing.T, agents ...string) (*sessionHandler, *repository.MemoryRepository, string) {
	t.Helper()
	ctx := context.Background()
	repo := repository.NewMemoryRepository()
	project := &models.Project{Name: "p", TargetURL: "https://p.test"}
	require.NoError(t, repo.CreateProject(ctx, project))

	session := &models.TestSession{ID: "s1", ProjectID: project.ID, Status: v1.SessionStatusQueued}
	var execs []*models.AgentExecution
	for _, a := range agents {
		execs = append(execs, &models.AgentExecution{
			ID: "exec-" + a, SessionID: session.ID, AgentID: a, AgentName: a, Status: v1.ExecutionStatusQueued,
		})
	}
	require.NoError(t, repo.CreateSessionWithExecutions(ctx, session, execs))
	return newSessionHandler(repo, nil, logger.Nop(), session, execs), repo, session.ID
}

func agentEvent(t events.Type, agent string, progress int, payload events.Payload, at time.Time) events.AgentEvent {
	return events.AgentEvent{Type: t, AgentID: agent, AgentName: agent, Progress: progress, Payload: payload, OccurredAt: at}
}

func TestHandlerKeepsCreatedAtNonDecreasing(t *testing.T) {
	h, repo, sessionID := newHandlerFixture(t, "a", "b")
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "a", 0, events.StartedPayload{}, base.Add(2*time.Second))))
	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "b", 0, events.StartedPayload{}, base)))

	entries, err := repo.QueryActivityLog(ctx, sessionID, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, base.Add(2*time.Second), entries[1].CreatedAt)
}

func TestHandlerSessionProgressNeverDecreases(t *testing.T) {
	h, repo, sessionID := newHandlerFixture(t, "a", "b")
	ctx := context.Background()
	now := time.Now()

	progressOf := func() int {
		s, err := repo.GetSession(ctx, sessionID)
		require.NoError(t, err)
		return s.Progress
	}

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "a", 0, events.StartedPayload{}, now)))
	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "b", 0, events.StartedPayload{}, now)))
	require.NoError(t, h.handle(ctx, agentEvent(events.AgentProgress, "a", 80, events.ProgressPayload{Progress: 80}, now)))
	assert.Equal(t, 40, progressOf())

	// Out of order progress for a is ignored.
	require.NoError(t, h.handle(ctx, agentEvent(events.AgentProgress, "a", 20, events.ProgressPayload{Progress: 20}, now)))
	assert.Equal(t, 40, progressOf())

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentFailed, "b", 0, events.FailedPayload{Error: "boom"}, now)))
	assert.Equal(t, 90, progressOf())

	s, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusRunning, s.Status)
	assert.NotNil(t, s.StartedAt)
}

func TestHandlerRejectsEventsAfterTerminal(t *testing.T) {
	h, repo, sessionID := newHandlerFixture(t, "a")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "a", 0, events.StartedPayload{}, now)))
	require.NoError(t, h.handle(ctx, agentEvent(events.AgentCompleted, "a", 100, events.CompletedPayload{}, now)))
	require.NoError(t, h.handle(ctx, events.AgentEvent{
		Type: events.SessionCompleted, Payload: events.SessionCompletedPayload{TotalAgents: 1, CompletedAgents: 1}, OccurredAt: now,
	}))
	assert.Error(t, h.handle(ctx, agentEvent(events.AgentAction, "a", 0, events.ActionPayload{Action: "click"}, now)))

	// finish after completion is a no-op.
	h.finish(ctx, assert.AnError)

	s, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, s.Status)
	entries, err := repo.QueryActivityLog(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 3)
}

func TestHandlerBugWithUnknownSeverityDefaultsToMedium(t *testing.T) {
	h, repo, sessionID := newHandlerFixture(t, "a")
	ctx := context.Background()

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentBugFound, "a", 0, events.BugPayload{
		Severity: "urgent",
		Title:    "Broken link",
	}, time.Now())))

	bugs, err := repo.ListBugReports(ctx, models.BugFilter{SessionID: sessionID})
	require.NoError(t, err)
	require.Len(t, bugs, 1)
	assert.Equal(t, v1.SeverityMedium, bugs[0].Severity)
	assert.Equal(t, "exec-a", bugs[0].ExecutionID)
}

// failingAppendRepo rejects activity entries of the listed types.
type failingAppendRepo struct {
	*repository.MemoryRepository
	failTypes map[events.Type]bool
}

var errDiskFull = stderrors.New("disk full")

func (r *failingAppendRepo) AppendActivityLog(ctx context.Context, entry *models.ActivityLog) error {
	if r.failTypes[events.Type(entry.Type)] {
		return errDiskFull
	}
	return r.MemoryRepository.AppendActivityLog(ctx, entry)
}

func newFailingAppendFixture(t *testing.T, failTypes ...events.Type) (*sessionHandler, *repository.MemoryRepository, string) {
	t.Helper()
	h, repo, sessionID := newHandlerFixture(t, "a")
	failing := &failingAppendRepo{MemoryRepository: repo, failTypes: map[events.Type]bool{}}
	for _, ft := range failTypes {
		failing.failTypes[ft] = true
	}
	h.repo = failing
	return h, repo, sessionID
}

func TestHandlerCompletesSessionWhenFinalAppendFails(t *testing.T) {
	h, repo, sessionID := newFailingAppendFixture(t, events.AgentCompleted, events.SessionCompleted)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "a", 0, events.StartedPayload{}, now)))
	err := h.handle(ctx, agentEvent(events.AgentCompleted, "a", 100, events.CompletedPayload{}, now))
	assert.ErrorIs(t, err, errDiskFull)
	err = h.handle(ctx, events.AgentEvent{
		Type: events.SessionCompleted, Payload: events.SessionCompletedPayload{TotalAgents: 1, CompletedAgents: 1}, OccurredAt: now,
	})
	assert.ErrorIs(t, err, errDiskFull)
	h.finish(ctx, nil)

	s, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
	assert.NotNil(t, s.CompletedAt)

	execs, err := repo.ListExecutions(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, v1.ExecutionStatusCompleted, execs[0].Status)

	entries, err := repo.QueryActivityLog(ctx, sessionID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestHandlerFailsExecutionWhenFailureAppendFails(t *testing.T) {
	h, repo, sessionID := newFailingAppendFixture(t, events.AgentFailed)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "a", 0, events.StartedPayload{}, now)))
	err := h.handle(ctx, agentEvent(events.AgentFailed, "a", 0, events.FailedPayload{Error: "boom"}, now))
	assert.ErrorIs(t, err, errDiskFull)

	execs, err := repo.ListExecutions(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, v1.ExecutionStatusFailed, execs[0].Status)
	assert.Equal(t, "boom", execs[0].ErrorMessage)
}

func TestFinishCompletesSessionLeftRunning(t *testing.T) {
	h, repo, sessionID := newHandlerFixture(t, "a")
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, h.handle(ctx, agentEvent(events.AgentStarted, "a", 0, events.StartedPayload{}, now)))
	require.NoError(t, h.handle(ctx, agentEvent(events.AgentCompleted, "a", 100, events.CompletedPayload{}, now)))
	h.finish(ctx, nil)

	s, err := repo.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, v1.SessionStatusCompleted, s.Status)
	assert.NotNil(t, s.CompletedAt)
	assert.Error(t, h.handle(ctx, agentEvent(events.AgentAction, "a", 0, events.ActionPayload{Action: "click"}, now)))
}
