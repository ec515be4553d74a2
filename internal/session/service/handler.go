package service

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	"github.com/betaforge/betaforge/internal/events/bus"
	"github.com/betaforge/betaforge/internal/session/models"
	"github.com/betaforge/betaforge/internal/session/repository"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

const eventSource = "session-service"

type executionState struct {
	id          string
	agentName   string
	status      v1.ExecutionStatus
	progress    int
	environment models.Environment
}

// sessionHandler turns the events of one session into persisted state. The
// orchestrator calls handle from a single goroutine; finish runs after
// DeployAgents returned. The mutex still guards the lookup table because
// both paths read it.
type sessionHandler struct {
	repo     repository.Repository
	eventBus bus.EventBus
	logger   *logger.Logger
	now      func() time.Time

	sessionID string
	projectID string

	mu            sync.Mutex
	executions    map[string]*executionState // by agent id
	lastCreatedAt time.Time
	progress      int
	bugsFound     int
	started       bool
	terminal      bool
}

func newSessionHandler(repo repository.Repository, eventBus bus.EventBus, log *logger.Logger,
	session *models.TestSession, executions []*models.AgentExecution) *sessionHandler {
	h := &sessionHandler{
		repo:       repo,
		eventBus:   eventBus,
		logger:     log.WithSessionID(session.ID),
		now:        time.Now,
		sessionID:  session.ID,
		projectID:  session.ProjectID,
		executions: make(map[string]*executionState, len(executions)),
	}
	for _, e := range executions {
		h.executions[e.AgentID] = &executionState{
			id:          e.ID,
			agentName:   e.AgentName,
			status:      v1.ExecutionStatusQueued,
			environment: e.Environment,
		}
	}
	return h
}

// handle persists ev, updates execution and session state and publishes the
// stored entry. The log entry is written before the derived state so that a
// reader who sees a terminal session also finds its final entries. A failed
// append does not skip the state update: executions and the session must
// still reach a terminal status.
func (h *sessionHandler) handle(ctx context.Context, ev events.AgentEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminal {
		return fmt.Errorf("session %s is terminal, dropping %s", h.sessionID, ev.Type)
	}

	entry, err := h.appendLocked(ctx, ev)
	errs := []error{err}
	if ev.Type.IsAgentEvent() {
		errs = append(errs, h.applyAgentEventLocked(ctx, ev))
	}
	if ev.Type == events.SessionCompleted {
		errs = append(errs, h.completeLocked(ctx))
	}

	h.publish(ctx, entry)
	return stderrors.Join(errs...)
}

func (h *sessionHandler) appendLocked(ctx context.Context, ev events.AgentEvent) (*models.ActivityLog, error) {
	data, err := ev.Data()
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", ev.Type, err)
	}

	entry := &models.ActivityLog{
		SessionID: h.sessionID,
		Type:      string(ev.Type),
		AgentID:   ev.AgentID,
		AgentName: ev.AgentName,
		Message:   ev.Message,
		Data:      data,
		CreatedAt: h.nextCreatedAtLocked(ev.OccurredAt),
	}
	if err := h.repo.AppendActivityLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to append %s entry: %w", ev.Type, err)
	}
	return entry, nil
}

// nextCreatedAtLocked keeps persisted timestamps non-decreasing per session.
func (h *sessionHandler) nextCreatedAtLocked(at time.Time) time.Time {
	if at.IsZero() {
		at = h.now()
	}
	at = at.UTC()
	if at.Before(h.lastCreatedAt) {
		at = h.lastCreatedAt
	}
	h.lastCreatedAt = at
	return at
}

func (h *sessionHandler) applyAgentEventLocked(ctx context.Context, ev events.AgentEvent) error {
	exec, ok := h.executions[ev.AgentID]
	if !ok {
		return fmt.Errorf("no execution for agent %s", ev.AgentID)
	}

	var errs []error
	if !h.started {
		h.started = true
		running := v1.SessionStatusRunning
		startedAt := h.now().UTC()
		errs = append(errs, h.repo.UpdateSession(ctx, h.sessionID, models.SessionUpdate{
			Status:    &running,
			StartedAt: &startedAt,
		}))
	}

	switch ev.Type {
	case events.AgentStarted:
		errs = append(errs, h.transitionLocked(ctx, exec, v1.ExecutionStatusRunning, ""))
	case events.AgentProgress:
		if ev.Progress > exec.progress && !exec.status.IsTerminal() {
			exec.progress = ev.Progress
			progress := exec.progress
			errs = append(errs, h.repo.UpdateExecution(ctx, exec.id, models.ExecutionUpdate{Progress: &progress}))
		}
	case events.AgentBugFound:
		errs = append(errs, h.recordBugLocked(ctx, exec, ev))
	case events.AgentCompleted:
		errs = append(errs, h.transitionLocked(ctx, exec, v1.ExecutionStatusCompleted, ""))
	case events.AgentFailed:
		msg := ev.Message
		if p, ok := ev.Payload.(events.FailedPayload); ok && p.Error != "" {
			msg = p.Error
		}
		errs = append(errs, h.transitionLocked(ctx, exec, v1.ExecutionStatusFailed, msg))
	}

	errs = append(errs, h.updateProgressLocked(ctx))
	return stderrors.Join(errs...)
}

// transitionLocked moves an execution forward. Backward or repeated
// transitions are ignored.
func (h *sessionHandler) transitionLocked(ctx context.Context, exec *executionState, next v1.ExecutionStatus, errMsg string) error {
	if !exec.status.CanTransitionTo(next) {
		h.logger.Warn("ignoring execution transition",
			zap.String("execution_id", exec.id),
			zap.String("from", string(exec.status)),
			zap.String("to", string(next)))
		return nil
	}
	exec.status = next

	now := h.now().UTC()
	update := models.ExecutionUpdate{Status: &next}
	switch next {
	case v1.ExecutionStatusRunning:
		update.StartedAt = &now
	case v1.ExecutionStatusCompleted:
		exec.progress = 100
		progress := 100
		update.Progress = &progress
		update.CompletedAt = &now
	case v1.ExecutionStatusFailed:
		update.CompletedAt = &now
		if errMsg != "" {
			update.ErrorMessage = &errMsg
		}
	}
	return h.repo.UpdateExecution(ctx, exec.id, update)
}

func (h *sessionHandler) recordBugLocked(ctx context.Context, exec *executionState, ev events.AgentEvent) error {
	p, ok := ev.Payload.(events.BugPayload)
	if !ok {
		return fmt.Errorf("bug event from %s carries %T", ev.AgentID, ev.Payload)
	}

	env := p.Environment
	if len(env) == 0 {
		env = exec.environment.AsMap()
	}
	bug := &models.BugReport{
		ProjectID:        h.projectID,
		SessionID:        h.sessionID,
		ExecutionID:      exec.id,
		AgentID:          ev.AgentID,
		AgentName:        ev.AgentName,
		Severity:         p.Severity,
		Status:           v1.BugStatusOpen,
		Title:            p.Title,
		Description:      p.Description,
		StepsToReproduce: p.StepsToReproduce,
		ExpectedBehavior: p.ExpectedBehavior,
		ActualBehavior:   p.ActualBehavior,
		Screenshots:      p.Screenshots,
		ConsoleLogs:      p.ConsoleLogs,
		NetworkLogs:      p.NetworkLogs,
		Environment:      env,
		PageURL:          p.PageURL,
		CreatedAt:        h.lastCreatedAt,
	}
	if !bug.Severity.Valid() {
		bug.Severity = v1.SeverityMedium
	}
	if err := h.repo.CreateBugReport(ctx, bug); err != nil {
		return fmt.Errorf("failed to create bug report: %w", err)
	}

	h.bugsFound++
	bugs := h.bugsFound
	return h.repo.UpdateSession(ctx, h.sessionID, models.SessionUpdate{BugsFound: &bugs})
}

// updateProgressLocked recomputes session progress as the mean of execution
// progress, counting terminal executions as 100. It never decreases.
func (h *sessionHandler) updateProgressLocked(ctx context.Context) error {
	if len(h.executions) == 0 {
		return nil
	}
	total := 0
	for _, e := range h.executions {
		if e.status.IsTerminal() {
			total += 100
		} else {
			total += e.progress
		}
	}
	progress := total / len(h.executions)
	if progress <= h.progress {
		return nil
	}
	h.progress = progress
	return h.repo.UpdateSession(ctx, h.sessionID, models.SessionUpdate{Progress: &progress})
}

func (h *sessionHandler) completeLocked(ctx context.Context) error {
	h.terminal = true
	h.progress = 100
	status := v1.SessionStatusCompleted
	progress := 100
	now := h.now().UTC()
	update := models.SessionUpdate{Status: &status, Progress: &progress, CompletedAt: &now}
	if !h.started {
		update.StartedAt = &now
	}
	return h.repo.UpdateSession(ctx, h.sessionID, update)
}

// finish runs once DeployAgents returned. A nil error means session_completed
// was emitted; if its handling never marked the session terminal the session
// is completed here. Otherwise the session is marked failed, a session_failed
// entry is appended and executions that never reached a terminal state are
// failed with the same reason.
func (h *sessionHandler) finish(ctx context.Context, deployErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminal {
		return
	}

	if deployErr == nil {
		h.logger.Warn("session_completed was not applied, completing session")
		if err := h.completeLocked(ctx); err != nil {
			h.logger.Error("failed to mark session completed", zap.Error(err))
		}
		return
	}
	h.terminal = true

	reason := deployErr.Error()
	log := h.logger.WithError(deployErr)
	log.Warn("session failed")

	ev := events.AgentEvent{
		Type:       events.SessionFailed,
		Message:    "Session failed: " + reason,
		Payload:    events.SessionFailedPayload{Error: reason},
		OccurredAt: h.now().UTC(),
	}
	entry, err := h.appendLocked(ctx, ev)
	if err != nil {
		log.Error("failed to record session failure", zap.Error(err))
	}

	for _, exec := range h.executions {
		if exec.status.IsTerminal() {
			continue
		}
		if err := h.transitionLocked(ctx, exec, v1.ExecutionStatusFailed, reason); err != nil {
			log.Error("failed to fail execution", zap.String("execution_id", exec.id), zap.Error(err))
		}
	}

	status := v1.SessionStatusFailed
	now := h.now().UTC()
	if err := h.repo.UpdateSession(ctx, h.sessionID, models.SessionUpdate{
		Status:       &status,
		ErrorMessage: &reason,
		CompletedAt:  &now,
	}); err != nil {
		log.Error("failed to mark session failed", zap.Error(err))
	}

	if entry != nil {
		h.publish(ctx, entry)
	}
}

// publish fans a persisted entry out to stream subscribers. Failures only
// delay delivery: subscribers fall back to polling the log.
func (h *sessionHandler) publish(ctx context.Context, entry *models.ActivityLog) {
	if h.eventBus == nil || entry == nil {
		return
	}
	event, err := bus.NewEvent(events.ActivityAppended, eventSource, entry)
	if err != nil {
		h.logger.Error("failed to build activity event", zap.Error(err))
		return
	}
	if err := h.eventBus.Publish(ctx, events.SessionActivitySubject(h.sessionID), event); err != nil {
		h.logger.Warn("failed to publish activity entry",
			zap.Int64("seq", entry.Seq),
			zap.Error(err))
	}
}
