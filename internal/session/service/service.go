// Package service implements projects, test sessions and bug triage on top
// of the orchestrator and the session repository.
package service

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/agent/runner"
	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events/bus"
	"github.com/betaforge/betaforge/internal/orchestrator"
	"github.com/betaforge/betaforge/internal/session/models"
	"github.com/betaforge/betaforge/internal/session/repository"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

var (
	ErrSessionNotActive = errors.Conflict("session is not running")
	ErrShuttingDown     = errors.ServiceUnavailable("session-service")
)

// Options tunes how sessions are deployed.
type Options struct {
	// Runner overrides the default Explorer runner.
	Runner orchestrator.AgentRunner
	// AgentTimeout bounds each agent run when Runner is nil.
	AgentTimeout time.Duration
	// Preflight probes the target before agents are deployed.
	Preflight orchestrator.PreflightFunc
	Metrics   *orchestrator.Metrics
}

type activeSession struct {
	cancel context.CancelFunc
	done   <-chan struct{}
}

// Service provides session business logic
type Service struct {
	repo     repository.Repository
	registry *registry.Registry
	eventBus bus.EventBus
	logger   *logger.Logger
	runner   orchestrator.AgentRunner
	opts     Options

	baseCtx   context.Context
	cancelAll context.CancelFunc
	mu        sync.Mutex
	active    map[string]*activeSession
	wg        sync.WaitGroup
	shutdown  bool
}

// NewService creates a new session service
func NewService(repo repository.Repository, reg *registry.Registry, eventBus bus.EventBus, log *logger.Logger, opts Options) *Service {
	log = log.WithFields(zap.String("component", "session-service"))
	r := opts.Runner
	if r == nil {
		r = runner.New(runner.NewExplorer(nil, log), runner.Options{Timeout: opts.AgentTimeout}, log)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		repo:      repo,
		registry:  reg,
		eventBus:  eventBus,
		logger:    log,
		runner:    r,
		opts:      opts,
		baseCtx:   ctx,
		cancelAll: cancel,
		active:    make(map[string]*activeSession),
	}
}

// Project operations

// CreateProject creates a new project
func (s *Service) CreateProject(ctx context.Context, req *v1.CreateProjectRequest) (*models.Project, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, errors.ValidationError("name", "is required")
	}
	if err := validateTargetURL(req.TargetURL); err != nil {
		return nil, err
	}
	project := &models.Project{
		Name:        name,
		TargetURL:   req.TargetURL,
		Description: req.Description,
	}
	if err := s.repo.CreateProject(ctx, project); err != nil {
		return nil, errors.Wrap(err, "failed to create project")
	}
	s.logger.WithContext(ctx).Info("project created", zap.String("project_id", project.ID))
	return project, nil
}

// GetProject retrieves a project by ID
func (s *Service) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return s.repo.GetProject(ctx, id)
}

// UpdateProject applies the non-nil fields of req
func (s *Service) UpdateProject(ctx context.Context, id string, req *v1.UpdateProjectRequest) (*models.Project, error) {
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" {
			return nil, errors.ValidationError("name", "must not be empty")
		}
		project.Name = name
	}
	if req.TargetURL != nil {
		if err := validateTargetURL(*req.TargetURL); err != nil {
			return nil, err
		}
		project.TargetURL = *req.TargetURL
	}
	if req.Description != nil {
		project.Description = *req.Description
	}
	if err := s.repo.UpdateProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// DeleteProject stops the project's running sessions and deletes the
// project with everything it owns.
func (s *Service) DeleteProject(ctx context.Context, id string) error {
	sessions, err := s.repo.ListSessions(ctx, id)
	if err != nil {
		return err
	}
	for _, session := range sessions {
		if err := s.stop(ctx, session.ID); err != nil {
			return err
		}
	}
	return s.repo.DeleteProject(ctx, id)
}

// ListProjects returns all projects
func (s *Service) ListProjects(ctx context.Context) ([]*models.Project, error) {
	return s.repo.ListProjects(ctx)
}

// Session operations

// StartSession validates the request, creates the session with one
// execution per agent and deploys the agents in the background. Nothing is
// written when validation fails.
func (s *Service) StartSession(ctx context.Context, projectID string, req *v1.StartSessionRequest) (*models.TestSession, []*models.AgentExecution, error) {
	personas, err := s.registry.Resolve(req.AgentIDs)
	if err != nil {
		return nil, nil, err
	}
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, nil, err
	}

	targetURL := project.TargetURL
	if req.TargetURL != "" {
		targetURL = req.TargetURL
	}
	if err := validateTargetURL(targetURL); err != nil {
		return nil, nil, err
	}

	trigger := req.TriggerType
	if trigger == "" {
		trigger = v1.TriggerManual
	}
	if !trigger.Valid() {
		return nil, nil, errors.ValidationError("trigger_type", fmt.Sprintf("unknown trigger type %q", trigger))
	}

	session := &models.TestSession{
		ID:          uuid.New().String(),
		ProjectID:   project.ID,
		Status:      v1.SessionStatusQueued,
		TriggerType: trigger,
		TriggerMeta: req.TriggerMeta,
		CreatedAt:   time.Now().UTC(),
	}
	executions := make([]*models.AgentExecution, 0, len(personas))
	for _, p := range personas {
		executions = append(executions, &models.AgentExecution{
			ID:        uuid.New().String(),
			SessionID: session.ID,
			AgentID:   p.ID,
			AgentName: p.Name,
			Status:    v1.ExecutionStatusQueued,
			Environment: models.Environment{
				TargetURL:      targetURL,
				ViewportWidth:  p.Device.ViewportWidth,
				ViewportHeight: p.Device.ViewportHeight,
				DeviceType:     p.Device.Type,
				UserAgent:      p.Device.UserAgent,
			},
		})
	}

	handler := newSessionHandler(s.repo, s.eventBus, s.logger, session, executions)
	orch, err := orchestrator.New(orchestrator.Config{
		ProjectID: project.ID,
		SessionID: session.ID,
		TargetURL: targetURL,
		Agents:    personas,
		OnEvent:   handler.handle,
		Runner:    s.runner,
		Preflight: s.opts.Preflight,
		Metrics:   s.opts.Metrics,
		Logger:    s.logger,
	})
	if err != nil {
		return nil, nil, err
	}

	if err := s.reserve(); err != nil {
		return nil, nil, err
	}
	if err := s.repo.CreateSessionWithExecutions(ctx, session, executions); err != nil {
		s.wg.Done()
		return nil, nil, errors.Wrap(err, "failed to create session")
	}

	s.launch(session.ID, orch, handler)

	s.logger.WithContext(ctx).WithSessionID(session.ID).Info("session started",
		zap.String("project_id", project.ID),
		zap.String("trigger", string(trigger)),
		zap.Int("agents", len(personas)))
	return session, executions, nil
}

// reserve counts a session that is about to be persisted, so Shutdown waits
// for it. The check and the Add happen under the same lock Shutdown takes.
func (s *Service) reserve() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown {
		return ErrShuttingDown
	}
	s.wg.Add(1)
	return nil
}

// launch runs the deployment in a supervised goroutine. Its lifetime is tied
// to the service, not to the request that started it. The caller holds a
// reservation, which launch releases once the deployment is done.
func (s *Service) launch(sessionID string, orch *orchestrator.Orchestrator, handler *sessionHandler) {
	ctx, cancel := context.WithCancel(s.baseCtx)

	s.mu.Lock()
	finished := make(chan struct{})
	s.active[sessionID] = &activeSession{cancel: cancel, done: finished}
	s.mu.Unlock()

	deployed := orch.Deploy(ctx, func(err error) {
		handler.finish(context.WithoutCancel(ctx), err)
	})

	go func() {
		<-deployed
		cancel()
		s.mu.Lock()
		delete(s.active, sessionID)
		s.mu.Unlock()
		close(finished)
		s.wg.Done()
	}()
}

// TriggerWebhook starts a session from an external system. Without explicit
// agents every enabled persona is deployed.
func (s *Service) TriggerWebhook(ctx context.Context, projectID string, req *v1.WebhookTriggerRequest) (*models.TestSession, []*models.AgentExecution, error) {
	agentIDs := req.AgentIDs
	if len(agentIDs) == 0 {
		for _, p := range s.registry.ListEnabled() {
			agentIDs = append(agentIDs, p.ID)
		}
	}
	meta := map[string]interface{}{}
	if req.Ref != "" {
		meta["ref"] = req.Ref
	}
	if req.Commit != "" {
		meta["commit"] = req.Commit
	}
	if req.PreviewURL != "" {
		meta["preview_url"] = req.PreviewURL
	}
	return s.StartSession(ctx, projectID, &v1.StartSessionRequest{
		AgentIDs:    agentIDs,
		TargetURL:   req.PreviewURL,
		TriggerType: v1.TriggerWebhook,
		TriggerMeta: meta,
	})
}

// GetSession returns a session with its executions
func (s *Service) GetSession(ctx context.Context, id string) (*models.TestSession, []*models.AgentExecution, error) {
	session, err := s.repo.GetSession(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	executions, err := s.repo.ListExecutions(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return session, executions, nil
}

// ListSessions returns the sessions of a project
func (s *Service) ListSessions(ctx context.Context, projectID string) ([]*models.TestSession, error) {
	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListSessions(ctx, projectID)
}

// ListActivity returns the persisted log of a session after afterSeq
func (s *Service) ListActivity(ctx context.Context, sessionID string, afterSeq int64) ([]*models.ActivityLog, error) {
	if _, err := s.repo.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.repo.QueryActivityLog(ctx, sessionID, afterSeq)
}

// CancelSession stops a running session. Its agents end with agent_failed
// and the session is marked failed.
func (s *Service) CancelSession(ctx context.Context, id string) error {
	s.mu.Lock()
	active, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		if _, err := s.repo.GetSession(ctx, id); err != nil {
			return err
		}
		return ErrSessionNotActive
	}
	active.cancel()
	return waitDone(ctx, active.done)
}

// DeleteSession stops the session if it is running and deletes it.
func (s *Service) DeleteSession(ctx context.Context, id string) error {
	if err := s.stop(ctx, id); err != nil {
		return err
	}
	return s.repo.DeleteSession(ctx, id)
}

// stop cancels a running session and waits until its handler is done.
func (s *Service) stop(ctx context.Context, id string) error {
	s.mu.Lock()
	active, ok := s.active[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	active.cancel()
	return waitDone(ctx, active.done)
}

func waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ActiveSessions returns the number of sessions currently deployed.
func (s *Service) ActiveSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Shutdown cancels every running session and waits for their handlers to
// record the outcome, or for ctx to expire.
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.mu.Unlock()
	s.cancelAll()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return waitDone(ctx, done)
}

// Bug report operations

// ListBugs returns bug reports matching filter
func (s *Service) ListBugs(ctx context.Context, filter models.BugFilter) ([]*models.BugReport, error) {
	if filter.Severity != "" && !filter.Severity.Valid() {
		return nil, errors.ValidationError("severity", fmt.Sprintf("unknown severity %q", filter.Severity))
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, errors.ValidationError("status", fmt.Sprintf("unknown status %q", filter.Status))
	}
	return s.repo.ListBugReports(ctx, filter)
}

// GetBug retrieves a bug report by ID
func (s *Service) GetBug(ctx context.Context, id string) (*models.BugReport, error) {
	return s.repo.GetBugReport(ctx, id)
}

// UpdateBug applies triage edits
func (s *Service) UpdateBug(ctx context.Context, id string, req *v1.UpdateBugRequest) (*models.BugReport, error) {
	if req.Status == nil && req.Severity == nil {
		return nil, errors.BadRequest("nothing to update")
	}
	if req.Status != nil && !req.Status.Valid() {
		return nil, errors.ValidationError("status", fmt.Sprintf("unknown status %q", *req.Status))
	}
	if req.Severity != nil && !req.Severity.Valid() {
		return nil, errors.ValidationError("severity", fmt.Sprintf("unknown severity %q", *req.Severity))
	}
	return s.repo.UpdateBugReport(ctx, id, models.BugUpdate{Status: req.Status, Severity: req.Severity})
}

// DeleteBug deletes a bug report
func (s *Service) DeleteBug(ctx context.Context, id string) error {
	return s.repo.DeleteBugReport(ctx, id)
}

// ListAgents returns the persona catalog
func (s *Service) ListAgents() []*registry.Persona {
	return s.registry.List()
}

func validateTargetURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.ValidationError("target_url", "must be an absolute http or https URL")
	}
	return nil
}
