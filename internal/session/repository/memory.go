package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/session/models"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

// MemoryRepository provides in-memory session storage. Values are copied in
// and out so callers never share state with the store.
type MemoryRepository struct {
	mu         sync.RWMutex
	projects   map[string]*models.Project
	sessions   map[string]*models.TestSession
	executions map[string]*models.AgentExecution
	activity   map[string][]*models.ActivityLog // by session id, in seq order
	bugs       map[string]*models.BugReport
	seq        int64
}

// Ensure MemoryRepository implements Repository interface
var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates a new in-memory session repository
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		projects:   make(map[string]*models.Project),
		sessions:   make(map[string]*models.TestSession),
		executions: make(map[string]*models.AgentExecution),
		activity:   make(map[string][]*models.ActivityLog),
		bugs:       make(map[string]*models.BugReport),
	}
}

// Close is a no-op for in-memory repository
func (r *MemoryRepository) Close() error {
	return nil
}

// Project operations

// CreateProject creates a new project
func (r *MemoryRepository) CreateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if project.ID == "" {
		project.ID = uuid.New().String()
	}
	if _, ok := r.projects[project.ID]; ok {
		return errors.Conflict("project already exists: " + project.ID)
	}
	now := time.Now().UTC()
	project.CreatedAt = now
	project.UpdatedAt = now

	cp := *project
	r.projects[project.ID] = &cp
	return nil
}

// GetProject retrieves a project by ID
func (r *MemoryRepository) GetProject(ctx context.Context, id string) (*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	project, ok := r.projects[id]
	if !ok {
		return nil, errors.NotFound("project", id)
	}
	cp := *project
	return &cp, nil
}

// UpdateProject updates an existing project
func (r *MemoryRepository) UpdateProject(ctx context.Context, project *models.Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.projects[project.ID]
	if !ok {
		return errors.NotFound("project", project.ID)
	}
	project.CreatedAt = existing.CreatedAt
	project.UpdatedAt = time.Now().UTC()
	cp := *project
	r.projects[project.ID] = &cp
	return nil
}

// DeleteProject deletes a project and everything under it
func (r *MemoryRepository) DeleteProject(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.projects[id]; !ok {
		return errors.NotFound("project", id)
	}
	for sid, s := range r.sessions {
		if s.ProjectID == id {
			r.deleteSessionLocked(sid)
		}
	}
	delete(r.projects, id)
	return nil
}

// ListProjects returns all projects, newest first
func (r *MemoryRepository) ListProjects(ctx context.Context) ([]*models.Project, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*models.Project, 0, len(r.projects))
	for _, p := range r.projects {
		cp := *p
		result = append(result, &cp)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// Session operations

// InsertSession creates a new test session
func (r *MemoryRepository) InsertSession(ctx context.Context, session *models.TestSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertSessionLocked(session)
}

// CreateSessionWithExecutions inserts a session and its executions atomically
func (r *MemoryRepository) CreateSessionWithExecutions(ctx context.Context, session *models.TestSession, executions []*models.AgentExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	for _, exec := range executions {
		exec.SessionID = session.ID
	}
	if err := r.checkExecutionsLocked(executions); err != nil {
		return err
	}
	if err := r.insertSessionLocked(session); err != nil {
		return err
	}
	r.insertExecutionsLocked(executions)
	return nil
}

func (r *MemoryRepository) insertSessionLocked(session *models.TestSession) error {
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if _, ok := r.sessions[session.ID]; ok {
		return errors.Conflict("session already exists: " + session.ID)
	}
	if _, ok := r.projects[session.ProjectID]; !ok {
		return errors.NotFound("project", session.ProjectID)
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
	r.sessions[session.ID] = copySession(session)
	return nil
}

// GetSession retrieves a session by ID
func (r *MemoryRepository) GetSession(ctx context.Context, id string) (*models.TestSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok {
		return nil, errors.NotFound("session", id)
	}
	return copySession(session), nil
}

// UpdateSession applies the non-nil fields of update
func (r *MemoryRepository) UpdateSession(ctx context.Context, id string, update models.SessionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, ok := r.sessions[id]
	if !ok {
		return errors.NotFound("session", id)
	}
	if update.Status != nil {
		session.Status = *update.Status
	}
	if update.Progress != nil {
		session.Progress = *update.Progress
	}
	if update.BugsFound != nil {
		session.BugsFound = *update.BugsFound
	}
	if update.ErrorMessage != nil {
		session.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		t := update.StartedAt.UTC()
		session.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		session.CompletedAt = &t
	}
	return nil
}

// ListSessions returns the sessions of a project, newest first
func (r *MemoryRepository) ListSessions(ctx context.Context, projectID string) ([]*models.TestSession, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.TestSession
	for _, s := range r.sessions {
		if projectID == "" || s.ProjectID == projectID {
			result = append(result, copySession(s))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

// DeleteSession deletes a session with its executions, logs and bugs
func (r *MemoryRepository) DeleteSession(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[id]; !ok {
		return errors.NotFound("session", id)
	}
	r.deleteSessionLocked(id)
	return nil
}

func (r *MemoryRepository) deleteSessionLocked(id string) {
	for eid, e := range r.executions {
		if e.SessionID == id {
			delete(r.executions, eid)
		}
	}
	for bid, b := range r.bugs {
		if b.SessionID == id {
			delete(r.bugs, bid)
		}
	}
	delete(r.activity, id)
	delete(r.sessions, id)
}

// Execution operations

// InsertExecutions creates executions atomically
func (r *MemoryRepository) InsertExecutions(ctx context.Context, executions []*models.AgentExecution) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, exec := range executions {
		if _, ok := r.sessions[exec.SessionID]; !ok {
			return errors.NotFound("session", exec.SessionID)
		}
	}
	if err := r.checkExecutionsLocked(executions); err != nil {
		return err
	}
	r.insertExecutionsLocked(executions)
	return nil
}

// checkExecutionsLocked enforces one execution per (session, agent).
func (r *MemoryRepository) checkExecutionsLocked(executions []*models.AgentExecution) error {
	seen := make(map[[2]string]bool)
	for _, e := range r.executions {
		seen[[2]string{e.SessionID, e.AgentID}] = true
	}
	for _, exec := range executions {
		key := [2]string{exec.SessionID, exec.AgentID}
		if seen[key] {
			return errors.Conflict("execution already exists for agent " + exec.AgentID)
		}
		seen[key] = true
	}
	return nil
}

func (r *MemoryRepository) insertExecutionsLocked(executions []*models.AgentExecution) {
	for _, exec := range executions {
		if exec.ID == "" {
			exec.ID = uuid.New().String()
		}
		if exec.Status == "" {
			exec.Status = v1.ExecutionStatusQueued
		}
		r.executions[exec.ID] = copyExecution(exec)
	}
}

// UpdateExecution applies the non-nil fields of update
func (r *MemoryRepository) UpdateExecution(ctx context.Context, id string, update models.ExecutionUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	exec, ok := r.executions[id]
	if !ok {
		return errors.NotFound("execution", id)
	}
	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Progress != nil {
		exec.Progress = *update.Progress
	}
	if update.ErrorMessage != nil {
		exec.ErrorMessage = *update.ErrorMessage
	}
	if update.StartedAt != nil {
		t := update.StartedAt.UTC()
		exec.StartedAt = &t
	}
	if update.CompletedAt != nil {
		t := update.CompletedAt.UTC()
		exec.CompletedAt = &t
	}
	return nil
}

// ListExecutions returns the executions of a session
func (r *MemoryRepository) ListExecutions(ctx context.Context, sessionID string) ([]*models.AgentExecution, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.AgentExecution
	for _, e := range r.executions {
		if e.SessionID == sessionID {
			result = append(result, copyExecution(e))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].AgentName != result[j].AgentName {
			return result[i].AgentName < result[j].AgentName
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// Activity log operations

// AppendActivityLog appends an entry and sets its Seq
func (r *MemoryRepository) AppendActivityLog(ctx context.Context, entry *models.ActivityLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[entry.SessionID]; !ok {
		return errors.NotFound("session", entry.SessionID)
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	r.seq++
	entry.Seq = r.seq
	r.activity[entry.SessionID] = append(r.activity[entry.SessionID], copyActivity(entry))
	return nil
}

// QueryActivityLog returns the entries of a session after afterSeq
func (r *MemoryRepository) QueryActivityLog(ctx context.Context, sessionID string, afterSeq int64) ([]*models.ActivityLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := r.activity[sessionID]
	start := sort.Search(len(entries), func(i int) bool { return entries[i].Seq > afterSeq })
	result := make([]*models.ActivityLog, 0, len(entries)-start)
	for _, e := range entries[start:] {
		result = append(result, copyActivity(e))
	}
	return result, nil
}

// Bug report operations

// CreateBugReport creates a new bug report
func (r *MemoryRepository) CreateBugReport(ctx context.Context, bug *models.BugReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[bug.SessionID]; !ok {
		return errors.NotFound("session", bug.SessionID)
	}
	if bug.ID == "" {
		bug.ID = uuid.New().String()
	}
	if bug.Status == "" {
		bug.Status = v1.BugStatusOpen
	}
	if bug.CreatedAt.IsZero() {
		bug.CreatedAt = time.Now().UTC()
	}
	bug.UpdatedAt = bug.CreatedAt
	r.bugs[bug.ID] = copyBug(bug)
	return nil
}

// GetBugReport retrieves a bug report by ID
func (r *MemoryRepository) GetBugReport(ctx context.Context, id string) (*models.BugReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bug, ok := r.bugs[id]
	if !ok {
		return nil, errors.NotFound("bug report", id)
	}
	return copyBug(bug), nil
}

// UpdateBugReport applies triage edits and returns the updated report
func (r *MemoryRepository) UpdateBugReport(ctx context.Context, id string, update models.BugUpdate) (*models.BugReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bug, ok := r.bugs[id]
	if !ok {
		return nil, errors.NotFound("bug report", id)
	}
	if update.Status != nil {
		bug.Status = *update.Status
	}
	if update.Severity != nil {
		bug.Severity = *update.Severity
	}
	bug.UpdatedAt = time.Now().UTC()
	return copyBug(bug), nil
}

// DeleteBugReport deletes a bug report by ID
func (r *MemoryRepository) DeleteBugReport(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.bugs[id]; !ok {
		return errors.NotFound("bug report", id)
	}
	delete(r.bugs, id)
	return nil
}

// ListBugReports returns the bug reports matching filter, newest first
func (r *MemoryRepository) ListBugReports(ctx context.Context, filter models.BugFilter) ([]*models.BugReport, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*models.BugReport
	for _, b := range r.bugs {
		switch {
		case filter.ProjectID != "" && b.ProjectID != filter.ProjectID:
		case filter.SessionID != "" && b.SessionID != filter.SessionID:
		case filter.Severity != "" && b.Severity != filter.Severity:
		case filter.Status != "" && b.Status != filter.Status:
		default:
			result = append(result, copyBug(b))
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

func copySession(s *models.TestSession) *models.TestSession {
	cp := *s
	if s.TriggerMeta != nil {
		cp.TriggerMeta = make(map[string]interface{}, len(s.TriggerMeta))
		for k, v := range s.TriggerMeta {
			cp.TriggerMeta[k] = v
		}
	}
	cp.StartedAt = copyTime(s.StartedAt)
	cp.CompletedAt = copyTime(s.CompletedAt)
	return &cp
}

func copyExecution(e *models.AgentExecution) *models.AgentExecution {
	cp := *e
	cp.StartedAt = copyTime(e.StartedAt)
	cp.CompletedAt = copyTime(e.CompletedAt)
	return &cp
}

func copyActivity(a *models.ActivityLog) *models.ActivityLog {
	cp := *a
	if a.Data != nil {
		cp.Data = append(json.RawMessage(nil), a.Data...)
	}
	return &cp
}

func copyBug(b *models.BugReport) *models.BugReport {
	cp := *b
	cp.StepsToReproduce = append([]string(nil), b.StepsToReproduce...)
	cp.Screenshots = append([]string(nil), b.Screenshots...)
	cp.ConsoleLogs = append([]string(nil), b.ConsoleLogs...)
	cp.NetworkLogs = append([]v1.NetworkLog(nil), b.NetworkLogs...)
	if b.Environment != nil {
		cp.Environment = make(map[string]string, len(b.Environment))
		for k, v := range b.Environment {
			cp.Environment[k] = v
		}
	}
	return &cp
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
