package models

import (
	"encoding/json"
	"strconv"

	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func formatViewport(w, h int) string {
	if w == 0 && h == 0 {
		return ""
	}
	return strconv.Itoa(w) + "x" + strconv.Itoa(h)
}

// ToAPI converts a project to its API representation.
func (p *Project) ToAPI() *v1.Project {
	return &v1.Project{
		ID:          p.ID,
		Name:        p.Name,
		TargetURL:   p.TargetURL,
		Description: p.Description,
		CreatedAt:   p.CreatedAt,
		UpdatedAt:   p.UpdatedAt,
	}
}

// ToAPI converts a session and its executions to their API representation.
func (s *TestSession) ToAPI(executions []*AgentExecution) *v1.Session {
	out := &v1.Session{
		ID:           s.ID,
		ProjectID:    s.ProjectID,
		Status:       s.Status,
		TriggerType:  s.TriggerType,
		TriggerMeta:  s.TriggerMeta,
		Progress:     s.Progress,
		BugsFound:    s.BugsFound,
		ErrorMessage: s.ErrorMessage,
		CreatedAt:    s.CreatedAt,
		StartedAt:    s.StartedAt,
		CompletedAt:  s.CompletedAt,
	}
	for _, e := range executions {
		out.Executions = append(out.Executions, e.ToAPI())
	}
	return out
}

// ToAPI converts an execution to its API representation.
func (e *AgentExecution) ToAPI() *v1.Execution {
	return &v1.Execution{
		ID:           e.ID,
		SessionID:    e.SessionID,
		AgentID:      e.AgentID,
		AgentName:    e.AgentName,
		Status:       e.Status,
		Progress:     e.Progress,
		Environment:  e.Environment.AsMap(),
		ErrorMessage: e.ErrorMessage,
		StartedAt:    e.StartedAt,
		CompletedAt:  e.CompletedAt,
	}
}

// ToAPI converts a log entry to its API representation.
func (l *ActivityLog) ToAPI() *v1.ActivityEntry {
	out := &v1.ActivityEntry{
		Seq:       l.Seq,
		SessionID: l.SessionID,
		Type:      l.Type,
		AgentID:   l.AgentID,
		AgentName: l.AgentName,
		Message:   l.Message,
		CreatedAt: l.CreatedAt,
	}
	if len(l.Data) > 0 {
		out.Data = json.RawMessage(l.Data)
	}
	return out
}

// ToFrame converts a log entry to a stream frame.
func (l *ActivityLog) ToFrame() v1.StreamFrame {
	return v1.StreamFrame{
		Type:      l.Type,
		SessionID: l.SessionID,
		Seq:       l.Seq,
		AgentName: l.AgentName,
		Message:   l.Message,
		Data:      l.Data,
		Timestamp: l.CreatedAt,
	}
}

// ToAPI converts a bug report to its API representation.
func (b *BugReport) ToAPI() *v1.BugReport {
	return &v1.BugReport{
		ID:               b.ID,
		ProjectID:        b.ProjectID,
		SessionID:        b.SessionID,
		ExecutionID:      b.ExecutionID,
		AgentID:          b.AgentID,
		AgentName:        b.AgentName,
		Severity:         b.Severity,
		Status:           b.Status,
		Title:            b.Title,
		Description:      b.Description,
		StepsToReproduce: b.StepsToReproduce,
		ExpectedBehavior: b.ExpectedBehavior,
		ActualBehavior:   b.ActualBehavior,
		Screenshots:      b.Screenshots,
		ConsoleLogs:      b.ConsoleLogs,
		NetworkLogs:      b.NetworkLogs,
		Environment:      b.Environment,
		PageURL:          b.PageURL,
		CreatedAt:        b.CreatedAt,
		UpdatedAt:        b.UpdatedAt,
	}
}
