package v1

import "time"

// SessionStatus represents the lifecycle state of a test session
type SessionStatus string

const (
	SessionStatusQueued    SessionStatus = "queued"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
)

// IsTerminal reports whether no further transition can occur.
func (s SessionStatus) IsTerminal() bool {
	return s == SessionStatusCompleted || s == SessionStatusFailed
}

// ExecutionStatus represents the lifecycle state of one agent execution
type ExecutionStatus string

const (
	ExecutionStatusQueued    ExecutionStatus = "queued"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// IsTerminal reports whether no further transition can occur.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed
}

// rank orders execution states so transitions can be checked for monotonicity.
func (s ExecutionStatus) rank() int {
	switch s {
	case ExecutionStatusQueued:
		return 0
	case ExecutionStatusRunning:
		return 1
	case ExecutionStatusCompleted, ExecutionStatusFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from s to next is a forward transition.
func (s ExecutionStatus) CanTransitionTo(next ExecutionStatus) bool {
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// TriggerType records what started a session
type TriggerType string

const (
	TriggerManual    TriggerType = "manual"
	TriggerWebhook   TriggerType = "webhook"
	TriggerScheduled TriggerType = "scheduled"
)

// Valid reports whether t is a known trigger type.
func (t TriggerType) Valid() bool {
	switch t {
	case TriggerManual, TriggerWebhook, TriggerScheduled:
		return true
	}
	return false
}

// Session is the API representation of a test session
type Session struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	Status       SessionStatus          `json:"status"`
	TriggerType  TriggerType            `json:"trigger_type"`
	TriggerMeta  map[string]interface{} `json:"trigger_metadata,omitempty"`
	Progress     int                    `json:"progress"`
	BugsFound    int                    `json:"bugs_found"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	Executions   []*Execution           `json:"executions,omitempty"`
}

// Execution is the API representation of one agent's participation
type Execution struct {
	ID           string            `json:"id"`
	SessionID    string            `json:"session_id"`
	AgentID      string            `json:"agent_id"`
	AgentName    string            `json:"agent_name"`
	Status       ExecutionStatus   `json:"status"`
	Progress     int               `json:"progress"`
	Environment  map[string]string `json:"environment,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
}

// ActivityEntry is the API representation of one persisted activity log row
type ActivityEntry struct {
	Seq       int64       `json:"seq"`
	SessionID string      `json:"session_id"`
	Type      string      `json:"type"`
	AgentID   string      `json:"agent_id,omitempty"`
	AgentName string      `json:"agent_name,omitempty"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// StartSessionRequest starts a manual test session for a project
type StartSessionRequest struct {
	AgentIDs    []string               `json:"agent_ids" binding:"required,min=1"`
	TargetURL   string                 `json:"target_url,omitempty" binding:"omitempty,url"`
	TriggerType TriggerType            `json:"trigger_type,omitempty"`
	TriggerMeta map[string]interface{} `json:"trigger_metadata,omitempty"`
}

// WebhookTriggerRequest starts a session from an external system such as CI
type WebhookTriggerRequest struct {
	AgentIDs []string `json:"agent_ids,omitempty"`
	Ref      string   `json:"ref,omitempty"`
	Commit   string   `json:"commit,omitempty"`
	// PreviewURL overrides the project target URL, e.g. a deploy preview.
	PreviewURL string `json:"preview_url,omitempty" binding:"omitempty,url"`
}

// ListSessionsResponse wraps a page of sessions
type ListSessionsResponse struct {
	Sessions []*Session `json:"sessions"`
	Total    int        `json:"total"`
}

// ListActivityResponse wraps activity log entries
type ListActivityResponse struct {
	Entries []*ActivityEntry `json:"entries"`
	Total   int              `json:"total"`
}
