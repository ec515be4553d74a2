// Package models holds the persisted entities of a test session.
package models

import (
	"encoding/json"
	"time"

	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

// Project owns a target URL and groups the sessions run against it
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	TargetURL   string    `json:"target_url"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TestSession is one orchestrated run against a project
type TestSession struct {
	ID           string                 `json:"id"`
	ProjectID    string                 `json:"project_id"`
	Status       v1.SessionStatus       `json:"status"`
	TriggerType  v1.TriggerType         `json:"trigger_type"`
	TriggerMeta  map[string]interface{} `json:"trigger_metadata,omitempty"`
	Progress     int                    `json:"progress"`
	BugsFound    int                    `json:"bugs_found"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

// SessionUpdate is a partial update of a session. Nil fields are left unchanged.
type SessionUpdate struct {
	Status       *v1.SessionStatus
	Progress     *int
	BugsFound    *int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// Environment is the configuration snapshot an execution ran with
type Environment struct {
	TargetURL      string `json:"target_url"`
	ViewportWidth  int    `json:"viewport_width"`
	ViewportHeight int    `json:"viewport_height"`
	DeviceType     string `json:"device_type"`
	UserAgent      string `json:"user_agent"`
}

// AsMap flattens the snapshot for API responses and bug reports.
func (e Environment) AsMap() map[string]string {
	return map[string]string{
		"target_url":  e.TargetURL,
		"viewport":    formatViewport(e.ViewportWidth, e.ViewportHeight),
		"device_type": e.DeviceType,
		"user_agent":  e.UserAgent,
	}
}

// AgentExecution is one agent's participation in a session
type AgentExecution struct {
	ID           string             `json:"id"`
	SessionID    string             `json:"session_id"`
	AgentID      string             `json:"agent_id"`
	AgentName    string             `json:"agent_name"`
	Status       v1.ExecutionStatus `json:"status"`
	Progress     int                `json:"progress"`
	Environment  Environment        `json:"environment"`
	ErrorMessage string             `json:"error_message,omitempty"`
	StartedAt    *time.Time         `json:"started_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// ExecutionUpdate is a partial update of an execution. Nil fields are left unchanged.
type ExecutionUpdate struct {
	Status       *v1.ExecutionStatus
	Progress     *int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
}

// ActivityLog is one append-only entry of a session's event history.
// Seq is assigned by the store and increases with every append.
type ActivityLog struct {
	Seq       int64           `json:"seq"`
	SessionID string          `json:"session_id"`
	Type      string          `json:"type"`
	AgentID   string          `json:"agent_id,omitempty"`
	AgentName string          `json:"agent_name,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// BugReport is a finding surfaced by an agent
type BugReport struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	SessionID        string            `json:"session_id"`
	ExecutionID      string            `json:"execution_id"`
	AgentID          string            `json:"agent_id"`
	AgentName        string            `json:"agent_name"`
	Severity         v1.Severity       `json:"severity"`
	Status           v1.BugStatus      `json:"status"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	StepsToReproduce []string          `json:"steps_to_reproduce"`
	ExpectedBehavior string            `json:"expected_behavior,omitempty"`
	ActualBehavior   string            `json:"actual_behavior,omitempty"`
	Screenshots      []string          `json:"screenshots,omitempty"`
	ConsoleLogs      []string          `json:"console_logs,omitempty"`
	NetworkLogs      []v1.NetworkLog   `json:"network_logs,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	PageURL          string            `json:"page_url,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// BugFilter narrows bug report listings. Empty fields match everything.
type BugFilter struct {
	ProjectID string
	SessionID string
	Severity  v1.Severity
	Status    v1.BugStatus
}

// BugUpdate carries triage edits.
type BugUpdate struct {
	Status   *v1.BugStatus
	Severity *v1.Severity
}
