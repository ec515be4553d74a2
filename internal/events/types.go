// Package events defines the typed events that agent runners and the
// orchestrator emit, and the bus subjects they are fanned out on.
package events

import (
	"encoding/json"
	"fmt"
	"time"

	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

// Type is the tag of an event. It is also the activity log type.
type Type string

// Agent lifecycle events
const (
	AgentStarted    Type = "agent_started"
	AgentAction     Type = "agent_action"
	AgentProgress   Type = "agent_progress"
	AgentBugFound   Type = "agent_bug_found"
	AgentScreenshot Type = "agent_screenshot"
	AgentCompleted  Type = "agent_completed"
	AgentFailed     Type = "agent_failed"
)

// Session lifecycle events
const (
	SessionCompleted Type = "session_completed"
	SessionFailed    Type = "session_failed"
)

// IsTerminal reports whether t ends an agent's event sequence.
func (t Type) IsTerminal() bool {
	return t == AgentCompleted || t == AgentFailed
}

// IsAgentEvent reports whether t is emitted by a runner.
func (t Type) IsAgentEvent() bool {
	switch t {
	case AgentStarted, AgentAction, AgentProgress, AgentBugFound, AgentScreenshot, AgentCompleted, AgentFailed:
		return true
	}
	return false
}

// Payload is the typed body of an event. Each event type has exactly one
// payload type.
type Payload interface {
	EventType() Type
}

// AgentEvent is one fact emitted by a runner or synthesized by the orchestrator.
type AgentEvent struct {
	Type      Type
	AgentID   string
	AgentName string
	Message   string
	// Progress is meaningful for started (0), progress and completed (100).
	Progress int
	Payload  Payload
	// Seq orders events of one runner, starting at 1. Zero for session events.
	Seq        uint64
	OccurredAt time.Time
}

// Validate checks that the payload matches the event type.
func (e *AgentEvent) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	if e.Payload.EventType() != e.Type {
		return fmt.Errorf("event %s carries %s payload", e.Type, e.Payload.EventType())
	}
	if e.Type.IsAgentEvent() && e.AgentID == "" {
		return fmt.Errorf("event %s has no agent id", e.Type)
	}
	return nil
}

// Data returns the JSON encoding of the payload for persistence and the wire.
func (e *AgentEvent) Data() (json.RawMessage, error) {
	if e.Payload == nil {
		return nil, nil
	}
	return json.Marshal(e.Payload)
}

// FailureReason classifies an agent_failed event.
type FailureReason string

const (
	ReasonError     FailureReason = "error"
	ReasonTimeout   FailureReason = "timeout"
	ReasonCancelled FailureReason = "cancelled"
	ReasonPanic     FailureReason = "panic"
)

// StartedPayload describes the environment a runner starts in.
type StartedPayload struct {
	TargetURL      string `json:"targetUrl"`
	Specialization string `json:"specialization,omitempty"`
	DeviceType     string `json:"deviceType,omitempty"`
	ViewportWidth  int    `json:"viewportWidth,omitempty"`
	ViewportHeight int    `json:"viewportHeight,omitempty"`
}

func (StartedPayload) EventType() Type { return AgentStarted }

// ActionPayload describes one exploratory step.
type ActionPayload struct {
	Action     string `json:"action"`
	URL        string `json:"url,omitempty"`
	Target     string `json:"target,omitempty"`
	StatusCode int    `json:"statusCode,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
}

func (ActionPayload) EventType() Type { return AgentAction }

// ProgressPayload reports how far a runner has come.
type ProgressPayload struct {
	Progress     int `json:"progress"`
	PagesVisited int `json:"pagesVisited,omitempty"`
	PageBudget   int `json:"pageBudget,omitempty"`
}

func (ProgressPayload) EventType() Type { return AgentProgress }

// BugPayload carries a finding. It mirrors the bug report without identifiers.
type BugPayload struct {
	Severity         v1.Severity       `json:"severity"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	StepsToReproduce []string          `json:"stepsToReproduce,omitempty"`
	ExpectedBehavior string            `json:"expectedBehavior,omitempty"`
	ActualBehavior   string            `json:"actualBehavior,omitempty"`
	Screenshots      []string          `json:"screenshots,omitempty"`
	ConsoleLogs      []string          `json:"consoleLogs,omitempty"`
	NetworkLogs      []v1.NetworkLog   `json:"networkLogs,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	PageURL          string            `json:"pageUrl,omitempty"`
}

func (BugPayload) EventType() Type { return AgentBugFound }

// ScreenshotPayload references captured evidence.
type ScreenshotPayload struct {
	Ref     string `json:"ref"`
	PageURL string `json:"pageUrl,omitempty"`
	Caption string `json:"caption,omitempty"`
}

func (ScreenshotPayload) EventType() Type { return AgentScreenshot }

// CompletedPayload summarizes a successful run.
type CompletedPayload struct {
	PagesVisited int    `json:"pagesVisited"`
	BugsFound    int    `json:"bugsFound"`
	DurationMs   int64  `json:"durationMs"`
	Summary      string `json:"summary,omitempty"`
}

func (CompletedPayload) EventType() Type { return AgentCompleted }

// FailedPayload summarizes why a run failed.
type FailedPayload struct {
	Reason     FailureReason `json:"reason"`
	Error      string        `json:"error"`
	DurationMs int64         `json:"durationMs"`
}

func (FailedPayload) EventType() Type { return AgentFailed }

// SessionCompletedPayload counts the outcome of every runner.
type SessionCompletedPayload struct {
	TotalAgents     int   `json:"totalAgents"`
	CompletedAgents int   `json:"completedAgents"`
	FailedAgents    int   `json:"failedAgents"`
	DurationMs      int64 `json:"durationMs"`
}

func (SessionCompletedPayload) EventType() Type { return SessionCompleted }

// SessionFailedPayload records why orchestration could not finish.
type SessionFailedPayload struct {
	Error string `json:"error"`
}

func (SessionFailedPayload) EventType() Type { return SessionFailed }

// DecodePayload parses the persisted JSON of an event of type t.
func DecodePayload(t Type, data []byte) (Payload, error) {
	var p Payload
	switch t {
	case AgentStarted:
		p = &StartedPayload{}
	case AgentAction:
		p = &ActionPayload{}
	case AgentProgress:
		p = &ProgressPayload{}
	case AgentBugFound:
		p = &BugPayload{}
	case AgentScreenshot:
		p = &ScreenshotPayload{}
	case AgentCompleted:
		p = &CompletedPayload{}
	case AgentFailed:
		p = &FailedPayload{}
	case SessionCompleted:
		p = &SessionCompletedPayload{}
	case SessionFailed:
		p = &SessionFailedPayload{}
	default:
		return nil, fmt.Errorf("unknown event type %q", t)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", t, err)
		}
	}
	return p, nil
}
