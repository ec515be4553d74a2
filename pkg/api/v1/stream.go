package v1

import (
	"encoding/json"
	"time"
)

// Frame types that exist only on the stream. Persisted activity types
// (agent_started, session_completed, ...) are forwarded unchanged.
const (
	FrameConnected     = "connected"
	FrameSessionStatus = "session_status"
	FrameSessionEnded  = "session_ended"
)

// StreamFrame is one message pushed to a session subscriber.
type StreamFrame struct {
	Type      string          `json:"type"`
	SessionID string          `json:"sessionId"`
	Seq       int64           `json:"seq,omitempty"`
	AgentName string          `json:"agentName,omitempty"`
	Message   string          `json:"message,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// StatusSnapshot is the data of connected, session_status and session_ended frames.
type StatusSnapshot struct {
	Status    SessionStatus `json:"status"`
	Progress  int           `json:"progress"`
	BugsFound int           `json:"bugsFound"`
	Error     string        `json:"error,omitempty"`
}
