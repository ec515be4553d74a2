package v1

import "time"

// Severity grades a finding
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// BugStatus is the triage state of a bug report
type BugStatus string

const (
	BugStatusOpen       BugStatus = "open"
	BugStatusInProgress BugStatus = "in_progress"
	BugStatusFixed      BugStatus = "fixed"
	BugStatusWontFix    BugStatus = "wont_fix"
	BugStatusDuplicate  BugStatus = "duplicate"
)

// Valid reports whether s is a known bug status.
func (s BugStatus) Valid() bool {
	switch s {
	case BugStatusOpen, BugStatusInProgress, BugStatusFixed, BugStatusWontFix, BugStatusDuplicate:
		return true
	}
	return false
}

// NetworkLog is one captured request/response pair attached to a bug
type NetworkLog struct {
	Method     string `json:"method"`
	URL        string `json:"url"`
	StatusCode int    `json:"status_code,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// BugReport is the API representation of a finding
type BugReport struct {
	ID               string            `json:"id"`
	ProjectID        string            `json:"project_id"`
	SessionID        string            `json:"session_id"`
	ExecutionID      string            `json:"execution_id"`
	AgentID          string            `json:"agent_id"`
	AgentName        string            `json:"agent_name"`
	Severity         Severity          `json:"severity"`
	Status           BugStatus         `json:"status"`
	Title            string            `json:"title"`
	Description      string            `json:"description"`
	StepsToReproduce []string          `json:"steps_to_reproduce"`
	ExpectedBehavior string            `json:"expected_behavior,omitempty"`
	ActualBehavior   string            `json:"actual_behavior,omitempty"`
	Screenshots      []string          `json:"screenshots,omitempty"`
	ConsoleLogs      []string          `json:"console_logs,omitempty"`
	NetworkLogs      []NetworkLog      `json:"network_logs,omitempty"`
	Environment      map[string]string `json:"environment,omitempty"`
	PageURL          string            `json:"page_url,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// UpdateBugRequest carries triage edits
type UpdateBugRequest struct {
	Status   *BugStatus `json:"status,omitempty"`
	Severity *Severity  `json:"severity,omitempty"`
}

// ListBugsResponse wraps bug reports
type ListBugsResponse struct {
	Bugs  []*BugReport `json:"bugs"`
	Total int          `json:"total"`
}
