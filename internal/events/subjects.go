package events

import "fmt"

// ActivityAppended is the bus event type carrying a persisted activity log entry.
const ActivityAppended = "activity.appended"

// AllSessionActivity matches the activity subject of every session.
const AllSessionActivity = "session.*.activity"

// SessionActivitySubject returns the bus subject for one session's activity.
func SessionActivitySubject(sessionID string) string {
	return fmt.Sprintf("session.%s.activity", sessionID)
}
