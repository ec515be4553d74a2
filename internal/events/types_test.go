package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func TestValidateRejectsMismatchedPayload(t *testing.T) {
	ev := &AgentEvent{Type: AgentCompleted, AgentID: "sarah", Payload: FailedPayload{Reason: ReasonError}}
	assert.Error(t, ev.Validate())

	ev = &AgentEvent{Type: AgentCompleted, AgentID: "sarah", Payload: CompletedPayload{}}
	assert.NoError(t, ev.Validate())

	ev = &AgentEvent{Type: AgentStarted, Payload: StartedPayload{}}
	assert.Error(t, ev.Validate(), "agent events need an agent id")

	ev = &AgentEvent{Type: SessionCompleted, Payload: SessionCompletedPayload{TotalAgents: 2}}
	assert.NoError(t, ev.Validate())
}

func TestTerminalTypes(t *testing.T) {
	assert.True(t, AgentCompleted.IsTerminal())
	assert.True(t, AgentFailed.IsTerminal())
	assert.False(t, AgentProgress.IsTerminal())
	assert.False(t, SessionCompleted.IsTerminal())
	assert.False(t, SessionCompleted.IsAgentEvent())
}

func TestBugPayloadSurvivesPersistence(t *testing.T) {
	ev := &AgentEvent{
		Type:    AgentBugFound,
		AgentID: "marcus",
		Payload: BugPayload{
			Severity:         v1.SeverityCritical,
			Title:            "Checkout returns 500",
			StepsToReproduce: []string{"open /checkout"},
			NetworkLogs:      []v1.NetworkLog{{Method: "GET", URL: "/checkout", StatusCode: 500}},
		},
	}
	data, err := ev.Data()
	require.NoError(t, err)

	decoded, err := DecodePayload(AgentBugFound, data)
	require.NoError(t, err)
	bug, ok := decoded.(*BugPayload)
	require.True(t, ok)
	assert.Equal(t, v1.SeverityCritical, bug.Severity)
	assert.Equal(t, 500, bug.NetworkLogs[0].StatusCode)

	_, err = DecodePayload("mystery", nil)
	assert.Error(t, err)
}

func TestSessionActivitySubject(t *testing.T) {
	assert.Equal(t, "session.abc.activity", SessionActivitySubject("abc"))
}
