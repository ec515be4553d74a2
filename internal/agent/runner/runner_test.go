package runner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

type collector struct {
	mu     sync.Mutex
	events []events.AgentEvent
}

func (c *collector) emit(ev events.AgentEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *collector) snapshot() []events.AgentEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]events.AgentEvent, len(c.events))
	copy(out, c.events)
	return out
}

func testPersona(id string) *registry.Persona {
	return &registry.Persona{
		ID:      id,
		Name:    id,
		Enabled: true,
		Behavior: registry.BehaviorConfig{
			MaxPages: 5,
		},
	}
}

func testRequest(id string) Request {
	return Request{SessionID: "s1", TargetURL: "http://example.test", Persona: testPersona(id)}
}

func assertWellFormed(t *testing.T, evs []events.AgentEvent) {
	t.Helper()
	require.NotEmpty(t, evs)
	assert.Equal(t, events.AgentStarted, evs[0].Type)
	terminal := 0
	for i, ev := range evs {
		assert.Equal(t, uint64(i+1), ev.Seq)
		assert.NoError(t, ev.Validate())
		if ev.Type.IsTerminal() {
			terminal++
		}
	}
	assert.Equal(t, 1, terminal, "exactly one terminal event")
	assert.True(t, evs[len(evs)-1].Type.IsTerminal(), "terminal event must be last")
}

func TestRunCompleted(t *testing.T) {
	proc := ProcedureFunc(func(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
		rec.Action("click", events.ActionPayload{Action: "click"})
		rec.Progress("half", events.ProgressPayload{Progress: 50})
		rec.Progress("regress", events.ProgressPayload{Progress: 30})
		return &Result{PagesVisited: 2}, nil
	})

	c := &collector{}
	out := New(proc, Options{}, logger.Nop()).Run(context.Background(), testRequest("sarah"), c.emit)

	assert.Equal(t, v1.ExecutionStatusCompleted, out.Status)
	assert.Equal(t, 2, out.PagesVisited)

	evs := c.snapshot()
	assertWellFormed(t, evs)
	require.Len(t, evs, 5)
	assert.Equal(t, events.AgentCompleted, evs[4].Type)

	last := -1
	for _, ev := range evs {
		assert.GreaterOrEqual(t, ev.Progress, last, "progress must not decrease")
		last = ev.Progress
	}
	assert.Equal(t, 50, evs[3].Progress, "lower progress is clamped")
	assert.Equal(t, 100, evs[4].Progress)
}

func TestRunProcedureError(t *testing.T) {
	proc := ProcedureFunc(func(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
		return nil, errors.New("login form never rendered")
	})

	c := &collector{}
	out := New(proc, Options{}, logger.Nop()).Run(context.Background(), testRequest("marcus"), c.emit)

	assert.Equal(t, v1.ExecutionStatusFailed, out.Status)
	assert.Equal(t, events.ReasonError, out.Reason)

	evs := c.snapshot()
	assertWellFormed(t, evs)
	require.Len(t, evs, 2)
	failed := evs[1].Payload.(events.FailedPayload)
	assert.Contains(t, failed.Error, "login form never rendered")
}

func TestRunPanicBecomesFailure(t *testing.T) {
	proc := ProcedureFunc(func(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
		rec.Action("about to explode", events.ActionPayload{Action: "click"})
		panic("nil map write")
	})

	c := &collector{}
	out := New(proc, Options{}, logger.Nop()).Run(context.Background(), testRequest("sarah"), c.emit)

	assert.Equal(t, v1.ExecutionStatusFailed, out.Status)
	assert.Equal(t, events.ReasonPanic, out.Reason)
	assertWellFormed(t, c.snapshot())
}

func TestRunTimeoutWithProcedureIgnoringContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	recs := make(chan *Recorder, 1)
	proc := ProcedureFunc(func(ctx context.Context, req Request, r *Recorder) (*Result, error) {
		recs <- r
		<-release
		return &Result{}, nil
	})

	c := &collector{}
	start := time.Now()
	out := New(proc, Options{Timeout: 50 * time.Millisecond}, logger.Nop()).Run(context.Background(), testRequest("sarah"), c.emit)

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, v1.ExecutionStatusFailed, out.Status)
	assert.Equal(t, events.ReasonTimeout, out.Reason)

	// A runaway procedure cannot append after the terminal event.
	rec := <-recs
	assert.False(t, rec.Action("late", events.ActionPayload{Action: "click"}))

	evs := c.snapshot()
	assertWellFormed(t, evs)
	assert.Len(t, evs, 2)
}

func TestRunCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	proc := ProcedureFunc(func(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	})

	c := &collector{}
	out := New(proc, Options{}, logger.Nop()).Run(ctx, testRequest("sarah"), c.emit)

	assert.Equal(t, v1.ExecutionStatusFailed, out.Status)
	assert.Equal(t, events.ReasonCancelled, out.Reason)
	evs := c.snapshot()
	assertWellFormed(t, evs)
	assert.Equal(t, events.ReasonCancelled, evs[len(evs)-1].Payload.(events.FailedPayload).Reason)
}

func TestRecorderCountsBugs(t *testing.T) {
	proc := ProcedureFunc(func(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
		rec.BugFound("b1", events.BugPayload{Severity: v1.SeverityLow, Title: "one"})
		rec.BugFound("b2", events.BugPayload{Severity: v1.SeverityCritical, Title: "two"})
		rec.Progress("over", events.ProgressPayload{Progress: 180})
		return &Result{}, nil
	})

	c := &collector{}
	out := New(proc, Options{}, logger.Nop()).Run(context.Background(), testRequest("sarah"), c.emit)

	assert.Equal(t, 2, out.BugsFound)
	evs := c.snapshot()
	assertWellFormed(t, evs)
	assert.Equal(t, 100, evs[3].Payload.(events.ProgressPayload).Progress, "progress is capped at 100")
	assert.Equal(t, 2, evs[len(evs)-1].Payload.(events.CompletedPayload).BugsFound)
}
