package runner

import (
	"sync"
	"time"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/events"
)

// EmitFunc receives the events of one runner, in order. It must not block.
type EmitFunc func(events.AgentEvent)

// Recorder is the handle a procedure reports through. It stamps every event
// with the agent identity and a per-runner sequence number, keeps progress
// non-decreasing, and drops everything after the terminal event.
type Recorder struct {
	persona *registry.Persona
	emit    EmitFunc
	now     func() time.Time

	mu        sync.Mutex
	seq       uint64
	progress  int
	bugsFound int
	sealed    bool
}

func newRecorder(persona *registry.Persona, emit EmitFunc, now func() time.Time) *Recorder {
	return &Recorder{persona: persona, emit: emit, now: now}
}

// Action reports an exploratory step.
func (r *Recorder) Action(message string, payload events.ActionPayload) bool {
	return r.record(events.AgentAction, message, payload, -1)
}

// Progress reports how far the run has come. Values below the last reported
// progress are raised to it and values above 100 are capped.
func (r *Recorder) Progress(message string, payload events.ProgressPayload) bool {
	return r.record(events.AgentProgress, message, payload, payload.Progress)
}

// BugFound reports a finding.
func (r *Recorder) BugFound(message string, payload events.BugPayload) bool {
	return r.record(events.AgentBugFound, message, payload, -1)
}

// Screenshot reports captured evidence.
func (r *Recorder) Screenshot(message string, payload events.ScreenshotPayload) bool {
	return r.record(events.AgentScreenshot, message, payload, -1)
}

// BugsFound returns the number of findings reported so far.
func (r *Recorder) BugsFound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.bugsFound
}

// CurrentProgress returns the last reported progress.
func (r *Recorder) CurrentProgress() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.progress
}

// record emits a non-terminal event. It reports false once the recorder
// is sealed.
func (r *Recorder) record(t events.Type, message string, payload events.Payload, progress int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}

	switch t {
	case events.AgentProgress:
		if progress > 100 {
			progress = 100
		}
		if progress < r.progress {
			progress = r.progress
		}
		r.progress = progress
		if p, ok := payload.(events.ProgressPayload); ok {
			p.Progress = progress
			payload = p
		}
	case events.AgentBugFound:
		r.bugsFound++
	}

	r.emitLocked(t, message, payload, r.progress)
	return true
}

// start emits agent_started.
func (r *Recorder) start(message string, payload events.StartedPayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.emitLocked(events.AgentStarted, message, payload, 0)
}

// finish emits the terminal event and seals the recorder. Only the first
// call has an effect.
func (r *Recorder) finish(t events.Type, message string, payload events.Payload) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return false
	}
	r.sealed = true

	progress := r.progress
	if t == events.AgentCompleted {
		progress = 100
		r.progress = 100
	}
	r.emitLocked(t, message, payload, progress)
	return true
}

func (r *Recorder) emitLocked(t events.Type, message string, payload events.Payload, progress int) {
	r.seq++
	r.emit(events.AgentEvent{
		Type:       t,
		AgentID:    r.persona.ID,
		AgentName:  r.persona.Name,
		Message:    message,
		Progress:   progress,
		Payload:    payload,
		Seq:        r.seq,
		OccurredAt: r.now().UTC(),
	})
}
