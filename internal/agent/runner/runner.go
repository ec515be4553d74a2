// Package runner executes one agent's test pass and turns it into an ordered
// event sequence that always starts with agent_started and ends with exactly
// one of agent_completed or agent_failed.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

// DefaultTimeout bounds a run when no timeout is configured.
const DefaultTimeout = 10 * time.Minute

// Request is the input of one run.
type Request struct {
	SessionID string
	TargetURL string
	Persona   *registry.Persona
}

// Result is what a procedure returns on success.
type Result struct {
	PagesVisited int
	Summary      string
}

// Procedure is the testing logic of an agent. It reports through the
// recorder and should return promptly once ctx is done.
type Procedure interface {
	Run(ctx context.Context, req Request, rec *Recorder) (*Result, error)
}

// ProcedureFunc adapts a function to Procedure.
type ProcedureFunc func(ctx context.Context, req Request, rec *Recorder) (*Result, error)

// Run calls f.
func (f ProcedureFunc) Run(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
	return f(ctx, req, rec)
}

// Outcome is the terminal state of a run.
type Outcome struct {
	AgentID      string
	Status       v1.ExecutionStatus
	Reason       events.FailureReason // empty when completed
	Err          error
	Duration     time.Duration
	BugsFound    int
	PagesVisited int
}

// Options configures a Runner.
type Options struct {
	Timeout time.Duration
}

// Runner runs procedures with panic capture and a hard timeout.
type Runner struct {
	procedure Procedure
	timeout   time.Duration
	logger    *logger.Logger
	now       func() time.Time
}

// New creates a Runner around a procedure.
func New(procedure Procedure, opts Options, log *logger.Logger) *Runner {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Runner{
		procedure: procedure,
		timeout:   timeout,
		logger:    log.WithFields(zap.String("component", "agent-runner")),
		now:       time.Now,
	}
}

type procResult struct {
	result   *Result
	err      error
	panicked any
	stack    []byte
}

// Run executes one agent pass and blocks until its terminal event has been
// emitted. It never panics and never returns an error: every failure becomes
// agent_failed. A procedure that outlives the timeout or ctx is abandoned and
// whatever it reports afterwards is dropped.
func (r *Runner) Run(ctx context.Context, req Request, emit EmitFunc) Outcome {
	start := r.now()
	rec := newRecorder(req.Persona, emit, r.now)
	log := r.logger.WithSessionID(req.SessionID).WithAgentID(req.Persona.ID)

	rec.start(fmt.Sprintf("%s started testing %s", req.Persona.Name, req.TargetURL), events.StartedPayload{
		TargetURL:      req.TargetURL,
		Specialization: req.Persona.Specialization,
		DeviceType:     req.Persona.Device.Type,
		ViewportWidth:  req.Persona.Device.ViewportWidth,
		ViewportHeight: req.Persona.Device.ViewportHeight,
	})

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	done := make(chan procResult, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- procResult{panicked: p, stack: debug.Stack()}
			}
		}()
		res, err := r.procedure.Run(runCtx, req, rec)
		done <- procResult{result: res, err: err}
	}()

	var pr procResult
	select {
	case pr = <-done:
	case <-runCtx.Done():
		// Prefer a result that raced with the deadline.
		select {
		case pr = <-done:
		default:
			pr = procResult{err: runCtx.Err()}
		}
	}

	out := Outcome{
		AgentID:   req.Persona.ID,
		Duration:  r.now().Sub(start),
		BugsFound: rec.BugsFound(),
	}

	switch {
	case pr.panicked != nil:
		out.Status = v1.ExecutionStatusFailed
		out.Reason = events.ReasonPanic
		out.Err = fmt.Errorf("procedure panicked: %v", pr.panicked)
		log.Error("agent procedure panicked",
			zap.Any("panic", pr.panicked),
			zap.ByteString("stack", pr.stack))
	case pr.err != nil:
		out.Status = v1.ExecutionStatusFailed
		out.Reason = classify(ctx, runCtx, pr.err)
		out.Err = pr.err
		if out.Reason == events.ReasonTimeout {
			out.Err = fmt.Errorf("agent exceeded %s: %w", r.timeout, pr.err)
		}
		log.Warn("agent run failed", zap.String("reason", string(out.Reason)), zap.Error(pr.err))
	default:
		out.Status = v1.ExecutionStatusCompleted
		if pr.result != nil {
			out.PagesVisited = pr.result.PagesVisited
		}
	}

	if out.Status == v1.ExecutionStatusCompleted {
		summary := ""
		if pr.result != nil {
			summary = pr.result.Summary
		}
		rec.finish(events.AgentCompleted,
			fmt.Sprintf("%s finished testing: %d issue(s) found", req.Persona.Name, out.BugsFound),
			events.CompletedPayload{
				PagesVisited: out.PagesVisited,
				BugsFound:    out.BugsFound,
				DurationMs:   out.Duration.Milliseconds(),
				Summary:      summary,
			})
	} else {
		rec.finish(events.AgentFailed,
			fmt.Sprintf("%s failed: %v", req.Persona.Name, out.Err),
			events.FailedPayload{
				Reason:     out.Reason,
				Error:      out.Err.Error(),
				DurationMs: out.Duration.Milliseconds(),
			})
	}

	return out
}

// classify maps a procedure error to a failure reason. Cancellation of the
// parent wins over the runner's own deadline.
func classify(parent, run context.Context, err error) events.FailureReason {
	if parent.Err() != nil {
		return events.ReasonCancelled
	}
	if errors.Is(run.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return events.ReasonTimeout
	}
	return events.ReasonError
}
