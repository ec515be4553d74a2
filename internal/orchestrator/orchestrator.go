// Package orchestrator deploys a session's agents concurrently and merges
// their event streams into the session event handler.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/agent/runner"
	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/common/tracing"
	"github.com/betaforge/betaforge/internal/events"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

var (
	ErrNoAgents         = errors.ValidationError("agents", "at least one agent must be selected")
	ErrInvalidTargetURL = errors.ValidationError("target_url", "must be an absolute http or https URL")
	ErrNoEventHandler   = errors.ValidationError("on_event", "an event handler is required")
	ErrAlreadyDeployed  = errors.Conflict("agents were already deployed for this session")

	// ErrCancelled is returned by DeployAgents when ctx was cancelled. Every
	// runner has still emitted its terminal event; session_completed has not.
	ErrCancelled = stderrors.New("orchestration cancelled")
)

// EventHandler receives every event of the session. Calls are serialized.
// An error is logged and does not stop the session.
type EventHandler func(ctx context.Context, ev events.AgentEvent) error

// AgentRunner runs one agent pass. *runner.Runner implements it.
type AgentRunner interface {
	Run(ctx context.Context, req runner.Request, emit runner.EmitFunc) runner.Outcome
}

// Config holds everything an orchestrator needs. Construction performs no I/O.
type Config struct {
	ProjectID string
	SessionID string
	TargetURL string
	Agents    []*registry.Persona
	OnEvent   EventHandler

	// Runner defaults to the Explorer procedure with the default timeout.
	Runner AgentRunner
	// Preflight, when set, runs before any runner starts.
	Preflight PreflightFunc
	// Metrics defaults to the globally registered collectors.
	Metrics *Metrics
	Logger  *logger.Logger
}

// Orchestrator owns the deployment of one session's agents.
type Orchestrator struct {
	cfg      Config
	runner   AgentRunner
	metrics  *Metrics
	logger   *logger.Logger
	deployed atomic.Bool
	now      func() time.Time
}

// New validates cfg and builds an orchestrator. Duplicate personas are not
// deduplicated; callers are expected to pass distinct agents.
func New(cfg Config) (*Orchestrator, error) {
	if len(cfg.Agents) == 0 {
		return nil, ErrNoAgents
	}
	for _, a := range cfg.Agents {
		if a == nil {
			return nil, errors.ValidationError("agents", "nil agent")
		}
	}
	if !validTargetURL(cfg.TargetURL) {
		return nil, ErrInvalidTargetURL
	}
	if cfg.OnEvent == nil {
		return nil, ErrNoEventHandler
	}

	log := cfg.Logger
	if log == nil {
		log = logger.Default()
	}
	log = log.WithFields(zap.String("component", "orchestrator")).WithSessionID(cfg.SessionID)

	r := cfg.Runner
	if r == nil {
		r = runner.New(runner.NewExplorer(nil, log), runner.Options{}, log)
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = DefaultMetrics()
	}

	return &Orchestrator{
		cfg:     cfg,
		runner:  r,
		metrics: metrics,
		logger:  log,
		now:     time.Now,
	}, nil
}

func validTargetURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// DeployAgents starts one runner per agent, all concurrently, and forwards
// every event to the handler. It returns once every runner is terminal and,
// on success, after session_completed has been handled. Agent failures do
// not fail the deployment. A preflight failure is returned before any runner
// starts. ErrCancelled is returned when cancellation of ctx cut at least one
// runner short.
func (o *Orchestrator) DeployAgents(ctx context.Context) error {
	if !o.deployed.CompareAndSwap(false, true) {
		return ErrAlreadyDeployed
	}

	ctx, span := tracing.Tracer("betaforge/orchestrator").Start(ctx, "orchestrator.deploy")
	defer span.End()
	span.SetAttributes(
		attribute.String("session.id", o.cfg.SessionID),
		attribute.String("project.id", o.cfg.ProjectID),
		attribute.Int("agents", len(o.cfg.Agents)),
	)

	if o.cfg.Preflight != nil {
		if err := o.cfg.Preflight(ctx, o.cfg.TargetURL); err != nil {
			o.metrics.deploymentRejected("preflight_failed")
			span.RecordError(err)
			span.SetStatus(codes.Error, "preflight failed")
			return err
		}
	}

	start := o.now()
	o.metrics.sessionStarted()
	o.logger.Info("deploying agents", zap.Int("agents", len(o.cfg.Agents)), zap.String("target_url", o.cfg.TargetURL))

	// The handler must persist terminal events even after ctx is cancelled.
	s := newSink(context.WithoutCancel(ctx), o.cfg.OnEvent, o.metrics, o.logger)

	outcomes := make([]runner.Outcome, len(o.cfg.Agents))
	var g errgroup.Group
	for i, persona := range o.cfg.Agents {
		g.Go(func() error {
			outcomes[i] = o.runAgent(ctx, persona, s.Emit)
			return nil
		})
	}
	_ = g.Wait()

	summary := summarize(outcomes)
	summary.DurationMs = o.now().Sub(start).Milliseconds()

	// Cancellation counts only when it reached a runner. A ctx cancelled
	// after every runner already finished still completes the session.
	if cancelled := cancelledRuns(outcomes); cancelled > 0 {
		err := context.Cause(ctx)
		if err == nil {
			err = context.Canceled
		}
		s.close()
		o.metrics.sessionFinished("cancelled")
		o.logger.Warn("deployment cancelled",
			zap.Int("cancelled", cancelled),
			zap.Int("completed", summary.CompletedAgents),
			zap.Int("failed", summary.FailedAgents))
		span.SetStatus(codes.Error, "cancelled")
		return fmt.Errorf("%w: %w", ErrCancelled, err)
	}

	s.Emit(events.AgentEvent{
		Type: events.SessionCompleted,
		Message: fmt.Sprintf("Session completed: %d of %d agent(s) finished, %d failed",
			summary.CompletedAgents, summary.TotalAgents, summary.FailedAgents),
		Progress:   100,
		Payload:    summary,
		OccurredAt: o.now().UTC(),
	})
	s.close()

	o.metrics.sessionFinished("completed")
	o.logger.Info("deployment finished",
		zap.Int("completed", summary.CompletedAgents),
		zap.Int("failed", summary.FailedAgents),
		zap.Int64("duration_ms", summary.DurationMs))
	return nil
}

func (o *Orchestrator) runAgent(ctx context.Context, persona *registry.Persona, emit runner.EmitFunc) runner.Outcome {
	ctx, span := tracing.Tracer("betaforge/orchestrator").Start(ctx, "agent.run")
	defer span.End()
	span.SetAttributes(attribute.String("agent.id", persona.ID))

	out := o.runner.Run(ctx, runner.Request{
		SessionID: o.cfg.SessionID,
		TargetURL: o.cfg.TargetURL,
		Persona:   persona,
	}, emit)

	span.SetAttributes(attribute.String("agent.outcome", string(out.Status)))
	if out.Err != nil {
		span.RecordError(out.Err)
		span.SetStatus(codes.Error, string(out.Reason))
	}
	o.metrics.agentFinished(string(out.Status), string(out.Reason), out.Duration)
	return out
}

func summarize(outcomes []runner.Outcome) events.SessionCompletedPayload {
	p := events.SessionCompletedPayload{TotalAgents: len(outcomes)}
	for _, out := range outcomes {
		if out.Status == v1.ExecutionStatusCompleted {
			p.CompletedAgents++
		} else {
			p.FailedAgents++
		}
	}
	return p
}

func cancelledRuns(outcomes []runner.Outcome) int {
	n := 0
	for _, out := range outcomes {
		if out.Reason == events.ReasonCancelled {
			n++
		}
	}
	return n
}

// Deploy launches DeployAgents in a supervised goroutine. onDone receives
// the result, including a recovered panic as an error, and is never called
// more than once. The returned channel closes after onDone returns.
func (o *Orchestrator) Deploy(ctx context.Context, onDone func(error)) <-chan struct{} {
	finished := make(chan struct{})
	var once sync.Once
	report := func(err error) {
		once.Do(func() {
			if onDone != nil {
				onDone(err)
			}
		})
	}
	go func() {
		defer close(finished)
		defer func() {
			if p := recover(); p != nil {
				o.logger.Error("orchestration panicked", zap.Any("panic", p))
				report(fmt.Errorf("orchestration panicked: %v", p))
			}
		}()
		report(o.DeployAgents(ctx))
	}()
	return finished
}
