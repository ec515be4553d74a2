package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/db"
	"github.com/betaforge/betaforge/internal/events"
	"github.com/betaforge/betaforge/internal/events/bus"
	"github.com/betaforge/betaforge/internal/orchestrator"
	"github.com/betaforge/betaforge/internal/session/repository"
	"github.com/betaforge/betaforge/internal/session/service"
	"github.com/betaforge/betaforge/internal/stream"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

type runOptions struct {
	agents   []string
	jsonOut  bool
	noVerify bool
	persist  bool
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <target-url>",
		Short: "Run one session against a URL and print its activity",
		Long: `run deploys agents against the target URL without a server and prints
the live activity stream. Results are kept in a private in-memory database
unless --persist is given. It exits non-zero when the session fails.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return runSession(cmd.Context(), cfg, log, args[0], opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringSliceVarP(&opts.agents, "agents", "a", nil, "agent ids to deploy (default: every enabled agent)")
	cmd.Flags().BoolVar(&opts.jsonOut, "json", false, "print raw stream frames as JSON lines")
	cmd.Flags().BoolVar(&opts.noVerify, "skip-preflight", false, "do not probe the target before deploying")
	cmd.Flags().BoolVar(&opts.persist, "persist", false, "store the session in the configured database")
	return cmd
}

func runSession(ctx context.Context, cfg *config.Config, log *logger.Logger, targetURL string, opts *runOptions, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg, _, err := registry.Provide(cfg.Registry, log)
	if err != nil {
		return fmt.Errorf("failed to load persona catalog: %w", err)
	}
	agentIDs := opts.agents
	if len(agentIDs) == 0 {
		for _, p := range reg.ListEnabled() {
			agentIDs = append(agentIDs, p.ID)
		}
	}

	dbCfg := config.DatabaseConfig{Driver: "sqlite", Path: db.MemoryPath}
	if opts.persist {
		dbCfg = cfg.Database
	}
	pool, err := db.Open(dbCfg)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() { _ = pool.Close() }()
	repo, closeRepo, err := repository.Provide(pool)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer func() { _ = closeRepo() }()

	eventBus := bus.NewMemoryEventBus(log)
	defer eventBus.Close()

	svcOpts := service.Options{
		AgentTimeout: cfg.Orchestrator.AgentTimeout,
		Metrics:      orchestrator.DefaultMetrics(),
	}
	if cfg.Orchestrator.Preflight && !opts.noVerify {
		svcOpts.Preflight = orchestrator.HTTPPreflight(nil, cfg.Orchestrator.PreflightTimeout)
	}
	svc := service.NewService(repo, reg, eventBus, log, svcOpts)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := svc.Shutdown(shutdownCtx); err != nil {
			log.Warn("session shutdown incomplete", zap.Error(err))
		}
	}()

	project, err := svc.CreateProject(ctx, &v1.CreateProjectRequest{Name: targetURL, TargetURL: targetURL})
	if err != nil {
		return err
	}

	publisher := stream.NewPublisher(repo, eventBus, log, stream.Options{
		PollInterval: cfg.Stream.PollInterval,
		BufferSize:   cfg.Stream.BufferSize,
	})

	session, _, err := svc.StartSession(ctx, project.ID, &v1.StartSessionRequest{AgentIDs: agentIDs})
	if err != nil {
		return err
	}
	sub, err := publisher.Subscribe(ctx, session.ID)
	if err != nil {
		return err
	}
	defer sub.Cancel()

	printer := newFramePrinter(out, opts.jsonOut)
	var ended *v1.StatusSnapshot
	for frame := range sub.Events() {
		if err := printer.print(frame); err != nil {
			return err
		}
		if frame.Type == v1.FrameSessionEnded {
			var snap v1.StatusSnapshot
			if err := json.Unmarshal(frame.Data, &snap); err == nil {
				ended = &snap
			}
		}
	}

	if ended == nil {
		return fmt.Errorf("session %s interrupted", session.ID)
	}
	if ended.Status == v1.SessionStatusFailed {
		return fmt.Errorf("session failed: %s", ended.Error)
	}
	return nil
}

type framePrinter struct {
	out     io.Writer
	jsonOut bool
	enc     *json.Encoder
}

func newFramePrinter(out io.Writer, jsonOut bool) *framePrinter {
	return &framePrinter{out: out, jsonOut: jsonOut, enc: json.NewEncoder(out)}
}

func (p *framePrinter) print(frame v1.StreamFrame) error {
	if p.jsonOut {
		return p.enc.Encode(frame)
	}
	_, err := fmt.Fprintln(p.out, formatFrame(frame))
	return err
}

// formatFrame renders one frame as a human readable line.
func formatFrame(frame v1.StreamFrame) string {
	ts := frame.Timestamp.Local().Format(time.TimeOnly)
	switch frame.Type {
	case v1.FrameConnected, v1.FrameSessionStatus, v1.FrameSessionEnded:
		var snap v1.StatusSnapshot
		_ = json.Unmarshal(frame.Data, &snap)
		line := fmt.Sprintf("%s  %-16s status=%s progress=%d%% bugs=%d", ts, frame.Type, snap.Status, snap.Progress, snap.BugsFound)
		if snap.Error != "" {
			line += " error=" + snap.Error
		}
		return line
	}

	line := fmt.Sprintf("%s  %-16s %s", ts, frame.AgentName, frame.Message)
	payload, err := events.DecodePayload(events.Type(frame.Type), frame.Data)
	if err != nil {
		return line
	}
	switch p := payload.(type) {
	case *events.BugPayload:
		line += fmt.Sprintf(" [%s] %s", strings.ToUpper(string(p.Severity)), p.Title)
		if p.PageURL != "" {
			line += " (" + p.PageURL + ")"
		}
	case *events.ProgressPayload:
		line += fmt.Sprintf(" (%d%%)", p.Progress)
	case *events.FailedPayload:
		line += fmt.Sprintf(" (%s)", p.Reason)
	case *events.SessionCompletedPayload:
		line += fmt.Sprintf(" (%d completed, %d failed)", p.CompletedAgents, p.FailedAgents)
	}
	return line
}
