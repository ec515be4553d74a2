package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/agent/registry"
	"github.com/betaforge/betaforge/internal/common/config"
	"github.com/betaforge/betaforge/internal/common/httpmw"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/common/tracing"
	"github.com/betaforge/betaforge/internal/db"
	"github.com/betaforge/betaforge/internal/events"
	"github.com/betaforge/betaforge/internal/orchestrator"
	"github.com/betaforge/betaforge/internal/session/api"
	"github.com/betaforge/betaforge/internal/session/repository"
	"github.com/betaforge/betaforge/internal/session/service"
	"github.com/betaforge/betaforge/internal/stream"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()
			return serve(cmd.Context(), cfg, log)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	log.Info("Starting BetaForge...", zap.String("version", version))

	if err := tracing.Init(ctx, cfg.Tracing.Endpoint, cfg.Tracing.ServiceName); err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	}

	pool, err := db.Open(cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	repo, closeRepo, err := repository.Provide(pool)
	if err != nil {
		_ = pool.Close()
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	log.Info("Database initialized", zap.String("driver", cfg.Database.Driver))

	closeStores := func() {
		_ = closeRepo()
		_ = pool.Close()
	}

	eventBus, closeBus, err := events.Provide(cfg.NATS, log)
	if err != nil {
		closeStores()
		return err
	}

	reg, _, err := registry.Provide(cfg.Registry, log)
	if err != nil {
		_ = closeBus()
		closeStores()
		return fmt.Errorf("failed to load persona catalog: %w", err)
	}

	opts := service.Options{
		AgentTimeout: cfg.Orchestrator.AgentTimeout,
		Metrics:      orchestrator.DefaultMetrics(),
	}
	if cfg.Orchestrator.Preflight {
		opts.Preflight = orchestrator.HTTPPreflight(nil, cfg.Orchestrator.PreflightTimeout)
	}
	svc := service.NewService(repo, reg, eventBus, log, opts)

	publisher := stream.NewPublisher(repo, eventBus, log, stream.Options{
		PollInterval: cfg.Stream.PollInterval,
		BufferSize:   cfg.Stream.BufferSize,
	})

	handlers := api.NewHandlers(svc, publisher, api.Options{
		HeartbeatInterval: cfg.Stream.HeartbeatInterval,
		AllowedOrigins:    cfg.Server.CORSOrigins,
		HealthChecks: []api.HealthCheck{
			{Name: "database", Check: pool.Writer().PingContext},
			{Name: "event_bus", Check: func(context.Context) error {
				if !eventBus.IsConnected() {
					return fmt.Errorf("event bus disconnected")
				}
				return nil
			}},
		},
	}, log)

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(httpmw.Recovery(log))
	router.Use(httpmw.OtelTracing("betaforge"))
	router.Use(httpmw.RequestLogger(log, "betaforge"))
	router.Use(corsMiddleware(cfg.Server.CORSOrigins))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	api.RegisterRoutes(router, handlers)

	server := &http.Server{
		Addr:        cfg.Server.Addr(),
		Handler:     router,
		ReadTimeout: cfg.Server.ReadTimeout,
		// Streams are long-lived; a zero write timeout keeps them open.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	var runErr error
	select {
	case <-quit:
	case <-ctx.Done():
	case err := <-serverErr:
		runErr = fmt.Errorf("http server failed: %w", err)
	}

	log.Info("Shutting down BetaForge...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Running sessions record their outcome before the stores close.
	if err := svc.Shutdown(shutdownCtx); err != nil {
		log.Error("Session shutdown incomplete", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	if err := closeBus(); err != nil {
		log.Error("Event bus close error", zap.Error(err))
	}
	if err := closeRepo(); err != nil {
		log.Error("Repository close error", zap.Error(err))
	}
	if err := pool.Close(); err != nil {
		log.Error("Database close error", zap.Error(err))
	}
	if err := tracing.Shutdown(shutdownCtx); err != nil {
		log.Error("Tracing shutdown error", zap.Error(err))
	}

	log.Info("BetaForge stopped")
	return runErr
}

// corsMiddleware allows the configured origins. An empty list or one
// containing "*" allows every origin.
func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "Last-Event-ID", httpmw.RequestIDHeader},
		ExposeHeaders: []string{"Content-Length", httpmw.RequestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || slices.Contains(origins, "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}
