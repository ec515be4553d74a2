package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Options tunes the API.
type Options struct {
	HeartbeatInterval time.Duration
	// HealthChecks are run by GET /health.
	HealthChecks []HealthCheck
	// AllowedOrigins restricts WebSocket handshakes. Empty or "*" allows all.
	AllowedOrigins []string
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RegisterRoutes mounts the API on router.
func RegisterRoutes(router *gin.Engine, h *Handlers) {
	router.GET("/health", h.httpHealth)

	api := router.Group("/api/v1")
	api.GET("/agents", h.httpListAgents)

	api.GET("/projects", h.httpListProjects)
	api.POST("/projects", h.httpCreateProject)
	api.GET("/projects/:id", h.httpGetProject)
	api.PATCH("/projects/:id", h.httpUpdateProject)
	api.DELETE("/projects/:id", h.httpDeleteProject)
	api.GET("/projects/:id/sessions", h.httpListSessions)
	api.POST("/projects/:id/sessions", h.httpStartSession)
	api.POST("/projects/:id/webhook", h.httpTriggerWebhook)
	api.GET("/projects/:id/bugs", h.httpListProjectBugs)

	api.GET("/sessions/:id", h.httpGetSession)
	api.DELETE("/sessions/:id", h.httpDeleteSession)
	api.POST("/sessions/:id/cancel", h.httpCancelSession)
	api.GET("/sessions/:id/logs", h.httpListActivity)
	api.GET("/sessions/:id/bugs", h.httpListSessionBugs)
	api.GET("/sessions/:id/stream", h.httpStreamSSE)
	api.GET("/sessions/:id/ws", h.httpStreamWS)

	api.GET("/bugs", h.httpListBugs)
	api.GET("/bugs/:id", h.httpGetBug)
	api.PATCH("/bugs/:id", h.httpUpdateBug)
	api.DELETE("/bugs/:id", h.httpDeleteBug)
}

func (h *Handlers) httpHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{}
	for _, hc := range h.opts.HealthChecks {
		if err := hc.Check(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks[hc.Name] = err.Error()
			continue
		}
		checks[hc.Name] = "ok"
	}
	state := "ok"
	if status != http.StatusOK {
		state = "degraded"
	}
	c.JSON(status, gin.H{
		"status":          state,
		"checks":          checks,
		"active_sessions": h.service.ActiveSessions(),
	})
}
