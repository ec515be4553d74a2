// Package api exposes projects, sessions, bug reports and session streams
// over HTTP.
package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/errors"
	"github.com/betaforge/betaforge/internal/common/httpmw"
	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/session/models"
	"github.com/betaforge/betaforge/internal/session/service"
	"github.com/betaforge/betaforge/internal/stream"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

// Handlers serves the session API.
type Handlers struct {
	service   *service.Service
	publisher *stream.Publisher
	opts      Options
	upgrader  *websocket.Upgrader
	logger    *logger.Logger
}

// NewHandlers creates the API handlers.
func NewHandlers(svc *service.Service, publisher *stream.Publisher, opts Options, log *logger.Logger) *Handlers {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = stream.DefaultHeartbeatInterval
	}
	return &Handlers{
		service:   svc,
		publisher: publisher,
		opts:      opts,
		upgrader:  newUpgrader(opts.AllowedOrigins),
		logger:    log.WithFields(zap.String("component", "session-api")),
	}
}

func bindJSON(c *gin.Context, v interface{}) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		httpmw.RespondError(c, errors.BadRequest("invalid request body: "+err.Error()))
		return false
	}
	return true
}

// Projects

func (h *Handlers) httpCreateProject(c *gin.Context) {
	var req v1.CreateProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	project, err := h.service.CreateProject(c.Request.Context(), &req)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, project.ToAPI())
}

func (h *Handlers) httpListProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context())
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	resp := v1.ListProjectsResponse{Projects: make([]*v1.Project, 0, len(projects))}
	for _, p := range projects {
		resp.Projects = append(resp.Projects, p.ToAPI())
	}
	resp.Total = len(resp.Projects)
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpGetProject(c *gin.Context) {
	project, err := h.service.GetProject(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project.ToAPI())
}

func (h *Handlers) httpUpdateProject(c *gin.Context) {
	var req v1.UpdateProjectRequest
	if !bindJSON(c, &req) {
		return
	}
	project, err := h.service.UpdateProject(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, project.ToAPI())
}

func (h *Handlers) httpDeleteProject(c *gin.Context) {
	if err := h.service.DeleteProject(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Sessions

func (h *Handlers) httpStartSession(c *gin.Context) {
	var req v1.StartSessionRequest
	if !bindJSON(c, &req) {
		return
	}
	session, executions, err := h.service.StartSession(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, session.ToAPI(executions))
}

func (h *Handlers) httpTriggerWebhook(c *gin.Context) {
	var req v1.WebhookTriggerRequest
	if !bindJSON(c, &req) {
		return
	}
	session, executions, err := h.service.TriggerWebhook(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, session.ToAPI(executions))
}

func (h *Handlers) httpListSessions(c *gin.Context) {
	sessions, err := h.service.ListSessions(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	resp := v1.ListSessionsResponse{Sessions: make([]*v1.Session, 0, len(sessions))}
	for _, s := range sessions {
		resp.Sessions = append(resp.Sessions, s.ToAPI(nil))
	}
	resp.Total = len(resp.Sessions)
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpGetSession(c *gin.Context) {
	session, executions, err := h.service.GetSession(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, session.ToAPI(executions))
}

func (h *Handlers) httpCancelSession(c *gin.Context) {
	id := c.Param("id")
	if err := h.service.CancelSession(c.Request.Context(), id); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	h.httpGetSession(c)
}

func (h *Handlers) httpDeleteSession(c *gin.Context) {
	if err := h.service.DeleteSession(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handlers) httpListActivity(c *gin.Context) {
	afterSeq, err := parseSeq(c.Query("after_seq"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	entries, err := h.service.ListActivity(c.Request.Context(), c.Param("id"), afterSeq)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	resp := v1.ListActivityResponse{Entries: make([]*v1.ActivityEntry, 0, len(entries))}
	for _, e := range entries {
		resp.Entries = append(resp.Entries, e.ToAPI())
	}
	resp.Total = len(resp.Entries)
	c.JSON(http.StatusOK, resp)
}

func parseSeq(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq < 0 {
		return 0, errors.ValidationError("after_seq", "must be a non-negative integer")
	}
	return seq, nil
}

// Bug reports

func (h *Handlers) httpListBugs(c *gin.Context) {
	filter := models.BugFilter{
		ProjectID: c.Query("project_id"),
		SessionID: c.Query("session_id"),
		Severity:  v1.Severity(c.Query("severity")),
		Status:    v1.BugStatus(c.Query("status")),
	}
	h.listBugs(c, filter)
}

func (h *Handlers) httpListSessionBugs(c *gin.Context) {
	if _, _, err := h.service.GetSession(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	h.listBugs(c, models.BugFilter{
		SessionID: c.Param("id"),
		Severity:  v1.Severity(c.Query("severity")),
		Status:    v1.BugStatus(c.Query("status")),
	})
}

func (h *Handlers) httpListProjectBugs(c *gin.Context) {
	if _, err := h.service.GetProject(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	h.listBugs(c, models.BugFilter{
		ProjectID: c.Param("id"),
		Severity:  v1.Severity(c.Query("severity")),
		Status:    v1.BugStatus(c.Query("status")),
	})
}

func (h *Handlers) listBugs(c *gin.Context, filter models.BugFilter) {
	bugs, err := h.service.ListBugs(c.Request.Context(), filter)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	resp := v1.ListBugsResponse{Bugs: make([]*v1.BugReport, 0, len(bugs))}
	for _, b := range bugs {
		resp.Bugs = append(resp.Bugs, b.ToAPI())
	}
	resp.Total = len(resp.Bugs)
	c.JSON(http.StatusOK, resp)
}

func (h *Handlers) httpGetBug(c *gin.Context) {
	bug, err := h.service.GetBug(c.Request.Context(), c.Param("id"))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bug.ToAPI())
}

func (h *Handlers) httpUpdateBug(c *gin.Context) {
	var req v1.UpdateBugRequest
	if !bindJSON(c, &req) {
		return
	}
	bug, err := h.service.UpdateBug(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, bug.ToAPI())
}

func (h *Handlers) httpDeleteBug(c *gin.Context) {
	if err := h.service.DeleteBug(c.Request.Context(), c.Param("id")); err != nil {
		httpmw.RespondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Agents

func (h *Handlers) httpListAgents(c *gin.Context) {
	agents := h.service.ListAgents()
	resp := v1.ListAgentsResponse{Agents: make([]*v1.Agent, 0, len(agents))}
	for _, a := range agents {
		resp.Agents = append(resp.Agents, a.ToAPI())
	}
	resp.Total = len(resp.Agents)
	c.JSON(http.StatusOK, resp)
}
