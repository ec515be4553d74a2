package api

import (
	"context"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/httpmw"
	"github.com/betaforge/betaforge/internal/stream"
)

// newUpgrader builds the WebSocket upgrader. CORS does not cover the
// handshake, so the Origin header is checked against the same allow list.
func newUpgrader(origins []string) *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(origins, r.Header.Get("Origin"))
		},
	}
}

// originAllowed accepts non-browser clients that send no Origin.
func originAllowed(origins []string, origin string) bool {
	if origin == "" || len(origins) == 0 || slices.Contains(origins, "*") {
		return true
	}
	return slices.Contains(origins, origin)
}

// httpStreamSSE streams a session as server-sent events. Clients resume
// with the Last-Event-ID header.
func (h *Handlers) httpStreamSSE(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.publisher.SubscribeFrom(ctx, c.Param("id"), stream.LastEventID(c.Request))
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}
	defer sub.Cancel()

	if err := stream.WriteSSE(ctx, c.Writer, sub, h.opts.HeartbeatInterval); err != nil {
		h.logger.Debug("sse stream closed", zap.String("session_id", c.Param("id")), zap.Error(err))
	}
}

// httpStreamWS streams a session over a WebSocket.
func (h *Handlers) httpStreamWS(c *gin.Context) {
	sessionID := c.Param("id")
	// The hijacked connection outlives the request context; the read pump
	// cancels the subscription on disconnect.
	sub, err := h.publisher.Subscribe(context.WithoutCancel(c.Request.Context()), sessionID)
	if err != nil {
		httpmw.RespondError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		sub.Cancel()
		h.logger.Error("failed to upgrade connection", zap.String("session_id", sessionID), zap.Error(err))
		return
	}
	h.logger.Debug("websocket stream opened", zap.String("session_id", sessionID))
	stream.ServeWebSocket(conn, sub, h.logger)
}
