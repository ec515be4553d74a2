package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betaforge/betaforge/internal/events"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func TestAgentsCommandJSON(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"agents", "--json", "--config", t.TempDir()})
	require.NoError(t, cmd.Execute())

	var resp v1.ListAgentsResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Equal(t, len(resp.Agents), resp.Total)
	assert.NotZero(t, resp.Total)
}

func TestFormatFrame(t *testing.T) {
	data, err := json.Marshal(events.BugPayload{Severity: v1.SeverityHigh, Title: "Checkout fails", PageURL: "https://shop.test/checkout"})
	require.NoError(t, err)
	line := formatFrame(v1.StreamFrame{
		Type:      string(events.AgentBugFound),
		AgentName: "Sarah",
		Message:   "Found an issue",
		Data:      data,
		Timestamp: time.Now(),
	})
	assert.Contains(t, line, "Sarah")
	assert.Contains(t, line, "[HIGH] Checkout fails (https://shop.test/checkout)")

	snap, err := json.Marshal(v1.StatusSnapshot{Status: v1.SessionStatusFailed, Progress: 40, Error: "target unreachable"})
	require.NoError(t, err)
	line = formatFrame(v1.StreamFrame{Type: v1.FrameSessionEnded, Data: snap, Timestamp: time.Now()})
	assert.Contains(t, line, "status=failed progress=40%")
	assert.Contains(t, line, "error=target unreachable")
}

func TestCORSMiddlewareWildcard(t *testing.T) {
	gin.SetMode(gin.TestMode)
	for _, origins := range [][]string{nil, {"*"}, {"https://app.example.test", "*"}} {
		r := gin.New()
		r.Use(corsMiddleware(origins))
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

		req := httptest.NewRequest(http.MethodGet, "/x", nil)
		req.Header.Set("Origin", "https://anywhere.test")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"), "origins %v", origins)
	}
}

func TestCORSMiddlewareRestricted(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(corsMiddleware([]string{"https://app.example.test"}))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "https://evil.test")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
