package runner

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

func newTestSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, `<html><head><title>Shop</title></head><body>
			<a href="/about">About</a>
			<a href="/checkout#pay">Checkout</a>
			<a href="/missing">Old promo</a>
			<a href="https://elsewhere.example/">Partner</a>
			<img src="/logo.png">
		</body></html>`)
	})
	mux.HandleFunc("/about", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><head></head><body>
			<form><label for="email">Email</label><input id="email"><input name="phone"></form>
			<a href="/">Home</a>
		</body></html>`)
	})
	mux.HandleFunc("/checkout", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestExplorer() *Explorer {
	e := NewExplorer(nil, logger.Nop())
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return e
}

func bugsByTitle(evs []events.AgentEvent) map[string]events.BugPayload {
	out := map[string]events.BugPayload{}
	for _, ev := range evs {
		if ev.Type == events.AgentBugFound {
			bug := ev.Payload.(events.BugPayload)
			out[bug.Title] = bug
		}
	}
	return out
}

func TestExplorerFindsIssues(t *testing.T) {
	srv := newTestSite(t)
	req := Request{SessionID: "s1", TargetURL: srv.URL, Persona: testPersona("sarah")}
	req.Persona.Behavior.MaxPages = 10

	c := &collector{}
	out := New(newTestExplorer(), Options{Timeout: 10 * time.Second}, logger.Nop()).Run(context.Background(), req, c.emit)
	require.Equal(t, v1.ExecutionStatusCompleted, out.Status, "err: %v", out.Err)
	assert.Equal(t, 4, out.PagesVisited, "external links are not followed")

	evs := c.snapshot()
	assertWellFormed(t, evs)

	bugs := bugsByTitle(evs)
	var titles []string
	for title := range bugs {
		titles = append(titles, title)
	}

	checkout, ok := bugs["Server error 500 on /checkout"]
	require.True(t, ok, "titles: %v", titles)
	assert.Equal(t, v1.SeverityHigh, checkout.Severity)
	assert.Equal(t, []string{"Open " + srv.URL + "/", "Follow the link to " + srv.URL + "/checkout"}, checkout.StepsToReproduce)

	missing, ok := bugs["Broken link: /missing returns 404"]
	require.True(t, ok, "titles: %v", titles)
	assert.Equal(t, v1.SeverityMedium, missing.Severity)

	assert.Contains(t, bugs, "Missing page title on /about")
	assert.Contains(t, bugs, "1 image(s) without alt text on /")
	assert.Contains(t, bugs, "1 form field(s) without a label on /about")
	assert.Equal(t, 5, out.BugsFound)

	for _, ev := range evs {
		if ev.Type == events.AgentAction {
			assert.False(t, strings.Contains(ev.Payload.(events.ActionPayload).URL, "elsewhere.example"))
		}
	}
}

func TestExplorerRespectsPageBudget(t *testing.T) {
	srv := newTestSite(t)
	req := Request{SessionID: "s1", TargetURL: srv.URL, Persona: testPersona("marcus")}
	req.Persona.Behavior.MaxPages = 2

	c := &collector{}
	out := New(newTestExplorer(), Options{}, logger.Nop()).Run(context.Background(), req, c.emit)
	require.Equal(t, v1.ExecutionStatusCompleted, out.Status)
	assert.Equal(t, 2, out.PagesVisited)
}

func TestExplorerCriticalWhenLandingPageFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := &collector{}
	out := New(newTestExplorer(), Options{}, logger.Nop()).Run(context.Background(),
		Request{SessionID: "s1", TargetURL: srv.URL, Persona: testPersona("sarah")}, c.emit)
	require.Equal(t, v1.ExecutionStatusCompleted, out.Status)

	bugs := bugsByTitle(c.snapshot())
	bug, ok := bugs["Server error 502 on /"]
	require.True(t, ok)
	assert.Equal(t, v1.SeverityCritical, bug.Severity)
}

func TestExplorerUnreachableTargetFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	target := srv.URL
	srv.Close()

	c := &collector{}
	out := New(newTestExplorer(), Options{}, logger.Nop()).Run(context.Background(),
		Request{SessionID: "s1", TargetURL: target, Persona: testPersona("sarah")}, c.emit)

	assert.Equal(t, v1.ExecutionStatusFailed, out.Status)
	assert.Equal(t, events.ReasonError, out.Reason)
	assertWellFormed(t, c.snapshot())
}

func TestExplorerRejectsInvalidTarget(t *testing.T) {
	c := &collector{}
	out := New(newTestExplorer(), Options{}, logger.Nop()).Run(context.Background(),
		Request{SessionID: "s1", TargetURL: "ftp://files", Persona: testPersona("sarah")}, c.emit)
	assert.Equal(t, v1.ExecutionStatusFailed, out.Status)
}
