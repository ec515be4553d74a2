package runner

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/betaforge/betaforge/internal/common/logger"
	"github.com/betaforge/betaforge/internal/events"
	v1 "github.com/betaforge/betaforge/pkg/api/v1"
)

const (
	defaultMaxBodyBytes = 2 << 20
	visitedCacheSize    = 4096
)

// Explorer is the default procedure. It crawls same-origin pages of the
// target breadth first, as the persona's browser would, and reports what a
// careful human tester would flag: server errors, broken links, unreachable
// pages and basic accessibility gaps.
type Explorer struct {
	client       *http.Client
	maxBodyBytes int64
	logger       *logger.Logger
	sleep        func(ctx context.Context, d time.Duration) error
}

// NewExplorer creates an Explorer. A nil client uses a client with a 30s timeout.
func NewExplorer(client *http.Client, log *logger.Logger) *Explorer {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Explorer{
		client:       client,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       log.WithFields(zap.String("component", "explorer")),
		sleep:        sleepCtx,
	}
}

type page struct {
	url        string
	referrer   string
	statusCode int
	duration   time.Duration
	doc        *goquery.Document
}

// Run implements Procedure.
func (e *Explorer) Run(ctx context.Context, req Request, rec *Recorder) (*Result, error) {
	base, err := url.Parse(req.TargetURL)
	if err != nil || (base.Scheme != "http" && base.Scheme != "https") || base.Host == "" {
		return nil, fmt.Errorf("invalid target url %q", req.TargetURL)
	}
	base.Fragment = ""
	if base.Path == "" {
		base.Path = "/"
	}

	persona := req.Persona
	budget := persona.Behavior.MaxPages
	if budget <= 0 {
		budget = 10
	}

	visited, err := lru.New[string, struct{}](visitedCacheSize)
	if err != nil {
		return nil, err
	}

	type item struct{ url, referrer string }
	queue := []item{{url: base.String()}}
	pages := 0

	for len(queue) > 0 && pages < budget {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		next := queue[0]
		queue = queue[1:]
		if visited.Contains(next.url) {
			continue
		}
		visited.Add(next.url, struct{}{})

		rec.Action(fmt.Sprintf("%s navigates to %s", persona.Name, displayPath(next.url)), events.ActionPayload{
			Action: "navigate",
			URL:    next.url,
			Target: next.referrer,
		})

		p, err := e.fetch(ctx, next.url, persona.Device.UserAgent)
		pages++
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if pages == 1 {
				return nil, fmt.Errorf("target unreachable: %w", err)
			}
			rec.BugFound(fmt.Sprintf("%s could not load %s", persona.Name, displayPath(next.url)),
				e.bug(req, next.url, next.referrer, v1.SeverityHigh,
					"Page failed to load",
					fmt.Sprintf("Requesting %s failed before a response was received.", next.url),
					"The page loads", err.Error(), 0, 0))
		} else {
			p.referrer = next.referrer
			rec.Action(fmt.Sprintf("%s sees %s (%d)", persona.Name, displayPath(p.url), p.statusCode), events.ActionPayload{
				Action:     "inspect",
				URL:        p.url,
				StatusCode: p.statusCode,
				DurationMs: p.duration.Milliseconds(),
			})
			e.inspect(req, p, rec)
			for _, link := range sameOriginLinks(base, p) {
				if !visited.Contains(link) {
					queue = append(queue, item{url: link, referrer: p.url})
				}
			}
			rec.Screenshot(fmt.Sprintf("%s captured %s", persona.Name, displayPath(p.url)), events.ScreenshotPayload{
				Ref:     fmt.Sprintf("screenshots/%s/%s/%03d.png", req.SessionID, persona.ID, pages),
				PageURL: p.url,
				Caption: fmt.Sprintf("%s at %dx%d", displayPath(p.url), persona.Device.ViewportWidth, persona.Device.ViewportHeight),
			})
		}

		planned := pages + len(queue)
		if planned > budget {
			planned = budget
		}
		rec.Progress(fmt.Sprintf("%s explored %d of %d pages", persona.Name, pages, planned), events.ProgressPayload{
			Progress:     pages * 100 / planned,
			PagesVisited: pages,
			PageBudget:   budget,
		})

		if len(queue) > 0 && pages < budget {
			if err := e.sleep(ctx, persona.Behavior.ThinkTime()); err != nil {
				return nil, err
			}
		}
	}

	return &Result{
		PagesVisited: pages,
		Summary:      fmt.Sprintf("Visited %d page(s), reported %d issue(s)", pages, rec.BugsFound()),
	}, nil
}

func (e *Explorer) fetch(ctx context.Context, target, userAgent string) (*page, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if userAgent != "" {
		httpReq.Header.Set("User-Agent", userAgent)
	}
	httpReq.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8")

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	p := &page{
		url:        resp.Request.URL.String(),
		statusCode: resp.StatusCode,
	}

	if resp.StatusCode < 400 && strings.Contains(resp.Header.Get("Content-Type"), "html") {
		doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, e.maxBodyBytes))
		if err != nil {
			e.logger.Debug("failed to parse page", zap.String("url", target), zap.Error(err))
		} else {
			p.doc = doc
		}
	} else {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, e.maxBodyBytes))
	}
	p.duration = time.Since(start)
	return p, nil
}

// inspect reports the findings of one loaded page.
func (e *Explorer) inspect(req Request, p *page, rec *Recorder) {
	name := req.Persona.Name
	switch {
	case p.statusCode >= 500:
		severity := v1.SeverityHigh
		if p.referrer == "" {
			severity = v1.SeverityCritical
		}
		rec.BugFound(fmt.Sprintf("%s hit a server error on %s", name, displayPath(p.url)),
			e.bug(req, p.url, p.referrer, severity,
				fmt.Sprintf("Server error %d on %s", p.statusCode, displayPath(p.url)),
				"The server answered with an error instead of the page.",
				"The page loads", fmt.Sprintf("HTTP %d", p.statusCode), p.statusCode, p.duration))
		return
	case p.statusCode >= 400:
		rec.BugFound(fmt.Sprintf("%s followed a broken link to %s", name, displayPath(p.url)),
			e.bug(req, p.url, p.referrer, v1.SeverityMedium,
				fmt.Sprintf("Broken link: %s returns %d", displayPath(p.url), p.statusCode),
				"A link on the site points to a page that does not exist.",
				"The linked page loads", fmt.Sprintf("HTTP %d", p.statusCode), p.statusCode, p.duration))
		return
	}

	if p.doc == nil {
		return
	}

	if strings.TrimSpace(p.doc.Find("title").First().Text()) == "" {
		rec.BugFound(fmt.Sprintf("%s noticed %s has no title", name, displayPath(p.url)),
			e.bug(req, p.url, p.referrer, v1.SeverityLow,
				fmt.Sprintf("Missing page title on %s", displayPath(p.url)),
				"The document has no <title>, so tabs, bookmarks and screen readers show nothing useful.",
				"A descriptive <title>", "Empty or missing <title>", p.statusCode, p.duration))
	}

	missingAlt := p.doc.Find("img").FilterFunction(func(_ int, s *goquery.Selection) bool {
		_, ok := s.Attr("alt")
		return !ok
	}).Length()
	if missingAlt > 0 {
		rec.BugFound(fmt.Sprintf("%s found images without alt text on %s", name, displayPath(p.url)),
			e.bug(req, p.url, p.referrer, v1.SeverityLow,
				fmt.Sprintf("%d image(s) without alt text on %s", missingAlt, displayPath(p.url)),
				"Images without an alt attribute are invisible to screen reader users.",
				"Every <img> has an alt attribute", fmt.Sprintf("%d <img> without alt", missingAlt), p.statusCode, p.duration))
	}

	unlabeled := unlabeledInputs(p.doc)
	if unlabeled > 0 {
		rec.BugFound(fmt.Sprintf("%s found unlabeled form fields on %s", name, displayPath(p.url)),
			e.bug(req, p.url, p.referrer, v1.SeverityLow,
				fmt.Sprintf("%d form field(s) without a label on %s", unlabeled, displayPath(p.url)),
				"Form fields without a label or aria-label cannot be identified by assistive technology.",
				"Every field has a label", fmt.Sprintf("%d unlabeled field(s)", unlabeled), p.statusCode, p.duration))
	}
}

func (e *Explorer) bug(req Request, pageURL, referrer string, severity v1.Severity, title, description, expected, actual string, status int, duration time.Duration) events.BugPayload {
	steps := []string{}
	if referrer != "" {
		steps = append(steps, "Open "+referrer, "Follow the link to "+pageURL)
	} else {
		steps = append(steps, "Open "+pageURL)
	}
	device := req.Persona.Device
	return events.BugPayload{
		Severity:         severity,
		Title:            title,
		Description:      description,
		StepsToReproduce: steps,
		ExpectedBehavior: expected,
		ActualBehavior:   actual,
		NetworkLogs: []v1.NetworkLog{{
			Method:     http.MethodGet,
			URL:        pageURL,
			StatusCode: status,
			DurationMs: duration.Milliseconds(),
		}},
		Environment: map[string]string{
			"device_type": device.Type,
			"viewport":    fmt.Sprintf("%dx%d", device.ViewportWidth, device.ViewportHeight),
			"user_agent":  device.UserAgent,
		},
		PageURL: pageURL,
	}
}

// unlabeledInputs counts visible form fields with neither a <label for>,
// a wrapping <label>, nor an aria-label.
func unlabeledInputs(doc *goquery.Document) int {
	labelled := map[string]bool{}
	doc.Find("label[for]").Each(func(_ int, s *goquery.Selection) {
		if id, ok := s.Attr("for"); ok {
			labelled[id] = true
		}
	})

	count := 0
	doc.Find("input, select, textarea").Each(func(_ int, s *goquery.Selection) {
		if t, _ := s.Attr("type"); t == "hidden" || t == "submit" || t == "button" {
			return
		}
		if v, ok := s.Attr("aria-label"); ok && strings.TrimSpace(v) != "" {
			return
		}
		if _, ok := s.Attr("aria-labelledby"); ok {
			return
		}
		if id, ok := s.Attr("id"); ok && labelled[id] {
			return
		}
		if s.ParentsFiltered("label").Length() > 0 {
			return
		}
		count++
	})
	return count
}

// sameOriginLinks returns the absolute, fragment-free links of p that stay
// on the target's origin.
func sameOriginLinks(base *url.URL, p *page) []string {
	if p.doc == nil {
		return nil
	}
	pageURL, err := url.Parse(p.url)
	if err != nil {
		return nil
	}

	seen := map[string]bool{}
	var links []string
	p.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := pageURL.ResolveReference(ref)
		if abs.Scheme != base.Scheme || abs.Host != base.Host {
			return
		}
		abs.Fragment = ""
		link := abs.String()
		if !seen[link] {
			seen[link] = true
			links = append(links, link)
		}
	})
	return links
}

func displayPath(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" {
		return "/"
	}
	if u.RawQuery != "" {
		return u.Path + "?" + u.RawQuery
	}
	return u.Path
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
