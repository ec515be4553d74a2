package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/betaforge/betaforge/internal/common/errors"
)

// PreflightFunc checks the target before any agent is deployed.
type PreflightFunc func(ctx context.Context, targetURL string) error

// HTTPPreflight returns a preflight that requires the target to answer an
// HTTP request within timeout. Any status code counts as reachable; agents
// report error statuses as findings.
func HTTPPreflight(client *http.Client, timeout time.Duration) PreflightFunc {
	if client == nil {
		client = &http.Client{}
	}
	return func(ctx context.Context, targetURL string) error {
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, targetURL, nil)
		if err != nil {
			return targetUnreachable(targetURL, err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return targetUnreachable(targetURL, err)
		}
		_ = resp.Body.Close()
		return nil
	}
}

func targetUnreachable(targetURL string, err error) *errors.AppError {
	return errors.Newf(errors.CodeUnavailable, "target %s is unreachable", targetURL).WithCause(err)
}
