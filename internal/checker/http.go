package checker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/hazz-dev/healthgate/internal/config"
)

// maxDrain bounds how much of a response body is read before closing, so
// keep-alive connections can be reused without trusting the target.
const maxDrain = 4 << 10

type httpChecker struct {
	probe  config.Probe
	client *http.Client
}

func newHTTPChecker(p config.Probe) *httpChecker {
	return &httpChecker{
		probe:  p,
		client: &http.Client{Timeout: p.Timeout.Duration},
	}
}

func (c *httpChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		ProbeName: c.probe.Name,
		CheckedAt: start,
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.probe.Target, nil)
	if err != nil {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("creating request: %v", err)
		result.ResponseTime = time.Since(start)
		return result
	}
	for k, v := range c.probe.Headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	result.ResponseTime = time.Since(start)
	if err != nil {
		result.Status = StatusDown
		result.Error = err.Error()
		return result
	}
	_, _ = io.CopyN(io.Discard, resp.Body, maxDrain)
	resp.Body.Close()

	if expected := c.probe.ExpectedStatus; expected != 0 {
		if resp.StatusCode != expected {
			result.Status = StatusDown
			result.Error = fmt.Sprintf("expected status %d, got %d", expected, resp.StatusCode)
			return result
		}
	} else if resp.StatusCode < 200 || resp.StatusCode > 299 {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("expected 2xx status, got %d", resp.StatusCode)
		return result
	}

	result.Status = StatusUp
	return result
}
