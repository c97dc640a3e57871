package checker

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/hazz-dev/healthgate/internal/config"
)

const dockerSockPath = "/var/run/docker.sock"

// ContainerState holds the minimal Docker container state we care about.
type ContainerState struct {
	Running bool
	Health  *ContainerHealth
}

// ContainerHealth is present when the container image defines a HEALTHCHECK.
type ContainerHealth struct {
	Status string
}

// DockerClient abstracts Docker Engine API access for testability.
type DockerClient interface {
	InspectContainer(ctx context.Context, name string) (*ContainerState, error)
}

type dockerChecker struct {
	probe  config.Probe
	client DockerClient
}

func newDockerChecker(p config.Probe) *dockerChecker {
	return &dockerChecker{
		probe:  p,
		client: newUnixDockerClient(p.Timeout.Duration),
	}
}

// NewDockerCheckerWithClient creates a docker checker with a custom client (for testing).
func NewDockerCheckerWithClient(p config.Probe, client DockerClient) Checker {
	return &dockerChecker{probe: p, client: client}
}

func (c *dockerChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		ProbeName: c.probe.Name,
		CheckedAt: start,
	}

	state, err := c.client.InspectContainer(ctx, c.probe.Target)
	result.ResponseTime = time.Since(start)

	if err != nil {
		result.Status = StatusDown
		result.Error = err.Error()
		return result
	}

	if !state.Running {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("container %q is not running", c.probe.Target)
		return result
	}

	// A container's own HEALTHCHECK verdict wins when it has one; "starting"
	// is not yet a failure.
	if state.Health != nil && state.Health.Status == "unhealthy" {
		result.Status = StatusDown
		result.Error = fmt.Sprintf("container %q reports unhealthy", c.probe.Target)
		return result
	}

	result.Status = StatusUp
	return result
}

// unixDockerClient queries the Docker Engine API over the Unix socket.
type unixDockerClient struct {
	client *http.Client
}

func newUnixDockerClient(timeout time.Duration) *unixDockerClient {
	dialer := &net.Dialer{Timeout: timeout}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, "unix", dockerSockPath)
		},
	}
	return &unixDockerClient{
		client: &http.Client{Transport: transport, Timeout: timeout},
	}
}

func (d *unixDockerClient) InspectContainer(ctx context.Context, name string) (*ContainerState, error) {
	u := fmt.Sprintf("http://localhost/containers/%s/json", url.PathEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying docker socket: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("container %q not found", name)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("docker API returned status %d", resp.StatusCode)
	}

	var body struct {
		State ContainerState `json:"State"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding docker response: %w", err)
	}
	return &body.State, nil
}
