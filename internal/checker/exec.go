package checker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/hazz-dev/healthgate/internal/config"
)

// CommandExecutor abstracts os/exec for testability.
type CommandExecutor interface {
	Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error)
}

// waitDelay bounds how long Run waits for output pipes to close after the
// context ends. Background children that inherited the pipes would otherwise
// keep Run blocked until they exit.
const waitDelay = 500 * time.Millisecond

// osExecutor is the real CommandExecutor that uses os/exec.
type osExecutor struct{}

func (e *osExecutor) Run(ctx context.Context, name string, args ...string) (stdout, stderr []byte, err error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = waitDelay
	killProcessGroup(cmd)
	stdout, err = cmd.Output()
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		stderr = exitErr.Stderr
	}
	return stdout, stderr, err
}

// maxOutput caps how much command output is kept in a result error.
const maxOutput = 256

// execChecker runs Target with Args and reports up when it exits 0, the
// HEALTHCHECK CMD convention.
type execChecker struct {
	probe    config.Probe
	executor CommandExecutor
}

func newExecChecker(p config.Probe) *execChecker {
	return &execChecker{probe: p, executor: &osExecutor{}}
}

// NewExecCheckerWithExecutor creates an exec checker with a custom executor (for testing).
func NewExecCheckerWithExecutor(p config.Probe, executor CommandExecutor) Checker {
	return &execChecker{probe: p, executor: executor}
}

func (c *execChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	result := CheckResult{
		ProbeName: c.probe.Name,
		CheckedAt: start,
	}

	stdout, stderr, err := c.executor.Run(ctx, c.probe.Target, c.probe.Args...)
	result.ResponseTime = time.Since(start)

	if err != nil {
		result.Status = StatusDown
		out := stderr
		if len(bytes.TrimSpace(out)) == 0 {
			out = stdout
		}
		if msg := trimOutput(out); msg != "" {
			result.Error = fmt.Sprintf("%s: %v: %s", c.probe.Target, err, msg)
		} else {
			result.Error = fmt.Sprintf("%s: %v", c.probe.Target, err)
		}
		return result
	}

	result.Status = StatusUp
	return result
}

func trimOutput(b []byte) string {
	b = bytes.TrimSpace(b)
	if len(b) > maxOutput {
		b = append(b[:maxOutput:maxOutput], "..."...)
	}
	return string(b)
}
