package checker

import (
	"context"
	"fmt"
	"time"

	"github.com/hazz-dev/healthgate/internal/config"
)

// Checker performs a single health check. Implementations must be read-only
// and safe for concurrent use; they never retry internally.
type Checker interface {
	Check(ctx context.Context) CheckResult
}

// Closer is implemented by checkers that hold connections to their target.
type Closer interface {
	Close()
}

// New returns the appropriate Checker for the given probe configuration.
func New(p config.Probe) (Checker, error) {
	switch p.Type {
	case "http":
		return newHTTPChecker(p), nil
	case "tcp":
		return newTCPChecker(p), nil
	case "exec":
		return newExecChecker(p), nil
	case "docker":
		return newDockerChecker(p), nil
	case "postgres":
		return newPostgresChecker(p)
	case "s3":
		return newS3Checker(p)
	default:
		return nil, fmt.Errorf("unknown checker type %q", p.Type)
	}
}

// Failing returns a Checker that always reports down with err. It stands in
// for a checker that could not be constructed, so the probe still runs and
// counts the failure.
func Failing(name string, err error) Checker {
	return failingChecker{name: name, err: err}
}

type failingChecker struct {
	name string
	err  error
}

func (c failingChecker) Check(ctx context.Context) CheckResult {
	return CheckResult{
		ProbeName: c.name,
		Status:    StatusDown,
		Error:     c.err.Error(),
		CheckedAt: time.Now(),
	}
}
