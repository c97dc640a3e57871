package checker

import "time"

// Status is the raw outcome of one check against its target.
type Status string

const (
	StatusUp   Status = "up"
	StatusDown Status = "down"
)

// CheckResult is the outcome of a single health check.
type CheckResult struct {
	ProbeName    string
	Status       Status
	ResponseTime time.Duration
	Error        string
	CheckedAt    time.Time
}

// OK reports whether the check succeeded.
func (r CheckResult) OK() bool {
	return r.Status == StatusUp
}
