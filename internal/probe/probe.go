// Package probe implements the liveness/readiness lifecycle of one probe: the
// Starting, Healthy, Unhealthy, Terminated state machine and the periodic
// loop that feeds it check outcomes.
package probe

import (
	"errors"
	"fmt"
	"time"

	"github.com/hazz-dev/healthgate/internal/checker"
)

// Kind distinguishes the two independent probes an instance exposes.
type Kind string

const (
	KindLiveness  Kind = "liveness"
	KindReadiness Kind = "readiness"
)

// Result is the verdict of a single check.
type Result string

const (
	ResultHealthy   Result = "healthy"
	ResultUnhealthy Result = "unhealthy"
	ResultUnknown   Result = "unknown"
)

// State is the lifecycle state of a probe.
type State string

const (
	StateStarting   State = "starting"
	StateHealthy    State = "healthy"
	StateUnhealthy  State = "unhealthy"
	StateTerminated State = "terminated"
)

// States lists every State in lifecycle order.
var States = []State{StateStarting, StateHealthy, StateUnhealthy, StateTerminated}

// Config is fixed when a probe is created and never mutated.
type Config struct {
	Name        string
	Kind        Kind
	Interval    time.Duration
	Timeout     time.Duration
	StartPeriod time.Duration
	// Retries is the number of consecutive post-grace failures that make the
	// probe Unhealthy.
	Retries int
	// HoldStarting keeps the probe in Starting for the whole start period,
	// reporting successes in the grace window as Unknown.
	HoldStarting bool
}

// Validate reports every problem with c.
func (c Config) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if c.Kind != KindLiveness && c.Kind != KindReadiness {
		errs = append(errs, fmt.Errorf("invalid kind %q", c.Kind))
	}
	if c.Interval <= 0 {
		errs = append(errs, fmt.Errorf("interval must be positive, got %s", c.Interval))
	}
	if c.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %s", c.Timeout))
	}
	if c.StartPeriod < 0 {
		errs = append(errs, fmt.Errorf("start period must not be negative, got %s", c.StartPeriod))
	}
	if c.Retries < 1 {
		errs = append(errs, fmt.Errorf("retries must be at least 1, got %d", c.Retries))
	}
	return errors.Join(errs...)
}

// Transition records a change of State.
type Transition struct {
	Probe    string    `json:"probe"`
	Kind     Kind      `json:"kind"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Failures int       `json:"failures"`
	Reason   string    `json:"reason"`
	At       time.Time `json:"at"`
}

// Observation is one check outcome after it has been applied to the machine.
type Observation struct {
	Probe    string
	Kind     Kind
	Result   Result
	State    State
	Failures int
	Check    checker.CheckResult
}

// Status is a read-only snapshot of a probe.
type Status struct {
	Name                string    `json:"name"`
	Kind                Kind      `json:"kind"`
	State               State     `json:"state"`
	LastResult          Result    `json:"last_result"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	Checks              int       `json:"checks"`
	StartedAt           time.Time `json:"started_at"`
	GraceEndsAt         time.Time `json:"grace_ends_at"`
	LastCheckedAt       time.Time `json:"last_checked_at"`
	LastChangedAt       time.Time `json:"last_changed_at"`
	LastError           string    `json:"last_error,omitempty"`
	// InGrace is true while the probe is Starting and no check at or after
	// the end of the start period has been observed.
	InGrace bool `json:"in_grace"`
	// InFlight is true while a check is running. Only a Runner sets it.
	InFlight bool `json:"in_flight"`
}

// Routable reports whether traffic may be routed to an instance in this state.
func (s Status) Routable() bool {
	return s.State == StateHealthy
}
