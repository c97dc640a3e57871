package probe

import (
	"fmt"
	"sync"
	"time"
)

// Machine owns the State of one probe. Only the probe loop mutates it; reads
// are safe from any goroutine.
//
// Check outcomes are applied with Docker HEALTHCHECK semantics. While the
// probe is Starting and inside its start period, failures return Unknown and
// are not counted. A success moves the probe to Healthy and resets the
// failure counter from any state, unless HoldStarting is set and the start
// period has not elapsed. Outside the grace window every failure is counted
// and reaching Retries consecutive failures moves the probe to Unhealthy.
type Machine struct {
	cfg Config

	mu          sync.RWMutex
	state       State
	lastResult  Result
	failures    int
	checks      int
	startedAt   time.Time
	lastChecked time.Time
	lastChanged time.Time
	lastErr     string
}

// NewMachine returns a Machine in Starting whose start period begins at startedAt.
func NewMachine(cfg Config, startedAt time.Time) *Machine {
	return &Machine{
		cfg:         cfg,
		state:       StateStarting,
		lastResult:  ResultUnknown,
		startedAt:   startedAt,
		lastChanged: startedAt,
	}
}

// Config returns the machine's configuration.
func (m *Machine) Config() Config {
	return m.cfg
}

// InGrace reports whether at falls inside the start period.
func (m *Machine) InGrace(at time.Time) bool {
	return at.Before(m.startedAt.Add(m.cfg.StartPeriod))
}

// Observe applies one check outcome observed at at. It returns the verdict
// for that check and the resulting transition, or nil if State did not change.
func (m *Machine) Observe(at time.Time, ok bool, errMsg string) (Result, *Transition) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateTerminated {
		return ResultUnknown, nil
	}

	m.checks++
	m.lastChecked = at
	grace := m.InGrace(at)

	if ok {
		m.lastErr = ""
		if grace && m.cfg.HoldStarting && m.state == StateStarting {
			m.lastResult = ResultUnknown
			return ResultUnknown, nil
		}
		m.failures = 0
		m.lastResult = ResultHealthy
		if m.state == StateHealthy {
			return ResultHealthy, nil
		}
		return ResultHealthy, m.transition(StateHealthy, at, "check succeeded")
	}

	m.lastErr = errMsg
	if grace && m.state == StateStarting {
		m.lastResult = ResultUnknown
		return ResultUnknown, nil
	}

	m.failures++
	m.lastResult = ResultUnhealthy
	if m.failures < m.cfg.Retries || m.state == StateUnhealthy {
		return ResultUnhealthy, nil
	}
	reason := fmt.Sprintf("%d consecutive failures", m.failures)
	if errMsg != "" {
		reason += ": " + errMsg
	}
	return ResultUnhealthy, m.transition(StateUnhealthy, at, reason)
}

// Terminate moves the probe to Terminated. Later observations are ignored.
// It returns nil if the probe was already terminated.
func (m *Machine) Terminate(at time.Time) *Transition {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateTerminated {
		return nil
	}
	return m.transition(StateTerminated, at, "probe stopped")
}

// transition must be called with mu held.
func (m *Machine) transition(to State, at time.Time, reason string) *Transition {
	t := &Transition{
		Probe:    m.cfg.Name,
		Kind:     m.cfg.Kind,
		From:     m.state,
		To:       to,
		Failures: m.failures,
		Reason:   reason,
		At:       at,
	}
	m.state = to
	m.lastChanged = at
	return t
}

// State returns the current State.
func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Routable reports whether traffic may be routed, which is only while Healthy.
func (m *Machine) Routable() bool {
	return m.State() == StateHealthy
}

// Failures returns the consecutive failure count.
func (m *Machine) Failures() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.failures
}

// Status returns a snapshot of the machine.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	graceEnds := m.startedAt.Add(m.cfg.StartPeriod)
	inGrace := m.state == StateStarting && m.lastChecked.Before(graceEnds)
	return Status{
		Name:                m.cfg.Name,
		Kind:                m.cfg.Kind,
		State:               m.state,
		LastResult:          m.lastResult,
		ConsecutiveFailures: m.failures,
		Checks:              m.checks,
		StartedAt:           m.startedAt,
		GraceEndsAt:         graceEnds,
		LastCheckedAt:       m.lastChecked,
		LastChangedAt:       m.lastChanged,
		LastError:           m.lastErr,
		InGrace:             inGrace,
	}
}
