package probe

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"code.cloudfoundry.org/clock"

	"github.com/hazz-dev/healthgate/internal/checker"
)

// Runner is the periodic loop of one probe. It owns its Machine; runners
// share no state with each other.
type Runner struct {
	cfg     Config
	checker checker.Checker
	clock   clock.Clock
	logger  *slog.Logger
	machine *Machine

	onObservation func(Observation)
	onTransition  func(Transition)
	onSkip        func(Config)

	inFlight atomic.Bool
	// overdue is set once the in-flight check has been given its timeout
	// verdict but the checker has not returned yet.
	overdue atomic.Bool
	wg      sync.WaitGroup
}

// NewRunner creates a Runner whose start period begins now. Pass nil logger
// to use slog.Default().
func NewRunner(cfg Config, c checker.Checker, clk clock.Clock, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	return &Runner{
		cfg:     cfg,
		checker: c,
		clock:   clk,
		logger:  logger.With("probe", cfg.Name, "kind", cfg.Kind),
		machine: NewMachine(cfg, clk.Now()),
	}
}

// SetOnObservation sets the callback invoked after every recorded check.
// Must be called before Run.
func (r *Runner) SetOnObservation(fn func(Observation)) {
	r.onObservation = fn
}

// SetOnTransition sets the callback invoked on every State change.
// Must be called before Run.
func (r *Runner) SetOnTransition(fn func(Transition)) {
	r.onTransition = fn
}

// SetOnSkip sets the callback invoked when a tick is skipped because the
// previous check is still running. Must be called before Run.
func (r *Runner) SetOnSkip(fn func(Config)) {
	r.onSkip = fn
}

// Config returns the probe configuration.
func (r *Runner) Config() Config {
	return r.cfg
}

// Machine returns the probe's state machine.
func (r *Runner) Machine() *Machine {
	return r.machine
}

// InFlight reports whether a check is still running, including one whose
// verdict was already taken at the timeout boundary.
func (r *Runner) InFlight() bool {
	return r.inFlight.Load()
}

// Status returns a snapshot of the probe.
func (r *Runner) Status() Status {
	st := r.machine.Status()
	st.InFlight = r.inFlight.Load()
	return st
}

// Run issues a check every interval, the first one interval after start,
// until ctx is cancelled. It then waits up to one timeout for the in-flight
// check and moves the probe to Terminated.
func (r *Runner) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.logger.Info("probe started",
		"interval", r.cfg.Interval,
		"timeout", r.cfg.Timeout,
		"start_period", r.cfg.StartPeriod,
		"retries", r.cfg.Retries,
	)

	for {
		select {
		case <-ctx.Done():
			r.drain()
			if t := r.machine.Terminate(r.clock.Now()); t != nil {
				r.emitTransition(*t)
			}
			return
		case <-ticker.C():
			r.tick(ctx)
		}
	}
}

// drain waits for the in-flight check for at most one timeout. A checker
// that ignores cancellation is left to finish on its own.
func (r *Runner) drain() {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	timer := r.clock.NewTimer(r.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C():
		r.logger.Warn("check still running at shutdown, abandoning it", "timeout", r.cfg.Timeout)
	}
}

// tick starts a check unless one is already in flight. A tick that finds an
// overdue check counts as a failure, so a target that hangs forever still
// reaches the failure threshold.
func (r *Runner) tick(ctx context.Context) {
	if !r.inFlight.CompareAndSwap(false, true) {
		r.logger.Warn("previous check still running, skipping tick")
		if r.onSkip != nil {
			r.onSkip(r.cfg)
		}
		if r.overdue.Load() {
			r.record(checker.CheckResult{
				ProbeName:    r.cfg.Name,
				Status:       checker.StatusDown,
				ResponseTime: r.cfg.Timeout,
				Error:        fmt.Sprintf("previous check still running after %s", r.cfg.Timeout),
				CheckedAt:    r.clock.Now(),
			})
		}
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.check(ctx)
	}()
}

// check runs one check bounded by the timeout. The verdict is taken at the
// timeout boundary even if the checker ignores its context, but the probe
// stays in flight until the checker actually returns.
func (r *Runner) check(ctx context.Context) {
	var pending atomic.Int32
	pending.Store(2)
	release := func() {
		if pending.Add(-1) == 0 {
			r.overdue.Store(false)
			r.inFlight.Store(false)
		}
	}
	defer release()

	checkCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	start := r.clock.Now()
	done := make(chan checker.CheckResult, 1)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer release()
		done <- r.checker.Check(checkCtx)
	}()

	timer := r.clock.NewTimer(r.cfg.Timeout)
	defer timer.Stop()

	var result checker.CheckResult
	select {
	case result = <-done:
		if ctx.Err() != nil {
			return
		}
	case <-timer.C():
		cancel()
		// Cleared by release once the checker returns.
		r.overdue.Store(true)
		result = checker.CheckResult{
			ProbeName:    r.cfg.Name,
			Status:       checker.StatusDown,
			ResponseTime: r.cfg.Timeout,
			Error:        fmt.Sprintf("check timed out after %s", r.cfg.Timeout),
			CheckedAt:    start,
		}
	case <-ctx.Done():
		// Shutting down; an interrupted check is not evidence either way.
		return
	}

	result.CheckedAt = start
	r.record(result)
}

func (r *Runner) record(result checker.CheckResult) {
	// Grace is judged at the time the check was issued.
	res, t := r.machine.Observe(result.CheckedAt, result.OK(), result.Error)
	failures := r.machine.Failures()

	r.logger.Debug("check result",
		"status", result.Status,
		"result", res,
		"response_time", result.ResponseTime,
		"failures", failures,
		"error", result.Error,
	)
	if !result.OK() && res == ResultUnhealthy {
		r.logger.Warn("check failed",
			"failures", failures,
			"retries", r.cfg.Retries,
			"error", result.Error,
		)
	}

	if r.onObservation != nil {
		r.onObservation(Observation{
			Probe:    r.cfg.Name,
			Kind:     r.cfg.Kind,
			Result:   res,
			State:    r.machine.State(),
			Failures: failures,
			Check:    result,
		})
	}
	if t != nil {
		r.emitTransition(*t)
	}
}

func (r *Runner) emitTransition(t Transition) {
	level := slog.LevelInfo
	if t.To == StateUnhealthy {
		level = slog.LevelWarn
	}
	r.logger.Log(context.Background(), level, "probe state changed",
		"from", t.From,
		"to", t.To,
		"failures", t.Failures,
		"reason", t.Reason,
	)
	if r.onTransition != nil {
		r.onTransition(t)
	}
}
