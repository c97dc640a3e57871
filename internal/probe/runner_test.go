package probe_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"
	. "github.com/onsi/gomega"

	"github.com/hazz-dev/healthgate/internal/checker"
	"github.com/hazz-dev/healthgate/internal/probe"
)

// scriptedChecker returns outcomes in order, repeating the last one.
type scriptedChecker struct {
	mu       sync.Mutex
	outcomes []bool
	calls    int
}

func (s *scriptedChecker) Check(ctx context.Context) checker.CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok := s.outcomes[len(s.outcomes)-1]
	if s.calls < len(s.outcomes) {
		ok = s.outcomes[s.calls]
	}
	s.calls++
	if ok {
		return checker.CheckResult{ProbeName: "app", Status: checker.StatusUp}
	}
	return checker.CheckResult{ProbeName: "app", Status: checker.StatusDown, Error: "connection refused"}
}

// blockingChecker blocks until released, optionally ignoring its context.
type blockingChecker struct {
	release   chan struct{}
	ignoreCtx bool
	returned  atomic.Int32
}

func (b *blockingChecker) Check(ctx context.Context) checker.CheckResult {
	defer b.returned.Add(1)
	if b.ignoreCtx {
		<-b.release
		return checker.CheckResult{Status: checker.StatusUp}
	}
	select {
	case <-b.release:
		return checker.CheckResult{Status: checker.StatusUp}
	case <-ctx.Done():
		return checker.CheckResult{Status: checker.StatusDown, Error: ctx.Err().Error()}
	}
}

type recorder struct {
	mu           sync.Mutex
	observations []probe.Observation
	transitions  []probe.Transition
	skips        int
}

func (r *recorder) attach(run *probe.Runner) {
	run.SetOnObservation(func(o probe.Observation) {
		r.mu.Lock()
		r.observations = append(r.observations, o)
		r.mu.Unlock()
	})
	run.SetOnTransition(func(t probe.Transition) {
		r.mu.Lock()
		r.transitions = append(r.transitions, t)
		r.mu.Unlock()
	})
	run.SetOnSkip(func(probe.Config) {
		r.mu.Lock()
		r.skips++
		r.mu.Unlock()
	})
}

func (r *recorder) observationCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.observations)
}

func (r *recorder) lastResult() probe.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.observations) == 0 {
		return ""
	}
	return r.observations[len(r.observations)-1].Result
}

func (r *recorder) skipCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skips
}

func (r *recorder) toStates() []probe.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []probe.State
	for _, t := range r.transitions {
		out = append(out, t.To)
	}
	return out
}

func startRunner(t *testing.T, cfg probe.Config, c checker.Checker) (*probe.Runner, *fakeclock.FakeClock, *recorder, func()) {
	t.Helper()
	clk := fakeclock.NewFakeClock(t0)
	run := probe.NewRunner(cfg, c, clk, nil)
	rec := &recorder{}
	rec.attach(run)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		run.Run(ctx)
		close(done)
	}()
	stop := func() {
		cancel()
		<-done
	}
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return run, clk, rec, stop
}

func TestRunner_FirstCheckAfterOneInterval(t *testing.T) {
	g := NewWithT(t)
	sc := &scriptedChecker{outcomes: []bool{true}}
	run, clk, rec, _ := startRunner(t, scenarioConfig(), sc)

	g.Eventually(clk.WatcherCount).Should(Equal(1))
	g.Consistently(rec.observationCount, 50*time.Millisecond).Should(BeZero())

	clk.Increment(29 * time.Second)
	g.Consistently(rec.observationCount, 50*time.Millisecond).Should(BeZero())

	clk.Increment(time.Second)
	g.Eventually(rec.observationCount).Should(Equal(1))
	g.Expect(run.Status().State).To(Equal(probe.StateHealthy))
	g.Expect(run.Status().LastCheckedAt).To(Equal(at(30)))
}

func TestRunner_ScenarioReadyThenUnresponsive(t *testing.T) {
	g := NewWithT(t)
	// Checks at t=30..180 succeed, 210/240/270 fail.
	sc := &scriptedChecker{outcomes: []bool{true, true, true, true, true, true, false, false, false}}
	run, clk, rec, _ := startRunner(t, scenarioConfig(), sc)

	for i := 1; i <= 9; i++ {
		clk.WaitForWatcherAndIncrement(30 * time.Second)
		g.Eventually(rec.observationCount).Should(Equal(i))
		if i < 9 {
			g.Expect(run.Status().State).To(Equal(probe.StateHealthy), "check %d", i)
		}
	}

	g.Expect(run.Status().State).To(Equal(probe.StateUnhealthy))
	g.Expect(run.Status().LastChangedAt).To(Equal(at(270)))
	g.Eventually(rec.toStates).Should(Equal([]probe.State{probe.StateHealthy, probe.StateUnhealthy}))
}

func TestRunner_TimeoutCountsAsFailure(t *testing.T) {
	g := NewWithT(t)
	cfg := scenarioConfig()
	cfg.StartPeriod = 0
	cfg.Retries = 1
	bc := &blockingChecker{release: make(chan struct{})}
	run, clk, rec, _ := startRunner(t, cfg, bc)

	clk.WaitForWatcherAndIncrement(30 * time.Second)
	// Ticker plus the per-check timeout timer.
	g.Eventually(clk.WatcherCount).Should(Equal(2))
	clk.Increment(10 * time.Second)

	g.Eventually(rec.observationCount).Should(Equal(1))
	st := run.Status()
	g.Expect(st.State).To(Equal(probe.StateUnhealthy))
	g.Expect(st.LastError).To(ContainSubstring("timed out"))
	g.Eventually(bc.returned.Load).Should(BeEquivalentTo(1))
}

func TestRunner_VerdictAtTimeoutEvenIfCheckerHangs(t *testing.T) {
	g := NewWithT(t)
	cfg := scenarioConfig()
	cfg.StartPeriod = 0
	cfg.Retries = 1
	bc := &blockingChecker{release: make(chan struct{}), ignoreCtx: true}
	run, clk, rec, _ := startRunner(t, cfg, bc)

	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(clk.WatcherCount).Should(Equal(2))
	clk.Increment(10 * time.Second)

	g.Eventually(rec.observationCount).Should(Equal(1))
	g.Expect(run.Status().State).To(Equal(probe.StateUnhealthy))

	// The hung check still holds the slot: the next tick is skipped and
	// counted as another failure.
	clk.Increment(20 * time.Second)
	g.Eventually(rec.skipCount).Should(Equal(1))
	g.Eventually(rec.observationCount).Should(Equal(2))
	g.Expect(run.Status().LastError).To(ContainSubstring("previous check still running"))

	close(bc.release)
	g.Eventually(bc.returned.Load).Should(BeEquivalentTo(1))
	g.Eventually(run.InFlight).Should(BeFalse())

	// The late result is discarded; the next tick runs a fresh check.
	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(rec.observationCount).Should(Equal(3))
	g.Expect(run.Status().State).To(Equal(probe.StateHealthy))
	g.Expect(bc.returned.Load()).To(BeEquivalentTo(2))
}

func TestRunner_HungCheckerReachesRetries(t *testing.T) {
	g := NewWithT(t)
	cfg := scenarioConfig()
	cfg.StartPeriod = 0
	bc := &blockingChecker{release: make(chan struct{}), ignoreCtx: true}
	run, clk, rec, _ := startRunner(t, cfg, bc)
	t.Cleanup(func() { close(bc.release) })

	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(clk.WatcherCount).Should(Equal(2))
	clk.Increment(10 * time.Second)
	g.Eventually(rec.observationCount).Should(Equal(1))
	g.Expect(run.Status().ConsecutiveFailures).To(Equal(1))

	clk.Increment(20 * time.Second)
	g.Eventually(rec.observationCount).Should(Equal(2))
	g.Expect(run.Status().State).To(Equal(probe.StateStarting))

	clk.Increment(30 * time.Second)
	g.Eventually(rec.observationCount).Should(Equal(3))

	st := run.Status()
	g.Expect(st.State).To(Equal(probe.StateUnhealthy))
	g.Expect(st.ConsecutiveFailures).To(Equal(3))
	g.Expect(rec.toStates()).To(Equal([]probe.State{probe.StateUnhealthy}))
	g.Expect(rec.skipCount()).To(Equal(2))
	g.Expect(bc.returned.Load()).To(BeZero())
}

func TestRunner_ShutdownDoesNotWaitForeverOnHungChecker(t *testing.T) {
	g := NewWithT(t)
	bc := &blockingChecker{release: make(chan struct{}), ignoreCtx: true}
	run, clk, rec, stop := startRunner(t, scenarioConfig(), bc)
	t.Cleanup(func() { close(bc.release) })

	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(clk.WatcherCount).Should(Equal(2))

	stopped := make(chan struct{})
	go func() {
		stop()
		close(stopped)
	}()
	g.Consistently(stopped, 50*time.Millisecond).ShouldNot(BeClosed())

	// Shutdown gives the hung check one timeout, then terminates anyway.
	g.Eventually(func() bool {
		clk.Increment(10 * time.Second)
		select {
		case <-stopped:
			return true
		default:
			return false
		}
	}).Should(BeTrue())

	g.Expect(run.Status().State).To(Equal(probe.StateTerminated))
	g.Expect(rec.toStates()).To(Equal([]probe.State{probe.StateTerminated}))
	g.Expect(rec.observationCount()).To(BeZero())
	g.Expect(bc.returned.Load()).To(BeZero())
}

func TestRunner_GraceJudgedAtIssueTime(t *testing.T) {
	g := NewWithT(t)
	cfg := scenarioConfig()
	cfg.Retries = 1
	bc := &blockingChecker{release: make(chan struct{})}
	run, clk, rec, _ := startRunner(t, cfg, bc)

	// Issued at t=30, inside the 40s start period; times out at t=40.
	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(clk.WatcherCount).Should(Equal(2))
	clk.Increment(10 * time.Second)

	g.Eventually(rec.observationCount).Should(Equal(1))
	g.Expect(rec.lastResult()).To(Equal(probe.ResultUnknown))
	st := run.Status()
	g.Expect(st.State).To(Equal(probe.StateStarting))
	g.Expect(st.ConsecutiveFailures).To(BeZero())
	g.Expect(st.LastCheckedAt).To(Equal(at(30)))
}

func TestRunner_SkipsOverlappingTicks(t *testing.T) {
	g := NewWithT(t)
	cfg := scenarioConfig()
	cfg.Interval = time.Second
	cfg.Timeout = 5 * time.Second
	bc := &blockingChecker{release: make(chan struct{})}
	run, clk, rec, _ := startRunner(t, cfg, bc)

	clk.WaitForWatcherAndIncrement(time.Second)
	g.Eventually(clk.WatcherCount).Should(Equal(2))

	clk.Increment(time.Second)
	g.Eventually(rec.skipCount).Should(Equal(1))
	clk.Increment(time.Second)
	g.Eventually(rec.skipCount).Should(Equal(2))

	close(bc.release)
	g.Eventually(rec.observationCount).Should(Equal(1))
	g.Expect(run.Status().Checks).To(Equal(1))
	g.Expect(bc.returned.Load()).To(BeEquivalentTo(1))
}

func TestRunner_TerminatesOnCancel(t *testing.T) {
	g := NewWithT(t)
	sc := &scriptedChecker{outcomes: []bool{true}}
	run, clk, rec, stop := startRunner(t, scenarioConfig(), sc)

	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(rec.observationCount).Should(Equal(1))

	stop()
	g.Expect(run.Status().State).To(Equal(probe.StateTerminated))
	g.Expect(rec.toStates()).To(Equal([]probe.State{probe.StateHealthy, probe.StateTerminated}))
	g.Expect(run.Machine().Routable()).To(BeFalse())
}

func TestRunner_ShutdownDiscardsInterruptedCheck(t *testing.T) {
	g := NewWithT(t)
	bc := &blockingChecker{release: make(chan struct{})}
	run, clk, rec, stop := startRunner(t, scenarioConfig(), bc)

	clk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(clk.WatcherCount).Should(Equal(2))

	stop()
	g.Expect(rec.observationCount()).To(BeZero())
	g.Expect(run.Status().State).To(Equal(probe.StateTerminated))
	g.Expect(bc.returned.Load()).To(BeEquivalentTo(1))
}

func TestRunner_IndependentProbes(t *testing.T) {
	g := NewWithT(t)
	live := scenarioConfig()
	live.Name, live.Kind, live.StartPeriod, live.Retries = "live", probe.KindLiveness, 0, 1
	ready := live
	ready.Name, ready.Kind = "ready", probe.KindReadiness

	liveRun, liveClk, liveRec, _ := startRunner(t, live, &scriptedChecker{outcomes: []bool{true}})
	readyRun, readyClk, readyRec, _ := startRunner(t, ready, &scriptedChecker{outcomes: []bool{false}})

	liveClk.WaitForWatcherAndIncrement(30 * time.Second)
	readyClk.WaitForWatcherAndIncrement(30 * time.Second)
	g.Eventually(liveRec.observationCount).Should(Equal(1))
	g.Eventually(readyRec.observationCount).Should(Equal(1))

	g.Expect(liveRun.Status().State).To(Equal(probe.StateHealthy))
	g.Expect(readyRun.Status().State).To(Equal(probe.StateUnhealthy))
}
