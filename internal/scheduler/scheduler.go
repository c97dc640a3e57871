package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"

	"github.com/hazz-dev/healthgate/internal/checker"
	"github.com/hazz-dev/healthgate/internal/config"
	"github.com/hazz-dev/healthgate/internal/probe"
)

// Store defines the storage operations required by the scheduler.
type Store interface {
	InsertObservation(ctx context.Context, o probe.Observation) error
	InsertTransition(ctx context.Context, t probe.Transition) error
}

// CheckerFactory creates a Checker for a given probe config.
type CheckerFactory func(config.Probe) (checker.Checker, error)

// storeTimeout bounds a single persistence call so a slow disk cannot stall
// a probe loop.
const storeTimeout = 5 * time.Second

// Scheduler runs one probe loop per configured probe, each in its own goroutine.
type Scheduler struct {
	runners []*probe.Runner
	byName  map[string]*probe.Runner
	closers []checker.Closer
	store   Store
	logger  *slog.Logger

	onObservation func(probe.Observation)
	onTransition  func(probe.Transition)
	onSkip        func(probe.Config)

	wg sync.WaitGroup
}

// ProbeConfig converts a configured probe into its immutable probe.Config.
func ProbeConfig(p config.Probe) probe.Config {
	return probe.Config{
		Name:         p.Name,
		Kind:         probe.Kind(p.Kind),
		Interval:     p.Interval.Duration,
		Timeout:      p.Timeout.Duration,
		StartPeriod:  p.StartPeriod.Duration,
		Retries:      p.Retries,
		HoldStarting: p.HoldStarting,
	}
}

// New creates a Scheduler with one Runner per probe. A checker that cannot
// be constructed is replaced by one that always fails, so the probe still
// reports. Pass nil store to skip persistence, nil clock for the wall clock,
// and nil logger for slog.Default().
func New(probes []config.Probe, store Store, factory CheckerFactory, clk clock.Clock, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clk == nil {
		clk = clock.NewClock()
	}
	if factory == nil {
		factory = checker.New
	}

	s := &Scheduler{
		byName: make(map[string]*probe.Runner, len(probes)),
		store:  store,
		logger: logger,
	}
	for _, p := range probes {
		cfg := ProbeConfig(p)
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("probe %q: %w", p.Name, err)
		}
		if _, dup := s.byName[p.Name]; dup {
			return nil, fmt.Errorf("duplicate probe name %q", p.Name)
		}

		c, err := factory(p)
		if err != nil {
			logger.Error("creating checker", "probe", p.Name, "type", p.Type, "error", err)
			c = checker.Failing(p.Name, fmt.Errorf("creating %s checker: %w", p.Type, err))
		}
		if closer, ok := c.(checker.Closer); ok {
			s.closers = append(s.closers, closer)
		}

		r := probe.NewRunner(cfg, c, clk, logger)
		s.runners = append(s.runners, r)
		s.byName[p.Name] = r
	}
	return s, nil
}

// SetOnObservation sets the callback invoked after each check is recorded.
// Must be called before Start.
func (s *Scheduler) SetOnObservation(fn func(probe.Observation)) {
	s.onObservation = fn
}

// SetOnTransition sets the callback invoked on each probe state change.
// Must be called before Start.
func (s *Scheduler) SetOnTransition(fn func(probe.Transition)) {
	s.onTransition = fn
}

// SetOnSkip sets the callback invoked when a probe skips a tick because its
// previous check is still in flight. Must be called before Start.
func (s *Scheduler) SetOnSkip(fn func(probe.Config)) {
	s.onSkip = fn
}

// Start spawns one goroutine per probe. It is non-blocking.
func (s *Scheduler) Start(ctx context.Context) {
	// Persistence outlives ctx so the final Terminated transitions are stored.
	storeCtx := context.WithoutCancel(ctx)
	for _, r := range s.runners {
		r.SetOnObservation(func(o probe.Observation) {
			s.persistObservation(storeCtx, o)
			if s.onObservation != nil {
				s.onObservation(o)
			}
		})
		r.SetOnTransition(func(t probe.Transition) {
			s.persistTransition(storeCtx, t)
			if s.onTransition != nil {
				s.onTransition(t)
			}
		})
		r.SetOnSkip(s.onSkip)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			r.Run(ctx)
		}()
	}
}

// Wait blocks until all probe goroutines have exited, then releases checker
// connections.
func (s *Scheduler) Wait() {
	s.wg.Wait()
	for _, c := range s.closers {
		c.Close()
	}
	s.closers = nil
}

// Statuses returns a snapshot of every probe in configuration order.
func (s *Scheduler) Statuses() []probe.Status {
	out := make([]probe.Status, 0, len(s.runners))
	for _, r := range s.runners {
		out = append(out, r.Status())
	}
	return out
}

// Status returns the snapshot of the named probe.
func (s *Scheduler) Status(name string) (probe.Status, bool) {
	r, ok := s.byName[name]
	if !ok {
		return probe.Status{}, false
	}
	return r.Status(), true
}

func (s *Scheduler) persistObservation(ctx context.Context, o probe.Observation) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.InsertObservation(ctx, o); err != nil {
		s.logger.Error("storing check result", "probe", o.Probe, "error", err)
	}
}

func (s *Scheduler) persistTransition(ctx context.Context, t probe.Transition) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	if err := s.store.InsertTransition(ctx, t); err != nil {
		s.logger.Error("storing transition", "probe", t.Probe, "error", err)
	}
}
