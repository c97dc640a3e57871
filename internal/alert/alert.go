package alert

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"code.cloudfoundry.org/clock"
	"golang.org/x/time/rate"

	"github.com/hazz-dev/healthgate/internal/probe"
)

// Alert outcomes reported to the outcome callback.
const (
	OutcomeSent       = "sent"
	OutcomeFailed     = "failed"
	OutcomeSuppressed = "suppressed"
)

// Options configures an Alerter.
type Options struct {
	URL      string
	Cooldown time.Duration
	// RateLimit caps alerts per second across all probes. Zero means unlimited.
	RateLimit float64
	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// Alerter sends webhook notifications when a probe enters or leaves Unhealthy.
type Alerter struct {
	webhookURL string
	cooldown   time.Duration
	client     *http.Client
	clock      clock.Clock
	limiter    *rate.Limiter
	lastAlert  map[string]time.Time
	mu         sync.Mutex
	logger     *slog.Logger
	onOutcome  func(string)
	wg         sync.WaitGroup
}

// New creates a new Alerter. Pass nil logger to use the default logger.
func New(opts Options, logger *slog.Logger) *Alerter {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clock.NewClock()
	}
	limit := rate.Inf
	burst := 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		// Allow one alert per probe flap pair before throttling.
		burst = 2
	}
	return &Alerter{
		webhookURL: opts.URL,
		cooldown:   opts.Cooldown,
		client:     &http.Client{Timeout: 10 * time.Second},
		clock:      opts.Clock,
		limiter:    rate.NewLimiter(limit, burst),
		lastAlert:  make(map[string]time.Time),
		logger:     logger,
	}
}

// SetOnOutcome sets a callback invoked with OutcomeSent, OutcomeFailed or
// OutcomeSuppressed for every alert considered. Must be called before Notify.
func (a *Alerter) SetOnOutcome(fn func(string)) {
	a.onOutcome = fn
}

type webhookPayload struct {
	Probe         string `json:"probe"`
	Kind          string `json:"kind"`
	State         string `json:"state"`
	PreviousState string `json:"previous_state"`
	Failures      int    `json:"failures"`
	Reason        string `json:"reason"`
	At            string `json:"at"`
	Source        string `json:"source"`
}

func cooldownKey(t probe.Transition) string {
	return t.Probe + "/" + string(t.To)
}

// Alertable reports whether t is worth a notification: entering Unhealthy,
// or recovering from it. Start-up and shutdown transitions are not.
func Alertable(t probe.Transition) bool {
	return t.To == probe.StateUnhealthy ||
		(t.From == probe.StateUnhealthy && t.To == probe.StateHealthy)
}

// Notify sends a webhook for t if it is alertable, the cooldown for the
// probe and direction has elapsed and the global rate limit allows it. A
// recovery is never held back by the alert that preceded it. It never
// blocks on delivery.
func (a *Alerter) Notify(t probe.Transition) {
	if !Alertable(t) {
		return
	}

	now := a.clock.Now()
	a.mu.Lock()
	key := cooldownKey(t)
	last, exists := a.lastAlert[key]
	if exists && now.Sub(last) < a.cooldown {
		a.mu.Unlock()
		a.logger.Info("alert suppressed by cooldown", "probe", t.Probe, "to", t.To)
		a.outcome(OutcomeSuppressed)
		return
	}
	if !a.limiter.AllowN(now, 1) {
		a.mu.Unlock()
		a.logger.Warn("alert suppressed by rate limit", "probe", t.Probe, "to", t.To)
		a.outcome(OutcomeSuppressed)
		return
	}
	a.lastAlert[key] = now
	a.mu.Unlock()

	// Send asynchronously so Notify doesn't block the probe loop.
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.send(t)
	}()
}

// Wait blocks until every pending webhook delivery has finished.
func (a *Alerter) Wait() {
	a.wg.Wait()
}

func (a *Alerter) send(t probe.Transition) {
	payload := webhookPayload{
		Probe:         t.Probe,
		Kind:          string(t.Kind),
		State:         string(t.To),
		PreviousState: string(t.From),
		Failures:      t.Failures,
		Reason:        t.Reason,
		At:            t.At.UTC().Format(time.RFC3339),
		Source:        "healthgate",
	}

	body, err := json.Marshal(payload)
	if err != nil {
		a.logger.Error("marshaling webhook payload", "probe", t.Probe, "error", err)
		a.outcome(OutcomeFailed)
		return
	}

	resp, err := a.client.Post(a.webhookURL, "application/json", bytes.NewReader(body))
	if err != nil {
		a.logger.Error("sending webhook", "probe", t.Probe, "url", a.webhookURL, "error", err)
		a.outcome(OutcomeFailed)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		a.logger.Warn("webhook returned non-2xx status",
			"probe", t.Probe,
			"status", resp.StatusCode,
		)
		a.outcome(OutcomeFailed)
		return
	}
	a.outcome(OutcomeSent)
}

func (a *Alerter) outcome(o string) {
	if a.onOutcome != nil {
		a.onOutcome(o)
	}
}
