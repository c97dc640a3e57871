package alert_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"code.cloudfoundry.org/clock/fakeclock"

	"github.com/hazz-dev/healthgate/internal/alert"
	"github.com/hazz-dev/healthgate/internal/probe"
)

var t0 = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func transition(name string, from, to probe.State) probe.Transition {
	return probe.Transition{
		Probe:    name,
		Kind:     probe.KindReadiness,
		From:     from,
		To:       to,
		Failures: 3,
		Reason:   "3 consecutive failures: connection refused",
		At:       t0,
	}
}

func countingServer(t *testing.T, status int) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

type outcomes struct {
	mu   sync.Mutex
	seen []string
}

func (o *outcomes) record(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, s)
}

func (o *outcomes) count(s string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := 0
	for _, v := range o.seen {
		if v == s {
			n++
		}
	}
	return n
}

func TestAlertable(t *testing.T) {
	tests := []struct {
		from, to probe.State
		want     bool
	}{
		{probe.StateStarting, probe.StateHealthy, false},
		{probe.StateStarting, probe.StateUnhealthy, true},
		{probe.StateHealthy, probe.StateUnhealthy, true},
		{probe.StateUnhealthy, probe.StateHealthy, true},
		{probe.StateHealthy, probe.StateTerminated, false},
		{probe.StateUnhealthy, probe.StateTerminated, false},
		{probe.StateStarting, probe.StateTerminated, false},
	}
	for _, tt := range tests {
		got := alert.Alertable(transition("api", tt.from, tt.to))
		if got != tt.want {
			t.Errorf("%s→%s: expected %v, got %v", tt.from, tt.to, tt.want, got)
		}
	}
}

func TestAlerter_HealthyToUnhealthy(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)

	a := alert.New(alert.Options{URL: srv.URL, Cooldown: time.Hour}, nil)
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("expected 1 webhook call for healthy→unhealthy, got %d", got)
	}
}

func TestAlerter_Recovery(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)

	a := alert.New(alert.Options{URL: srv.URL, Cooldown: time.Hour}, nil)
	a.Notify(transition("api", probe.StateUnhealthy, probe.StateHealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("expected 1 webhook call for unhealthy→healthy, got %d", got)
	}
}

func TestAlerter_IgnoresStartupAndShutdown(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)

	a := alert.New(alert.Options{URL: srv.URL}, nil)
	a.Notify(transition("api", probe.StateStarting, probe.StateHealthy))
	a.Notify(transition("api", probe.StateHealthy, probe.StateTerminated))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 0 {
		t.Errorf("expected no webhook calls, got %d", got)
	}
}

func TestAlerter_CooldownSuppressesAlerts(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)
	clk := fakeclock.NewFakeClock(t0)
	var o outcomes

	a := alert.New(alert.Options{URL: srv.URL, Cooldown: time.Hour, Clock: clk}, nil)
	a.SetOnOutcome(o.record)

	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Notify(transition("api", probe.StateUnhealthy, probe.StateHealthy))
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("expected 2 webhook calls (repeat failure suppressed by cooldown), got %d", got)
	}
	if o.count(alert.OutcomeSuppressed) != 1 || o.count(alert.OutcomeSent) != 2 {
		t.Errorf("unexpected outcomes: %v", o.seen)
	}

	clk.Increment(time.Hour)
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("expected alert after cooldown elapsed, got %d calls", got)
	}
}

func TestAlerter_RecoveryNotHeldByCooldown(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)
	clk := fakeclock.NewFakeClock(t0)

	a := alert.New(alert.Options{URL: srv.URL, Cooldown: time.Hour, Clock: clk}, nil)
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	clk.Increment(time.Minute)
	a.Notify(transition("api", probe.StateUnhealthy, probe.StateHealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("expected the recovery to be sent within the cooldown, got %d calls", got)
	}
}

func TestAlerter_CooldownPerProbe(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)

	a := alert.New(alert.Options{URL: srv.URL, Cooldown: time.Hour}, nil)
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Notify(transition("db", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("expected 2 webhook calls for different probes, got %d", got)
	}
}

func TestAlerter_RateLimit(t *testing.T) {
	srv, calls := countingServer(t, http.StatusOK)
	clk := fakeclock.NewFakeClock(t0)
	var o outcomes

	a := alert.New(alert.Options{URL: srv.URL, RateLimit: 0.01, Clock: clk}, nil)
	a.SetOnOutcome(o.record)

	for _, name := range []string{"a", "b", "c", "d"} {
		a.Notify(transition(name, probe.StateHealthy, probe.StateUnhealthy))
	}
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 2 {
		t.Errorf("expected burst of 2 webhook calls, got %d", got)
	}
	if got := o.count(alert.OutcomeSuppressed); got != 2 {
		t.Errorf("expected 2 rate-limited alerts, got %d", got)
	}

	clk.Increment(100 * time.Second)
	a.Notify(transition("e", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 3 {
		t.Errorf("expected limiter to refill, got %d calls", got)
	}
}

func TestAlerter_PayloadFields(t *testing.T) {
	var received map[string]any
	var mu sync.Mutex

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("expected application/json, got %q", ct)
		}
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		json.Unmarshal(body, &received)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	a := alert.New(alert.Options{URL: srv.URL, Cooldown: time.Hour}, nil)
	a.Notify(transition("payments", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	mu.Lock()
	defer mu.Unlock()

	if received == nil {
		t.Fatal("no payload received")
	}
	want := map[string]any{
		"probe":          "payments",
		"kind":           "readiness",
		"state":          "unhealthy",
		"previous_state": "healthy",
		"reason":         "3 consecutive failures: connection refused",
		"at":             "2026-01-01T00:00:00Z",
		"source":         "healthgate",
	}
	for k, v := range want {
		if received[k] != v {
			t.Errorf("%s: expected %v, got %v", k, v, received[k])
		}
	}
	if received["failures"] != float64(3) {
		t.Errorf("failures: expected 3, got %v", received["failures"])
	}
}

func TestAlerter_WebhookError_ReportsFailure(t *testing.T) {
	srv, calls := countingServer(t, http.StatusInternalServerError)
	var o outcomes

	a := alert.New(alert.Options{URL: srv.URL}, nil)
	a.SetOnOutcome(o.record)
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := atomic.LoadInt32(calls); got != 1 {
		t.Errorf("expected 1 webhook call, got %d", got)
	}
	if got := o.count(alert.OutcomeFailed); got != 1 {
		t.Errorf("expected 1 failed outcome, got %d", got)
	}
}

func TestAlerter_Unreachable_ReportsFailure(t *testing.T) {
	var o outcomes

	a := alert.New(alert.Options{URL: "http://127.0.0.1:1/hook"}, nil)
	a.SetOnOutcome(o.record)
	a.Notify(transition("api", probe.StateHealthy, probe.StateUnhealthy))
	a.Wait()

	if got := o.count(alert.OutcomeFailed); got != 1 {
		t.Errorf("expected 1 failed outcome, got %d", got)
	}
}
