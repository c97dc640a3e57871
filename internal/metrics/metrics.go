// Package metrics exposes probe and HTTP metrics on a private Prometheus registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hazz-dev/healthgate/internal/probe"
	"github.com/hazz-dev/healthgate/internal/version"
)

const namespace = "healthgate"

// Metrics holds the registry and every collector healthgate exports.
type Metrics struct {
	reg     *prometheus.Registry
	handler http.Handler

	probeState       *prometheus.GaugeVec
	checksTotal      *prometheus.CounterVec
	checkDuration    *prometheus.HistogramVec
	failures         *prometheus.GaugeVec
	transitionsTotal *prometheus.CounterVec
	skippedTotal     *prometheus.CounterVec
	alertsTotal      *prometheus.CounterVec

	reqTotal  *prometheus.CounterVec
	reqDur    *prometheus.HistogramVec
	buildInfo *prometheus.GaugeVec
}

// New returns a fresh registry with the Go and process collectors and all
// healthgate metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		probeState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_state",
			Help:      "Current probe state (1 for the active state, 0 otherwise)",
		}, []string{"probe", "kind", "state"}),
		checksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_checks_total",
			Help:      "Total checks by probe and verdict",
		}, []string{"probe", "kind", "result"}),
		checkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "probe_check_duration_seconds",
			Help:      "Check latency by probe",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"probe", "kind"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "probe_consecutive_failures",
			Help:      "Consecutive counted failures by probe",
		}, []string{"probe", "kind"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_transitions_total",
			Help:      "Total probe state changes by target state",
		}, []string{"probe", "kind", "to"}),
		skippedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probe_checks_skipped_total",
			Help:      "Ticks skipped because the previous check was still in flight",
		}, []string{"probe", "kind"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Webhook alerts by outcome (sent, failed, suppressed)",
		}, []string{"outcome"}),
		reqTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, route, and status",
		}, []string{"method", "route", "status"}),
		reqDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Request latency by method and route",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}, []string{"method", "route"}),
		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "build_info",
			Help:      "Build metadata (value is always 1)",
		}, []string{"version", "commit", "go_version"}),
	}
	reg.MustRegister(
		m.probeState,
		m.checksTotal,
		m.checkDuration,
		m.failures,
		m.transitionsTotal,
		m.skippedTotal,
		m.alertsTotal,
		m.reqTotal,
		m.reqDur,
		m.buildInfo,
	)

	m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
	m.reg = reg
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return m.handler
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// set once at startup.
func (m *Metrics) SetBuildInfo(vi version.Info) {
	m.buildInfo.WithLabelValues(vi.Version, vi.Commit, vi.GoVersion).Set(1)
}

// RegisterProbe publishes the initial Starting state for a probe so it is
// visible before its first check.
func (m *Metrics) RegisterProbe(cfg probe.Config) {
	m.setState(cfg.Name, cfg.Kind, probe.StateStarting)
	m.failures.WithLabelValues(cfg.Name, string(cfg.Kind)).Set(0)
}

// ObserveCheck records one check observation.
func (m *Metrics) ObserveCheck(o probe.Observation) {
	kind := string(o.Kind)
	m.checksTotal.WithLabelValues(o.Probe, kind, string(o.Result)).Inc()
	m.checkDuration.WithLabelValues(o.Probe, kind).Observe(o.Check.ResponseTime.Seconds())
	m.failures.WithLabelValues(o.Probe, kind).Set(float64(o.Failures))
}

// ObserveTransition records a probe state change.
func (m *Metrics) ObserveTransition(t probe.Transition) {
	m.transitionsTotal.WithLabelValues(t.Probe, string(t.Kind), string(t.To)).Inc()
	m.setState(t.Probe, t.Kind, t.To)
}

// IncSkipped counts a tick skipped because a check was still in flight.
func (m *Metrics) IncSkipped(cfg probe.Config) {
	m.skippedTotal.WithLabelValues(cfg.Name, string(cfg.Kind)).Inc()
}

// IncAlert counts a webhook alert outcome.
func (m *Metrics) IncAlert(outcome string) {
	m.alertsTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) setState(name string, kind probe.Kind, current probe.State) {
	for _, s := range probe.States {
		v := 0.0
		if s == current {
			v = 1
		}
		m.probeState.WithLabelValues(name, string(kind), string(s)).Set(v)
	}
}
