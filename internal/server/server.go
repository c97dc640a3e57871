package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazz-dev/healthgate/internal/config"
	"github.com/hazz-dev/healthgate/internal/metrics"
	"github.com/hazz-dev/healthgate/internal/probe"
	"github.com/hazz-dev/healthgate/internal/storage"
)

// ServerStore defines the storage queries the server needs.
type ServerStore interface {
	AllLatest(ctx context.Context) ([]storage.Check, error)
	LatestCheck(ctx context.Context, probe string) (*storage.Check, error)
	ProbeHistory(ctx context.Context, probe string, limit, offset int) ([]storage.Check, int, error)
	Transitions(ctx context.Context, probe string, limit int) ([]storage.Transition, error)
	HealthyPercent(ctx context.Context, probe string, last int) (float64, error)
}

// StatusSource exposes the live state of the running probes.
type StatusSource interface {
	Statuses() []probe.Status
	Status(name string) (probe.Status, bool)
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics instruments every route and mounts /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server holds the chi router and its dependencies.
type Server struct {
	store   ServerStore
	source  StatusSource
	probes  []config.Probe
	gate    *Gate
	metrics *metrics.Metrics
	router  chi.Router
	logger  *slog.Logger
}

// New creates a new Server and registers all routes.
func New(store ServerStore, source StatusSource, probes []config.Probe, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		store:  store,
		source: source,
		probes: probes,
		gate:   &Gate{},
		router: chi.NewRouter(),
		logger: logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.registerRoutes()
	return s
}

// Router returns the chi router (for mounting or testing).
func (s *Server) Router() chi.Router {
	return s.router
}

// Gate returns the drain gate consulted by /readyz.
func (s *Server) Gate() *Gate {
	return s.gate
}

func (s *Server) registerRoutes() {
	r := s.router
	// Metrics wrap Recoverer so requests that panic are counted as 500s.
	if s.metrics != nil {
		r.Use(s.metrics.Middleware)
	}
	r.Use(middleware.Recoverer)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Orchestrator probes are polled every few seconds; keep them out of the
	// request log.
	r.Get("/livez", s.handleLivez)
	r.Get("/readyz", s.handleReadyz)
	r.Get("/probes/{name}", s.handleProbe)

	r.Group(func(r chi.Router) {
		r.Use(s.requestLogger)
		r.Get("/api/health", s.handleHealth)
		r.Get("/api/probes", s.handleListProbes)
		r.Get("/api/probes/{name}", s.handleGetProbe)
		r.Get("/api/probes/{name}/history", s.handleGetProbeHistory)
		r.Get("/api/probes/{name}/transitions", s.handleGetProbeTransitions)
	})
}

// --- Response helpers ---

type envelope struct {
	Data  any    `json:"data"`
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Error: msg})
}

func writeText(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	w.Write([]byte(msg + "\n"))
}

// --- Probe helpers ---

func (s *Server) probeConfig(name string) (config.Probe, bool) {
	for _, p := range s.probes {
		if p.Name == name {
			return p, true
		}
	}
	return config.Probe{}, false
}

// --- API handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

type probeDetail struct {
	Name        string  `json:"name"`
	Kind        string  `json:"kind"`
	Type        string  `json:"type"`
	Target      string  `json:"target"`
	Interval    string  `json:"interval"`
	Timeout     string  `json:"timeout"`
	StartPeriod string  `json:"start_period"`
	Retries     int     `json:"retries"`
	HealthyPct  float64 `json:"healthy_percent"`
	ResponseMs  int64   `json:"response_ms"`
	State       string  `json:"state"`

	Live probe.Status `json:"live"`
}

func (s *Server) detail(ctx context.Context, p config.Probe, latest *storage.Check) probeDetail {
	d := probeDetail{
		Name:        p.Name,
		Kind:        p.Kind,
		Type:        p.Type,
		Target:      p.Target,
		Interval:    p.Interval.Duration.String(),
		Timeout:     p.Timeout.Duration.String(),
		StartPeriod: p.StartPeriod.Duration.String(),
		Retries:     p.Retries,
		State:       string(probe.StateStarting),
	}
	if st, ok := s.source.Status(p.Name); ok {
		d.State = string(st.State)
		d.Live = st
	}
	if latest != nil {
		d.ResponseMs = latest.ResponseMs
		pct, err := s.store.HealthyPercent(ctx, p.Name, 100)
		if err != nil {
			s.logger.Warn("HealthyPercent", "probe", p.Name, "error", err)
		}
		d.HealthyPct = pct
	}
	return d
}

func (s *Server) handleListProbes(w http.ResponseWriter, r *http.Request) {
	latestChecks, err := s.store.AllLatest(r.Context())
	if err != nil {
		s.logger.Error("AllLatest", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	byProbe := make(map[string]*storage.Check, len(latestChecks))
	for i := range latestChecks {
		byProbe[latestChecks[i].Probe] = &latestChecks[i]
	}

	details := make([]probeDetail, 0, len(s.probes))
	for _, p := range s.probes {
		details = append(details, s.detail(r.Context(), p, byProbe[p.Name]))
	}

	writeJSON(w, http.StatusOK, details)
}

type probeDetailResponse struct {
	probeDetail
	RecentChecks []storage.Check `json:"recent_checks"`
}

func (s *Server) handleGetProbe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	p, ok := s.probeConfig(name)
	if !ok {
		writeError(w, http.StatusNotFound, "probe not found")
		return
	}

	latest, err := s.store.LatestCheck(r.Context(), name)
	if err != nil {
		s.logger.Error("LatestCheck", "probe", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	history, _, err := s.store.ProbeHistory(r.Context(), name, 10, 0)
	if err != nil {
		s.logger.Error("ProbeHistory", "probe", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, probeDetailResponse{
		probeDetail:  s.detail(r.Context(), p, latest),
		RecentChecks: history,
	})
}

type historyResponse struct {
	Checks []storage.Check `json:"checks"`
	Total  int             `json:"total"`
}

const maxLimit = 1000

// queryInt parses a non-negative integer query parameter, capped at max when
// max > 0.
func queryInt(r *http.Request, key string, def, max int) (int, bool) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, false
	}
	if max > 0 && n > max {
		n = max
	}
	return n, true
}

func (s *Server) handleGetProbeHistory(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.probeConfig(name); !ok {
		writeError(w, http.StatusNotFound, "probe not found")
		return
	}

	limit, ok := queryInt(r, "limit", 50, maxLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}
	offset, ok := queryInt(r, "offset", 0, 0)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid offset parameter")
		return
	}

	checks, total, err := s.store.ProbeHistory(r.Context(), name, limit, offset)
	if err != nil {
		s.logger.Error("ProbeHistory", "probe", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, historyResponse{
		Checks: checks,
		Total:  total,
	})
}

func (s *Server) handleGetProbeTransitions(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, ok := s.probeConfig(name); !ok {
		writeError(w, http.StatusNotFound, "probe not found")
		return
	}

	limit, ok := queryInt(r, "limit", 50, maxLimit)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid limit parameter")
		return
	}

	ts, err := s.store.Transitions(r.Context(), name, limit)
	if err != nil {
		s.logger.Error("Transitions", "probe", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, ts)
}

// --- Middleware ---

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration", time.Since(start),
		)
	})
}
