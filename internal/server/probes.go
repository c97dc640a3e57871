package server

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hazz-dev/healthgate/internal/probe"
)

// handleLivez fails only once a liveness probe has given up on the
// instance. Starting probes do not fail liveness, so a slow boot is not
// restarted.
func (s *Server) handleLivez(w http.ResponseWriter, r *http.Request) {
	for _, st := range s.source.Statuses() {
		if st.Kind != probe.KindLiveness {
			continue
		}
		if st.State == probe.StateUnhealthy || st.State == probe.StateTerminated {
			writeText(w, http.StatusServiceUnavailable, fmt.Sprintf("probe %s is %s", st.Name, st.State))
			return
		}
	}
	writeText(w, http.StatusOK, "ok")
}

// handleReadyz admits traffic only while the gate is open and every
// readiness probe is Healthy.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if closed, reason := s.gate.Closed(); closed {
		writeText(w, http.StatusServiceUnavailable, reason)
		return
	}
	for _, st := range s.source.Statuses() {
		if st.Kind != probe.KindReadiness {
			continue
		}
		if !st.Routable() {
			writeText(w, http.StatusServiceUnavailable, fmt.Sprintf("probe %s is %s", st.Name, st.State))
			return
		}
	}
	writeText(w, http.StatusOK, "ok")
}

func (s *Server) handleProbe(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	st, ok := s.source.Status(name)
	if !ok {
		writeText(w, http.StatusNotFound, "probe not found")
		return
	}
	if !st.Routable() {
		writeText(w, http.StatusServiceUnavailable, string(st.State))
		return
	}
	writeText(w, http.StatusOK, string(st.State))
}
