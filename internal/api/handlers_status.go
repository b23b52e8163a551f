package api

import (
	"net/http"

	"taskpilot/internal/core"
	"taskpilot/internal/poller"
)

type statusResponse struct {
	Counts   map[core.TaskStatus]int `json:"counts"`
	Total    int                     `json:"total"`
	Handlers []string                `json:"handlers"`
	Loop     *poller.State           `json:"loop,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	report, err := s.deps.Engine.Status(r.Context())
	if err != nil {
		s.logger.Error("scheduler status", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to load status")
		return
	}
	resp := statusResponse{Counts: report.Counts, Total: report.Total, Handlers: report.Handlers}
	if s.deps.Loop != nil {
		state := s.deps.Loop.Snapshot()
		resp.Loop = &state
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "database unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAlertCheck(w http.ResponseWriter, r *http.Request) {
	if s.deps.Alerts == nil {
		writeError(w, http.StatusNotImplemented, "unsupported", "alert checker not configured")
		return
	}
	report, err := s.deps.Alerts.Check(r.Context())
	if err != nil {
		s.logger.Error("alert check", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "alert check failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}
