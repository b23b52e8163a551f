package api

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"taskpilot/internal/core"
)

type cronScheduleRequest struct {
	Name           string         `json:"name"`
	Handler        string         `json:"handler"`
	CronExpression string         `json:"cron_expression"`
	Metadata       map[string]any `json:"metadata"`
	Enabled        *bool          `json:"enabled"`
	MaxRetries     int            `json:"max_retries"`
}

func (s *Server) handleCronSchedule(w http.ResponseWriter, r *http.Request) {
	var req cronScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	task, err := s.deps.Engine.Schedule(r.Context(), core.ScheduleRequest{
		Name:           req.Name,
		HandlerName:    req.Handler,
		CronExpression: req.CronExpression,
		Metadata:       req.Metadata,
		Enabled:        enabled,
		MaxRetries:     req.MaxRetries,
	})
	if err != nil {
		s.writeTaskError(w, "schedule task", "", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

type cronPreviewRequest struct {
	Expr  string `json:"expr"`
	Now   string `json:"now,omitempty"`
	Count int    `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid     bool     `json:"valid"`
	NextTimes []string `json:"next_times,omitempty"`
	Message   string   `json:"message,omitempty"`
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "invalid JSON payload"})
		return
	}
	expr := strings.TrimSpace(req.Expr)
	if expr == "" {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression is required"})
		return
	}

	count := req.Count
	if count <= 0 || count > 10 {
		count = 5
	}

	base := time.Now().In(s.location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.location)
		}
	}

	times, err := core.Preview(expr, base, count)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.UTC().Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, NextTimes: formatted})
}
