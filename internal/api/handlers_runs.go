package api

import (
	"net/http"
	"time"

	"taskpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

type runResponse struct {
	ID         string  `json:"id"`
	TaskID     string  `json:"task_id"`
	Status     string  `json:"status"`
	Attempt    int     `json:"attempt"`
	Owner      string  `json:"owner"`
	StartedAt  string  `json:"started_at"`
	EndedAt    string  `json:"ended_at"`
	DurationMS int64   `json:"duration_ms"`
	Error      *string `json:"error,omitempty"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	runs, err := s.deps.Engine.Runs(r.Context(), taskID, limit, offset)
	if err != nil {
		s.writeTaskError(w, "list runs", taskID, err)
		return
	}

	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, resp)
}

func runToResponse(run *core.Run) runResponse {
	return runResponse{
		ID:         run.ID,
		TaskID:     run.TaskID,
		Status:     string(run.Status),
		Attempt:    run.Attempt,
		Owner:      run.Owner,
		StartedAt:  run.StartedAt.UTC().Format(time.RFC3339Nano),
		EndedAt:    run.EndedAt.UTC().Format(time.RFC3339Nano),
		DurationMS: run.DurationMS,
		Error:      run.Error,
	}
}
