package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	Title               string         `json:"title"`
	TaskType            string         `json:"task_type"`
	ScheduledAt         *string        `json:"scheduled_at"`
	EntityID            *string        `json:"entity_id"`
	RepeatIntervalHours *int           `json:"repeat_interval_hours"`
	CronExpression      *string        `json:"cron_expression"`
	Action              string         `json:"action"`
	ActionParams        map[string]any `json:"action_params"`
	MaxRetries          int            `json:"max_retries"`
	Enabled             *bool          `json:"enabled"`
}

type taskResponse struct {
	ID                  string         `json:"id"`
	Name                *string        `json:"name,omitempty"`
	Title               string         `json:"title"`
	TaskType            string         `json:"task_type"`
	HandlerName         string         `json:"handler_name"`
	Enabled             bool           `json:"enabled"`
	RepeatIntervalHours *int           `json:"repeat_interval_hours,omitempty"`
	CronExpression      *string        `json:"cron_expression,omitempty"`
	ScheduledAt         *string        `json:"scheduled_at,omitempty"`
	NextRunAt           *string        `json:"next_run_at,omitempty"`
	LastRunAt           *string        `json:"last_run_at,omitempty"`
	Status              string         `json:"status"`
	RetryCount          int            `json:"retry_count"`
	MaxRetries          int            `json:"max_retries"`
	LastResult          *core.Result   `json:"last_result,omitempty"`
	Metadata            map[string]any `json:"metadata,omitempty"`
	EntityID            *string        `json:"entity_id,omitempty"`
	ParentID            *string        `json:"parent_id,omitempty"`
	CreatedAt           string         `json:"created_at"`
	UpdatedAt           string         `json:"updated_at"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	var scheduledAt *time.Time
	if req.ScheduledAt != nil && strings.TrimSpace(*req.ScheduledAt) != "" {
		parsed, err := time.Parse(time.RFC3339, strings.TrimSpace(*req.ScheduledAt))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_input", "scheduled_at must be RFC3339")
			return
		}
		scheduledAt = &parsed
	}

	task, err := s.deps.Engine.Create(r.Context(), core.CreateRequest{
		Title:               req.Title,
		TaskType:            core.TaskType(strings.TrimSpace(req.TaskType)),
		ScheduledAt:         scheduledAt,
		EntityID:            req.EntityID,
		RepeatIntervalHours: req.RepeatIntervalHours,
		CronExpression:      req.CronExpression,
		Action:              req.Action,
		ActionParams:        req.ActionParams,
		MaxRetries:          req.MaxRetries,
		Enabled:             req.Enabled,
	})
	if err != nil {
		s.writeTaskError(w, "create task", "", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := core.TaskFilter{Limit: parseIntDefault(r.URL.Query().Get("limit"), 0)}
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status "+strconv.Quote(status))
			return
		}
		filter.Status = &st
	}
	if entity := strings.TrimSpace(r.URL.Query().Get("entity_id")); entity != "" {
		filter.EntityID = &entity
	}
	tasks, err := s.deps.Engine.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, err := s.deps.Engine.Get(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "get task", taskID, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if err := s.deps.Engine.Cancel(r.Context(), taskID); err != nil {
		s.writeTaskError(w, "cancel task", taskID, err)
		return
	}
	task, err := s.deps.Engine.Get(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "get cancelled task", taskID, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

// handleRunTask executes the task synchronously and returns its new state.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	found, err := s.deps.Dispatcher.RunNow(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "run task now", taskID, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	task, err := s.deps.Engine.Get(r.Context(), taskID)
	if err != nil {
		s.writeTaskError(w, "get task after run", taskID, err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

// writeTaskError maps scheduler errors onto HTTP statuses.
func (s *Server) writeTaskError(w http.ResponseWriter, op, taskID string, err error) {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		writeError(w, http.StatusNotFound, "not_found", "task not found")
	case errors.Is(err, core.ErrUnknownHandler):
		writeError(w, http.StatusBadRequest, "unknown_handler", err.Error())
	case errors.Is(err, core.ErrInvalidSchedule), errors.Is(err, core.ErrInvalidCronExpression):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, core.ErrTaskRunning):
		writeError(w, http.StatusConflict, "conflict", "task is already running")
	case errors.Is(err, core.ErrTaskNotCancellable), errors.Is(err, core.ErrTaskCancelled):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	default:
		s.logger.Error(op, "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to "+op)
	}
}

func taskToResponse(task *core.Task) taskResponse {
	return taskResponse{
		ID:                  task.ID,
		Name:                task.Name,
		Title:               task.Title,
		TaskType:            string(task.TaskType),
		HandlerName:         task.HandlerName,
		Enabled:             task.Enabled,
		RepeatIntervalHours: task.RepeatIntervalHours,
		CronExpression:      task.CronExpression,
		ScheduledAt:         formatTimePtr(task.ScheduledAt),
		NextRunAt:           formatTimePtr(task.NextRunAt),
		LastRunAt:           formatTimePtr(task.LastRunAt),
		Status:              string(task.Status),
		RetryCount:          task.RetryCount,
		MaxRetries:          task.MaxRetries,
		LastResult:          task.LastResult,
		Metadata:            task.Metadata,
		EntityID:            task.EntityID,
		ParentID:            task.ParentID,
		CreatedAt:           task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}
