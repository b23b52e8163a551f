package core

import (
	"time"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusCancelled TaskStatus = "cancelled"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusRetrying  TaskStatus = "retrying"
)

// AllTaskStatuses lists every status in state-machine order.
var AllTaskStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusScheduled,
	TaskStatusRunning,
	TaskStatusCompleted,
	TaskStatusCancelled,
	TaskStatusFailed,
	TaskStatusRetrying,
}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, st := range AllTaskStatuses {
		if s == st {
			return true
		}
	}
	return false
}

// TaskType classifies what a task is for.
type TaskType string

const (
	TaskTypeReminder      TaskType = "reminder"
	TaskTypeRecurring     TaskType = "recurring"
	TaskTypeFollowUp      TaskType = "follow_up"
	TaskTypeContractCheck TaskType = "contract_check"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeReminder, TaskTypeRecurring, TaskTypeFollowUp, TaskTypeContractCheck:
		return true
	}
	return false
}

// Result is the structured outcome of the latest execution.
type Result struct {
	Success    bool           `json:"success"`
	DurationMS int64          `json:"duration_ms"`
	Output     map[string]any `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
	FinishedAt time.Time      `json:"finished_at"`
}

// Task represents a unit of scheduled work.
type Task struct {
	ID          string
	Name        *string
	Title       string
	TaskType    TaskType
	HandlerName string
	Enabled     bool

	// At most one of RepeatIntervalHours and CronExpression is set.
	RepeatIntervalHours *int
	CronExpression      *string

	ScheduledAt *time.Time
	NextRunAt   *time.Time
	LastRunAt   *time.Time

	Status     TaskStatus
	RetryCount int
	MaxRetries int
	LastResult *Result

	Action   string
	Metadata map[string]any
	EntityID *string
	ParentID *string

	ClaimedBy    *string
	ClaimedUntil *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsCron reports whether the task recurs on a cron expression.
func (t *Task) IsCron() bool {
	return t.CronExpression != nil && *t.CronExpression != ""
}

// IsInterval reports whether the task recurs on a fixed interval.
func (t *Task) IsInterval() bool {
	return t.RepeatIntervalHours != nil && *t.RepeatIntervalHours > 0
}

// RunStatus describes the outcome of an individual execution.
type RunStatus string

const (
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run captures a single execution attempt of a task.
type Run struct {
	ID         string
	TaskID     string
	Status     RunStatus
	Attempt    int
	Owner      string
	StartedAt  time.Time
	EndedAt    time.Time
	DurationMS int64
	Error      *string
	CreatedAt  time.Time
}

// TaskFilter narrows ListTasks results.
type TaskFilter struct {
	Status   *TaskStatus
	EntityID *string
	Limit    int
}

// StatusReport is the observability snapshot returned by Engine.Status.
type StatusReport struct {
	Counts   map[TaskStatus]int `json:"counts"`
	Total    int                `json:"total"`
	Handlers []string           `json:"handlers"`
}
