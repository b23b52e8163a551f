package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// DefaultMaxRetries applies when a task is created without an explicit retry budget.
const DefaultMaxRetries = 3

// Store abstracts the persistence layer used by the engine and dispatcher.
type Store interface {
	InsertTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	GetTaskByName(ctx context.Context, name string) (*Task, error)
	ListTasks(ctx context.Context, filter TaskFilter) ([]*Task, error)
	CountTasksByStatus(ctx context.Context) (map[TaskStatus]int, error)

	// ListDueTasks returns enabled tasks that may run at now, plus running
	// tasks whose claim lease has expired.
	ListDueTasks(ctx context.Context, now time.Time) ([]*Task, error)
	// ClaimTask atomically moves a task into running. It returns false when
	// the task is not in a claimable state (another execution holds it).
	ClaimTask(ctx context.Context, id string, claim Claim) (bool, error)
	// RenewClaim extends a held claim to until. It returns false when owner
	// no longer holds the task.
	RenewClaim(ctx context.Context, id, owner string, until time.Time) (bool, error)
	// FinishTask writes back the post-execution state and releases the claim.
	// It returns false when the claim was lost to another owner.
	FinishTask(ctx context.Context, task *Task, owner string) (bool, error)
	// CancelTask moves a pending or scheduled task to cancelled.
	CancelTask(ctx context.Context, id string, now time.Time) error
	// HasChildTask reports whether an occurrence was already spawned from parentID.
	HasChildTask(ctx context.Context, parentID string) (bool, error)

	InsertRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*Run, error)
}

// Claim describes the conditional transition into running.
type Claim struct {
	Owner string
	Now   time.Time
	Until time.Time
	// Statuses the task may currently be in for the claim to succeed.
	From []TaskStatus
	// RequireDue re-checks the due predicate inside the claim.
	RequireDue bool
	// Reclaim also accepts a running task whose lease has expired.
	Reclaim bool
}

// EngineConfig tunes the Cron Engine.
type EngineConfig struct {
	Location          *time.Location
	Clock             func() time.Time
	DefaultMaxRetries int
}

// Engine is the Cron Engine: it owns the handler registry and creates,
// schedules and cancels tasks.
type Engine struct {
	store      Store
	registry   *Registry
	logger     *slog.Logger
	location   *time.Location
	now        func() time.Time
	maxRetries int
}

// NewEngine constructs a Cron Engine.
func NewEngine(store Store, registry *Registry, logger *slog.Logger, cfg EngineConfig) *Engine {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	return &Engine{
		store:      store,
		registry:   registry,
		logger:     logger,
		location:   cfg.Location,
		now:        cfg.Clock,
		maxRetries: cfg.DefaultMaxRetries,
	}
}

// Registry exposes the handler registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Register adds a handler to the registry.
func (e *Engine) Register(name string, handler Handler) error {
	return e.registry.Register(name, handler)
}

// ScheduleRequest describes a named cron task.
type ScheduleRequest struct {
	Name           string
	HandlerName    string
	CronExpression string
	Metadata       map[string]any
	Enabled        bool
	MaxRetries     int
}

// Schedule creates or re-arms the cron task keyed by req.Name. Unknown
// handlers are rejected before anything is written. A malformed expression
// does not reject the call; the task is armed one hour out instead. A name
// whose task was cancelled cannot be re-armed.
func (e *Engine) Schedule(ctx context.Context, req ScheduleRequest) (*Task, error) {
	name := strings.TrimSpace(req.Name)
	handlerName := strings.TrimSpace(req.HandlerName)
	if name == "" {
		return nil, fmt.Errorf("%w: name is required", ErrInvalidSchedule)
	}
	if !e.registry.Has(handlerName) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, handlerName)
	}
	expr := strings.TrimSpace(req.CronExpression)
	now := e.now().UTC()
	next := e.nextCronRun(name, expr, now)
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	existing, err := e.store.GetTaskByName(ctx, name)
	switch {
	case err == nil:
		switch existing.Status {
		case TaskStatusRunning:
			return nil, fmt.Errorf("reschedule %q: %w", name, ErrTaskRunning)
		case TaskStatusCancelled:
			// cancelled is terminal; the name stays bound to the cancelled row
			return nil, fmt.Errorf("reschedule %q: %w", name, ErrTaskCancelled)
		}
		existing.HandlerName = handlerName
		existing.CronExpression = &expr
		existing.RepeatIntervalHours = nil
		existing.Metadata = metadata
		existing.Enabled = req.Enabled
		existing.MaxRetries = maxRetries
		existing.RetryCount = 0
		existing.Status = TaskStatusScheduled
		existing.NextRunAt = &next
		if err := e.store.UpdateTask(ctx, existing); err != nil {
			return nil, fmt.Errorf("update cron task: %w", err)
		}
		e.logger.Info("cron task rescheduled", "task_id", existing.ID, "name", name, "cron", expr, "next_run_at", next)
		return existing, nil
	case errors.Is(err, ErrTaskNotFound):
	default:
		return nil, fmt.Errorf("lookup cron task: %w", err)
	}

	task := &Task{
		ID:             NewID(),
		Name:           &name,
		Title:          name,
		TaskType:       TaskTypeRecurring,
		HandlerName:    handlerName,
		Enabled:        req.Enabled,
		CronExpression: &expr,
		ScheduledAt:    &now,
		NextRunAt:      &next,
		Status:         TaskStatusScheduled,
		MaxRetries:     maxRetries,
		Action:         handlerName,
		Metadata:       metadata,
	}
	if err := e.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("insert cron task: %w", err)
	}
	e.logger.Info("cron task scheduled", "task_id", task.ID, "name", name, "cron", expr, "next_run_at", next)
	return task, nil
}

// CreateRequest is the Task CRUD create payload.
type CreateRequest struct {
	Title               string
	TaskType            TaskType
	ScheduledAt         *time.Time
	EntityID            *string
	RepeatIntervalHours *int
	CronExpression      *string
	Action              string
	ActionParams        map[string]any
	MaxRetries          int
	Enabled             *bool
}

// Create validates and stores a new task. One-shot and interval tasks start
// pending at ScheduledAt; cron tasks start scheduled at their next activation.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*Task, error) {
	title := strings.TrimSpace(req.Title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalidSchedule)
	}
	taskType := req.TaskType
	if taskType == "" {
		taskType = TaskTypeReminder
	}
	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: unknown task_type %q", ErrInvalidSchedule, taskType)
	}
	action := strings.TrimSpace(req.Action)
	if !e.registry.Has(action) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, action)
	}
	hasCron := req.CronExpression != nil && strings.TrimSpace(*req.CronExpression) != ""
	if req.RepeatIntervalHours != nil && *req.RepeatIntervalHours < 0 {
		return nil, fmt.Errorf("%w: repeat_interval_hours must be positive", ErrInvalidSchedule)
	}
	hasInterval := req.RepeatIntervalHours != nil && *req.RepeatIntervalHours > 0
	if hasCron && hasInterval {
		return nil, fmt.Errorf("%w: repeat_interval_hours and cron_expression are mutually exclusive", ErrInvalidSchedule)
	}

	now := e.now().UTC()
	scheduledAt := now
	if req.ScheduledAt != nil {
		scheduledAt = req.ScheduledAt.UTC()
	}
	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = e.maxRetries
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}
	params := req.ActionParams
	if params == nil {
		params = map[string]any{}
	}

	task := &Task{
		ID:          NewID(),
		Title:       title,
		TaskType:    taskType,
		HandlerName: action,
		Enabled:     enabled,
		ScheduledAt: &scheduledAt,
		MaxRetries:  maxRetries,
		Action:      action,
		Metadata:    params,
		EntityID:    req.EntityID,
	}
	switch {
	case hasCron:
		expr := strings.TrimSpace(*req.CronExpression)
		next := e.nextCronRun(title, expr, now)
		task.CronExpression = &expr
		task.NextRunAt = &next
		task.Status = TaskStatusScheduled
	default:
		if hasInterval {
			hours := *req.RepeatIntervalHours
			task.RepeatIntervalHours = &hours
		}
		next := scheduledAt
		if next.Before(now) {
			next = now
		}
		task.NextRunAt = &next
		task.Status = TaskStatusPending
	}

	if err := e.store.InsertTask(ctx, task); err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	e.logger.Info("task created", "task_id", task.ID, "type", task.TaskType, "handler", action, "status", task.Status)
	return task, nil
}

// Cancel moves a pending or scheduled task to cancelled.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	if err := e.store.CancelTask(ctx, id, e.now().UTC()); err != nil {
		return err
	}
	e.logger.Info("task cancelled", "task_id", id)
	return nil
}

// Get loads a task by id.
func (e *Engine) Get(ctx context.Context, id string) (*Task, error) {
	return e.store.GetTask(ctx, id)
}

// List returns tasks matching filter.
func (e *Engine) List(ctx context.Context, filter TaskFilter) ([]*Task, error) {
	return e.store.ListTasks(ctx, filter)
}

// Runs returns the execution history of a task, newest first.
func (e *Engine) Runs(ctx context.Context, taskID string, limit, offset int) ([]*Run, error) {
	if _, err := e.store.GetTask(ctx, taskID); err != nil {
		return nil, err
	}
	return e.store.ListRuns(ctx, taskID, limit, offset)
}

// Status reports task counts by status and the registered handler names.
func (e *Engine) Status(ctx context.Context) (*StatusReport, error) {
	counts, err := e.store.CountTasksByStatus(ctx)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	report := &StatusReport{
		Counts:   make(map[TaskStatus]int, len(AllTaskStatuses)),
		Handlers: e.registry.Names(),
	}
	for _, st := range AllTaskStatuses {
		report.Counts[st] = counts[st]
		report.Total += counts[st]
	}
	return report, nil
}

// Preview returns the next n activations of expr from now in the engine's location.
func (e *Engine) Preview(expr string, n int) ([]time.Time, error) {
	return Preview(expr, e.now().In(e.location), n)
}

func (e *Engine) nextCronRun(key, expr string, now time.Time) time.Time {
	return nextCronRun(e.logger, e.location, key, expr, now)
}

// nextCronRun evaluates expr in loc and falls back to now+FallbackDelay when
// the expression cannot be evaluated.
func nextCronRun(logger *slog.Logger, loc *time.Location, key, expr string, now time.Time) time.Time {
	next, err := NextRun(expr, now.In(loc))
	if err != nil {
		fallback := now.Add(FallbackDelay).UTC()
		logger.Warn("cron expression rejected, using fallback", "task", key, "cron", expr, "err", err, "next_run_at", fallback)
		return fallback
	}
	return next.UTC()
}
