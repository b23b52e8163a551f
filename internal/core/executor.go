package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultLease bounds how long a claim is honoured before another poll may
// treat the task as abandoned.
const DefaultLease = time.Hour

// writeBackTimeout bounds the store writes made after a handler returns.
const writeBackTimeout = 30 * time.Second

// FailureHook is invoked after a task exhausts its retries.
type FailureHook func(ctx context.Context, task *Task, err error)

// DispatcherConfig tunes the Dispatcher.
type DispatcherConfig struct {
	InstanceID         string
	Lease              time.Duration
	// Heartbeat is how often a held claim is renewed. Defaults to Lease/3.
	Heartbeat          time.Duration
	MaxConcurrency     int
	Location           *time.Location
	Clock              func() time.Time
	OnPermanentFailure FailureHook
}

// Dispatcher finds due tasks, runs their handlers and folds the results back
// into the store.
type Dispatcher struct {
	store     Store
	registry  *Registry
	logger    *slog.Logger
	location  *time.Location
	now       func() time.Time
	owner     string
	lease     time.Duration
	heartbeat time.Duration
	limit     int
	onFailure FailureHook

	running sync.Map // taskID -> struct{}{}
}

// NewDispatcher constructs a Dispatcher.
func NewDispatcher(store Store, registry *Registry, logger *slog.Logger, cfg DispatcherConfig) *Dispatcher {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.InstanceID == "" {
		cfg.InstanceID = NewID()
	}
	return &Dispatcher{
		store:     store,
		registry:  registry,
		logger:    logger,
		location:  cfg.Location,
		now:       cfg.Clock,
		owner:     cfg.InstanceID,
		lease:     cfg.Lease,
		heartbeat: cfg.Heartbeat,
		limit:     cfg.MaxConcurrency,
		onFailure: cfg.OnPermanentFailure,
	}
}

// PollResult summarises one poll cycle.
type PollResult struct {
	Due       int `json:"due"`
	Executed  int `json:"executed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
)

var dueStatuses = []TaskStatus{TaskStatusPending, TaskStatusScheduled, TaskStatusRetrying}

var manualStatuses = []TaskStatus{
	TaskStatusPending,
	TaskStatusScheduled,
	TaskStatusRetrying,
	TaskStatusCompleted,
	TaskStatusFailed,
}

// PollOnce runs every due task concurrently and waits for all of them.
// A failing handler never affects its siblings; only a store failure while
// selecting the due set is returned.
func (d *Dispatcher) PollOnce(ctx context.Context) (PollResult, error) {
	now := d.now().UTC()
	due, err := d.store.ListDueTasks(ctx, now)
	if err != nil {
		return PollResult{}, fmt.Errorf("list due tasks: %w", err)
	}
	res := PollResult{Due: len(due)}
	if len(due) == 0 {
		return res, nil
	}

	var mu sync.Mutex
	var g errgroup.Group
	if d.limit > 0 {
		g.SetLimit(d.limit)
	}
	for _, task := range due {
		g.Go(func() error {
			out, err := d.execute(ctx, task, true)
			if err != nil {
				d.logger.Error("execute task", "task_id", task.ID, "err", err)
			}
			mu.Lock()
			defer mu.Unlock()
			switch out {
			case outcomeSucceeded:
				res.Executed++
				res.Succeeded++
			case outcomeFailed:
				res.Executed++
				res.Failed++
			default:
				res.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	if res.Executed > 0 {
		d.logger.Info("poll cycle finished", "due", res.Due, "succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
	}
	return res, nil
}

// ExecuteTask runs a single due task through the claim/run/write-back path.
func (d *Dispatcher) ExecuteTask(ctx context.Context, task *Task) error {
	out, err := d.execute(ctx, task, true)
	if err != nil {
		return err
	}
	if out == outcomeSkipped {
		return ErrTaskRunning
	}
	return nil
}

// RunNow executes the task immediately regardless of its due time. found is
// false when no task has that id.
func (d *Dispatcher) RunNow(ctx context.Context, id string) (bool, error) {
	task, err := d.store.GetTask(ctx, id)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return false, nil
		}
		return false, err
	}
	if task.Status == TaskStatusCancelled {
		return true, fmt.Errorf("run task %s: %w", id, ErrTaskCancelled)
	}
	out, err := d.execute(ctx, task, false)
	if err != nil {
		return true, err
	}
	if out == outcomeSkipped {
		return true, ErrTaskRunning
	}
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, task *Task, requireDue bool) (outcome, error) {
	if _, busy := d.running.LoadOrStore(task.ID, struct{}{}); busy {
		d.logger.Info("skipping run because task is already running", "task_id", task.ID)
		return outcomeSkipped, nil
	}
	defer d.running.Delete(task.ID)

	from := dueStatuses
	if !requireDue {
		from = manualStatuses
	}
	now := d.now().UTC()
	until := now.Add(d.lease)
	claimed, err := d.store.ClaimTask(ctx, task.ID, Claim{
		Owner:      d.owner,
		Now:        now,
		Until:      until,
		From:       from,
		RequireDue: requireDue,
		// only the poll path recovers abandoned claims
		Reclaim: requireDue,
	})
	if err != nil {
		return outcomeSkipped, fmt.Errorf("claim task: %w", err)
	}
	if !claimed {
		d.logger.Debug("task not claimable, skipping", "task_id", task.ID, "status", task.Status)
		return outcomeSkipped, nil
	}
	task.Status = TaskStatusRunning
	task.ClaimedBy = &d.owner
	task.ClaimedUntil = &until
	task.LastRunAt = &now

	stopHeartbeat := d.keepClaim(ctx, task.ID)
	started := time.Now()
	output, runErr := d.invoke(ctx, task)
	elapsed := time.Since(started)
	stopHeartbeat()
	finished := d.now().UTC()

	// the handler's context may already be cancelled (shutdown, client gone);
	// the outcome is still written back
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeBackTimeout)
	defer cancel()

	out := outcomeSucceeded
	var child *Task
	if runErr == nil {
		child = d.applySuccess(task, output, elapsed, finished)
	} else {
		out = outcomeFailed
		d.applyFailure(task, runErr, elapsed, finished)
	}
	if child != nil {
		spawned, err := d.store.HasChildTask(wctx, task.ID)
		if err != nil {
			d.logger.Warn("check next occurrence", "task_id", task.ID, "err", err)
		}
		if spawned || err != nil {
			child = nil
		}
	}

	d.recordRun(wctx, task, now, finished, elapsed, runErr)

	ok, err := d.store.FinishTask(wctx, task, d.owner)
	if err != nil {
		return out, fmt.Errorf("finish task: %w", err)
	}
	if !ok {
		d.logger.Warn("task claim lost before write-back", "task_id", task.ID)
		return out, nil
	}

	if child != nil {
		if err := d.store.InsertTask(wctx, child); err != nil {
			return out, fmt.Errorf("insert next occurrence: %w", err)
		}
		d.logger.Debug("interval task re-armed", "task_id", task.ID, "next_task_id", child.ID, "next_run_at", child.NextRunAt)
	}
	if task.Status == TaskStatusFailed && d.onFailure != nil {
		d.onFailure(wctx, task, runErr)
	}
	return out, nil
}

// keepClaim renews the claim on task id every heartbeat until the returned
// stop func is called. stop waits for an in-flight renewal to finish.
func (d *Dispatcher) keepClaim(ctx context.Context, id string) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(d.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
			}
			until := d.now().UTC().Add(d.lease)
			ok, err := d.store.RenewClaim(context.WithoutCancel(ctx), id, d.owner, until)
			switch {
			case err != nil:
				d.logger.Warn("renew task claim", "task_id", id, "err", err)
			case !ok:
				d.logger.Warn("task claim lost while running", "task_id", id)
				return
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (d *Dispatcher) recordRun(ctx context.Context, task *Task, started, ended time.Time, elapsed time.Duration, runErr error) {
	run := &Run{
		ID:         NewID(),
		TaskID:     task.ID,
		Status:     RunStatusSucceeded,
		Attempt:    task.RetryCount,
		Owner:      d.owner,
		StartedAt:  started,
		EndedAt:    ended,
		DurationMS: elapsed.Milliseconds(),
	}
	if runErr != nil {
		run.Status = RunStatusFailed
		msg := runErr.Error()
		run.Error = &msg
	}
	if err := d.store.InsertRun(ctx, run); err != nil {
		d.logger.Warn("record run", "task_id", task.ID, "err", err)
	}
}

func (d *Dispatcher) invoke(ctx context.Context, task *Task) (output map[string]any, err error) {
	handler, ok := d.registry.Lookup(task.HandlerName)
	if !ok {
		return nil, &HandlerExecutionError{TaskID: task.ID, Handler: task.HandlerName, Err: ErrUnknownHandler}
	}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "task_id", task.ID, "handler", task.HandlerName, "panic", r)
			output = nil
			err = &HandlerExecutionError{TaskID: task.ID, Handler: task.HandlerName, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	metadata := task.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	output, err = handler(ctx, metadata)
	if err != nil {
		return nil, &HandlerExecutionError{TaskID: task.ID, Handler: task.HandlerName, Err: err}
	}
	return output, nil
}

// applySuccess resets the retry budget and re-arms recurring tasks. Interval
// tasks return the row for their next occurrence.
func (d *Dispatcher) applySuccess(task *Task, output map[string]any, elapsed time.Duration, now time.Time) *Task {
	task.RetryCount = 0
	task.LastResult = &Result{
		Success:    true,
		DurationMS: elapsed.Milliseconds(),
		Output:     output,
		FinishedAt: now,
	}
	if task.IsCron() {
		next := nextCronRun(d.logger, d.location, task.ID, *task.CronExpression, now)
		task.NextRunAt = &next
		task.Status = TaskStatusScheduled
		return nil
	}
	task.Status = TaskStatusCompleted
	task.NextRunAt = nil
	if !task.IsInterval() {
		return nil
	}
	next := now.Add(time.Duration(*task.RepeatIntervalHours) * time.Hour)
	hours := *task.RepeatIntervalHours
	parent := task.ID
	return &Task{
		ID:                  NewID(),
		Name:                task.Name,
		Title:               task.Title,
		TaskType:            task.TaskType,
		HandlerName:         task.HandlerName,
		Enabled:             task.Enabled,
		RepeatIntervalHours: &hours,
		ScheduledAt:         &next,
		NextRunAt:           &next,
		Status:              TaskStatusScheduled,
		MaxRetries:          task.MaxRetries,
		Action:              task.Action,
		Metadata:            task.Metadata,
		EntityID:            task.EntityID,
		ParentID:            &parent,
	}
}

// applyFailure advances the retry state machine.
func (d *Dispatcher) applyFailure(task *Task, runErr error, elapsed time.Duration, now time.Time) {
	task.RetryCount++
	task.LastResult = &Result{
		Success:    false,
		DurationMS: elapsed.Milliseconds(),
		Error:      runErr.Error(),
		FinishedAt: now,
	}
	if task.RetryCount < task.MaxRetries {
		next := now.Add(Backoff(task.RetryCount))
		task.NextRunAt = &next
		task.Status = TaskStatusRetrying
		d.logger.Warn("task failed, retry scheduled", "task_id", task.ID, "handler", task.HandlerName, "retry_count", task.RetryCount, "next_run_at", next, "err", runErr)
		return
	}
	task.NextRunAt = nil
	task.Status = TaskStatusFailed
	d.logger.Error("task failed permanently", "task_id", task.ID, "handler", task.HandlerName, "retry_count", task.RetryCount, "err", runErr)
}

// Backoff returns the delay before retry number retryCount: 2^retryCount minutes.
func Backoff(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount > 20 {
		retryCount = 20
	}
	return time.Duration(1<<uint(retryCount)) * time.Minute
}
