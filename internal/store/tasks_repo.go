package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskpilot/internal/core"
)

var ErrTaskNotFound = core.ErrTaskNotFound

const taskColumns = `id, name, title, task_type, handler_name, enabled, repeat_interval_hours, cron_expression,
	scheduled_at, next_run_at, last_run_at, status, retry_count, max_retries, last_result, action, metadata,
	entity_id, parent_id, claimed_by, claimed_until, created_at, updated_at`

// dueCondition selects enabled tasks whose run time has passed. Interval and
// cron tasks are keyed on next_run_at, one-shot pending tasks on scheduled_at.
const dueCondition = `(enabled = 1 AND (
		(status IN ('scheduled', 'retrying') AND next_run_at IS NOT NULL AND next_run_at <= ?)
		OR (status = 'pending' AND scheduled_at IS NOT NULL AND scheduled_at <= ?)
	))`

// expiredLeaseCondition selects running tasks whose holder stopped renewing.
const expiredLeaseCondition = `(status = 'running' AND claimed_until IS NOT NULL AND claimed_until < ?)`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	metadata, lastResult, err := encodeTaskBlobs(task)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, nullableString(task.Name), task.Title, task.TaskType, task.HandlerName, boolToInt(task.Enabled),
		nullableInt(task.RepeatIntervalHours), nullableString(task.CronExpression),
		nullableTime(task.ScheduledAt), nullableTime(task.NextRunAt), nullableTime(task.LastRunAt),
		task.Status, task.RetryCount, task.MaxRetries, lastResult, task.Action, metadata,
		nullableString(task.EntityID), nullableString(task.ParentID), nullableString(task.ClaimedBy), nullableTime(task.ClaimedUntil),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	metadata, lastResult, err := encodeTaskBlobs(task)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, title = ?, task_type = ?, handler_name = ?, enabled = ?, repeat_interval_hours = ?,
			cron_expression = ?, scheduled_at = ?, next_run_at = ?, last_run_at = ?, status = ?, retry_count = ?,
			max_retries = ?, last_result = ?, action = ?, metadata = ?, entity_id = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(task.Name), task.Title, task.TaskType, task.HandlerName, boolToInt(task.Enabled),
		nullableInt(task.RepeatIntervalHours), nullableString(task.CronExpression),
		nullableTime(task.ScheduledAt), nullableTime(task.NextRunAt), nullableTime(task.LastRunAt),
		task.Status, task.RetryCount, task.MaxRetries, lastResult, task.Action, metadata,
		nullableString(task.EntityID), formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows: %w", err)
	}
	if rows == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

// GetTaskByName looks up the cron task registered under name.
func (s *Store) GetTaskByName(ctx context.Context, name string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks WHERE name = ? AND cron_expression IS NOT NULL
	`, name)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, filter core.TaskFilter) ([]*core.Task, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, *filter.Status)
	}
	if filter.EntityID != nil {
		where = append(where, "entity_id = ?")
		args = append(args, *filter.EntityID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListDueTasks(ctx context.Context, now time.Time) ([]*core.Task, error) {
	ts := formatTime(now)
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE `+dueCondition+` OR `+expiredLeaseCondition+`
		ORDER BY COALESCE(next_run_at, scheduled_at) ASC
	`, ts, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ClaimTask(ctx context.Context, id string, claim core.Claim) (bool, error) {
	if len(claim.From) == 0 {
		return false, fmt.Errorf("claim task %s: no source statuses", id)
	}
	ts := formatTime(claim.Now)
	args := []any{core.TaskStatusRunning, claim.Owner, formatTime(claim.Until), ts, ts, id}
	placeholders := make([]string, 0, len(claim.From))
	for _, st := range claim.From {
		placeholders = append(placeholders, "?")
		args = append(args, st)
	}
	cond := `status IN (` + strings.Join(placeholders, ", ") + `)`
	if claim.RequireDue {
		cond += ` AND ` + dueCondition
		args = append(args, ts, ts)
	}
	where := `(` + cond + `)`
	if claim.Reclaim {
		where = `(` + where + ` OR ` + expiredLeaseCondition + `)`
		args = append(args, ts)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, claimed_by = ?, claimed_until = ?, last_run_at = ?, updated_at = ?
		WHERE id = ? AND `+where, args...)
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim task rows: %w", err)
	}
	return rows == 1, nil
}

// RenewClaim pushes claimed_until forward while owner still holds the task.
func (s *Store) RenewClaim(ctx context.Context, id, owner string, until time.Time) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET claimed_until = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, formatTime(until), id, core.TaskStatusRunning, owner)
	if err != nil {
		return false, fmt.Errorf("renew claim: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("renew claim rows: %w", err)
	}
	return rows == 1, nil
}

func (s *Store) HasChildTask(ctx context.Context, parentID string) (bool, error) {
	var found int
	err := s.DB.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM tasks WHERE parent_id = ?)`, parentID).Scan(&found)
	if err != nil {
		return false, fmt.Errorf("check child task: %w", err)
	}
	return found == 1, nil
}

func (s *Store) FinishTask(ctx context.Context, task *core.Task, owner string) (bool, error) {
	task.UpdatedAt = time.Now().UTC()
	_, lastResult, err := encodeTaskBlobs(task)
	if err != nil {
		return false, err
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, retry_count = ?, next_run_at = ?, last_run_at = ?, last_result = ?,
			claimed_by = NULL, claimed_until = NULL, updated_at = ?
		WHERE id = ? AND status = ? AND claimed_by = ?
	`, task.Status, task.RetryCount, nullableTime(task.NextRunAt), nullableTime(task.LastRunAt), lastResult,
		formatTime(task.UpdatedAt), task.ID, core.TaskStatusRunning, owner)
	if err != nil {
		return false, fmt.Errorf("finish task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("finish task rows: %w", err)
	}
	if rows == 1 {
		task.ClaimedBy = nil
		task.ClaimedUntil = nil
	}
	return rows == 1, nil
}

func (s *Store) CancelTask(ctx context.Context, id string, now time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, next_run_at = NULL, updated_at = ?
		WHERE id = ? AND status IN (?, ?)
	`, core.TaskStatusCancelled, formatTime(now), id, core.TaskStatusPending, core.TaskStatusScheduled)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel task rows: %w", err)
	}
	if rows == 1 {
		return nil
	}
	task, err := s.GetTask(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: status is %s", core.ErrTaskNotCancellable, task.Status)
}

func (s *Store) CountTasksByStatus(ctx context.Context) (map[core.TaskStatus]int, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	counts := make(map[core.TaskStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		counts[core.TaskStatus(status)] = n
	}
	return counts, rows.Err()
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	defer rows.Close()
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func encodeTaskBlobs(task *core.Task) (string, any, error) {
	metadata := task.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	meta, err := json.Marshal(metadata)
	if err != nil {
		return "", nil, fmt.Errorf("encode metadata: %w", err)
	}
	var lastResult any
	if task.LastResult != nil {
		data, err := json.Marshal(task.LastResult)
		if err != nil {
			return "", nil, fmt.Errorf("encode last_result: %w", err)
		}
		lastResult = string(data)
	}
	return string(meta), lastResult, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id           string
		name         sql.NullString
		title        string
		taskType     string
		handlerName  string
		enabled      int
		interval     sql.NullInt64
		cronExpr     sql.NullString
		scheduledAt  sql.NullString
		nextRun      sql.NullString
		lastRun      sql.NullString
		status       string
		retryCount   int
		maxRetries   int
		lastResult   sql.NullString
		action       string
		metadata     string
		entityID     sql.NullString
		parentID     sql.NullString
		claimedBy    sql.NullString
		claimedUntil sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&id, &name, &title, &taskType, &handlerName, &enabled, &interval, &cronExpr,
		&scheduledAt, &nextRun, &lastRun, &status, &retryCount, &maxRetries, &lastResult, &action, &metadata,
		&entityID, &parentID, &claimedBy, &claimedUntil, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:             id,
		Name:           stringPtr(name),
		Title:          title,
		TaskType:       core.TaskType(taskType),
		HandlerName:    handlerName,
		Enabled:        enabled != 0,
		CronExpression: stringPtr(cronExpr),
		ScheduledAt:    timePtr(scheduledAt),
		NextRunAt:      timePtr(nextRun),
		LastRunAt:      timePtr(lastRun),
		Status:         core.TaskStatus(status),
		RetryCount:     retryCount,
		MaxRetries:     maxRetries,
		Action:         action,
		EntityID:       stringPtr(entityID),
		ParentID:       stringPtr(parentID),
		ClaimedBy:      stringPtr(claimedBy),
		ClaimedUntil:   timePtr(claimedUntil),
	}
	if interval.Valid {
		val := int(interval.Int64)
		task.RepeatIntervalHours = &val
	}
	if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata for task %s: %w", id, err)
	}
	if task.Metadata == nil {
		task.Metadata = map[string]any{}
	}
	if lastResult.Valid && lastResult.String != "" {
		var res core.Result
		if err := json.Unmarshal([]byte(lastResult.String), &res); err != nil {
			return nil, fmt.Errorf("decode last_result for task %s: %w", id, err)
		}
		task.LastResult = &res
	}
	if t, err := parseTime(createdAt); err == nil {
		task.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		task.UpdatedAt = t
	}
	return task, nil
}
