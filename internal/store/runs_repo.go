package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"taskpilot/internal/core"
)

// InsertRun records an execution and prunes history beyond the retention limit.
func (s *Store) InsertRun(ctx context.Context, run *core.Run) error {
	run.CreatedAt = time.Now().UTC()
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, status, attempt, owner, started_at, ended_at, duration_ms, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, run.Status, run.Attempt, run.Owner, formatTime(run.StartedAt), formatTime(run.EndedAt),
		run.DurationMS, nullableString(run.Error), formatTime(run.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return s.pruneRuns(ctx, run.TaskID)
}

func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.Run, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, status, attempt, owner, started_at, ended_at, duration_ms, error, created_at
		FROM runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	var runs []*core.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return runs, nil
}

func (s *Store) pruneRuns(ctx context.Context, taskID string) error {
	_, err := s.DB.ExecContext(ctx, `
		DELETE FROM runs
		WHERE id IN (
			SELECT id FROM runs
			WHERE task_id = ?
			ORDER BY created_at DESC
			LIMIT -1 OFFSET ?
		)
	`, taskID, s.RunRetention)
	if err != nil {
		return fmt.Errorf("prune runs: %w", err)
	}
	return nil
}

func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*core.Run, error) {
	var (
		run       core.Run
		status    string
		startedAt string
		endedAt   string
		errMsg    sql.NullString
		createdAt string
	)
	if err := scanner.Scan(&run.ID, &run.TaskID, &status, &run.Attempt, &run.Owner, &startedAt, &endedAt,
		&run.DurationMS, &errMsg, &createdAt); err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = core.RunStatus(status)
	run.Error = stringPtr(errMsg)
	var err error
	if run.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parse run started_at: %w", err)
	}
	if run.EndedAt, err = parseTime(endedAt); err != nil {
		return nil, fmt.Errorf("parse run ended_at: %w", err)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parse run created_at: %w", err)
	}
	return &run, nil
}
