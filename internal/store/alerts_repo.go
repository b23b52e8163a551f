package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/alert"
	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"
)

var ErrAlertRuleNotFound = errors.New("alert rule not found")

// UpsertAlertRule inserts a rule or updates the one with the same name.
// The trigger stamp of an existing rule is preserved.
func (s *Store) UpsertAlertRule(ctx context.Context, rule *alert.Rule) error {
	now := time.Now().UTC()
	var existingID string
	err := s.DB.QueryRowContext(ctx, `SELECT id FROM alert_rules WHERE name = ?`, rule.Name).Scan(&existingID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if rule.ID == "" {
			rule.ID = core.NewID()
		}
		rule.CreatedAt = now
		rule.UpdatedAt = now
		_, err = s.DB.ExecContext(ctx, `
			INSERT INTO alert_rules (id, name, stage, max_age_hours, enabled, last_triggered_at, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, rule.ID, rule.Name, rule.Stage, rule.MaxAgeHours, boolToInt(rule.Enabled),
			nullableTime(rule.LastTriggeredAt), formatTime(now), formatTime(now))
		if err != nil {
			return fmt.Errorf("insert alert rule: %w", err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("lookup alert rule: %w", err)
	}
	rule.ID = existingID
	rule.UpdatedAt = now
	_, err = s.DB.ExecContext(ctx, `
		UPDATE alert_rules SET stage = ?, max_age_hours = ?, enabled = ?, updated_at = ? WHERE id = ?
	`, rule.Stage, rule.MaxAgeHours, boolToInt(rule.Enabled), formatTime(now), existingID)
	if err != nil {
		return fmt.Errorf("update alert rule: %w", err)
	}
	return nil
}

func (s *Store) ListAlertRules(ctx context.Context) ([]*alert.Rule, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, stage, max_age_hours, enabled, last_triggered_at, created_at, updated_at
		FROM alert_rules
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query alert rules: %w", err)
	}
	defer rows.Close()
	var rules []*alert.Rule
	for rows.Next() {
		var (
			r         alert.Rule
			stage     string
			enabled   int
			last      sql.NullString
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&r.ID, &r.Name, &stage, &r.MaxAgeHours, &enabled, &last, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan alert rule: %w", err)
		}
		r.Stage = pipeline.Stage(stage)
		r.Enabled = enabled != 0
		r.LastTriggeredAt = timePtr(last)
		if t, err := parseTime(createdAt); err == nil {
			r.CreatedAt = t
		}
		if t, err := parseTime(updatedAt); err == nil {
			r.UpdatedAt = t
		}
		rules = append(rules, &r)
	}
	return rules, rows.Err()
}

func (s *Store) MarkRuleTriggered(ctx context.Context, id string, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE alert_rules SET last_triggered_at = ?, updated_at = ? WHERE id = ?
	`, formatTime(at), formatTime(at), id)
	if err != nil {
		return fmt.Errorf("mark alert rule: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrAlertRuleNotFound
	}
	return nil
}
