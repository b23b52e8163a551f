package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/pipeline"
)

var (
	ErrPropertyNotFound = errors.New("property not found")
	ErrContractNotFound = errors.New("contract not found")
)

const propertyColumns = `id, address, stage, stage_updated_at, summary, created_at, updated_at`

func (s *Store) CreateProperty(ctx context.Context, p *pipeline.Property) error {
	now := time.Now().UTC()
	if p.Stage == "" {
		p.Stage = pipeline.StageNew
	}
	p.StageUpdatedAt = now
	p.CreatedAt = now
	p.UpdatedAt = now
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO properties (`+propertyColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.Address, p.Stage, formatTime(now), nullableString(p.Summary), formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert property: %w", err)
	}
	return nil
}

func (s *Store) GetProperty(ctx context.Context, id string) (*pipeline.Property, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+propertyColumns+` FROM properties WHERE id = ?`, id)
	p, err := scanProperty(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPropertyNotFound
		}
		return nil, err
	}
	return p, nil
}

// ListOpenProperties returns every property that has not reached COMPLETE.
func (s *Store) ListOpenProperties(ctx context.Context) ([]*pipeline.Property, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties
		WHERE stage <> ?
		ORDER BY created_at ASC
	`, pipeline.StageComplete)
	if err != nil {
		return nil, fmt.Errorf("query open properties: %w", err)
	}
	return collectProperties(rows)
}

// ListStaleProperties returns properties that entered stage before the cutoff.
func (s *Store) ListStaleProperties(ctx context.Context, stage pipeline.Stage, before time.Time) ([]*pipeline.Property, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+propertyColumns+`
		FROM properties
		WHERE stage = ? AND stage_updated_at < ?
		ORDER BY stage_updated_at ASC
	`, stage, formatTime(before))
	if err != nil {
		return nil, fmt.Errorf("query stale properties: %w", err)
	}
	return collectProperties(rows)
}

func (s *Store) HasEnrichment(ctx context.Context, propertyID string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM enrichments WHERE property_id = ?)`, propertyID)
}

func (s *Store) HasTrace(ctx context.Context, propertyID string) (bool, error) {
	return s.exists(ctx, `SELECT EXISTS(SELECT 1 FROM traces WHERE property_id = ?)`, propertyID)
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var found int
	if err := s.DB.QueryRowContext(ctx, query, args...).Scan(&found); err != nil {
		return false, fmt.Errorf("check evidence: %w", err)
	}
	return found == 1, nil
}

// AddEnrichment records that an enrichment pass produced data for the property.
func (s *Store) AddEnrichment(ctx context.Context, id, propertyID, source string) error {
	return s.addEvidence(ctx, "enrichments", id, propertyID, source)
}

// AddTrace records a skip-trace / lookup result for the property.
func (s *Store) AddTrace(ctx context.Context, id, propertyID, source string) error {
	return s.addEvidence(ctx, "traces", id, propertyID, source)
}

func (s *Store) addEvidence(ctx context.Context, table, id, propertyID, source string) error {
	if _, err := s.GetProperty(ctx, propertyID); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `INSERT INTO `+table+` (id, property_id, source, created_at) VALUES (?, ?, ?, ?)`,
		id, propertyID, source, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("insert %s: %w", table, err)
	}
	return nil
}

func (s *Store) AddContract(ctx context.Context, c *pipeline.Contract) error {
	if _, err := s.GetProperty(ctx, c.PropertyID); err != nil {
		return err
	}
	now := time.Now().UTC()
	c.CreatedAt = now
	c.UpdatedAt = now
	if c.Status == "" {
		c.Status = "draft"
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO contracts (id, property_id, name, required, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.PropertyID, c.Name, boolToInt(c.Required), c.Status, formatTime(now), formatTime(now))
	if err != nil {
		return fmt.Errorf("insert contract: %w", err)
	}
	return nil
}

// UpdateContract changes a contract's status and/or required flag.
func (s *Store) UpdateContract(ctx context.Context, id string, status *string, required *bool) (*pipeline.Contract, error) {
	c, err := s.GetContract(ctx, id)
	if err != nil {
		return nil, err
	}
	if status != nil {
		c.Status = *status
	}
	if required != nil {
		c.Required = *required
	}
	c.UpdatedAt = time.Now().UTC()
	_, err = s.DB.ExecContext(ctx, `
		UPDATE contracts SET status = ?, required = ?, updated_at = ? WHERE id = ?
	`, c.Status, boolToInt(c.Required), formatTime(c.UpdatedAt), id)
	if err != nil {
		return nil, fmt.Errorf("update contract: %w", err)
	}
	return c, nil
}

func (s *Store) GetContract(ctx context.Context, id string) (*pipeline.Contract, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, property_id, name, required, status, created_at, updated_at
		FROM contracts WHERE id = ?
	`, id)
	c, err := scanContract(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrContractNotFound
		}
		return nil, err
	}
	return c, nil
}

func (s *Store) ListContracts(ctx context.Context, propertyID string) ([]*pipeline.Contract, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, property_id, name, required, status, created_at, updated_at
		FROM contracts WHERE property_id = ?
		ORDER BY created_at ASC
	`, propertyID)
	if err != nil {
		return nil, fmt.Errorf("query contracts: %w", err)
	}
	defer rows.Close()
	var contracts []*pipeline.Contract
	for rows.Next() {
		c, err := scanContract(rows)
		if err != nil {
			return nil, err
		}
		contracts = append(contracts, c)
	}
	return contracts, rows.Err()
}

func (s *Store) LastAuditAt(ctx context.Context, entityID, action string) (*time.Time, error) {
	var last sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT MAX(created_at) FROM audit_log WHERE entity_id = ? AND action = ?
	`, entityID, action).Scan(&last)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	return timePtr(last), nil
}

func (s *Store) AdvanceStage(ctx context.Context, id string, from, to pipeline.Stage, entry *pipeline.AuditEntry) (bool, error) {
	if to.Rank() <= from.Rank() {
		return false, fmt.Errorf("advance %s: %s does not follow %s", id, to, from)
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin advance: %w", err)
	}
	defer tx.Rollback()

	at := formatTime(entry.CreatedAt)
	res, err := tx.ExecContext(ctx, `
		UPDATE properties SET stage = ?, stage_updated_at = ?, updated_at = ?
		WHERE id = ? AND stage = ?
	`, to, at, at, id, from)
	if err != nil {
		return false, fmt.Errorf("advance stage: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("advance stage rows: %w", err)
	}
	if rows != 1 {
		return false, nil
	}
	entry.FromStage = &from
	entry.ToStage = &to
	if err := insertAudit(ctx, tx, entry); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit advance: %w", err)
	}
	return true, nil
}

func (s *Store) OverrideStage(ctx context.Context, id string, to pipeline.Stage, entry *pipeline.AuditEntry) (pipeline.Stage, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin override: %w", err)
	}
	defer tx.Rollback()

	var current string
	if err := tx.QueryRowContext(ctx, `SELECT stage FROM properties WHERE id = ?`, id).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrPropertyNotFound
		}
		return "", fmt.Errorf("load property stage: %w", err)
	}
	from := pipeline.Stage(current)
	at := formatTime(entry.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		UPDATE properties SET stage = ?, stage_updated_at = ?, updated_at = ? WHERE id = ?
	`, to, at, at, id); err != nil {
		return "", fmt.Errorf("override stage: %w", err)
	}
	entry.FromStage = &from
	if err := insertAudit(ctx, tx, entry); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit override: %w", err)
	}
	return from, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertAudit(ctx context.Context, db execer, entry *pipeline.AuditEntry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO audit_log (id, entity_type, entity_id, action, actor, from_stage, to_stage, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.EntityType, entry.EntityID, entry.Action, entry.Actor,
		nullableStage(entry.FromStage), nullableStage(entry.ToStage), entry.Reason, formatTime(entry.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListAudit(ctx context.Context, entityID string) ([]*pipeline.AuditEntry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, entity_type, entity_id, action, actor, from_stage, to_stage, reason, created_at
		FROM audit_log WHERE entity_id = ?
		ORDER BY created_at ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()
	var entries []*pipeline.AuditEntry
	for rows.Next() {
		var (
			e         pipeline.AuditEntry
			from, to  sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.EntityType, &e.EntityID, &e.Action, &e.Actor, &from, &to, &e.Reason, &createdAt); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.FromStage = stagePtr(from)
		e.ToStage = stagePtr(to)
		if t, err := parseTime(createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

func (s *Store) InsertNotification(ctx context.Context, n *pipeline.Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO notifications (id, entity_id, kind, title, body, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, n.ID, nullableString(n.EntityID), n.Kind, n.Title, n.Body, formatTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}

func (s *Store) ListNotifications(ctx context.Context, entityID *string, limit int) ([]*pipeline.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT id, entity_id, kind, title, body, created_at FROM notifications`
	var args []any
	if entityID != nil {
		query += ` WHERE entity_id = ?`
		args = append(args, *entityID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query notifications: %w", err)
	}
	defer rows.Close()
	var out []*pipeline.Notification
	for rows.Next() {
		var (
			n         pipeline.Notification
			entity    sql.NullString
			createdAt string
		)
		if err := rows.Scan(&n.ID, &entity, &n.Kind, &n.Title, &n.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan notification: %w", err)
		}
		n.EntityID = stringPtr(entity)
		if t, err := parseTime(createdAt); err == nil {
			n.CreatedAt = t
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// UpdateSummary stores the derived summary text for a property.
func (s *Store) UpdateSummary(ctx context.Context, id, summary string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE properties SET summary = ?, updated_at = ? WHERE id = ?
	`, summary, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("update summary: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrPropertyNotFound
	}
	return nil
}

func collectProperties(rows *sql.Rows) ([]*pipeline.Property, error) {
	defer rows.Close()
	var props []*pipeline.Property
	for rows.Next() {
		p, err := scanProperty(rows)
		if err != nil {
			return nil, err
		}
		props = append(props, p)
	}
	return props, rows.Err()
}

func scanProperty(scanner interface {
	Scan(dest ...any) error
}) (*pipeline.Property, error) {
	var (
		p              pipeline.Property
		stage          string
		stageUpdatedAt string
		summary        sql.NullString
		createdAt      string
		updatedAt      string
	)
	if err := scanner.Scan(&p.ID, &p.Address, &stage, &stageUpdatedAt, &summary, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan property: %w", err)
	}
	p.Stage = pipeline.Stage(stage)
	p.Summary = stringPtr(summary)
	if t, err := parseTime(stageUpdatedAt); err == nil {
		p.StageUpdatedAt = t
	}
	if t, err := parseTime(createdAt); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		p.UpdatedAt = t
	}
	return &p, nil
}

func scanContract(scanner interface {
	Scan(dest ...any) error
}) (*pipeline.Contract, error) {
	var (
		c         pipeline.Contract
		required  int
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&c.ID, &c.PropertyID, &c.Name, &required, &c.Status, &createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan contract: %w", err)
	}
	c.Required = required != 0
	if t, err := parseTime(createdAt); err == nil {
		c.CreatedAt = t
	}
	if t, err := parseTime(updatedAt); err == nil {
		c.UpdatedAt = t
	}
	return &c, nil
}

func nullableStage(st *pipeline.Stage) any {
	if st == nil {
		return nil
	}
	return string(*st)
}

func stagePtr(value sql.NullString) *pipeline.Stage {
	if !value.Valid {
		return nil
	}
	st := pipeline.Stage(value.String)
	return &st
}
