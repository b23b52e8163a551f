package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/notify"
	"taskpilot/internal/pipeline"
)

// Rule flags properties that have sat in Stage for longer than MaxAgeHours.
type Rule struct {
	ID              string
	Name            string
	Stage           pipeline.Stage
	MaxAgeHours     int
	Enabled         bool
	LastTriggeredAt *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Window is the rule's age threshold and its re-fire cooldown.
func (r *Rule) Window() time.Duration {
	return time.Duration(r.MaxAgeHours) * time.Hour
}

// Store is the persistence the checker needs.
type Store interface {
	ListAlertRules(ctx context.Context) ([]*Rule, error)
	ListStaleProperties(ctx context.Context, stage pipeline.Stage, before time.Time) ([]*pipeline.Property, error)
	MarkRuleTriggered(ctx context.Context, id string, at time.Time) error
	InsertNotification(ctx context.Context, n *pipeline.Notification) error
}

// Alert is one property flagged by a rule.
type Alert struct {
	Rule       string         `json:"rule"`
	PropertyID string         `json:"property_id"`
	Stage      pipeline.Stage `json:"stage"`
	Since      time.Time      `json:"since"`
}

// Report summarises one Check.
type Report struct {
	Evaluated int     `json:"evaluated"`
	Fired     int     `json:"fired"`
	Cooling   int     `json:"cooling"`
	Failed    int     `json:"failed"`
	Alerts    []Alert `json:"alerts"`
}

// Checker evaluates alert rules against the pipeline.
type Checker struct {
	store    Store
	notifier notify.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

func NewChecker(store Store, notifier notify.Notifier, logger *slog.Logger, clock func() time.Time) *Checker {
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	if clock == nil {
		clock = time.Now
	}
	return &Checker{store: store, notifier: notifier, logger: logger, now: clock}
}

// Check evaluates every enabled rule once. A failing rule is logged and
// counted; it does not stop the others.
func (c *Checker) Check(ctx context.Context) (*Report, error) {
	rules, err := c.store.ListAlertRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	now := c.now().UTC()
	report := &Report{Alerts: []Alert{}}
	for _, rule := range rules {
		if !rule.Enabled || rule.MaxAgeHours <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Evaluated++
		if rule.LastTriggeredAt != nil && now.Sub(*rule.LastTriggeredAt) < rule.Window() {
			report.Cooling++
			continue
		}
		alerts, failed, err := c.evaluate(ctx, rule, now)
		if err != nil {
			report.Failed++
			c.logger.Error("alert rule failed", "rule", rule.Name, "err", err)
			continue
		}
		if failed > 0 {
			report.Failed++
		}
		if len(alerts) == 0 {
			continue
		}
		report.Fired++
		report.Alerts = append(report.Alerts, alerts...)
	}
	return report, nil
}

// evaluate records one notification per stale property. A property whose
// notification cannot be written is logged and counted in failed. The rule is
// stamped once any alert was recorded, so recorded properties are not
// notified again inside the cooldown.
func (c *Checker) evaluate(ctx context.Context, rule *Rule, now time.Time) (alerts []Alert, failed int, err error) {
	stale, err := c.store.ListStaleProperties(ctx, rule.Stage, now.Add(-rule.Window()))
	if err != nil {
		return nil, 0, err
	}
	if len(stale) == 0 {
		return nil, 0, nil
	}
	alerts = make([]Alert, 0, len(stale))
	var lastErr error
	for _, p := range stale {
		id := p.ID
		title := fmt.Sprintf("%s: property stuck in %s", rule.Name, rule.Stage)
		body := fmt.Sprintf("Property %s (%s) has been in %s since %s", id, p.Address, rule.Stage,
			p.StageUpdatedAt.Format(time.RFC3339))
		if err := c.store.InsertNotification(ctx, &pipeline.Notification{
			ID:        core.NewID(),
			EntityID:  &id,
			Kind:      "alert",
			Title:     title,
			Body:      body,
			CreatedAt: now,
		}); err != nil {
			failed++
			lastErr = err
			c.logger.Warn("record alert", "rule", rule.Name, "property_id", id, "err", err)
			continue
		}
		if err := c.notifier.Send(ctx, title, body); err != nil {
			c.logger.Warn("push alert", "rule", rule.Name, "property_id", id, "err", err)
		}
		alerts = append(alerts, Alert{Rule: rule.Name, PropertyID: id, Stage: rule.Stage, Since: p.StageUpdatedAt})
	}
	if len(alerts) == 0 {
		return nil, failed, fmt.Errorf("record alerts: %w", lastErr)
	}
	if err := c.store.MarkRuleTriggered(ctx, rule.ID, now); err != nil {
		return nil, failed, fmt.Errorf("stamp rule: %w", err)
	}
	c.logger.Info("alert rule fired", "rule", rule.Name, "properties", len(alerts), "failed", failed)
	return alerts, failed, nil
}
