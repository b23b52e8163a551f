// Package handlers holds the task handlers that ship with the daemon.
package handlers

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskpilot/internal/core"
	"taskpilot/internal/notify"
	"taskpilot/internal/pipeline"
)

const (
	Reminder        = "reminder"
	PipelineSummary = pipeline.DefaultSummaryHandler
)

// SummaryStore is what the summary handler reads and writes.
type SummaryStore interface {
	GetProperty(ctx context.Context, id string) (*pipeline.Property, error)
	HasEnrichment(ctx context.Context, propertyID string) (bool, error)
	HasTrace(ctx context.Context, propertyID string) (bool, error)
	ListContracts(ctx context.Context, propertyID string) ([]*pipeline.Contract, error)
	UpdateSummary(ctx context.Context, id, summary string) error
}

// RegisterBuiltins adds the reminder and pipeline summary handlers.
func RegisterBuiltins(reg *core.Registry, notifier notify.Notifier, store SummaryStore) error {
	if err := reg.Register(Reminder, NewReminder(notifier)); err != nil {
		return err
	}
	return reg.Register(PipelineSummary, NewSummary(store))
}

// NewReminder forwards the task's title and body to the notifier.
func NewReminder(notifier notify.Notifier) core.Handler {
	return func(ctx context.Context, metadata map[string]any) (map[string]any, error) {
		title := stringParam(metadata, "title")
		if title == "" {
			title = "Reminder"
		}
		body := stringParam(metadata, "body")
		if body == "" {
			body = stringParam(metadata, "message")
		}
		if notifier == nil {
			return map[string]any{"delivered": false}, nil
		}
		if err := notifier.Send(ctx, title, body); err != nil {
			return nil, fmt.Errorf("send reminder: %w", err)
		}
		return map[string]any{"delivered": true, "title": title}, nil
	}
}

// NewSummary rebuilds the derived summary for metadata["property_id"].
func NewSummary(store SummaryStore) core.Handler {
	return func(ctx context.Context, metadata map[string]any) (map[string]any, error) {
		id := stringParam(metadata, "property_id")
		if id == "" {
			return nil, errors.New("property_id is required")
		}
		p, err := store.GetProperty(ctx, id)
		if err != nil {
			return nil, err
		}
		enriched, err := store.HasEnrichment(ctx, id)
		if err != nil {
			return nil, err
		}
		traced, err := store.HasTrace(ctx, id)
		if err != nil {
			return nil, err
		}
		contracts, err := store.ListContracts(ctx, id)
		if err != nil {
			return nil, err
		}
		summary := Summarize(p, enriched, traced, contracts)
		if err := store.UpdateSummary(ctx, id, summary); err != nil {
			return nil, err
		}
		return map[string]any{"property_id": id, "summary": summary}, nil
	}
}

// Summarize renders a one-line status for a property.
func Summarize(p *pipeline.Property, enriched, traced bool, contracts []*pipeline.Contract) string {
	required, done := 0, 0
	for _, c := range contracts {
		if !c.Required {
			continue
		}
		required++
		if pipeline.IsCompletedContractStatus(c.Status) {
			done++
		}
	}
	parts := []string{
		fmt.Sprintf("%s is %s", p.Address, p.Stage),
		fmt.Sprintf("enriched=%t", enriched),
		fmt.Sprintf("traced=%t", traced),
		fmt.Sprintf("contracts=%d (%d/%d required complete)", len(contracts), done, required),
	}
	return strings.Join(parts, "; ")
}

func stringParam(metadata map[string]any, key string) string {
	if metadata == nil {
		return ""
	}
	v, ok := metadata[key].(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(v)
}
