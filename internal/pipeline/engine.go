package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/notify"
)

// DefaultGraceWindow is how long a manual stage edit is protected from automation.
const DefaultGraceWindow = 24 * time.Hour

// DefaultSummaryHandler regenerates a property's derived summary after a transition.
const DefaultSummaryHandler = "pipeline.summary"

// Store is the evidence and state store the engine reads and writes.
type Store interface {
	ListOpenProperties(ctx context.Context) ([]*Property, error)
	GetProperty(ctx context.Context, id string) (*Property, error)
	HasEnrichment(ctx context.Context, propertyID string) (bool, error)
	HasTrace(ctx context.Context, propertyID string) (bool, error)
	ListContracts(ctx context.Context, propertyID string) ([]*Contract, error)
	// LastAuditAt returns the newest audit timestamp for entityID and action, or nil.
	LastAuditAt(ctx context.Context, entityID, action string) (*time.Time, error)
	// AdvanceStage moves a property from -> to only if it is still at from and
	// to ranks after from, writing entry in the same transaction. It reports
	// whether the row changed.
	AdvanceStage(ctx context.Context, id string, from, to Stage, entry *AuditEntry) (bool, error)
	// OverrideStage sets the stage unconditionally and writes entry in the same transaction.
	OverrideStage(ctx context.Context, id string, to Stage, entry *AuditEntry) (Stage, error)
	InsertNotification(ctx context.Context, n *Notification) error
}

// TaskCreator feeds follow-up work back into the scheduler.
type TaskCreator interface {
	Create(ctx context.Context, req core.CreateRequest) (*core.Task, error)
}

// Config tunes the engine.
type Config struct {
	GraceWindow    time.Duration
	SummaryHandler string
	Actor          string
	Clock          func() time.Time
}

// Engine advances open properties one stage at a time when the evidence for
// the next stage exists.
type Engine struct {
	store    Store
	tasks    TaskCreator
	notifier notify.Notifier
	logger   *slog.Logger
	grace    time.Duration
	summary  string
	actor    string
	now      func() time.Time
}

// NewEngine constructs a pipeline engine. tasks and notifier may be nil.
func NewEngine(store Store, tasks TaskCreator, notifier notify.Notifier, logger *slog.Logger, cfg Config) *Engine {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = DefaultGraceWindow
	}
	if cfg.SummaryHandler == "" {
		cfg.SummaryHandler = DefaultSummaryHandler
	}
	if cfg.Actor == "" {
		cfg.Actor = "automation"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if notifier == nil {
		notifier = &notify.NoOpNotifier{}
	}
	return &Engine{
		store:    store,
		tasks:    tasks,
		notifier: notifier,
		logger:   logger,
		grace:    cfg.GraceWindow,
		summary:  cfg.SummaryHandler,
		actor:    cfg.Actor,
		now:      cfg.Clock,
	}
}

// Run evaluates every open property once. Only a failure to list properties
// is returned; per-property failures are counted in the report.
func (e *Engine) Run(ctx context.Context) (*Report, error) {
	props, err := e.store.ListOpenProperties(ctx)
	if err != nil {
		return nil, fmt.Errorf("list open properties: %w", err)
	}
	report := &Report{Transitions: []Transition{}}
	for _, p := range props {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Checked++
		t, err := e.evaluate(ctx, p)
		var gerr *GuardError
		switch {
		case errors.Is(err, errInGraceWindow):
			report.Skipped++
		case errors.As(err, &gerr):
			report.GuardErrors++
			e.logger.Warn("pipeline guard failed", "property_id", p.ID, "stage", p.Stage, "err", err)
		case err != nil:
			report.Failed++
			e.logger.Error("pipeline transition failed", "property_id", p.ID, "stage", p.Stage, "err", err)
		case t != nil:
			report.Transitioned++
			report.Transitions = append(report.Transitions, *t)
			e.afterTransition(ctx, *t)
		}
	}
	if report.Transitioned > 0 || report.GuardErrors > 0 {
		e.logger.Info("pipeline run finished", "checked", report.Checked, "transitioned", report.Transitioned,
			"skipped", report.Skipped, "guard_errors", report.GuardErrors, "failed", report.Failed)
	}
	return report, nil
}

var errInGraceWindow = errors.New("manual edit within grace window")

func (e *Engine) evaluate(ctx context.Context, p *Property) (*Transition, error) {
	now := e.now().UTC()
	last, err := e.store.LastAuditAt(ctx, p.ID, AuditActionManualEdit)
	if err != nil {
		return nil, &GuardError{EntityID: p.ID, Stage: p.Stage, Err: fmt.Errorf("load audit trail: %w", err)}
	}
	if last != nil && now.Sub(*last) < e.grace {
		return nil, errInGraceWindow
	}
	next, ok := p.Stage.Next()
	if !ok {
		return nil, nil
	}
	satisfied, reason, err := e.guard(ctx, p)
	if err != nil {
		return nil, &GuardError{EntityID: p.ID, Stage: p.Stage, Err: err}
	}
	if !satisfied {
		return nil, nil
	}
	changed, err := e.store.AdvanceStage(ctx, p.ID, p.Stage, next, &AuditEntry{
		ID:         core.NewID(),
		EntityType: EntityTypeProperty,
		EntityID:   p.ID,
		Action:     AuditActionAutoTransition,
		Actor:      e.actor,
		Reason:     reason,
		CreatedAt:  now,
	})
	if err != nil {
		return nil, fmt.Errorf("advance stage: %w", err)
	}
	if !changed {
		return nil, nil
	}
	return &Transition{ID: p.ID, From: p.Stage, To: next, Reason: reason}, nil
}

// guard evaluates the single predicate gating p's current stage.
func (e *Engine) guard(ctx context.Context, p *Property) (bool, string, error) {
	switch p.Stage {
	case StageNew:
		ok, err := e.store.HasEnrichment(ctx, p.ID)
		return ok, "enrichment record found", err
	case StageEnriched:
		ok, err := e.store.HasTrace(ctx, p.ID)
		return ok, "trace record found", err
	case StageResearched:
		contracts, err := e.store.ListContracts(ctx, p.ID)
		if err != nil {
			return false, "", err
		}
		return len(contracts) > 0, fmt.Sprintf("%d contract(s) attached", len(contracts)), nil
	case StageWaitingForContracts:
		contracts, err := e.store.ListContracts(ctx, p.ID)
		if err != nil {
			return false, "", err
		}
		ok, required := requiredContractsComplete(contracts)
		return ok, fmt.Sprintf("all %d required contract(s) completed", required), nil
	}
	return false, "", nil
}

// requiredContractsComplete is false when no contract is required.
func requiredContractsComplete(contracts []*Contract) (bool, int) {
	required := 0
	for _, c := range contracts {
		if !c.Required {
			continue
		}
		required++
		if !IsCompletedContractStatus(c.Status) {
			return false, required
		}
	}
	return required > 0, required
}

// afterTransition fires the best-effort side effects of a committed transition.
func (e *Engine) afterTransition(ctx context.Context, t Transition) {
	now := e.now().UTC()
	from, to := t.From, t.To
	id := t.ID
	e.logger.Info("pipeline transition", "property_id", id, "from", from, "to", to, "reason", t.Reason)

	title := fmt.Sprintf("Property moved to %s", to)
	body := fmt.Sprintf("Property %s advanced from %s to %s: %s", id, from, to, t.Reason)
	if err := e.store.InsertNotification(ctx, &Notification{
		ID:        core.NewID(),
		EntityID:  &id,
		Kind:      "pipeline_transition",
		Title:     title,
		Body:      body,
		CreatedAt: now,
	}); err != nil {
		e.logger.Warn("write transition notification", "property_id", id, "err", err)
	}
	if err := e.notifier.Send(ctx, title, body); err != nil {
		e.logger.Warn("push transition notification", "property_id", id, "err", err)
	}

	if e.tasks == nil {
		return
	}
	_, err := e.tasks.Create(ctx, core.CreateRequest{
		Title:        fmt.Sprintf("Regenerate summary for %s", id),
		TaskType:     core.TaskTypeFollowUp,
		EntityID:     &id,
		Action:       e.summary,
		ActionParams: map[string]any{"property_id": id, "stage": string(to)},
		MaxRetries:   3,
	})
	switch {
	case errors.Is(err, core.ErrUnknownHandler):
		e.logger.Debug("summary handler not registered, skipping regeneration", "handler", e.summary)
	case err != nil:
		e.logger.Warn("enqueue summary regeneration", "property_id", id, "err", err)
	}
}

// SetStageManually sets a property's stage by hand and records the edit,
// which opens the grace window for that property.
func (e *Engine) SetStageManually(ctx context.Context, id string, to Stage, actor, reason string) (*Transition, error) {
	if to.Rank() < 0 {
		return nil, fmt.Errorf("unknown stage %q", to)
	}
	if actor == "" {
		actor = "user"
	}
	target := to
	entry := &AuditEntry{
		ID:         core.NewID(),
		EntityType: EntityTypeProperty,
		EntityID:   id,
		Action:     AuditActionManualEdit,
		Actor:      actor,
		ToStage:    &target,
		Reason:     reason,
		CreatedAt:  e.now().UTC(),
	}
	from, err := e.store.OverrideStage(ctx, id, to, entry)
	if err != nil {
		return nil, err
	}
	e.logger.Info("pipeline stage overridden", "property_id", id, "from", from, "to", to, "actor", actor)
	return &Transition{ID: id, From: from, To: to, Reason: reason}, nil
}
