package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/alert"
	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(context.Background(), t.TempDir(), 3)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	first, err := Open(ctx, dir, 0)
	require.NoError(t, err)
	assert.Equal(t, 50, first.RunRetention)
	require.NoError(t, first.Close())

	second, err := Open(ctx, dir, 5)
	require.NoError(t, err)
	defer second.Close()
	require.NoError(t, second.Ping(ctx))
}

func TestTimestampsSortLexically(t *testing.T) {
	early := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	late := early.Add(500 * time.Millisecond)
	assert.Less(t, formatTime(early), formatTime(late))

	parsed, err := parseTime(formatTime(late))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(late))
}

func TestTaskRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	entity := "prop-9"
	task := &core.Task{
		ID:          core.NewID(),
		Title:       "call owner",
		TaskType:    core.TaskTypeFollowUp,
		HandlerName: "reminder",
		Enabled:     true,
		ScheduledAt: &now,
		NextRunAt:   &now,
		Status:      core.TaskStatusPending,
		MaxRetries:  3,
		Action:      "reminder",
		Metadata:    map[string]any{"title": "Call", "attempt": float64(2)},
		EntityID:    &entity,
	}
	require.NoError(t, st.InsertTask(ctx, task))

	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Title, got.Title)
	assert.Equal(t, core.TaskTypeFollowUp, got.TaskType)
	assert.Equal(t, task.Metadata, got.Metadata)
	assert.Equal(t, now, got.ScheduledAt.UTC())
	assert.Equal(t, entity, *got.EntityID)
	assert.Nil(t, got.LastResult)

	_, err = st.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, ErrTaskNotFound)

	due, err := st.ListDueTasks(ctx, now.Add(-time.Second))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = st.ListDueTasks(ctx, now)
	require.NoError(t, err)
	assert.Len(t, due, 1)

	task.Enabled = false
	require.NoError(t, st.UpdateTask(ctx, task))
	due, err = st.ListDueTasks(ctx, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, due, "disabled tasks are never due")
}

func TestClaimLeaseRenewal(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)
	task := &core.Task{ID: core.NewID(), Title: "c", TaskType: core.TaskTypeReminder, HandlerName: "h",
		Enabled: true, Status: core.TaskStatusPending, ScheduledAt: &now, NextRunAt: &now, Action: "h"}
	require.NoError(t, st.InsertTask(ctx, task))

	claimed, err := st.ClaimTask(ctx, task.ID, core.Claim{Owner: "a", Now: now, Until: now.Add(time.Hour),
		From: []core.TaskStatus{core.TaskStatusPending}, RequireDue: true, Reclaim: true})
	require.NoError(t, err)
	require.True(t, claimed)

	renewed, err := st.RenewClaim(ctx, task.ID, "b", now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.False(t, renewed, "only the owner extends its lease")
	renewed, err = st.RenewClaim(ctx, task.ID, "a", now.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, renewed)

	later := now.Add(4 * time.Hour)
	manual := core.Claim{Owner: "b", Now: later, Until: later.Add(time.Hour),
		From: []core.TaskStatus{core.TaskStatusPending, core.TaskStatusCompleted}}
	claimed, err = st.ClaimTask(ctx, task.ID, manual)
	require.NoError(t, err)
	assert.False(t, claimed, "an expired lease is only taken over when reclaiming")

	manual.Reclaim = true
	claimed, err = st.ClaimTask(ctx, task.ID, manual)
	require.NoError(t, err)
	assert.True(t, claimed)
	got, err := st.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "b", *got.ClaimedBy)
}

func TestHasChildTask(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	hours := 24
	parent := &core.Task{ID: core.NewID(), Title: "p", TaskType: core.TaskTypeReminder, HandlerName: "h",
		Enabled: true, Status: core.TaskStatusCompleted, ScheduledAt: &now, Action: "h", RepeatIntervalHours: &hours}
	require.NoError(t, st.InsertTask(ctx, parent))

	has, err := st.HasChildTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.False(t, has)

	child := &core.Task{ID: core.NewID(), Title: "p", TaskType: core.TaskTypeReminder, HandlerName: "h",
		Enabled: true, Status: core.TaskStatusScheduled, ScheduledAt: &now, NextRunAt: &now, Action: "h",
		RepeatIntervalHours: &hours, ParentID: &parent.ID}
	require.NoError(t, st.InsertTask(ctx, child))
	has, err = st.HasChildTask(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestRunRetention(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()
	task := &core.Task{ID: core.NewID(), Title: "r", TaskType: core.TaskTypeReminder, HandlerName: "h",
		Enabled: true, Status: core.TaskStatusPending, ScheduledAt: &now, Action: "h"}
	require.NoError(t, st.InsertTask(ctx, task))

	for i := 0; i < 5; i++ {
		require.NoError(t, st.InsertRun(ctx, &core.Run{
			ID: fmt.Sprintf("run-%d", i), TaskID: task.ID, Status: core.RunStatusSucceeded,
			Attempt: i, Owner: "o", StartedAt: now, EndedAt: now,
		}))
		time.Sleep(time.Millisecond)
	}
	runs, err := st.ListRuns(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	assert.Equal(t, "run-4", runs[0].ID)
}

func TestPipelineEvidence(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := &pipeline.Property{ID: core.NewID(), Address: "12 Elm St"}
	require.NoError(t, st.CreateProperty(ctx, p))
	assert.Equal(t, pipeline.StageNew, p.Stage)

	has, err := st.HasEnrichment(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, has)
	require.NoError(t, st.AddEnrichment(ctx, core.NewID(), p.ID, "county"))
	has, err = st.HasEnrichment(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, has)

	assert.ErrorIs(t, st.AddTrace(ctx, core.NewID(), "missing", "x"), ErrPropertyNotFound)

	c := &pipeline.Contract{ID: core.NewID(), PropertyID: p.ID, Name: "purchase", Required: true}
	require.NoError(t, st.AddContract(ctx, c))
	signed := "signed"
	updated, err := st.UpdateContract(ctx, c.ID, &signed, nil)
	require.NoError(t, err)
	assert.Equal(t, "signed", updated.Status)
	assert.True(t, updated.Required)

	_, err = st.UpdateContract(ctx, "missing", &signed, nil)
	assert.ErrorIs(t, err, ErrContractNotFound)

	contracts, err := st.ListContracts(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, contracts, 1)
	assert.Equal(t, "signed", contracts[0].Status)
}

func autoEntry(id string, at time.Time) *pipeline.AuditEntry {
	return &pipeline.AuditEntry{
		ID: core.NewID(), EntityType: pipeline.EntityTypeProperty, EntityID: id,
		Action: pipeline.AuditActionAutoTransition, Actor: "automation", CreatedAt: at,
	}
}

func TestAdvanceStageIsConditional(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := &pipeline.Property{ID: core.NewID(), Address: "1 Main"}
	require.NoError(t, st.CreateProperty(ctx, p))
	at := time.Now().UTC()

	changed, err := st.AdvanceStage(ctx, p.ID, pipeline.StageNew, pipeline.StageEnriched, autoEntry(p.ID, at))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = st.AdvanceStage(ctx, p.ID, pipeline.StageNew, pipeline.StageEnriched, autoEntry(p.ID, at))
	require.NoError(t, err)
	assert.False(t, changed, "stale from-stage must not match")

	_, err = st.AdvanceStage(ctx, p.ID, pipeline.StageEnriched, pipeline.StageNew, autoEntry(p.ID, at))
	assert.Error(t, err, "regressions are refused")

	got, err := st.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageEnriched, got.Stage)

	entries, err := st.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1, "only the applied transition is audited")
	assert.Equal(t, pipeline.StageNew, *entries[0].FromStage)
	assert.Equal(t, pipeline.StageEnriched, *entries[0].ToStage)
}

func TestAdvanceStageRollsBackWithoutAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := &pipeline.Property{ID: core.NewID(), Address: "9 Birch"}
	require.NoError(t, st.CreateProperty(ctx, p))
	at := time.Now().UTC()

	first := autoEntry(p.ID, at)
	to := pipeline.StageResearched
	_, err := st.OverrideStage(ctx, p.ID, to, &pipeline.AuditEntry{
		ID: first.ID, EntityType: pipeline.EntityTypeProperty, EntityID: p.ID,
		Action: pipeline.AuditActionManualEdit, ToStage: &to, CreatedAt: at,
	})
	require.NoError(t, err)

	// the audit id is already taken, so the stage change must not stick
	changed, err := st.AdvanceStage(ctx, p.ID, pipeline.StageResearched, pipeline.StageWaitingForContracts, first)
	assert.Error(t, err)
	assert.False(t, changed)

	got, err := st.GetProperty(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageResearched, got.Stage)
	entries, err := st.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOverrideStageWritesAudit(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	p := &pipeline.Property{ID: core.NewID(), Address: "1 Main"}
	require.NoError(t, st.CreateProperty(ctx, p))

	to := pipeline.StageResearched
	at := time.Now().UTC()
	from, err := st.OverrideStage(ctx, p.ID, to, &pipeline.AuditEntry{
		ID: core.NewID(), EntityType: pipeline.EntityTypeProperty, EntityID: p.ID,
		Action: pipeline.AuditActionManualEdit, Actor: "ana", ToStage: &to, CreatedAt: at,
	})
	require.NoError(t, err)
	assert.Equal(t, pipeline.StageNew, from)

	last, err := st.LastAuditAt(ctx, p.ID, pipeline.AuditActionManualEdit)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.True(t, last.Equal(at))

	none, err := st.LastAuditAt(ctx, p.ID, pipeline.AuditActionAutoTransition)
	require.NoError(t, err)
	assert.Nil(t, none)

	entries, err := st.ListAudit(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].FromStage)
	assert.Equal(t, pipeline.StageNew, *entries[0].FromStage)

	_, err = st.OverrideStage(ctx, "missing", to, &pipeline.AuditEntry{ID: core.NewID(), CreatedAt: at})
	assert.ErrorIs(t, err, ErrPropertyNotFound)
}

func TestAlertRules(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	rule := &alert.Rule{Name: "stuck", Stage: pipeline.StageNew, MaxAgeHours: 48, Enabled: true}
	require.NoError(t, st.UpsertAlertRule(ctx, rule))
	require.NotEmpty(t, rule.ID)

	at := time.Now().UTC()
	require.NoError(t, st.MarkRuleTriggered(ctx, rule.ID, at))

	again := &alert.Rule{Name: "stuck", Stage: pipeline.StageEnriched, MaxAgeHours: 24, Enabled: false}
	require.NoError(t, st.UpsertAlertRule(ctx, again))
	assert.Equal(t, rule.ID, again.ID)

	rules, err := st.ListAlertRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, pipeline.StageEnriched, rules[0].Stage)
	assert.False(t, rules[0].Enabled)
	require.NotNil(t, rules[0].LastTriggeredAt, "upsert keeps the trigger stamp")

	assert.ErrorIs(t, st.MarkRuleTriggered(ctx, "missing", at), ErrAlertRuleNotFound)
}

func TestNotifications(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	entity := "p1"
	require.NoError(t, st.InsertNotification(ctx, &pipeline.Notification{ID: core.NewID(), EntityID: &entity, Kind: "k", Title: "a"}))
	require.NoError(t, st.InsertNotification(ctx, &pipeline.Notification{ID: core.NewID(), Kind: "k", Title: "b"}))

	all, err := st.ListNotifications(ctx, nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
	scoped, err := st.ListNotifications(ctx, &entity, 0)
	require.NoError(t, err)
	require.Len(t, scoped, 1)
	assert.Equal(t, "a", scoped[0].Title)
}
