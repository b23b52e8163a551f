package core_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/core"
	"taskpilot/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	store      *store.Store
	registry   *core.Registry
	engine     *core.Engine
	dispatcher *core.Dispatcher
	clock      *fakeClock
}

func newHarness(t *testing.T, opts ...func(*core.DispatcherConfig)) *harness {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir(), 10)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	clock := &fakeClock{now: time.Date(2025, 3, 10, 7, 0, 0, 0, time.UTC)}
	reg := core.NewRegistry()
	engine := core.NewEngine(st, reg, logger, core.EngineConfig{Location: time.UTC, Clock: clock.Now})
	cfg := core.DispatcherConfig{InstanceID: "test-1", Location: time.UTC, Clock: clock.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &harness{
		store:      st,
		registry:   reg,
		engine:     engine,
		dispatcher: core.NewDispatcher(st, reg, logger, cfg),
		clock:      clock,
	}
}

func ok(context.Context, map[string]any) (map[string]any, error) {
	return map[string]any{"ok": true}, nil
}

func failing(context.Context, map[string]any) (map[string]any, error) {
	return nil, errors.New("boom")
}

func (h *harness) task(t *testing.T, id string) *core.Task {
	t.Helper()
	task, err := h.engine.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestCronTaskRearmsAfterRun(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("digest", ok))

	task, err := h.engine.Schedule(ctx, core.ScheduleRequest{
		Name:           "morning-digest",
		HandlerName:    "digest",
		CronExpression: "0 8 * * *",
		Enabled:        true,
	})
	require.NoError(t, err)
	require.NotNil(t, task.NextRunAt)
	assert.Equal(t, time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC), task.NextRunAt.UTC())
	assert.Equal(t, core.TaskStatusScheduled, task.Status)

	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due, "nothing is due before 08:00")

	h.clock.Set(time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC))
	res, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusScheduled, got.Status)
	assert.Equal(t, time.Date(2025, 3, 11, 8, 0, 0, 0, time.UTC), got.NextRunAt.UTC())
	assert.Equal(t, 0, got.RetryCount)
	require.NotNil(t, got.LastResult)
	assert.True(t, got.LastResult.Success)
	assert.Equal(t, true, got.LastResult.Output["ok"])
	assert.Nil(t, got.ClaimedBy)
}

func TestRetryBackoffUntilFailed(t *testing.T) {
	var permanent []string
	h := newHarness(t, func(cfg *core.DispatcherConfig) {
		cfg.OnPermanentFailure = func(_ context.Context, task *core.Task, _ error) {
			permanent = append(permanent, task.ID)
		}
	})
	ctx := context.Background()
	require.NoError(t, h.registry.Register("flaky", failing))

	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "call back", Action: "flaky", MaxRetries: 3})
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusPending, task.Status)

	start := h.clock.Now()
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Equal(t, start.Add(2*time.Minute), got.NextRunAt.UTC())
	require.NotNil(t, got.LastResult)
	assert.False(t, got.LastResult.Success)
	assert.Contains(t, got.LastResult.Error, "boom")

	h.clock.Advance(time.Minute)
	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due, "backoff has not elapsed")

	h.clock.Advance(time.Minute)
	second := h.clock.Now()
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	got = h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusRetrying, got.Status)
	assert.Equal(t, 2, got.RetryCount)
	assert.Equal(t, second.Add(4*time.Minute), got.NextRunAt.UTC())

	h.clock.Advance(4 * time.Minute)
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	got = h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusFailed, got.Status)
	assert.Equal(t, 3, got.RetryCount)
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, []string{task.ID}, permanent)

	h.clock.Advance(24 * time.Hour)
	res, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due, "failed tasks are never due again")

	runs, err := h.engine.Runs(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 3)
	for _, run := range runs {
		assert.Equal(t, core.RunStatusFailed, run.Status)
	}
}

func TestSuccessResetsRetryCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("second-time", func(context.Context, map[string]any) (map[string]any, error) {
		if calls.Add(1) == 1 {
			return nil, errors.New("first attempt fails")
		}
		return nil, nil
	}))
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "t", Action: "second-time"})
	require.NoError(t, err)

	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.task(t, task.ID).RetryCount)

	h.clock.Advance(2 * time.Minute)
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	assert.Equal(t, 0, got.RetryCount)
	assert.Nil(t, got.NextRunAt)
}

func TestConcurrentPollsRunTaskOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("slow", func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		time.Sleep(20 * time.Millisecond)
		return nil, nil
	}))
	for i := 0; i < 5; i++ {
		_, err := h.engine.Create(ctx, core.CreateRequest{Title: "once", Action: "slow"})
		require.NoError(t, err)
	}

	other := core.NewDispatcher(h.store, h.registry, slog.New(slog.NewTextHandler(io.Discard, nil)),
		core.DispatcherConfig{InstanceID: "test-2", Location: time.UTC, Clock: h.clock.Now})

	var wg sync.WaitGroup
	for _, d := range []*core.Dispatcher{h.dispatcher, other, h.dispatcher, other} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := d.PollOnce(ctx)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(5), calls.Load(), "each task must run exactly once")
}

func TestClaimIsExclusive(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "x", Action: "noop"})
	require.NoError(t, err)

	now := h.clock.Now()
	claim := core.Claim{
		Owner:      "a",
		Now:        now,
		Until:      now.Add(time.Hour),
		From:       []core.TaskStatus{core.TaskStatusPending, core.TaskStatusScheduled, core.TaskStatusRetrying},
		RequireDue: true,
	}
	first, err := h.store.ClaimTask(ctx, task.ID, claim)
	require.NoError(t, err)
	assert.True(t, first)

	claim.Owner = "b"
	second, err := h.store.ClaimTask(ctx, task.ID, claim)
	require.NoError(t, err)
	assert.False(t, second)

	err = h.dispatcher.ExecuteTask(ctx, task)
	assert.ErrorIs(t, err, core.ErrTaskRunning)

	found, err := h.dispatcher.RunNow(ctx, task.ID)
	assert.True(t, found)
	assert.ErrorIs(t, err, core.ErrTaskRunning)
}

func TestExpiredLeaseIsRecovered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "orphan", Action: "noop"})
	require.NoError(t, err)

	past := h.clock.Now().Add(-2 * time.Hour)
	claimed, err := h.store.ClaimTask(ctx, task.ID, core.Claim{
		Owner: "crashed",
		Now:   past,
		Until: past.Add(time.Hour),
		From:  []core.TaskStatus{core.TaskStatusPending},
	})
	require.NoError(t, err)
	require.True(t, claimed)

	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)
	assert.Equal(t, core.TaskStatusCompleted, h.task(t, task.ID).Status)
}

func TestIntervalTaskSpawnsNextOccurrence(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))
	every := 6
	entity := "prop-1"
	task, err := h.engine.Create(ctx, core.CreateRequest{
		Title:               "check listing",
		TaskType:            core.TaskTypeContractCheck,
		Action:              "noop",
		RepeatIntervalHours: &every,
		EntityID:            &entity,
	})
	require.NoError(t, err)

	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, core.TaskStatusCompleted, h.task(t, task.ID).Status)

	tasks, err := h.engine.List(ctx, core.TaskFilter{EntityID: &entity})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	var child *core.Task
	for _, tk := range tasks {
		if tk.ID != task.ID {
			child = tk
		}
	}
	require.NotNil(t, child)
	require.NotNil(t, child.ParentID)
	assert.Equal(t, task.ID, *child.ParentID)
	assert.Equal(t, core.TaskStatusScheduled, child.Status)
	assert.Equal(t, h.clock.Now().Add(6*time.Hour), child.NextRunAt.UTC())
	assert.Equal(t, "check listing", child.Title)
}

func TestHandlerPanicIsRecorded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("explodes", func(context.Context, map[string]any) (map[string]any, error) {
		panic("kaboom")
	}))
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "p", Action: "explodes"})
	require.NoError(t, err)

	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Failed)
	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusRetrying, got.Status)
	assert.Contains(t, got.LastResult.Error, "kaboom")
}

func TestUnknownHandlerCreatesNothing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.Schedule(ctx, core.ScheduleRequest{Name: "n", HandlerName: "nope", CronExpression: "* * * * *", Enabled: true})
	assert.ErrorIs(t, err, core.ErrUnknownHandler)
	_, err = h.engine.Create(ctx, core.CreateRequest{Title: "n", Action: "nope"})
	assert.ErrorIs(t, err, core.ErrUnknownHandler)

	tasks, err := h.engine.List(ctx, core.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestMalformedCronFallsBackOneHour(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))

	task, err := h.engine.Schedule(ctx, core.ScheduleRequest{Name: "broken", HandlerName: "noop", CronExpression: "every tuesday", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, h.clock.Now().Add(time.Hour), task.NextRunAt.UTC())

	// the fallback also applies after each run
	h.clock.Advance(time.Hour)
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusScheduled, got.Status)
	assert.Equal(t, h.clock.Now().Add(time.Hour), got.NextRunAt.UTC())
}

func TestScheduleUpsertsByName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))

	first, err := h.engine.Schedule(ctx, core.ScheduleRequest{Name: "sync", HandlerName: "noop", CronExpression: "0 * * * *", Enabled: true})
	require.NoError(t, err)
	second, err := h.engine.Schedule(ctx, core.ScheduleRequest{Name: "sync", HandlerName: "noop", CronExpression: "30 * * * *", Enabled: true})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, time.Date(2025, 3, 10, 7, 30, 0, 0, time.UTC), second.NextRunAt.UTC())

	tasks, err := h.engine.List(ctx, core.TaskFilter{})
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestRecurrenceKindsAreExclusive(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("noop", ok))
	every := 1
	expr := "0 * * * *"
	_, err := h.engine.Create(context.Background(), core.CreateRequest{
		Title: "both", Action: "noop", RepeatIntervalHours: &every, CronExpression: &expr,
	})
	assert.ErrorIs(t, err, core.ErrInvalidSchedule)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "c", Action: "noop"})
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(ctx, task.ID))
	assert.Equal(t, core.TaskStatusCancelled, h.task(t, task.ID).Status)

	assert.ErrorIs(t, h.engine.Cancel(ctx, task.ID), core.ErrTaskNotCancellable)
	assert.ErrorIs(t, h.engine.Cancel(ctx, "missing"), core.ErrTaskNotFound)

	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)

	found, err := h.dispatcher.RunNow(ctx, task.ID)
	assert.True(t, found)
	assert.ErrorIs(t, err, core.ErrTaskCancelled)
}

func TestRunNow(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))
	later := h.clock.Now().Add(48 * time.Hour)
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "later", Action: "noop", ScheduledAt: &later})
	require.NoError(t, err)

	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due)

	found, err := h.dispatcher.RunNow(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, core.TaskStatusCompleted, h.task(t, task.ID).Status)

	found, err = h.dispatcher.RunNow(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestStatus(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))
	require.NoError(t, h.registry.Register("flaky", failing))
	_, err := h.engine.Create(ctx, core.CreateRequest{Title: "a", Action: "noop"})
	require.NoError(t, err)
	_, err = h.engine.Create(ctx, core.CreateRequest{Title: "b", Action: "flaky"})
	require.NoError(t, err)
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)

	report, err := h.engine.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Total)
	assert.Equal(t, 1, report.Counts[core.TaskStatusCompleted])
	assert.Equal(t, 1, report.Counts[core.TaskStatusRetrying])
	assert.Equal(t, 0, report.Counts[core.TaskStatusFailed])
	assert.Equal(t, []string{"flaky", "noop"}, report.Handlers)
}

func TestScheduleRefusesCancelledName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.registry.Register("noop", ok))

	task, err := h.engine.Schedule(ctx, core.ScheduleRequest{Name: "digest", HandlerName: "noop", CronExpression: "0 8 * * *", Enabled: true})
	require.NoError(t, err)
	require.NoError(t, h.engine.Cancel(ctx, task.ID))

	_, err = h.engine.Schedule(ctx, core.ScheduleRequest{Name: "digest", HandlerName: "noop", CronExpression: "0 9 * * *", Enabled: true})
	assert.ErrorIs(t, err, core.ErrTaskCancelled)

	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusCancelled, got.Status, "cancelled is terminal")
	assert.Nil(t, got.NextRunAt)
	assert.Equal(t, "0 8 * * *", *got.CronExpression)
}

func liveOccurrences(t *testing.T, h *harness, entity string) int {
	t.Helper()
	tasks, err := h.engine.List(context.Background(), core.TaskFilter{EntityID: &entity})
	require.NoError(t, err)
	live := 0
	for _, tk := range tasks {
		switch tk.Status {
		case core.TaskStatusPending, core.TaskStatusScheduled, core.TaskStatusRetrying, core.TaskStatusRunning:
			live++
		}
	}
	return live
}

func TestRunNowOnIntervalParentKeepsOneChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	var calls atomic.Int32
	require.NoError(t, h.registry.Register("count", func(context.Context, map[string]any) (map[string]any, error) {
		calls.Add(1)
		return nil, nil
	}))
	every := 24
	entity := "prop-7"
	parent, err := h.engine.Create(ctx, core.CreateRequest{
		Title: "daily check", Action: "count", RepeatIntervalHours: &every, EntityID: &entity,
	})
	require.NoError(t, err)

	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, liveOccurrences(t, h, entity))

	found, err := h.dispatcher.RunNow(ctx, parent.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int32(2), calls.Load(), "the manual run still executes the handler")
	assert.Equal(t, 1, liveOccurrences(t, h, entity), "a completed parent never spawns a second successor")

	h.clock.Advance(24 * time.Hour)
	_, err = h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, liveOccurrences(t, h, entity))

	tasks, err := h.engine.List(ctx, core.TaskFilter{EntityID: &entity})
	require.NoError(t, err)
	assert.Len(t, tasks, 3, "one history row per scheduled occurrence")
}

func TestLongRunningHandlerKeepsItsClaim(t *testing.T) {
	h := newHarness(t, func(cfg *core.DispatcherConfig) {
		cfg.Heartbeat = 5 * time.Millisecond
	})
	ctx := context.Background()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	var active, peak atomic.Int32
	require.NoError(t, h.registry.Register("slow", func(context.Context, map[string]any) (map[string]any, error) {
		n := active.Add(1)
		defer active.Add(-1)
		if n > peak.Load() {
			peak.Store(n)
		}
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil, nil
	}))
	task, err := h.engine.Create(ctx, core.CreateRequest{Title: "export", Action: "slow"})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := h.dispatcher.PollOnce(ctx)
		assert.NoError(t, err)
	}()
	<-started

	// well past the one-hour lease
	h.clock.Advance(2 * time.Hour)
	require.Eventually(t, func() bool {
		got := h.task(t, task.ID)
		return got.ClaimedUntil != nil && got.ClaimedUntil.After(h.clock.Now())
	}, time.Second, 5*time.Millisecond, "heartbeat should push the lease forward")

	found, err := h.dispatcher.RunNow(ctx, task.ID)
	assert.True(t, found)
	assert.ErrorIs(t, err, core.ErrTaskRunning)

	other := core.NewDispatcher(h.store, h.registry, slog.New(slog.NewTextHandler(io.Discard, nil)),
		core.DispatcherConfig{InstanceID: "test-2", Location: time.UTC, Clock: h.clock.Now})
	res, err := other.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Due, "a renewed claim is not abandoned")
	_, err = other.RunNow(ctx, task.ID)
	assert.ErrorIs(t, err, core.ErrTaskRunning)

	close(release)
	<-done
	assert.Equal(t, int32(1), peak.Load())
	assert.Equal(t, core.TaskStatusCompleted, h.task(t, task.ID).Status)
}

func TestWriteBackSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.registry.Register("shutdown", func(context.Context, map[string]any) (map[string]any, error) {
		cancel()
		return map[string]any{"sent": true}, nil
	}))
	task, err := h.engine.Create(context.Background(), core.CreateRequest{Title: "last", Action: "shutdown"})
	require.NoError(t, err)

	res, err := h.dispatcher.PollOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Succeeded)

	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusCompleted, got.Status)
	assert.Nil(t, got.ClaimedBy)
	assert.Nil(t, got.ClaimedUntil)

	runs, err := h.engine.Runs(context.Background(), task.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, core.RunStatusSucceeded, runs[0].Status)
}

func TestRunNowWriteBackSurvivesCancelledContext(t *testing.T) {
	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, h.registry.Register("flaky", func(context.Context, map[string]any) (map[string]any, error) {
		cancel()
		return nil, errors.New("client went away")
	}))
	task, err := h.engine.Create(context.Background(), core.CreateRequest{Title: "manual", Action: "flaky", MaxRetries: 3})
	require.NoError(t, err)

	found, err := h.dispatcher.RunNow(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, found)

	got := h.task(t, task.ID)
	assert.Equal(t, core.TaskStatusRetrying, got.Status)
	assert.Equal(t, 1, got.RetryCount)
	assert.Nil(t, got.ClaimedBy)
}
