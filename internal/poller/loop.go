package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"taskpilot/internal/alert"
	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"
)

const (
	DefaultInterval      = time.Minute
	DefaultPipelineEvery = 5 * time.Minute
	DefaultAlertEvery    = 10 * time.Minute
)

type Dispatcher interface {
	PollOnce(ctx context.Context) (core.PollResult, error)
}

type Pipeline interface {
	Run(ctx context.Context) (*pipeline.Report, error)
}

type Alerts interface {
	Check(ctx context.Context) (*alert.Report, error)
}

// Loop drives dispatch on every wake and the slower checks on their own
// cadence. Pipeline and Alerts may be nil.
type Loop struct {
	Interval      time.Duration
	PipelineEvery time.Duration
	AlertEvery    time.Duration

	Dispatcher Dispatcher
	Pipeline   Pipeline
	Alerts     Alerts
	Logger     *slog.Logger
	Clock      func() time.Time

	mu           sync.Mutex
	lastPipeline time.Time
	lastAlert    time.Time
	lastWake     time.Time
}

// State is a snapshot of the loop's bookkeeping.
type State struct {
	LastWake     *time.Time `json:"last_wake,omitempty"`
	LastPipeline *time.Time `json:"last_pipeline,omitempty"`
	LastAlert    *time.Time `json:"last_alert,omitempty"`
}

// Run wakes every Interval until ctx is cancelled. The first wake happens
// immediately.
func (l *Loop) Run(ctx context.Context) error {
	interval := l.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	l.logger().Info("polling loop started", "interval", interval, "pipeline_every", l.pipelineEvery(),
		"alert_every", l.alertEvery())

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		l.Tick(ctx, l.now())
		select {
		case <-ctx.Done():
			l.logger().Info("polling loop stopped")
			return ctx.Err()
		case <-t.C:
		}
	}
}

// Tick runs one wake at now. Each sub-check is isolated: an error or panic
// is logged and the remaining checks still run.
func (l *Loop) Tick(ctx context.Context, now time.Time) {
	l.mu.Lock()
	l.lastWake = now
	runPipeline := l.Pipeline != nil && (l.lastPipeline.IsZero() || now.Sub(l.lastPipeline) >= l.pipelineEvery())
	runAlerts := l.Alerts != nil && (l.lastAlert.IsZero() || now.Sub(l.lastAlert) >= l.alertEvery())
	if runPipeline {
		l.lastPipeline = now
	}
	if runAlerts {
		l.lastAlert = now
	}
	l.mu.Unlock()

	if l.Dispatcher != nil {
		l.guard("dispatch", func() error {
			res, err := l.Dispatcher.PollOnce(ctx)
			if res.Due > 0 {
				l.logger().Debug("dispatch finished", "due", res.Due, "executed", res.Executed,
					"succeeded", res.Succeeded, "failed", res.Failed, "skipped", res.Skipped)
			}
			return err
		})
	}
	if runPipeline {
		l.guard("pipeline", func() error {
			_, err := l.Pipeline.Run(ctx)
			return err
		})
	}
	if runAlerts {
		l.guard("alerts", func() error {
			_, err := l.Alerts.Check(ctx)
			return err
		})
	}
}

// Snapshot returns when each check last ran.
func (l *Loop) Snapshot() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return State{
		LastWake:     nonZero(l.lastWake),
		LastPipeline: nonZero(l.lastPipeline),
		LastAlert:    nonZero(l.lastAlert),
	}
}

func (l *Loop) guard(name string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger().Error("poll check panicked", "check", name, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		l.logger().Error("poll check failed", "check", name, "err", err)
	}
}

func (l *Loop) pipelineEvery() time.Duration {
	if l.PipelineEvery <= 0 {
		return DefaultPipelineEvery
	}
	return l.PipelineEvery
}

func (l *Loop) alertEvery() time.Duration {
	if l.AlertEvery <= 0 {
		return DefaultAlertEvery
	}
	return l.AlertEvery
}

func (l *Loop) now() time.Time {
	if l.Clock != nil {
		return l.Clock()
	}
	return time.Now()
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}

func nonZero(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
