package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"taskpilot/internal/alert"
	"taskpilot/internal/api"
	"taskpilot/internal/config"
	"taskpilot/internal/core"
	"taskpilot/internal/handlers"
	"taskpilot/internal/logging"
	taskpilotmcp "taskpilot/internal/mcp"
	"taskpilot/internal/notify"
	"taskpilot/internal/pipeline"
	"taskpilot/internal/poller"
	"taskpilot/internal/store"
)

var version = "dev"

// app bundles the wired services shared by every mode.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	location   *time.Location
	store      *store.Store
	engine     *core.Engine
	dispatcher *core.Dispatcher
	pipeline   *pipeline.Engine
	alerts     *alert.Checker
	loop       *poller.Loop
}

func main() {
	cfg, err := config.Parse()
	if err != nil {
		log.Fatalf("failed to parse config: %v", err)
	}

	// stdout carries the MCP protocol in mcp/both modes
	logOut := os.Stdout
	if cfg.ServesMCP() {
		logOut = os.Stderr
	}
	logger := logging.NewWithWriter(logOut, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer a.store.Close()

	if err := a.run(ctx); err != nil {
		logger.Error("exited with error", "err", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(ctx, cfg.StateDir, cfg.Log.Retention)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	location := time.Local
	if cfg.UseUTC {
		location = time.UTC
	}

	notifier := buildNotifier(cfg, logger)

	registry := core.NewRegistry()
	if err := handlers.RegisterBuiltins(registry, notifier, st); err != nil {
		st.Close()
		return nil, fmt.Errorf("register handlers: %w", err)
	}

	engine := core.NewEngine(st, registry, logger, core.EngineConfig{
		Location:          location,
		DefaultMaxRetries: cfg.Scheduler.DefaultMaxRetries,
	})
	dispatcher := core.NewDispatcher(st, registry, logger, core.DispatcherConfig{
		InstanceID:     cfg.Scheduler.InstanceID,
		Lease:          cfg.Scheduler.LeaseDuration,
		MaxConcurrency: cfg.Scheduler.MaxConcurrency,
		Location:       location,
		OnPermanentFailure: func(ctx context.Context, task *core.Task, err error) {
			title := fmt.Sprintf("Task failed: %s", task.Title)
			body := fmt.Sprintf("Task %s gave up after %d attempt(s): %v", task.ID, task.RetryCount, err)
			if nerr := notifier.Send(ctx, title, body); nerr != nil {
				logger.Warn("push failure notification", "task_id", task.ID, "err", nerr)
			}
		},
	})
	pipe := pipeline.NewEngine(st, engine, notifier, logger, pipeline.Config{
		GraceWindow:    cfg.Pipeline.GraceWindow,
		SummaryHandler: handlers.PipelineSummary,
	})

	if path := cfg.Pipeline.AlertRulesFile; path != "" {
		rules, err := alert.LoadRules(path)
		if err != nil {
			st.Close()
			return nil, err
		}
		for _, rule := range rules {
			if err := st.UpsertAlertRule(ctx, rule); err != nil {
				st.Close()
				return nil, fmt.Errorf("seed alert rule %q: %w", rule.Name, err)
			}
		}
		logger.Info("alert rules loaded", "path", path, "count", len(rules))
	}
	checker := alert.NewChecker(st, notifier, logger, nil)

	loop := &poller.Loop{
		Interval:      cfg.Scheduler.PollInterval,
		PipelineEvery: cfg.Scheduler.PipelineInterval,
		AlertEvery:    cfg.Scheduler.AlertInterval,
		Dispatcher:    dispatcher,
		Pipeline:      pipe,
		Alerts:        checker,
		Logger:        logger,
	}

	return &app{
		cfg:        cfg,
		logger:     logger,
		location:   location,
		store:      st,
		engine:     engine,
		dispatcher: dispatcher,
		pipeline:   pipe,
		alerts:     checker,
		loop:       loop,
	}, nil
}

func buildNotifier(cfg *config.Config, logger *slog.Logger) notify.Notifier {
	var targets []notify.Notifier
	if cfg.Notification.Bark.Enabled {
		bark, err := notify.NewBarkNotifier(cfg.Notification.Bark.URL, cfg.Notification.Bark.Group)
		if err != nil {
			logger.Warn("bark disabled", "err", err)
		} else {
			targets = append(targets, bark)
		}
	}
	if len(targets) == 0 {
		return &notify.LogNotifier{Logger: logger}
	}
	return notify.NewRateLimited(notify.NewMultiNotifier(targets...), cfg.Notification.RatePerSecond)
}

// run starts the polling loop plus the configured surfaces and blocks until
// ctx is cancelled or a surface fails.
func (a *app) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	loopDone := make(chan struct{})
	go func() {
		defer close(loopDone)
		_ = a.loop.Run(ctx)
	}()

	errs := make(chan error, 2)
	var server *api.Server
	if a.cfg.ServesHTTP() {
		server = api.NewServer(a.cfg.Server.Addr, a.cfg.Server.AuthToken, api.Deps{
			Store:      a.store,
			Engine:     a.engine,
			Dispatcher: a.dispatcher,
			Pipeline:   a.pipeline,
			Alerts:     a.alerts,
			Loop:       a.loop,
		}, a.logger, a.location)
		go func() {
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errs <- fmt.Errorf("http server: %w", err)
			}
		}()
	}
	if a.cfg.ServesMCP() {
		mcpServer := taskpilotmcp.NewMCPServer(a.engine, a.dispatcher, a.pipeline, a.logger, a.location, version)
		go func() {
			// Run returns when stdin closes; the client is gone, so stop.
			if err := mcpServer.Run(); err != nil {
				errs <- fmt.Errorf("mcp server: %w", err)
				return
			}
			cancel()
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case runErr = <-errs:
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), a.cfg.ShutdownGrace)
	defer shutdownCancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown", "err", err)
		}
	}
	select {
	case <-loopDone:
	case <-shutdownCtx.Done():
		a.logger.Warn("polling loop stop timed out")
	}
	return runErr
}
