package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/pipeline"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the scheduler as MCP tools over stdio.
type MCPServer struct {
	engine     *core.Engine
	dispatcher *core.Dispatcher
	pipeline   *pipeline.Engine
	logger     *slog.Logger
	location   *time.Location
	version    string
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(engine *core.Engine, dispatcher *core.Dispatcher, pipe *pipeline.Engine, logger *slog.Logger, location *time.Location, version string) *MCPServer {
	if location == nil {
		location = time.Local
	}
	return &MCPServer{
		engine:     engine,
		dispatcher: dispatcher,
		pipeline:   pipe,
		logger:     logger,
		location:   location,
		version:    version,
	}
}

// Run serves MCP over stdio until the input stream closes.
func (s *MCPServer) Run() error {
	mcpServer := server.NewMCPServer(
		"taskpilot",
		s.version,
		server.WithToolCapabilities(true),
	)
	s.registerTools(mcpServer)

	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(mcpServer)
}

func (s *MCPServer) registerTools(mcpServer *server.MCPServer) {
	mcpServer.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List scheduled tasks, optionally filtered by status or entity"),
		mcp.WithString("status",
			mcp.Description("Only return tasks in this status"),
			mcp.Enum(statusNames()...),
		),
		mcp.WithString("entity_id",
			mcp.Description("Only return tasks linked to this entity"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tasks, default 50"),
			mcp.Min(1),
			mcp.Max(500),
		),
	), s.handleListTasks)

	mcpServer.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show a task with its schedule and last result"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleGetTask)

	mcpServer.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("Cancel a pending or scheduled task"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleCancelTask)

	mcpServer.AddTool(mcp.NewTool("task_run_now",
		mcp.WithDescription("Execute a task immediately, outside its schedule"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleRunNow)

	mcpServer.AddTool(mcp.NewTool("scheduler_status",
		mcp.WithDescription("Task counts by status and the registered handlers"),
	), s.handleStatus)

	mcpServer.AddTool(mcp.NewTool("cron_schedule",
		mcp.WithDescription("Create or re-arm a named cron task. Uses standard 5-field cron (minute hour day month weekday)"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Unique task name; scheduling an existing name updates it"),
		),
		mcp.WithString("handler",
			mcp.Required(),
			mcp.Description("Registered handler to invoke"),
		),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression, e.g. '0 9 * * 1-5' for 9am on weekdays"),
		),
		mcp.WithObject("metadata",
			mcp.Description("Parameters passed to the handler"),
		),
		mcp.WithBoolean("enabled",
			mcp.Description("Whether the task is enabled, default true"),
		),
	), s.handleCronSchedule)

	mcpServer.AddTool(mcp.NewTool("cron_preview",
		mcp.WithDescription("Preview the next activation times of a cron expression"),
		mcp.WithString("cron",
			mcp.Required(),
			mcp.Description("Cron expression"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of activations, default 5"),
			mcp.Min(1),
			mcp.Max(10),
		),
	), s.handleCronPreview)

	mcpServer.AddTool(mcp.NewTool("pipeline_run",
		mcp.WithDescription("Evaluate every open property and advance those whose evidence is in place"),
	), s.handlePipelineRun)

	s.logger.Info("MCP tools registered", "count", 8)
}

func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.TaskFilter{Limit: int(mcp.ParseFloat64(request, "limit", 50))}
	if status := mcp.ParseString(request, "status", ""); status != "" {
		st := core.TaskStatus(status)
		if !st.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("unknown status: %s", status)), nil
		}
		filter.Status = &st
	}
	if entity := mcp.ParseString(request, "entity_id", ""); entity != "" {
		filter.EntityID = &entity
	}

	tasks, err := s.engine.List(ctx, filter)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d task(s):\n\n", len(tasks))
	for _, t := range tasks {
		fmt.Fprintf(&b, "[%s] %s\n", t.Status, t.ID)
		fmt.Fprintf(&b, "  Title: %s\n", t.Title)
		fmt.Fprintf(&b, "  Handler: %s\n", t.HandlerName)
		if t.CronExpression != nil {
			fmt.Fprintf(&b, "  Cron: %s\n", *t.CronExpression)
		}
		if t.NextRunAt != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(t.NextRunAt))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.engine.Get(ctx, taskID)
	if err != nil {
		return taskError(taskID, err), nil
	}
	return mcp.NewToolResultText(s.describeTask(task)), nil
}

func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	if err := s.engine.Cancel(ctx, taskID); err != nil {
		return taskError(taskID, err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled: %s", taskID)), nil
}

func (s *MCPServer) handleRunNow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := mcp.ParseString(request, "task_id", "")
	found, err := s.dispatcher.RunNow(ctx, taskID)
	if err != nil {
		return taskError(taskID, err), nil
	}
	if !found {
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID)), nil
	}
	task, err := s.engine.Get(ctx, taskID)
	if err != nil {
		return taskError(taskID, err), nil
	}
	return mcp.NewToolResultText("Task executed\n" + s.describeTask(task)), nil
}

func (s *MCPServer) handleStatus(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.engine.Status(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to load status: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Total tasks: %d\n", report.Total)
	for _, st := range core.AllTaskStatuses {
		fmt.Fprintf(&b, "  %s: %d\n", st, report.Counts[st])
	}
	fmt.Fprintf(&b, "Handlers: %s\n", strings.Join(report.Handlers, ", "))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handleCronSchedule(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var metadata map[string]any
	if raw, ok := request.GetArguments()["metadata"].(map[string]any); ok {
		metadata = raw
	}
	task, err := s.engine.Schedule(ctx, core.ScheduleRequest{
		Name:           mcp.ParseString(request, "name", ""),
		HandlerName:    mcp.ParseString(request, "handler", ""),
		CronExpression: mcp.ParseString(request, "cron", ""),
		Metadata:       metadata,
		Enabled:        mcp.ParseBoolean(request, "enabled", true),
	})
	if err != nil {
		return taskError("", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task scheduled\nID: %s\nNext run: %s",
		task.ID, s.formatTime(task.NextRunAt))), nil
}

func (s *MCPServer) handleCronPreview(_ context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := mcp.ParseString(request, "cron", "")
	count := int(mcp.ParseFloat64(request, "count", 5))
	times, err := s.engine.Preview(expr, count)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid cron expression: %v", err)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Cron expression: %s\n", expr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.location)
	b.WriteString("Next activations:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.In(s.location).Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) handlePipelineRun(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	report, err := s.pipeline.Run(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("pipeline run failed: %v", err)), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Checked %d, transitioned %d, skipped %d, guard errors %d\n",
		report.Checked, report.Transitioned, report.Skipped, report.GuardErrors)
	for _, t := range report.Transitions {
		fmt.Fprintf(&b, "  %s: %s -> %s (%s)\n", t.ID, t.From, t.To, t.Reason)
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *MCPServer) describeTask(task *core.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	if task.Name != nil {
		fmt.Fprintf(&b, "Name: %s\n", *task.Name)
	}
	fmt.Fprintf(&b, "Title: %s\n", task.Title)
	fmt.Fprintf(&b, "Status: %s\n", task.Status)
	fmt.Fprintf(&b, "Handler: %s\n", task.HandlerName)
	if task.CronExpression != nil {
		fmt.Fprintf(&b, "Cron: %s\n", *task.CronExpression)
	}
	if task.RepeatIntervalHours != nil {
		fmt.Fprintf(&b, "Every: %dh\n", *task.RepeatIntervalHours)
	}
	fmt.Fprintf(&b, "Retries: %d/%d\n", task.RetryCount, task.MaxRetries)
	if task.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", s.formatTime(task.LastRunAt))
	}
	if task.NextRunAt != nil {
		fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(task.NextRunAt))
	}
	if task.LastResult != nil {
		if task.LastResult.Success {
			fmt.Fprintf(&b, "Last result: ok in %dms\n", task.LastResult.DurationMS)
		} else {
			fmt.Fprintf(&b, "Last result: failed: %s\n", task.LastResult.Error)
		}
	}
	return b.String()
}

func taskError(taskID string, err error) *mcp.CallToolResult {
	switch {
	case errors.Is(err, core.ErrTaskNotFound):
		return mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
	case errors.Is(err, core.ErrTaskRunning):
		return mcp.NewToolResultError(fmt.Sprintf("task is already running: %s", taskID))
	}
	return mcp.NewToolResultError(err.Error())
}

func (s *MCPServer) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.location).Format("2006-01-02 15:04:05")
}

func statusNames() []string {
	names := make([]string, 0, len(core.AllTaskStatuses))
	for _, st := range core.AllTaskStatuses {
		names = append(names, string(st))
	}
	return names
}
