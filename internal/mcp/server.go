package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cronflow/internal/core"
	"cronflow/internal/service"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Server exposes workflow operations as MCP tools.
type Server struct {
	svc    *service.Service
	logger *slog.Logger
	mcp    *server.MCPServer
}

// NewServer builds the MCP server and registers its tools.
func NewServer(svc *service.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		svc:    svc,
		logger: logger,
		mcp: server.NewMCPServer(
			"cronflow",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// ServeStdio serves the protocol on stdin/stdout until the input closes or
// ctx is done.
func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// Handler serves the protocol over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("workflow_register",
		mcp.WithDescription("Register or replace a workflow. The manifest is JSON with name, schedule (5-field cron, @daily style descriptor, or @once), "+
			"catch_up, max_active_runs, fail_fast and tasks; each task has id, command, depends_on, retries, retry_delay and timeout."),
		mcp.WithString("manifest",
			mcp.Required(),
			mcp.Description("Workflow manifest as a JSON object"),
		),
	), s.handleRegisterWorkflow)

	s.mcp.AddTool(mcp.NewTool("workflow_list",
		mcp.WithDescription("List registered workflows"),
	), s.handleListWorkflows)

	s.mcp.AddTool(mcp.NewTool("workflow_get",
		mcp.WithDescription("Show a workflow definition and its next fire time"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Workflow name"),
		),
	), s.handleGetWorkflow)

	s.mcp.AddTool(mcp.NewTool("workflow_delete",
		mcp.WithDescription("Unregister a workflow. Run history is kept."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Workflow name"),
		),
	), s.handleDeleteWorkflow)

	s.mcp.AddTool(mcp.NewTool("workflow_pause",
		mcp.WithDescription("Pause or resume scheduling of a workflow"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Workflow name"),
		),
		mcp.WithBoolean("paused",
			mcp.Required(),
			mcp.Description("true to pause, false to resume"),
		),
	), s.handleSetPaused)

	s.mcp.AddTool(mcp.NewTool("workflow_trigger",
		mcp.WithDescription("Start a run of a workflow now"),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Workflow name"),
		),
		mcp.WithString("logical_time",
			mcp.Description("RFC3339 logical timestamp for the run, defaults to now"),
		),
	), s.handleTriggerRun)

	s.mcp.AddTool(mcp.NewTool("run_list",
		mcp.WithDescription("List recent runs, newest logical time first"),
		mcp.WithString("workflow",
			mcp.Description("Only runs of this workflow"),
		),
		mcp.WithString("state",
			mcp.Description("Only runs in this state"),
			mcp.Enum("queued", "running", "succeeded", "failed", "cancelled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListRuns)

	s.mcp.AddTool(mcp.NewTool("run_get",
		mcp.WithDescription("Show a run and the state of each of its tasks"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleGetRun)

	s.mcp.AddTool(mcp.NewTool("run_cancel",
		mcp.WithDescription("Cancel a queued or running run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
	), s.handleCancelRun)

	s.mcp.AddTool(mcp.NewTool("task_log",
		mcp.WithDescription("Read the output of a task attempt"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID within the workflow"),
		),
		mcp.WithNumber("attempt",
			mcp.Description("Attempt number, defaults to the latest"),
			mcp.Min(0),
		),
		mcp.WithNumber("tail",
			mcp.Description("Only the last N lines"),
			mcp.Min(0),
		),
	), s.handleTaskLog)

	s.mcp.AddTool(mcp.NewTool("schedule_preview",
		mcp.WithDescription("Preview the next fire times of a schedule expression"),
		mcp.WithString("schedule",
			mcp.Required(),
			mcp.Description("Cron expression or descriptor"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(50),
		),
	), s.handleSchedulePreview)

	s.logger.Debug("MCP tools registered", "count", 11)
}

func (s *Server) handleRegisterWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := request.RequireString("manifest")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	var manifest service.WorkflowManifest
	if err := json.Unmarshal([]byte(raw), &manifest); err != nil {
		return mcp.NewToolResultErrorf("manifest is not valid JSON: %v", err), nil
	}
	def, err := manifest.Definition()
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	stored, err := s.svc.RegisterWorkflow(ctx, def)
	if err != nil {
		return s.toolError("register workflow", err), nil
	}
	s.logger.Info("workflow registered", "workflow", stored.Name, "schedule", stored.Schedule, "tasks", len(stored.Tasks))

	_, next, _ := s.svc.GetWorkflow(stored.Name)
	return mcp.NewToolResultText(fmt.Sprintf("Workflow %s registered\nTasks: %d\nNext fire: %s",
		stored.Name, len(stored.Tasks), formatTime(next))), nil
}

func (s *Server) handleListWorkflows(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	defs := s.svc.ListWorkflows()
	if len(defs) == 0 {
		return mcp.NewToolResultText("No workflows registered"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d workflows:\n\n", len(defs))
	for _, def := range defs {
		icon := "▶️"
		if def.Paused {
			icon = "⏸️"
		}
		_, next, _ := s.svc.GetWorkflow(def.Name)
		fmt.Fprintf(&b, "%s %s\n", icon, def.Name)
		fmt.Fprintf(&b, "  Schedule: %s\n", def.Schedule)
		fmt.Fprintf(&b, "  Tasks: %d\n", len(def.Tasks))
		if next != nil {
			fmt.Fprintf(&b, "  Next fire: %s\n", formatTime(next))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	def, _, err := s.svc.GetWorkflow(name)
	if err != nil {
		return s.toolError("get workflow", err), nil
	}
	raw, err := json.Marshal(service.ManifestFor(def))
	if err != nil {
		return mcp.NewToolResultErrorf("encode workflow: %v", err), nil
	}
	return mcp.NewToolResultText(string(raw)), nil
}

func (s *Server) handleDeleteWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	if err := s.svc.DeleteWorkflow(ctx, name); err != nil {
		return s.toolError("delete workflow", err), nil
	}
	s.logger.Info("workflow deleted", "workflow", name)
	return mcp.NewToolResultText(fmt.Sprintf("Workflow %s deleted", name)), nil
}

func (s *Server) handleSetPaused(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	paused := mcp.ParseBoolean(request, "paused", true)
	if _, err := s.svc.SetPaused(ctx, name, paused); err != nil {
		return s.toolError("update workflow", err), nil
	}
	if paused {
		return mcp.NewToolResultText(fmt.Sprintf("Workflow %s paused", name)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Workflow %s resumed", name)), nil
}

func (s *Server) handleTriggerRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name := request.GetString("name", "")
	var logical time.Time
	if raw := mcp.ParseString(request, "logical_time", ""); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return mcp.NewToolResultErrorf("logical_time must be RFC3339: %v", err), nil
		}
		logical = parsed
	}
	run, err := s.svc.TriggerRun(ctx, name, logical)
	if err != nil {
		return s.toolError("trigger run", err), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Run %s %s\nWorkflow: %s\nLogical time: %s",
		run.ID, run.State, run.Workflow, formatTime(&run.LogicalTime))), nil
}

func (s *Server) handleListRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	filter := core.RunFilter{
		Workflow: mcp.ParseString(request, "workflow", ""),
		Limit:    mcp.ParseInt(request, "limit", 20),
	}
	if state := mcp.ParseString(request, "state", ""); state != "" {
		filter.States = []core.RunState{core.RunState(state)}
	}
	runs, err := s.svc.ListRuns(ctx, filter)
	if err != nil {
		return s.toolError("list runs", err), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d runs:\n\n", len(runs))
	for _, run := range runs {
		fmt.Fprintf(&b, "%s %s  %s  %s", runStateIcon(run.State), run.ID, run.Workflow, formatTime(&run.LogicalTime))
		if run.External {
			b.WriteString("  (manual)")
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleGetRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, err := s.svc.GetRun(ctx, request.GetString("run_id", ""))
	if err != nil {
		return s.toolError("get run", err), nil
	}
	return mcp.NewToolResultText(describeRun(snap)), nil
}

func (s *Server) handleCancelRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	if err := s.svc.CancelRun(ctx, runID); err != nil {
		return s.toolError("cancel run", err), nil
	}
	snap, err := s.svc.GetRun(ctx, runID)
	if err != nil {
		return s.toolError("get run", err), nil
	}
	return mcp.NewToolResultText(describeRun(snap)), nil
}

func (s *Server) handleTaskLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := request.GetString("run_id", "")
	taskID := request.GetString("task_id", "")
	attempt := mcp.ParseInt(request, "attempt", 0)

	logPath, _, err := s.svc.TaskLogPath(ctx, runID, taskID, attempt)
	if err != nil {
		return s.toolError("locate log", err), nil
	}
	data, err := os.ReadFile(logPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return mcp.NewToolResultText("(no output)"), nil
		}
		return mcp.NewToolResultErrorf("read log: %v", err), nil
	}
	content := string(data)
	if tail := mcp.ParseInt(request, "tail", 0); tail > 0 {
		content = tailLines(content, tail)
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleSchedulePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	expr := request.GetString("schedule", "")
	count := mcp.ParseInt(request, "count", 5)

	times, err := s.svc.PreviewSchedule(expr, time.Time{}, count)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(times) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("Schedule %s never fires on its own", expr)), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schedule: %s\n", expr)
	fmt.Fprintf(&b, "Time zone: %s\n\n", s.svc.Location())
	b.WriteString("Next fire times:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format("2006-01-02 15:04:05"))
	}
	return mcp.NewToolResultText(b.String()), nil
}

// toolError turns domain errors into tool results. Only unexpected errors
// are logged.
func (s *Server) toolError(op string, err error) *mcp.CallToolResult {
	var defErr *core.DefinitionError
	switch {
	case errors.As(err, &defErr),
		errors.Is(err, core.ErrInvalidSchedule),
		errors.Is(err, core.ErrWorkflowNotFound),
		errors.Is(err, core.ErrRunNotFound),
		errors.Is(err, core.ErrUnknownTask),
		errors.Is(err, service.ErrNoAttempt):
	default:
		s.logger.Error(op, "err", err)
	}
	return mcp.NewToolResultErrorf("%s: %v", op, err)
}

func describeRun(snap core.RunSnapshot) string {
	var b strings.Builder
	run := snap.Run
	fmt.Fprintf(&b, "Run %s %s %s\n", runStateIcon(run.State), run.ID, run.State)
	fmt.Fprintf(&b, "Workflow: %s\n", run.Workflow)
	fmt.Fprintf(&b, "Logical time: %s\n", formatTime(&run.LogicalTime))
	if run.StartedAt != nil {
		fmt.Fprintf(&b, "Started: %s\n", formatTime(run.StartedAt))
	}
	if run.EndedAt != nil {
		fmt.Fprintf(&b, "Ended: %s\n", formatTime(run.EndedAt))
	}
	fmt.Fprintf(&b, "Tasks: %s\n\n", strings.Join(service.SortedInstanceStates(snap), " "))
	for _, ti := range snap.Instances {
		fmt.Fprintf(&b, "  %s (attempts %d)\n", ti.TaskID, ti.Attempts)
		fmt.Fprintf(&b, "    state: %s\n", ti.State)
		if ti.LastError != nil {
			fmt.Fprintf(&b, "    error: %s\n", truncateString(*ti.LastError, 200))
		}
		if ti.NextAttemptAt != nil {
			fmt.Fprintf(&b, "    next attempt: %s\n", formatTime(ti.NextAttemptAt))
		}
	}
	return b.String()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func tailLines(content string, n int) string {
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n") + "\n"
}

func runStateIcon(state core.RunState) string {
	switch state {
	case core.RunStateSucceeded:
		return "✅"
	case core.RunStateFailed:
		return "❌"
	case core.RunStateCancelled:
		return "🚫"
	case core.RunStateRunning:
		return "▶️"
	case core.RunStateQueued:
		return "⏳"
	default:
		return "❓"
	}
}
