package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cronflow/internal/core"
)

const (
	maxPreviewCount     = 50
	defaultPreviewCount = 5
)

// RunReader reads persisted runs.
type RunReader interface {
	GetRun(ctx context.Context, id string) (*core.Run, error)
	ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error)
	ListTaskInstances(ctx context.Context, runID string) ([]*core.TaskInstance, error)
}

// LogLocator maps an attempt to its log file.
type LogLocator interface {
	TaskLogPath(runID, taskID string, attempt int) string
}

// Check is a named dependency check reported by Health.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// HealthReport summarizes Health.
type HealthReport struct {
	Status    string            `json:"status"`
	Scheduler core.Health       `json:"scheduler"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Healthy reports whether every part is working.
func (h HealthReport) Healthy() bool { return h.Status == "ok" }

// Service is the operation surface shared by the HTTP API and the MCP tools.
type Service struct {
	registry  *core.Registry
	trigger   *core.Trigger
	scheduler *core.Scheduler
	runs      RunReader
	logs      LogLocator
	location  *time.Location
	logger    *slog.Logger
	checks    []Check
}

// New wires a service.
func New(registry *core.Registry, trigger *core.Trigger, scheduler *core.Scheduler, runs RunReader, logs LogLocator, location *time.Location, logger *slog.Logger, checks ...Check) *Service {
	if location == nil {
		location = time.Local
	}
	return &Service{
		registry:  registry,
		trigger:   trigger,
		scheduler: scheduler,
		runs:      runs,
		logs:      logs,
		location:  location,
		logger:    logger,
		checks:    checks,
	}
}

// Location is the time zone schedules are evaluated in.
func (s *Service) Location() *time.Location { return s.location }

// RegisterWorkflow validates, stores and schedules a definition.
func (s *Service) RegisterWorkflow(ctx context.Context, def *core.WorkflowDefinition) (*core.WorkflowDefinition, error) {
	stored, err := s.registry.Register(ctx, def)
	if err != nil {
		return nil, err
	}
	if err := s.trigger.AddOrUpdate(ctx, stored); err != nil {
		s.logger.Error("schedule workflow", "workflow", stored.Name, "err", err)
	}
	if latest, _, ok := s.registry.Get(stored.Name); ok {
		stored = latest
	}
	return stored, nil
}

func (s *Service) ListWorkflows() []*core.WorkflowDefinition {
	return s.registry.List()
}

// GetWorkflow returns the definition and when its schedule fires next.
func (s *Service) GetWorkflow(name string) (*core.WorkflowDefinition, *time.Time, error) {
	def, _, ok := s.registry.Get(name)
	if !ok {
		return nil, nil, core.ErrWorkflowNotFound
	}
	if next, ok := s.trigger.NextFireTime(name); ok {
		return def, &next, nil
	}
	return def, nil, nil
}

func (s *Service) DeleteWorkflow(ctx context.Context, name string) error {
	if err := s.registry.Unregister(ctx, name); err != nil {
		return err
	}
	s.trigger.Remove(name)
	return nil
}

// SetPaused pauses or resumes a workflow. Resuming evaluates the schedule
// right away, so missed ticks are caught up per the workflow's catch-up flag.
func (s *Service) SetPaused(ctx context.Context, name string, paused bool) (*core.WorkflowDefinition, error) {
	def, err := s.registry.SetPaused(ctx, name, paused)
	if err != nil {
		return nil, err
	}
	if err := s.trigger.AddOrUpdate(ctx, def); err != nil {
		s.logger.Error("reschedule workflow", "workflow", name, "err", err)
	}
	return def, nil
}

// TriggerRun starts a manual run. A zero logical time means now.
func (s *Service) TriggerRun(ctx context.Context, name string, logical time.Time) (*core.Run, error) {
	return s.trigger.TriggerNow(ctx, name, logical)
}

func (s *Service) ListRuns(ctx context.Context, filter core.RunFilter) ([]*core.Run, error) {
	if filter.Workflow != "" {
		if _, _, ok := s.registry.Get(filter.Workflow); !ok {
			return nil, core.ErrWorkflowNotFound
		}
	}
	return s.runs.ListRuns(ctx, filter)
}

// GetRun prefers the scheduler's live view and falls back to the store.
func (s *Service) GetRun(ctx context.Context, id string) (core.RunSnapshot, error) {
	snap, err := s.scheduler.Snapshot(ctx, id)
	if err == nil {
		return snap, nil
	}
	if !errors.Is(err, core.ErrRunNotFound) && !errors.Is(err, core.ErrSchedulerStopped) {
		return core.RunSnapshot{}, err
	}
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return core.RunSnapshot{}, err
	}
	instances, err := s.runs.ListTaskInstances(ctx, id)
	if err != nil {
		return core.RunSnapshot{}, err
	}
	snap = core.RunSnapshot{Run: *run}
	for _, ti := range instances {
		snap.Instances = append(snap.Instances, *ti)
	}
	return snap, nil
}

func (s *Service) CancelRun(ctx context.Context, id string) error {
	return s.scheduler.CancelRun(ctx, id)
}

// ErrNoAttempt is returned for log requests on a task that never ran.
var ErrNoAttempt = errors.New("task has not been attempted")

// TaskLogPath returns the log file of an attempt. attempt <= 0 selects the
// latest one.
func (s *Service) TaskLogPath(ctx context.Context, runID, taskID string, attempt int) (string, core.RunSnapshot, error) {
	snap, err := s.GetRun(ctx, runID)
	if err != nil {
		return "", snap, err
	}
	for _, ti := range snap.Instances {
		if ti.TaskID != taskID {
			continue
		}
		if attempt <= 0 {
			attempt = ti.Attempts
		}
		if attempt <= 0 || attempt > ti.Attempts {
			return "", snap, ErrNoAttempt
		}
		return s.logs.TaskLogPath(runID, taskID, attempt), snap, nil
	}
	return "", snap, fmt.Errorf("%w: %s", core.ErrUnknownTask, taskID)
}

// PreviewSchedule lists the next count fire times of expr after base.
func (s *Service) PreviewSchedule(expr string, base time.Time, count int) ([]time.Time, error) {
	schedule, err := core.ParseSchedule(expr)
	if err != nil {
		return nil, err
	}
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}
	if base.IsZero() {
		base = time.Now()
	}
	return core.NextOccurrences(schedule, base.In(s.location), count), nil
}

// Health combines the scheduler's state with the dependency checks.
func (s *Service) Health(ctx context.Context) HealthReport {
	report := HealthReport{Status: "ok", Scheduler: s.scheduler.Health()}
	if report.Scheduler.Degraded {
		report.Status = "degraded"
	}
	for _, c := range s.checks {
		if report.Checks == nil {
			report.Checks = make(map[string]string, len(s.checks))
		}
		if err := c.Ping(ctx); err != nil {
			report.Checks[c.Name] = err.Error()
			report.Status = "degraded"
			continue
		}
		report.Checks[c.Name] = "ok"
	}
	return report
}

// SortedInstanceStates counts instances per state, for summaries.
func SortedInstanceStates(snap core.RunSnapshot) []string {
	counts := make(map[core.TaskState]int)
	for _, ti := range snap.Instances {
		counts[ti.State]++
	}
	out := make([]string, 0, len(counts))
	for st, n := range counts {
		out = append(out, fmt.Sprintf("%s=%d", st, n))
	}
	sort.Strings(out)
	return out
}
