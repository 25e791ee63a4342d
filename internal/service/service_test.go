package service

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"cronflow/internal/core"
	"cronflow/internal/store"
)

func newTestService(t *testing.T, checks ...Check) *Service {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	st, err := store.Open(ctx, t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	executor := core.KindRouter{
		core.KindEmpty:   core.NoopExecutor{},
		core.KindCommand: core.NewCommandExecutor(st, logger),
	}
	registry := core.NewRegistry(st, logger)
	scheduler := core.NewScheduler(st, registry, executor, logger, core.WithWorkers(2))
	clk := clock.New()
	trigger := core.NewTrigger(registry, core.NewMaterializer(st, clk), scheduler, logger, time.UTC, clk)
	scheduler.Start(ctx)
	trigger.Start(ctx)
	t.Cleanup(func() {
		<-trigger.Stop().Done()
		cancel()
		scheduler.Stop()
		_ = st.Close()
	})
	return New(registry, trigger, scheduler, st, st, time.UTC, logger, checks...)
}

func waitRun(t *testing.T, svc *Service, id string) core.RunSnapshot {
	t.Helper()
	var snap core.RunSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = svc.GetRun(context.Background(), id)
		return err == nil && snap.Run.State.Terminal()
	}, 10*time.Second, 10*time.Millisecond)
	return snap
}

func onceWorkflow(name string, tasks ...core.TaskDefinition) *core.WorkflowDefinition {
	return &core.WorkflowDefinition{
		Name:     name,
		Schedule: core.ScheduleOnce,
		StartAt:  time.Now().UTC().Add(-time.Minute),
		Tasks:    tasks,
	}
}

func TestService_RegisterOnceRunsImmediately(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	def, err := svc.RegisterWorkflow(ctx, onceWorkflow("hello", core.TaskDefinition{ID: "a", Kind: core.KindEmpty}))
	require.NoError(t, err)
	require.NotNil(t, def.LastEvaluatedAt, "the @once tick is materialized on registration")

	runs, err := svc.ListRuns(ctx, core.RunFilter{Workflow: "hello"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	snap := waitRun(t, svc, runs[0].ID)
	require.Equal(t, core.RunStateSucceeded, snap.Run.State)
	require.Equal(t, []string{"succeeded=1"}, SortedInstanceStates(snap))

	got, next, err := svc.GetWorkflow("hello")
	require.NoError(t, err)
	require.Equal(t, "hello", got.Name)
	require.Nil(t, next)

	require.NoError(t, svc.DeleteWorkflow(ctx, "hello"))
	require.ErrorIs(t, svc.DeleteWorkflow(ctx, "hello"), core.ErrWorkflowNotFound)
	_, err = svc.ListRuns(ctx, core.RunFilter{Workflow: "hello"})
	require.ErrorIs(t, err, core.ErrWorkflowNotFound)

	// runs outlive their workflow
	snap, err = svc.GetRun(ctx, runs[0].ID)
	require.NoError(t, err)
	require.Equal(t, core.RunStateSucceeded, snap.Run.State)
}

func TestService_RegisterRejectsInvalid(t *testing.T) {
	svc := newTestService(t)
	_, err := svc.RegisterWorkflow(context.Background(), &core.WorkflowDefinition{Name: "bad", Schedule: "@daily"})
	var defErr *core.DefinitionError
	require.ErrorAs(t, err, &defErr)
	require.Empty(t, svc.ListWorkflows())
}

func TestService_PauseAndResume(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, err := svc.RegisterWorkflow(ctx, &core.WorkflowDefinition{
		Name:     "hourly",
		Schedule: "@hourly",
		Tasks:    []core.TaskDefinition{{ID: "a", Kind: core.KindEmpty}},
	})
	require.NoError(t, err)
	_, next, err := svc.GetWorkflow("hourly")
	require.NoError(t, err)
	require.NotNil(t, next)

	def, err := svc.SetPaused(ctx, "hourly", true)
	require.NoError(t, err)
	require.True(t, def.Paused)
	_, next, err = svc.GetWorkflow("hourly")
	require.NoError(t, err)
	require.Nil(t, next)

	def, err = svc.SetPaused(ctx, "hourly", false)
	require.NoError(t, err)
	require.False(t, def.Paused)
	_, next, err = svc.GetWorkflow("hourly")
	require.NoError(t, err)
	require.NotNil(t, next)

	_, err = svc.SetPaused(ctx, "missing", true)
	require.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestService_TriggerAndTaskLog(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)
	_, err := svc.RegisterWorkflow(ctx, &core.WorkflowDefinition{
		Name:     "greet",
		Schedule: "@daily",
		StartAt:  time.Now().UTC().Add(time.Hour),
		Tasks: []core.TaskDefinition{
			{ID: "say", Kind: core.KindCommand, Command: "echo hello from $CRONFLOW_TASK_ID"},
			{ID: "never", Kind: core.KindEmpty},
		},
		Edges: []core.Edge{{From: "say", To: "never"}},
	})
	require.NoError(t, err)

	logical := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)
	run, err := svc.TriggerRun(ctx, "greet", logical)
	require.NoError(t, err)
	require.True(t, run.External)
	snap := waitRun(t, svc, run.ID)
	require.Equal(t, core.RunStateSucceeded, snap.Run.State)

	path, _, err := svc.TaskLogPath(ctx, run.ID, "say", 0)
	require.NoError(t, err)
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "hello from say\n", string(body))

	_, _, err = svc.TaskLogPath(ctx, run.ID, "say", 2)
	require.ErrorIs(t, err, ErrNoAttempt)
	_, _, err = svc.TaskLogPath(ctx, run.ID, "ghost", 0)
	require.ErrorIs(t, err, core.ErrUnknownTask)
	_, _, err = svc.TaskLogPath(ctx, "missing", "say", 0)
	require.ErrorIs(t, err, core.ErrRunNotFound)

	_, err = svc.TriggerRun(ctx, "missing", time.Time{})
	require.ErrorIs(t, err, core.ErrWorkflowNotFound)
}

func TestService_PreviewSchedule(t *testing.T) {
	svc := newTestService(t)
	base := time.Date(2024, time.January, 1, 0, 0, 0, 0, time.UTC)

	times, err := svc.PreviewSchedule("0 */6 * * *", base, 0)
	require.NoError(t, err)
	require.Len(t, times, defaultPreviewCount)
	require.True(t, base.Add(6*time.Hour).Equal(times[0]))

	times, err = svc.PreviewSchedule("@every 1m", base, 500)
	require.NoError(t, err)
	require.Len(t, times, maxPreviewCount)

	times, err = svc.PreviewSchedule("@once", base, 3)
	require.NoError(t, err)
	require.Empty(t, times)

	_, err = svc.PreviewSchedule("not a schedule", base, 1)
	require.ErrorIs(t, err, core.ErrInvalidSchedule)
}

func TestService_Health(t *testing.T) {
	healthy := newTestService(t, Check{Name: "store", Ping: func(context.Context) error { return nil }})
	report := healthy.Health(context.Background())
	require.True(t, report.Healthy())
	require.Equal(t, map[string]string{"store": "ok"}, report.Checks)

	broken := newTestService(t, Check{Name: "redis", Ping: func(context.Context) error { return errors.New("connection refused") }})
	report = broken.Health(context.Background())
	require.False(t, report.Healthy())
	require.Equal(t, "degraded", report.Status)
	require.Equal(t, "connection refused", report.Checks["redis"])
}

// Two empty tasks in a chain, daily at noon, without catch-up.
const noonChainManifest = `{
	"name": "example_dag",
	"schedule": "0 12 * * *",
	"start_at": "2022-08-01T00:00:00Z",
	"catch_up": false,
	"tasks": [
		{"id": "empty_1"},
		{"id": "empty_2", "depends_on": ["empty_1"]}
	]
}`

func TestService_NoonChainWithoutCatchUp(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t)

	var m WorkflowManifest
	require.NoError(t, json.Unmarshal([]byte(noonChainManifest), &m))
	def, err := m.Definition()
	require.NoError(t, err)
	for _, task := range def.Tasks {
		require.Equal(t, core.KindEmpty, task.Kind)
	}

	now := time.Now().UTC()
	if now.Hour() == 12 && now.Minute() == 0 && now.Second() < 5 {
		t.Skip("too close to the noon tick")
	}
	latest := time.Date(now.Year(), now.Month(), now.Day(), 12, 0, 0, 0, time.UTC)
	if latest.After(now) {
		latest = latest.AddDate(0, 0, -1)
	}

	stored, err := svc.RegisterWorkflow(ctx, def)
	require.NoError(t, err)
	require.NotNil(t, stored.LastEvaluatedAt)
	require.True(t, latest.Equal(*stored.LastEvaluatedAt))

	// only the most recent noon is materialized, not every day since 2022
	runs, err := svc.ListRuns(ctx, core.RunFilter{Workflow: "example_dag"})
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.True(t, latest.Equal(runs[0].LogicalTime))

	snap := waitRun(t, svc, runs[0].ID)
	require.Equal(t, core.RunStateSucceeded, snap.Run.State)
	require.Len(t, snap.Instances, 2)
	first, second := snap.Instances[0], snap.Instances[1]
	require.Equal(t, "empty_1", first.TaskID)
	require.Equal(t, "empty_2", second.TaskID)
	require.Equal(t, core.TaskStateSucceeded, second.State)
	require.False(t, second.StartedAt.Before(*first.EndedAt))
}
