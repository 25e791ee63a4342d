package core

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder is an executor that remembers every attempt it was given.
type recorder struct {
	mu    sync.Mutex
	calls []string
	descs []TaskDescriptor
	fn    func(ctx context.Context, desc *TaskDescriptor) Outcome
}

func (r *recorder) Execute(ctx context.Context, desc *TaskDescriptor) Outcome {
	r.mu.Lock()
	r.calls = append(r.calls, fmt.Sprintf("%s#%d", desc.TaskID, desc.Attempt))
	r.descs = append(r.descs, *desc)
	r.mu.Unlock()
	if r.fn == nil {
		return Succeeded()
	}
	return r.fn(ctx, desc)
}

func (r *recorder) attempts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.calls)
}

type schedFixture struct {
	store        *memStore
	registry     *Registry
	materializer *Materializer
	exec         *recorder
	scheduler    *Scheduler
}

func newSchedFixture(t *testing.T, exec *recorder, opts ...SchedulerOption) *schedFixture {
	t.Helper()
	st := newMemStore()
	reg := NewRegistry(st, discardLogger())
	opts = append([]SchedulerOption{WithWorkers(4), WithFaultBackoff(100 * time.Millisecond)}, opts...)
	return &schedFixture{
		store:        st,
		registry:     reg,
		materializer: NewMaterializer(st, nil),
		exec:         exec,
		scheduler:    NewScheduler(st, reg, exec, discardLogger(), opts...),
	}
}

func (f *schedFixture) start(t *testing.T) {
	t.Helper()
	f.scheduler.Start(context.Background())
	t.Cleanup(f.scheduler.Stop)
}

func (f *schedFixture) register(t *testing.T, def *WorkflowDefinition) {
	t.Helper()
	if def.Schedule == "" {
		def.Schedule = ScheduleOnce
	}
	_, err := f.registry.Register(context.Background(), def)
	require.NoError(t, err)
}

func (f *schedFixture) materialize(t *testing.T, name string, logical time.Time) *Run {
	t.Helper()
	def, _, ok := f.registry.Get(name)
	require.True(t, ok)
	run, _, err := f.materializer.Materialize(context.Background(), def, logical)
	require.NoError(t, err)
	return run
}

// launch registers def, materializes its run at day(1) and submits it.
func (f *schedFixture) launch(t *testing.T, def *WorkflowDefinition) *Run {
	t.Helper()
	f.register(t, def)
	run := f.materialize(t, def.Name, day(1))
	require.NoError(t, f.scheduler.Submit(context.Background(), run))
	return run
}

func (f *schedFixture) wait(t *testing.T, runID string) RunSnapshot {
	t.Helper()
	var snap RunSnapshot
	require.Eventually(t, func() bool {
		var err error
		snap, err = f.scheduler.Snapshot(context.Background(), runID)
		return err == nil && snap.Run.State.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return snap
}

func instanceOf(snap RunSnapshot, taskID string) TaskInstance {
	for _, ti := range snap.Instances {
		if ti.TaskID == taskID {
			return ti
		}
	}
	return TaskInstance{}
}

func failing(ids ...string) func(context.Context, *TaskDescriptor) Outcome {
	return func(_ context.Context, desc *TaskDescriptor) Outcome {
		if slices.Contains(ids, desc.TaskID) {
			return Failed(errors.New("boom"))
		}
		return Succeeded()
	}
}

func TestScheduler_Chain(t *testing.T) {
	f := newSchedFixture(t, &recorder{})
	f.start(t)
	run := f.launch(t, &WorkflowDefinition{Name: "chain", Tasks: tasks("a", "b"), Edges: edges("a", "b")})

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	require.NotNil(t, snap.Run.StartedAt)
	require.NotNil(t, snap.Run.EndedAt)
	require.Equal(t, []string{"a#1", "b#1"}, f.exec.attempts())
	for _, ti := range snap.Instances {
		require.Equal(t, TaskStateSucceeded, ti.State)
		require.Equal(t, 1, ti.Attempts)
	}

	stored, err := f.store.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	require.Equal(t, RunStateSucceeded, stored.State)
	require.Equal(t, TaskStateSucceeded, f.store.instance(run.ID, "b").State)
}

func TestScheduler_RetriesThenUpstreamFailed(t *testing.T) {
	f := newSchedFixture(t, &recorder{fn: failing("a")})
	f.start(t)
	def := &WorkflowDefinition{Name: "retry", Tasks: tasks("a", "b"), Edges: edges("a", "b")}
	def.Tasks[0].Retries = 2
	run := f.launch(t, def)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	require.Equal(t, []string{"a#1", "a#2", "a#3"}, f.exec.attempts())

	a := instanceOf(snap, "a")
	require.Equal(t, TaskStateFailed, a.State)
	require.Equal(t, 3, a.Attempts)
	require.NotNil(t, a.LastError)
	require.Equal(t, "task a attempt 3 failed: boom", *a.LastError)

	b := instanceOf(snap, "b")
	require.Equal(t, TaskStateUpstreamFailed, b.State)
	require.Zero(t, b.Attempts)
}

func TestScheduler_RetryDelay(t *testing.T) {
	var calls atomic.Int32
	f := newSchedFixture(t, &recorder{fn: func(context.Context, *TaskDescriptor) Outcome {
		if calls.Add(1) == 1 {
			return Failed(errors.New("flaky"))
		}
		return Succeeded()
	}})
	f.start(t)
	def := &WorkflowDefinition{Name: "delay", Tasks: tasks("a")}
	def.Tasks[0].Retries = 1
	def.Tasks[0].RetryDelay = 30 * time.Millisecond
	run := f.launch(t, def)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	a := instanceOf(snap, "a")
	require.Equal(t, 2, a.Attempts)
	require.GreaterOrEqual(t, a.StartedAt.Sub(*snap.Run.StartedAt), 30*time.Millisecond)
}

func TestScheduler_IndependentBranchContinues(t *testing.T) {
	f := newSchedFixture(t, &recorder{fn: failing("a")})
	f.start(t)
	run := f.launch(t, &WorkflowDefinition{Name: "branches", Tasks: tasks("a", "b", "c"), Edges: edges("a", "b")})

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	require.Equal(t, TaskStateFailed, instanceOf(snap, "a").State)
	require.Equal(t, TaskStateUpstreamFailed, instanceOf(snap, "b").State)
	require.Equal(t, TaskStateSucceeded, instanceOf(snap, "c").State)
}

func TestScheduler_FailFast(t *testing.T) {
	slowStarted := make(chan struct{})
	f := newSchedFixture(t, &recorder{fn: func(ctx context.Context, desc *TaskDescriptor) Outcome {
		switch desc.TaskID {
		case "a":
			<-slowStarted
			return Failed(errors.New("boom"))
		case "slow":
			close(slowStarted)
			<-ctx.Done()
			return Failed(ctx.Err())
		}
		return Succeeded()
	}})
	f.start(t)
	run := f.launch(t, &WorkflowDefinition{
		Name:     "failfast",
		FailFast: true,
		Tasks:    tasks("a", "b", "slow", "after"),
		Edges:    edges("a", "b", "slow", "after"),
	})

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	require.Equal(t, TaskStateFailed, instanceOf(snap, "a").State)
	require.Equal(t, TaskStateUpstreamFailed, instanceOf(snap, "b").State)
	require.Equal(t, TaskStateCancelled, instanceOf(snap, "slow").State)
	require.Equal(t, TaskStateCancelled, instanceOf(snap, "after").State)
	require.Contains(t, *instanceOf(snap, "slow").LastError, "cancelled because a failed")
}

func TestScheduler_DiamondOrder(t *testing.T) {
	f := newSchedFixture(t, &recorder{})
	f.start(t)
	run := f.launch(t, diamond())

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)

	calls := f.exec.attempts()
	require.Len(t, calls, 4)
	pos := func(call string) int { return slices.Index(calls, call) }
	require.Equal(t, 0, pos("a#1"))
	require.Equal(t, 3, pos("d#1"))
	require.ElementsMatch(t, []string{"b#1", "c#1"}, calls[1:3])
}

func TestScheduler_MaxActiveRuns(t *testing.T) {
	var active, peak atomic.Int32
	f := newSchedFixture(t, &recorder{fn: func(context.Context, *TaskDescriptor) Outcome {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return Succeeded()
	}})
	f.register(t, &WorkflowDefinition{Name: "serial", Schedule: "@daily", StartAt: day(1), MaxActiveRuns: 1, Tasks: tasks("a")})
	first := f.materialize(t, "serial", day(1))
	second := f.materialize(t, "serial", day(2))
	f.start(t)

	snap1 := f.wait(t, first.ID)
	snap2 := f.wait(t, second.ID)
	require.Equal(t, RunStateSucceeded, snap1.Run.State)
	require.Equal(t, RunStateSucceeded, snap2.Run.State)
	require.EqualValues(t, 1, peak.Load())
	require.False(t, snap2.Run.StartedAt.Before(*snap1.Run.EndedAt))
}

func TestScheduler_CancelRun(t *testing.T) {
	started := make(chan struct{})
	f := newSchedFixture(t, &recorder{fn: func(ctx context.Context, desc *TaskDescriptor) Outcome {
		close(started)
		<-ctx.Done()
		return Failed(ctx.Err())
	}})
	f.start(t)
	run := f.launch(t, &WorkflowDefinition{Name: "cancel", Tasks: tasks("a", "b"), Edges: edges("a", "b")})

	<-started
	require.NoError(t, f.scheduler.CancelRun(context.Background(), run.ID))
	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateCancelled, snap.Run.State)
	require.Equal(t, TaskStateCancelled, instanceOf(snap, "a").State)
	require.Equal(t, TaskStateCancelled, instanceOf(snap, "b").State)

	// finished runs stay finished
	require.NoError(t, f.scheduler.CancelRun(context.Background(), run.ID))
	require.ErrorIs(t, f.scheduler.CancelRun(context.Background(), "missing"), ErrRunNotFound)
}

func TestScheduler_Timeout(t *testing.T) {
	f := newSchedFixture(t, &recorder{fn: func(ctx context.Context, _ *TaskDescriptor) Outcome {
		<-ctx.Done()
		return Failed(ctx.Err())
	}})
	f.start(t)
	def := &WorkflowDefinition{Name: "timeout", Tasks: tasks("a")}
	def.Tasks[0].Timeout = 30 * time.Millisecond
	run := f.launch(t, def)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	require.Equal(t, "task a attempt 1 timed out", *instanceOf(snap, "a").LastError)
}

func TestScheduler_PanicFailsAttempt(t *testing.T) {
	f := newSchedFixture(t, &recorder{fn: func(context.Context, *TaskDescriptor) Outcome {
		panic("kaboom")
	}})
	f.start(t)
	run := f.launch(t, &WorkflowDefinition{Name: "panic", Tasks: tasks("a")})

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	a := instanceOf(snap, "a")
	require.Equal(t, TaskStateFailed, a.State)
	require.Contains(t, *a.LastError, "panic: kaboom")
}

func TestScheduler_Skips(t *testing.T) {
	f := newSchedFixture(t, &recorder{fn: func(_ context.Context, desc *TaskDescriptor) Outcome {
		if desc.TaskID == "a" {
			return Skipped()
		}
		return Succeeded()
	}})
	f.start(t)
	def := &WorkflowDefinition{Name: "skips", Tasks: tasks("a", "tolerant", "strict"), Edges: edges("a", "tolerant", "a", "strict")}
	def.Tasks[1].AllowSkippedUpstream = true
	run := f.launch(t, def)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	require.Equal(t, TaskStateSkipped, instanceOf(snap, "a").State)
	require.Equal(t, TaskStateSucceeded, instanceOf(snap, "tolerant").State)
	require.Equal(t, TaskStateSkipped, instanceOf(snap, "strict").State)
	require.NotContains(t, f.exec.attempts(), "strict#1")
}

func TestScheduler_ContinueOnFailure(t *testing.T) {
	f := newSchedFixture(t, &recorder{fn: failing("a")})
	f.start(t)
	def := &WorkflowDefinition{Name: "tolerant", FailFast: true, Tasks: tasks("a", "b"), Edges: edges("a", "b")}
	def.Tasks[0].ContinueOnFailure = true
	run := f.launch(t, def)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	require.Equal(t, TaskStateFailed, instanceOf(snap, "a").State)
	require.Equal(t, TaskStateSucceeded, instanceOf(snap, "b").State)
}

func TestScheduler_StoreFault(t *testing.T) {
	f := newSchedFixture(t, &recorder{})
	f.start(t)
	f.register(t, &WorkflowDefinition{Name: "fault", Tasks: tasks("a")})
	run := f.materialize(t, "fault", day(1))

	f.store.failNextWrites(5)
	require.NoError(t, f.scheduler.Submit(context.Background(), run))

	require.Eventually(t, func() bool {
		h := f.scheduler.Health()
		return h.Degraded && h.Fault != "" && !h.Since.IsZero()
	}, 5*time.Second, time.Millisecond)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	h := f.scheduler.Health()
	require.False(t, h.Degraded)
	require.Empty(t, h.Fault)
}

func TestScheduler_RecoversInterruptedAttempt(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, &recorder{})
	def := &WorkflowDefinition{Name: "recover", Tasks: tasks("a", "b"), Edges: edges("a", "b")}
	def.Tasks[0].Retries = 1
	f.register(t, def)
	run := f.materialize(t, "recover", day(1))

	// a previous process died while a's first attempt was running
	run.State = RunStateRunning
	require.NoError(t, f.store.UpdateRun(ctx, run))
	a := f.store.instance(run.ID, "a")
	a.State = TaskStateRunning
	a.Attempts = 1
	require.NoError(t, f.store.UpdateTaskInstance(ctx, &a))

	f.start(t)
	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	require.Equal(t, []string{"a#2", "b#1"}, f.exec.attempts())
	require.Equal(t, 2, instanceOf(snap, "a").Attempts)
}

func TestScheduler_ResubmitFinishedRunIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, &recorder{})
	f.start(t)
	stale := f.launch(t, &WorkflowDefinition{Name: "again", Tasks: tasks("a")})
	require.Equal(t, RunStateQueued, stale.State)
	require.Equal(t, RunStateSucceeded, f.wait(t, stale.ID).Run.State)

	require.NoError(t, f.scheduler.Submit(ctx, stale))
	// CancelRun goes through the control loop, so the resubmission has been
	// handled once it returns.
	require.NoError(t, f.scheduler.CancelRun(ctx, stale.ID))

	stored, err := f.store.GetRun(ctx, stale.ID)
	require.NoError(t, err)
	require.Equal(t, RunStateSucceeded, stored.State)
	require.Equal(t, TaskStateSucceeded, f.store.instance(stale.ID, "a").State)
	require.Equal(t, []string{"a#1"}, f.exec.attempts())
	require.Eventually(t, func() bool {
		return f.scheduler.Health().ActiveRuns == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestScheduler_QueuedRunWithNothingLeftFinishes(t *testing.T) {
	ctx := context.Background()
	f := newSchedFixture(t, &recorder{})
	f.register(t, &WorkflowDefinition{Name: "done", Tasks: tasks("a", "b"), Edges: edges("a", "b")})
	run := f.materialize(t, "done", day(1))

	// a previous owner finished every task but died before the run itself
	for _, id := range []string{"a", "b"} {
		ti := f.store.instance(run.ID, id)
		ti.State = TaskStateSucceeded
		ti.Attempts = 1
		require.NoError(t, f.store.UpdateTaskInstance(ctx, &ti))
	}

	f.start(t)
	require.NoError(t, f.scheduler.Submit(ctx, run))
	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateSucceeded, snap.Run.State)
	require.Empty(t, f.exec.attempts())
	require.Eventually(t, func() bool {
		return f.scheduler.Health().ActiveRuns == 0
	}, 5*time.Second, 5*time.Millisecond)
}

// afterFuncParent is a parent context that counts the cancellation hooks
// children register on it.
type afterFuncParent struct {
	done chan struct{}

	mu     sync.Mutex
	active int
}

func (p *afterFuncParent) Deadline() (time.Time, bool) { return time.Time{}, false }
func (p *afterFuncParent) Done() <-chan struct{}       { return p.done }
func (p *afterFuncParent) Err() error                  { return nil }
func (p *afterFuncParent) Value(any) any               { return nil }

func (p *afterFuncParent) AfterFunc(func()) func() bool {
	p.mu.Lock()
	p.active++
	p.mu.Unlock()
	var once sync.Once
	return func() bool {
		stopped := false
		once.Do(func() {
			p.mu.Lock()
			p.active--
			p.mu.Unlock()
			stopped = true
		})
		return stopped
	}
}

func (p *afterFuncParent) registered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

func TestAttemptContext_CancelReleasesParent(t *testing.T) {
	for _, timeout := range []time.Duration{0, time.Hour} {
		parent := &afterFuncParent{done: make(chan struct{})}
		ctx, cancel := attemptContext(parent, timeout)
		require.Equal(t, 1, parent.registered(), "timeout %v", timeout)
		_, hasDeadline := ctx.Deadline()
		require.Equal(t, timeout > 0, hasDeadline)

		cancel()
		require.Error(t, ctx.Err())
		require.Zero(t, parent.registered(), "timeout %v", timeout)
	}
}

func TestScheduler_ChangedDefinitionFailsRun(t *testing.T) {
	f := newSchedFixture(t, &recorder{})
	f.register(t, &WorkflowDefinition{Name: "changed", Tasks: tasks("a", "b")})
	run := f.materialize(t, "changed", day(1))
	f.register(t, &WorkflowDefinition{Name: "changed", Tasks: tasks("a")})
	f.start(t)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	for _, ti := range snap.Instances {
		require.Equal(t, TaskStateCancelled, ti.State)
	}
	require.Empty(t, f.exec.attempts())
}

type staticSecrets map[string]string

func (s staticSecrets) Resolve(_ context.Context, ref string) (string, error) {
	v, ok := s[ref]
	if !ok {
		return "", fmt.Errorf("secret %q not found", ref)
	}
	return v, nil
}

func TestScheduler_Secrets(t *testing.T) {
	f := newSchedFixture(t, &recorder{}, WithSecrets(staticSecrets{"api-token": "s3cr3t"}))
	f.start(t)
	def := &WorkflowDefinition{Name: "secrets", Tasks: tasks("a", "b")}
	def.Tasks[0].Env = map[string]string{"MODE": "full"}
	def.Tasks[0].Secrets = map[string]string{"TOKEN": "api-token"}
	def.Tasks[1].Secrets = map[string]string{"OTHER": "unknown"}
	run := f.launch(t, def)

	snap := f.wait(t, run.ID)
	require.Equal(t, RunStateFailed, snap.Run.State)
	require.Equal(t, TaskStateSucceeded, instanceOf(snap, "a").State)
	require.Contains(t, *instanceOf(snap, "b").LastError, `secret "unknown" not found`)

	f.exec.mu.Lock()
	defer f.exec.mu.Unlock()
	require.Len(t, f.exec.descs, 1)
	require.Equal(t, map[string]string{"MODE": "full", "TOKEN": "s3cr3t"}, f.exec.descs[0].Env)
	// the definition is never mutated
	registered, _, _ := f.registry.Get("secrets")
	require.Equal(t, map[string]string{"MODE": "full"}, registered.Tasks[0].Env)
}

func TestScheduler_Events(t *testing.T) {
	var mu sync.Mutex
	var transitions []string
	sink := SinkFunc(func(_ context.Context, ev Event) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, fmt.Sprintf("%s %s:%s->%s", ev.Kind, ev.TaskID, ev.From, ev.To))
	})
	f := newSchedFixture(t, &recorder{}, WithEvents(sink))
	f.start(t)
	run := f.launch(t, &WorkflowDefinition{Name: "events", Tasks: tasks("a")})
	f.wait(t, run.ID)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{
		"run :queued->running",
		"task a:pending->ready",
		"task a:ready->running",
		"task a:running->succeeded",
		"run :running->succeeded",
	}, transitions)
}

func TestScheduler_SnapshotAndStop(t *testing.T) {
	f := newSchedFixture(t, &recorder{})
	f.start(t)

	_, err := f.scheduler.Snapshot(context.Background(), "missing")
	require.ErrorIs(t, err, ErrRunNotFound)

	f.scheduler.Stop()
	f.scheduler.Stop()
	err = f.scheduler.Submit(context.Background(), &Run{ID: "x"})
	require.ErrorIs(t, err, ErrSchedulerStopped)
	_, err = f.scheduler.Snapshot(context.Background(), "missing")
	require.ErrorIs(t, err, ErrSchedulerStopped)
}
