package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	goerrors "github.com/go-errors/errors"
	"github.com/jellydator/ttlcache/v3"
)

const (
	defaultWorkers           = 8
	defaultLeaseTTL          = 30 * time.Second
	defaultReconcileInterval = 10 * time.Second
	defaultRetention         = time.Hour
	defaultFaultBackoffMax   = 30 * time.Second

	faultBackoffInitial = 50 * time.Millisecond
	leaseReleaseTimeout = 5 * time.Second
)

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Workflow string
	States   []RunState
	Limit    int
	Offset   int
}

// RunStore persists runs and task instances.
type RunStore interface {
	// CreateRun inserts run and its instances unless a run for the same
	// workflow and logical time exists, in which case that run is returned
	// with created=false.
	CreateRun(ctx context.Context, run *Run, instances []*TaskInstance) (*Run, bool, error)
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*Run, error)
	UpdateRun(ctx context.Context, run *Run) error

	ListTaskInstances(ctx context.Context, runID string) ([]*TaskInstance, error)
	UpdateTaskInstance(ctx context.Context, ti *TaskInstance) error
	// ClaimTaskInstance moves a ready instance to running for attempt
	// ti.Attempts. It reports false when the instance was claimed already.
	ClaimTaskInstance(ctx context.Context, ti *TaskInstance) (bool, error)
}

// Store is everything the daemon persists.
type Store interface {
	WorkflowStore
	RunStore
}

// RunSnapshot is a consistent copy of a run and its instances.
type RunSnapshot struct {
	Run       Run
	Instances []TaskInstance
}

// Health reports whether the control loop is making progress.
type Health struct {
	Degraded   bool      `json:"degraded"`
	Fault      string    `json:"fault,omitempty"`
	Since      time.Time `json:"since"`
	ActiveRuns int       `json:"active_runs"`
	Running    int       `json:"running"`
}

type schedulerOptions struct {
	workers           int
	leaseTTL          time.Duration
	reconcileInterval time.Duration
	retention         time.Duration
	faultBackoffMax   time.Duration
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

func WithLease(l Lease) SchedulerOption {
	return func(s *Scheduler) { s.lease = l }
}

func WithSecrets(r SecretResolver) SchedulerOption {
	return func(s *Scheduler) { s.secrets = r }
}

func WithEvents(sink EventSink) SchedulerOption {
	return func(s *Scheduler) { s.events = sink }
}

func WithClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

func WithRetryPolicy(p RetryPolicy) SchedulerOption {
	return func(s *Scheduler) { s.retry = p }
}

func WithWorkers(n int) SchedulerOption {
	return func(s *Scheduler) { s.opts.workers = n }
}

func WithLeaseTTL(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.opts.leaseTTL = d }
}

func WithReconcileInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.opts.reconcileInterval = d }
}

func WithRetention(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.opts.retention = d }
}

func WithFaultBackoff(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.opts.faultBackoffMax = d }
}

type instanceKey struct {
	runID  string
	taskID string
}

type completion struct {
	key     instanceKey
	attempt int
	outcome Outcome
}

type cancelRequest struct {
	runID string
	reply chan error
}

type snapshotRequest struct {
	runID string
	reply chan *RunSnapshot
}

// runState is the in-memory view of a run owned by this scheduler.
type runState struct {
	run      *Run
	def      *WorkflowDefinition
	graph    *Graph
	defs     map[string]*TaskDefinition
	tasks    map[string]*TaskInstance
	inflight map[string]context.CancelFunc
	timers   map[string]*clock.Timer
}

func newRunState(run *Run, def *WorkflowDefinition, graph *Graph, instances []*TaskInstance) *runState {
	rs := &runState{
		run:      run,
		def:      def,
		graph:    graph,
		defs:     make(map[string]*TaskDefinition),
		tasks:    make(map[string]*TaskInstance, len(instances)),
		inflight: make(map[string]context.CancelFunc),
		timers:   make(map[string]*clock.Timer),
	}
	if def != nil {
		for i := range def.Tasks {
			rs.defs[def.Tasks[i].ID] = &def.Tasks[i]
		}
	}
	for _, ti := range instances {
		rs.tasks[ti.TaskID] = ti
	}
	return rs
}

// consistent reports whether the stored instances match the definition.
func (rs *runState) consistent() bool {
	if rs.def == nil || len(rs.defs) != len(rs.tasks) {
		return false
	}
	for id := range rs.tasks {
		if _, ok := rs.defs[id]; !ok {
			return false
		}
	}
	return true
}

// order lists task ids in topological order when the graph is known.
func (rs *runState) order() []string {
	if rs.graph != nil && rs.consistent() {
		return rs.graph.TopologicalOrder()
	}
	ids := make([]string, 0, len(rs.tasks))
	for id := range rs.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (rs *runState) states() map[string]TaskState {
	out := make(map[string]TaskState, len(rs.tasks))
	for id, ti := range rs.tasks {
		out[id] = ti.State
	}
	return out
}

// satisfied decides whether an upstream state lets the downstream run.
func (rs *runState) satisfied(upstream, downstream string, st TaskState) bool {
	switch st {
	case TaskStateSucceeded:
		return true
	case TaskStateSkipped:
		return rs.defs[downstream].AllowSkippedUpstream
	case TaskStateFailed:
		return rs.defs[upstream].ContinueOnFailure
	default:
		return false
	}
}

// blocking reports whether ti makes its downstream and its run fail.
func (rs *runState) blocking(ti *TaskInstance) bool {
	switch ti.State {
	case TaskStateFailed:
		def, ok := rs.defs[ti.TaskID]
		return !ok || !def.ContinueOnFailure
	case TaskStateUpstreamFailed, TaskStateCancelled:
		return true
	default:
		return false
	}
}

func (rs *runState) snapshot() RunSnapshot {
	snap := RunSnapshot{Run: *rs.run}
	for _, id := range rs.order() {
		snap.Instances = append(snap.Instances, *rs.tasks[id])
	}
	return snap
}

// Scheduler is the dependency scheduler. A single control loop owns every
// run state transition; workers only execute attempts and report outcomes
// back over a channel.
type Scheduler struct {
	store    RunStore
	registry *Registry
	executor Executor
	retry    RetryPolicy
	secrets  SecretResolver
	events   EventSink
	lease    Lease
	logger   *slog.Logger
	clock    clock.Clock
	opts     schedulerOptions

	submitted   chan *Run
	completions chan completion
	retries     chan instanceKey
	cancels     chan cancelRequest
	snapshots   chan snapshotRequest
	done        chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	workers  sync.WaitGroup
	stopOnce sync.Once
	finished *ttlcache.Cache[string, RunSnapshot]

	healthMu sync.RWMutex
	health   Health

	// Owned by the control loop.
	runs    map[string]*runState
	ready   []instanceKey
	running int
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store RunStore, registry *Registry, executor Executor, logger *slog.Logger, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		store:    store,
		registry: registry,
		executor: executor,
		retry:    DefaultRetryPolicy{},
		lease:    LocalLease{},
		logger:   logger,
		clock:    clock.New(),
		opts: schedulerOptions{
			workers:           defaultWorkers,
			leaseTTL:          defaultLeaseTTL,
			reconcileInterval: defaultReconcileInterval,
			retention:         defaultRetention,
			faultBackoffMax:   defaultFaultBackoffMax,
		},
		submitted:   make(chan *Run),
		completions: make(chan completion),
		retries:     make(chan instanceKey),
		cancels:     make(chan cancelRequest),
		snapshots:   make(chan snapshotRequest),
		done:        make(chan struct{}),
		runs:        make(map[string]*runState),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.events == nil {
		s.events = LogSink{Logger: logger}
	}
	if s.opts.workers <= 0 {
		s.opts.workers = defaultWorkers
	}
	s.finished = ttlcache.New[string, RunSnapshot](
		ttlcache.WithTTL[string, RunSnapshot](s.opts.retention),
	)
	return s
}

// Start launches the control loop. Runs left unfinished by an earlier
// process are adopted on the first reconcile pass.
func (s *Scheduler) Start(ctx context.Context) {
	s.ctx, s.cancel = context.WithCancel(ctx)
	go s.finished.Start()
	go s.loop()
}

// Stop cancels in-flight attempts and waits for the loop and all workers to
// exit. Interrupted attempts are retried by whichever scheduler adopts the
// run next.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		if s.cancel == nil {
			return
		}
		s.cancel()
		<-s.done
		s.workers.Wait()
		s.finished.Stop()
	})
}

// Submit hands a freshly materialized run to the control loop.
func (s *Scheduler) Submit(ctx context.Context, run *Run) error {
	cp := *run
	select {
	case s.submitted <- &cp:
		return nil
	case <-s.done:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CancelRun cancels every unfinished instance of the run and ends it as
// cancelled. Cancelling a finished run is a no-op.
func (s *Scheduler) CancelRun(ctx context.Context, runID string) error {
	req := cancelRequest{runID: runID, reply: make(chan error, 1)}
	select {
	case s.cancels <- req:
	case <-s.done:
		return ErrSchedulerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns the live state of a run owned by this scheduler, or of a
// run it finished within the retention window. Other runs yield
// ErrRunNotFound and should be read from the store.
func (s *Scheduler) Snapshot(ctx context.Context, runID string) (RunSnapshot, error) {
	if item := s.finished.Get(runID); item != nil {
		return item.Value(), nil
	}
	req := snapshotRequest{runID: runID, reply: make(chan *RunSnapshot, 1)}
	select {
	case s.snapshots <- req:
	case <-s.done:
		return RunSnapshot{}, ErrSchedulerStopped
	case <-ctx.Done():
		return RunSnapshot{}, ctx.Err()
	}
	select {
	case snap := <-req.reply:
		if snap == nil {
			return RunSnapshot{}, ErrRunNotFound
		}
		return *snap, nil
	case <-ctx.Done():
		return RunSnapshot{}, ctx.Err()
	}
}

// Health returns the current health of the control loop.
func (s *Scheduler) Health() Health {
	s.healthMu.RLock()
	defer s.healthMu.RUnlock()
	return s.health
}

func (s *Scheduler) loop() {
	defer close(s.done)
	ticker := s.clock.Ticker(s.opts.reconcileInterval)
	defer ticker.Stop()

	s.reconcile()
	for {
		s.dispatch()
		s.publishStats()
		select {
		case <-s.ctx.Done():
			s.shutdown()
			return
		case run := <-s.submitted:
			s.adopt(run)
		case c := <-s.completions:
			s.onCompletion(c)
		case key := <-s.retries:
			s.onRetryDue(key)
		case req := <-s.cancels:
			req.reply <- s.cancelRun(req.runID)
		case req := <-s.snapshots:
			if rs, ok := s.runs[req.runID]; ok {
				snap := rs.snapshot()
				req.reply <- &snap
			} else {
				req.reply <- nil
			}
		case <-ticker.C:
			s.reconcile()
		}
	}
}

// reconcile renews the leases of owned runs and adopts unfinished runs that
// nobody owns, including runs interrupted by a crash.
func (s *Scheduler) reconcile() {
	for id, rs := range s.runs {
		held, err := s.lease.Extend(s.ctx, runLeaseKey(id), s.opts.leaseTTL)
		if err != nil {
			s.logger.Warn("extend run lease", "run_id", id, "err", err)
			continue
		}
		if !held {
			s.logger.Warn("lost run ownership", "run_id", id, "workflow", rs.run.Workflow)
			s.drop(rs)
		}
	}

	var runs []*Run
	err := s.persist("list active runs", func(ctx context.Context) error {
		var err error
		runs, err = s.store.ListRuns(ctx, RunFilter{States: []RunState{RunStateQueued, RunStateRunning}})
		return err
	})
	if err != nil {
		return
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].LogicalTime.Before(runs[j].LogicalTime) })
	for _, run := range runs {
		s.adopt(run)
	}
}

// adopt takes ownership of run and loads its instances.
func (s *Scheduler) adopt(run *Run) {
	if _, ok := s.runs[run.ID]; ok || run.State.Terminal() {
		return
	}
	var owned bool
	err := s.persist("acquire run lease", func(ctx context.Context) error {
		var err error
		owned, err = s.lease.Acquire(ctx, runLeaseKey(run.ID), s.opts.leaseTTL)
		return err
	})
	if err != nil || !owned {
		return
	}
	// The caller's copy may be stale: the run can have finished here or on
	// another replica since it was read.
	var current *Run
	err = s.persist("get run", func(ctx context.Context) error {
		var err error
		current, err = s.store.GetRun(ctx, run.ID)
		return err
	})
	if err != nil || current.State.Terminal() {
		if err := s.lease.Release(s.ctx, runLeaseKey(run.ID)); err != nil {
			s.logger.Warn("release run lease", "run_id", run.ID, "err", err)
		}
		return
	}
	run = current
	var instances []*TaskInstance
	err = s.persist("list task instances", func(ctx context.Context) error {
		var err error
		instances, err = s.store.ListTaskInstances(ctx, run.ID)
		return err
	})
	if err != nil {
		return
	}

	def, graph, _ := s.registry.Get(run.Workflow)
	rs := newRunState(run, def, graph, instances)
	s.runs[run.ID] = rs
	if !rs.consistent() {
		s.logger.Error("run does not match a registered workflow", "run_id", run.ID, "workflow", run.Workflow)
		s.cancelRemaining(rs, "workflow definition is missing or changed")
		s.finishRun(rs, RunStateFailed)
		return
	}

	s.recoverInstances(rs)
	switch rs.run.State {
	case RunStateRunning:
		s.resolvePending(rs)
		s.checkRunFinished(rs)
	case RunStateQueued:
		s.activateQueued(run.Workflow)
	}
}

// recoverInstances re-arms instances left mid-flight by a previous owner.
// An attempt found running was interrupted and counts as failed.
func (s *Scheduler) recoverInstances(rs *runState) {
	for _, id := range rs.order() {
		ti := rs.tasks[id]
		switch ti.State {
		case TaskStateRunning:
			s.logger.Warn("recovering interrupted attempt", "run_id", rs.run.ID, "task_id", id, "attempt", ti.Attempts)
			s.onFailure(rs, ti, Failed(errors.New("attempt interrupted by scheduler restart")))
		case TaskStateUpForRetry:
			var delay time.Duration
			if ti.NextAttemptAt != nil {
				delay = ti.NextAttemptAt.Sub(s.clock.Now())
			}
			s.armRetry(rs, ti, delay)
		case TaskStateReady:
			s.enqueue(rs, ti)
		}
	}
}

// activateQueued starts queued runs of the workflow in logical time order
// while the workflow is below its max active runs.
func (s *Scheduler) activateQueued(workflow string) {
	limit := 0
	if def, _, ok := s.registry.Get(workflow); ok {
		limit = def.MaxActiveRuns
	}
	active := 0
	var queued []*runState
	for _, rs := range s.runs {
		if rs.run.Workflow != workflow {
			continue
		}
		switch rs.run.State {
		case RunStateRunning:
			active++
		case RunStateQueued:
			queued = append(queued, rs)
		}
	}
	sort.Slice(queued, func(i, j int) bool {
		if queued[i].run.LogicalTime.Equal(queued[j].run.LogicalTime) {
			return queued[i].run.ID < queued[j].run.ID
		}
		return queued[i].run.LogicalTime.Before(queued[j].run.LogicalTime)
	})
	var started []*runState
	for _, rs := range queued {
		if limit > 0 && active >= limit {
			break
		}
		if s.activate(rs) {
			active++
			started = append(started, rs)
		}
	}
	// A queued run adopted after a crash can have nothing left to do.
	for _, rs := range started {
		s.checkRunFinished(rs)
	}
}

func (s *Scheduler) activate(rs *runState) bool {
	now := s.clock.Now().UTC()
	rs.run.State = RunStateRunning
	rs.run.StartedAt = &now
	if err := s.persist("update run", func(ctx context.Context) error { return s.store.UpdateRun(ctx, rs.run) }); err != nil {
		rs.run.State = RunStateQueued
		rs.run.StartedAt = nil
		return false
	}
	s.emitRun(rs, RunStateQueued, "")
	s.resolvePending(rs)
	return true
}

// resolvePending walks pending instances in topological order. An instance
// behind a blocking upstream becomes upstream_failed, one behind an
// unaccepted skip becomes skipped, and one whose upstreams are all satisfied
// becomes ready.
func (s *Scheduler) resolvePending(rs *runState) {
	if rs.run.State != RunStateRunning {
		return
	}
	for _, id := range rs.graph.TopologicalOrder() {
		ti := rs.tasks[id]
		if ti.State != TaskStatePending {
			continue
		}
		blocked, skipped := false, false
		for _, up := range rs.graph.Upstream(id) {
			upstream := rs.tasks[up]
			switch {
			case rs.blocking(upstream):
				blocked = true
			case upstream.State == TaskStateSkipped && !rs.defs[id].AllowSkippedUpstream:
				skipped = true
			}
		}
		switch {
		case blocked:
			s.setTaskState(rs, ti, TaskStateUpstreamFailed, "upstream task failed")
		case skipped:
			s.setTaskState(rs, ti, TaskStateSkipped, "")
		}
	}
	for _, id := range rs.graph.ReadyTasks(rs.states(), rs.satisfied) {
		s.markReady(rs, rs.tasks[id])
	}
}

func (s *Scheduler) markReady(rs *runState, ti *TaskInstance) {
	if s.setTaskState(rs, ti, TaskStateReady, "") {
		s.enqueue(rs, ti)
	}
}

func (s *Scheduler) enqueue(rs *runState, ti *TaskInstance) {
	s.ready = append(s.ready, instanceKey{runID: rs.run.ID, taskID: ti.TaskID})
}

// dispatch claims ready instances and hands them to workers until the pool
// is full.
func (s *Scheduler) dispatch() {
	for s.running < s.opts.workers && len(s.ready) > 0 {
		key := s.ready[0]
		s.ready = s.ready[1:]
		rs, ok := s.runs[key.runID]
		if !ok {
			continue
		}
		ti := rs.tasks[key.taskID]
		if ti == nil || ti.State != TaskStateReady {
			continue
		}

		now := s.clock.Now().UTC()
		claim := *ti
		claim.State = TaskStateRunning
		claim.Attempts++
		claim.StartedAt = &now
		claim.EndedAt = nil
		claim.NextAttemptAt = nil
		claim.UpdatedAt = now
		var claimed bool
		err := s.persist("claim task instance", func(ctx context.Context) error {
			var err error
			claimed, err = s.store.ClaimTaskInstance(ctx, &claim)
			return err
		})
		if err != nil {
			return
		}
		if !claimed {
			s.logger.Warn("task instance claimed elsewhere", "run_id", key.runID, "task_id", key.taskID)
			continue
		}
		*ti = claim
		s.emitTask(rs, ti, TaskStateReady)

		task := rs.defs[ti.TaskID]
		env := make(map[string]string, len(task.Env)+len(task.Secrets))
		for k, v := range task.Env {
			env[k] = v
		}
		desc := &TaskDescriptor{
			Workflow:    rs.run.Workflow,
			RunID:       rs.run.ID,
			TaskID:      ti.TaskID,
			LogicalTime: rs.run.LogicalTime,
			Attempt:     ti.Attempts,
			Kind:        task.Kind,
			Command:     task.Command,
			Env:         env,
			Timeout:     task.Timeout,
		}
		ctx, cancel := attemptContext(s.ctx, task.Timeout)
		rs.inflight[ti.TaskID] = cancel
		s.running++
		s.workers.Add(1)
		go s.execute(ctx, cancel, key, desc, task)
	}
}

// attemptContext derives the context of one attempt. The returned cancel
// releases everything derived from parent.
func attemptContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(parent, timeout)
	}
	return context.WithCancel(parent)
}

func (s *Scheduler) execute(ctx context.Context, cancel context.CancelFunc, key instanceKey, desc *TaskDescriptor, task *TaskDefinition) {
	defer s.workers.Done()
	defer cancel()
	outcome := s.runAttempt(ctx, desc, task)
	select {
	case s.completions <- completion{key: key, attempt: desc.Attempt, outcome: outcome}:
	case <-s.done:
	}
}

// runAttempt resolves secrets and runs the executor. A panic becomes a
// failed outcome.
func (s *Scheduler) runAttempt(ctx context.Context, desc *TaskDescriptor, task *TaskDefinition) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			err := goerrors.Wrap(r, 2)
			s.logger.Error("task attempt panicked", "run_id", desc.RunID, "task_id", desc.TaskID, "attempt", desc.Attempt, "err", err, "stack", string(err.Stack()))
			outcome = Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	if err := resolveSecrets(ctx, s.secrets, task, desc.Env); err != nil {
		return Failed(err)
	}
	outcome = s.executor.Execute(ctx, desc)
	if outcome.Status == OutcomeFailure && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		outcome.Status = OutcomeTimeout
	}
	return outcome
}

func (s *Scheduler) onCompletion(c completion) {
	s.running--
	rs, ok := s.runs[c.key.runID]
	if !ok {
		return
	}
	delete(rs.inflight, c.key.taskID)
	ti := rs.tasks[c.key.taskID]
	if ti == nil || ti.State != TaskStateRunning || ti.Attempts != c.attempt {
		s.logger.Debug("ignoring stale completion", "run_id", c.key.runID, "task_id", c.key.taskID, "attempt", c.attempt)
		return
	}
	switch c.outcome.Status {
	case OutcomeSuccess:
		s.setTaskState(rs, ti, TaskStateSucceeded, "")
	case OutcomeSkipped:
		s.setTaskState(rs, ti, TaskStateSkipped, "")
	default:
		s.onFailure(rs, ti, c.outcome)
	}
	s.resolvePending(rs)
	s.checkRunFinished(rs)
}

// onFailure asks the retry policy what to do with a failed attempt.
func (s *Scheduler) onFailure(rs *runState, ti *TaskInstance, outcome Outcome) {
	task := rs.defs[ti.TaskID]
	failure := &ExecutionFailure{
		TaskID:  ti.TaskID,
		Attempt: ti.Attempts,
		Timeout: outcome.Status == OutcomeTimeout,
		Err:     outcome.Err,
	}
	decision := s.retry.OnFailure(task, ti.Attempts)
	if decision.Retry {
		next := s.clock.Now().UTC().Add(decision.Delay)
		ti.NextAttemptAt = &next
		if s.setTaskState(rs, ti, TaskStateUpForRetry, failure.Error()) {
			s.armRetry(rs, ti, decision.Delay)
		}
		return
	}
	s.setTaskState(rs, ti, TaskStateFailed, failure.Error())
	if task.ContinueOnFailure || !rs.def.FailFast {
		return
	}
	s.resolvePending(rs)
	s.cancelRemaining(rs, fmt.Sprintf("cancelled because %s failed", ti.TaskID))
}

func (s *Scheduler) armRetry(rs *runState, ti *TaskInstance, delay time.Duration) {
	if delay <= 0 {
		s.markReady(rs, ti)
		return
	}
	key := instanceKey{runID: rs.run.ID, taskID: ti.TaskID}
	rs.timers[ti.TaskID] = s.clock.AfterFunc(delay, func() {
		select {
		case s.retries <- key:
		case <-s.done:
		}
	})
}

func (s *Scheduler) onRetryDue(key instanceKey) {
	rs, ok := s.runs[key.runID]
	if !ok {
		return
	}
	delete(rs.timers, key.taskID)
	ti := rs.tasks[key.taskID]
	if ti == nil || ti.State != TaskStateUpForRetry {
		return
	}
	s.markReady(rs, ti)
}

// cancelRemaining cancels every unfinished instance of the run. Running
// attempts get their context cancelled; their completions are ignored.
func (s *Scheduler) cancelRemaining(rs *runState, reason string) {
	for _, id := range rs.order() {
		ti := rs.tasks[id]
		if ti.State.Terminal() {
			continue
		}
		if cancel, ok := rs.inflight[id]; ok {
			cancel()
		}
		if t, ok := rs.timers[id]; ok {
			t.Stop()
			delete(rs.timers, id)
		}
		s.setTaskState(rs, ti, TaskStateCancelled, reason)
	}
}

func (s *Scheduler) cancelRun(runID string) error {
	rs, ok := s.runs[runID]
	if !ok {
		var run *Run
		err := s.persist("get run", func(ctx context.Context) error {
			var err error
			run, err = s.store.GetRun(ctx, runID)
			return err
		})
		if err != nil {
			return err
		}
		if run.State.Terminal() {
			return nil
		}
		s.adopt(run)
		if rs, ok = s.runs[runID]; !ok {
			if s.finished.Get(runID) != nil {
				return nil
			}
			return fmt.Errorf("run %s is owned by another scheduler", runID)
		}
	}
	s.cancelRemaining(rs, "run cancelled")
	s.finishRun(rs, RunStateCancelled)
	return nil
}

func (s *Scheduler) checkRunFinished(rs *runState) {
	if rs.run.State != RunStateRunning {
		return
	}
	state := RunStateSucceeded
	for _, ti := range rs.tasks {
		if !ti.State.Terminal() {
			return
		}
		if rs.blocking(ti) {
			state = RunStateFailed
		}
	}
	s.finishRun(rs, state)
}

func (s *Scheduler) finishRun(rs *runState, state RunState) {
	from := rs.run.State
	now := s.clock.Now().UTC()
	rs.run.State = state
	rs.run.EndedAt = &now
	if err := s.persist("update run", func(ctx context.Context) error { return s.store.UpdateRun(ctx, rs.run) }); err != nil {
		s.logger.Error("finish run", "run_id", rs.run.ID, "err", err)
		return
	}
	s.emitRun(rs, from, "")
	s.finished.Set(rs.run.ID, rs.snapshot(), ttlcache.DefaultTTL)
	s.drop(rs)
	if err := s.lease.Release(s.ctx, runLeaseKey(rs.run.ID)); err != nil {
		s.logger.Warn("release run lease", "run_id", rs.run.ID, "err", err)
	}
	s.activateQueued(rs.run.Workflow)
}

// drop forgets a run without touching its stored state.
func (s *Scheduler) drop(rs *runState) {
	for _, cancel := range rs.inflight {
		cancel()
	}
	for _, t := range rs.timers {
		t.Stop()
	}
	delete(s.runs, rs.run.ID)
}

func (s *Scheduler) shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	for _, rs := range s.runs {
		s.drop(rs)
		if err := s.lease.Release(ctx, runLeaseKey(rs.run.ID)); err != nil {
			s.logger.Warn("release run lease", "run_id", rs.run.ID, "err", err)
		}
	}
	s.ready = nil
}

// setTaskState persists a transition and emits it.
func (s *Scheduler) setTaskState(rs *runState, ti *TaskInstance, to TaskState, errMsg string) bool {
	from := ti.State
	now := s.clock.Now().UTC()
	ti.State = to
	ti.UpdatedAt = now
	if errMsg != "" {
		ti.LastError = ptrString(errMsg)
	}
	if to != TaskStateUpForRetry {
		ti.NextAttemptAt = nil
	}
	if to.Terminal() {
		ti.EndedAt = ptrTime(now)
	}
	if err := s.persist("update task instance", func(ctx context.Context) error { return s.store.UpdateTaskInstance(ctx, ti) }); err != nil {
		s.logger.Error("update task instance", "run_id", ti.RunID, "task_id", ti.TaskID, "err", err)
		return false
	}
	s.emitTask(rs, ti, from)
	return true
}

// persist runs a store operation, retrying with backoff while it fails.
// Nothing else happens in the loop meanwhile, so dispatch is paused and the
// scheduler reports itself degraded until the store recovers.
func (s *Scheduler) persist(op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = faultBackoffInitial
	b.MaxInterval = s.opts.faultBackoffMax
	b.MaxElapsedTime = 0
	attempt := func() error {
		err := fn(s.ctx)
		if errors.Is(err, ErrRunNotFound) || errors.Is(err, ErrWorkflowNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		s.setFault(&SchedulerFault{Op: op, Err: err})
		s.logger.Error("store operation failed, dispatch paused", "op", op, "err", err, "retry_in", wait)
	}
	err := backoff.RetryNotify(attempt, backoff.WithContext(b, s.ctx), notify)
	if err == nil {
		s.clearFault()
	}
	return err
}

func (s *Scheduler) setFault(err error) {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if !s.health.Degraded {
		s.health.Since = s.clock.Now().UTC()
	}
	s.health.Degraded = true
	s.health.Fault = err.Error()
}

func (s *Scheduler) clearFault() {
	s.healthMu.Lock()
	defer s.healthMu.Unlock()
	if s.health.Degraded {
		s.logger.Info("store recovered, dispatch resumed", "degraded_since", s.health.Since)
	}
	s.health.Degraded = false
	s.health.Fault = ""
	s.health.Since = time.Time{}
}

func (s *Scheduler) publishStats() {
	s.healthMu.Lock()
	s.health.ActiveRuns = len(s.runs)
	s.health.Running = s.running
	s.healthMu.Unlock()
}

func (s *Scheduler) emitRun(rs *runState, from RunState, errMsg string) {
	s.events.Emit(s.ctx, Event{
		Kind:     EventRun,
		Workflow: rs.run.Workflow,
		RunID:    rs.run.ID,
		From:     string(from),
		To:       string(rs.run.State),
		Error:    errMsg,
		At:       s.clock.Now().UTC(),
	})
}

func (s *Scheduler) emitTask(rs *runState, ti *TaskInstance, from TaskState) {
	ev := Event{
		Kind:     EventTask,
		Workflow: rs.run.Workflow,
		RunID:    rs.run.ID,
		TaskID:   ti.TaskID,
		From:     string(from),
		To:       string(ti.State),
		Attempt:  ti.Attempts,
		At:       s.clock.Now().UTC(),
	}
	if ti.LastError != nil && (ti.State == TaskStateFailed || ti.State == TaskStateUpForRetry) {
		ev.Error = *ti.LastError
	}
	s.events.Emit(s.ctx, ev)
}
