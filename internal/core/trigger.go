package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/robfig/cron/v3"
)

// RunSubmitter hands materialized runs to the dependency scheduler.
type RunSubmitter interface {
	Submit(ctx context.Context, run *Run) error
}

// Trigger wakes up on workflow schedules, materializes every due logical
// timestamp and submits the resulting runs.
type Trigger struct {
	registry     *Registry
	materializer *Materializer
	submitter    RunSubmitter
	logger       *slog.Logger
	location     *time.Location
	clock        clock.Clock

	cron    *cron.Cron
	entryMu sync.RWMutex
	entries map[string]cron.EntryID

	// evalMu serializes evaluations so the watermark only moves forward.
	evalMu sync.Mutex

	ctx context.Context
}

// NewTrigger constructs a trigger with the given dependencies.
func NewTrigger(registry *Registry, materializer *Materializer, submitter RunSubmitter, logger *slog.Logger, location *time.Location, clk clock.Clock) *Trigger {
	if location == nil {
		location = time.Local
	}
	if clk == nil {
		clk = clock.New()
	}
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(location),
	)
	return &Trigger{
		registry:     registry,
		materializer: materializer,
		submitter:    submitter,
		logger:       logger,
		location:     location,
		clock:        clk,
		cron:         c,
		entries:      make(map[string]cron.EntryID),
	}
}

// Start begins firing schedule entries. ctx is used for evaluations run from
// cron callbacks.
func (t *Trigger) Start(ctx context.Context) {
	t.ctx = ctx
	t.cron.Start()
}

// Stop stops the cron loop. The returned context is done once running
// evaluations have returned.
func (t *Trigger) Stop() context.Context {
	return t.cron.Stop()
}

// Sync schedules every registered workflow and evaluates it once, which
// materializes anything missed while the process was down.
func (t *Trigger) Sync(ctx context.Context) error {
	for _, def := range t.registry.List() {
		if err := t.AddOrUpdate(ctx, def); err != nil {
			t.logger.Error("schedule workflow", "workflow", def.Name, "err", err)
		}
	}
	return nil
}

// AddOrUpdate replaces the schedule entry of a created or modified workflow.
func (t *Trigger) AddOrUpdate(ctx context.Context, def *WorkflowDefinition) error {
	t.unschedule(def.Name)
	if def.Paused {
		return nil
	}
	schedule, err := ParseSchedule(def.Schedule)
	if err != nil {
		return err
	}
	if !IsOnce(def.Schedule) {
		name := def.Name
		job := func() {
			if _, err := t.Evaluate(t.ctxOrBackground(), name); err != nil {
				t.logger.Error("evaluate schedule", "workflow", name, "err", err)
			}
		}
		t.setEntryID(name, t.cron.Schedule(schedule, cron.FuncJob(job)))
	}
	_, err = t.Evaluate(ctx, def.Name)
	return err
}

// Remove stops scheduling the given workflow.
func (t *Trigger) Remove(name string) {
	t.unschedule(name)
}

// Evaluate materializes and submits every logical timestamp of the workflow
// that fell due since its watermark, then advances the watermark to the
// newest one. It returns the runs created by this call.
func (t *Trigger) Evaluate(ctx context.Context, name string) ([]*Run, error) {
	t.evalMu.Lock()
	defer t.evalMu.Unlock()

	def, _, ok := t.registry.Get(name)
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if def.Paused {
		return nil, nil
	}
	var last time.Time
	if def.LastEvaluatedAt != nil {
		last = *def.LastEvaluatedAt
	}
	due, err := NextLogicalTimestamps(def, last, t.clock.Now().In(t.location))
	if err != nil {
		return nil, err
	}

	var created []*Run
	var newest time.Time
	for logical := range due {
		run, isNew, err := t.materializer.Materialize(ctx, def, logical)
		if err != nil {
			return created, fmt.Errorf("materialize %s at %s: %w", name, logical.Format(time.RFC3339), err)
		}
		if isNew {
			created = append(created, run)
		}
		// Resubmitting an existing live run is harmless and covers a crash
		// between creation and submission.
		if !run.State.Terminal() {
			if err := t.submitter.Submit(ctx, run); err != nil {
				return created, fmt.Errorf("submit run %s: %w", run.ID, err)
			}
		}
		newest = logical
	}
	if !newest.IsZero() {
		if _, err := t.registry.SetWatermark(ctx, name, newest); err != nil {
			return created, fmt.Errorf("advance watermark: %w", err)
		}
		t.logger.Debug("schedule evaluated", "workflow", name, "created", len(created), "watermark", newest)
	}
	return created, nil
}

// TriggerNow materializes an external run. A zero logical time means now.
// The watermark is left untouched.
func (t *Trigger) TriggerNow(ctx context.Context, name string, logical time.Time) (*Run, error) {
	def, _, ok := t.registry.Get(name)
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	if logical.IsZero() {
		logical = t.clock.Now()
	}
	run, _, err := t.materializer.MaterializeExternal(ctx, def, logical)
	if err != nil {
		return nil, err
	}
	if !run.State.Terminal() {
		if err := t.submitter.Submit(ctx, run); err != nil {
			return nil, fmt.Errorf("submit run %s: %w", run.ID, err)
		}
	}
	return run, nil
}

// NextFireTime reports when the schedule entry of name fires next.
func (t *Trigger) NextFireTime(name string) (time.Time, bool) {
	entryID, ok := t.getEntryID(name)
	if !ok {
		return time.Time{}, false
	}
	next := t.cron.Entry(entryID).Next
	return next, !next.IsZero()
}

func (t *Trigger) setEntryID(name string, entryID cron.EntryID) {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	t.entries[name] = entryID
}

func (t *Trigger) getEntryID(name string) (cron.EntryID, bool) {
	t.entryMu.RLock()
	defer t.entryMu.RUnlock()
	id, ok := t.entries[name]
	return id, ok
}

func (t *Trigger) unschedule(name string) {
	t.entryMu.Lock()
	defer t.entryMu.Unlock()
	if entryID, ok := t.entries[name]; ok {
		t.cron.Remove(entryID)
		delete(t.entries, name)
	}
}

func (t *Trigger) ctxOrBackground() context.Context {
	if t.ctx != nil {
		return t.ctx
	}
	return context.Background()
}
