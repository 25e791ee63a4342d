package core

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// WorkflowStore persists workflow definitions and their schedule watermark.
type WorkflowStore interface {
	UpsertWorkflow(ctx context.Context, def *WorkflowDefinition) error
	DeleteWorkflow(ctx context.Context, name string) error
	ListWorkflows(ctx context.Context) ([]*WorkflowDefinition, error)
	UpdateWatermark(ctx context.Context, name string, at time.Time) error
}

type registration struct {
	def   *WorkflowDefinition
	graph *Graph
}

// Registry holds the registered workflows of the process. Definitions handed
// out by the registry are shared and must not be mutated.
type Registry struct {
	store  WorkflowStore
	logger *slog.Logger

	mu   sync.RWMutex
	defs map[string]registration
}

// NewRegistry creates an empty registry backed by store.
func NewRegistry(store WorkflowStore, logger *slog.Logger) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		defs:   make(map[string]registration),
	}
}

// Load replaces the in-memory view with the definitions found in the store.
// Definitions that no longer validate are logged and skipped.
func (r *Registry) Load(ctx context.Context) error {
	defs, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("list workflows: %w", err)
	}
	loaded := make(map[string]registration, len(defs))
	for _, def := range defs {
		g, err := check(def)
		if err != nil {
			r.logger.Error("skip invalid stored workflow", "workflow", def.Name, "err", err)
			continue
		}
		loaded[def.Name] = registration{def: def, graph: g}
	}
	r.mu.Lock()
	r.defs = loaded
	r.mu.Unlock()
	return nil
}

// Register validates def and stores it, replacing an earlier version of the
// same name while keeping its watermark. Validation failures are returned as
// *DefinitionError or *ScheduleError and nothing is stored.
func (r *Registry) Register(ctx context.Context, def *WorkflowDefinition) (*WorkflowDefinition, error) {
	cp := *def
	g, err := check(&cp)
	if err != nil {
		return nil, err
	}
	if cp.StartAt.IsZero() {
		cp.StartAt = time.Now().UTC().Truncate(time.Minute)
	}
	// Held across the store write so a concurrent SetWatermark is not lost.
	r.mu.Lock()
	if prev, exists := r.defs[cp.Name]; exists {
		cp.LastEvaluatedAt = prev.def.LastEvaluatedAt
		cp.CreatedAt = prev.def.CreatedAt
	}
	if err := r.store.UpsertWorkflow(ctx, &cp); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("store workflow: %w", err)
	}
	r.defs[cp.Name] = registration{def: &cp, graph: g}
	r.mu.Unlock()
	r.logger.Info("workflow registered", "workflow", cp.Name, "tasks", len(cp.Tasks), "schedule", cp.Schedule)
	return &cp, nil
}

// Unregister removes the workflow. Runs already materialized keep going.
func (r *Registry) Unregister(ctx context.Context, name string) error {
	r.mu.RLock()
	_, ok := r.defs[name]
	r.mu.RUnlock()
	if !ok {
		return ErrWorkflowNotFound
	}
	if err := r.store.DeleteWorkflow(ctx, name); err != nil {
		return fmt.Errorf("delete workflow: %w", err)
	}
	r.mu.Lock()
	delete(r.defs, name)
	r.mu.Unlock()
	return nil
}

// Get returns the definition and graph registered under name.
func (r *Registry) Get(name string) (*WorkflowDefinition, *Graph, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.defs[name]
	return reg.def, reg.graph, ok
}

// List returns all definitions ordered by name.
func (r *Registry) List() []*WorkflowDefinition {
	r.mu.RLock()
	out := make([]*WorkflowDefinition, 0, len(r.defs))
	for _, reg := range r.defs {
		out = append(out, reg.def)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetPaused pauses or resumes scheduling of a workflow.
func (r *Registry) SetPaused(ctx context.Context, name string, paused bool) (*WorkflowDefinition, error) {
	return r.update(ctx, name, func(def *WorkflowDefinition) error {
		def.Paused = paused
		return r.store.UpsertWorkflow(ctx, def)
	})
}

// SetWatermark records the newest logical timestamp materialized for name.
func (r *Registry) SetWatermark(ctx context.Context, name string, at time.Time) (*WorkflowDefinition, error) {
	return r.update(ctx, name, func(def *WorkflowDefinition) error {
		at := at.UTC()
		def.LastEvaluatedAt = &at
		return r.store.UpdateWatermark(ctx, name, at)
	})
}

// update applies fn to a copy so readers holding the old pointer never see a
// partial change.
func (r *Registry) update(ctx context.Context, name string, fn func(def *WorkflowDefinition) error) (*WorkflowDefinition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.defs[name]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	cp := *reg.def
	if err := fn(&cp); err != nil {
		return nil, err
	}
	r.defs[name] = registration{def: &cp, graph: reg.graph}
	return &cp, nil
}

func check(def *WorkflowDefinition) (*Graph, error) {
	g, err := NewGraph(def)
	if err != nil {
		return nil, err
	}
	if _, err := ParseSchedule(def.Schedule); err != nil {
		return nil, err
	}
	if def.EndAt != nil && !def.StartAt.IsZero() && def.EndAt.Before(def.StartAt) {
		return nil, definitionErrorf(ErrInvalidDefinition, "end date is before start date")
	}
	return g, nil
}
