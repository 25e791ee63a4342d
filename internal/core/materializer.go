package core

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
)

// Materializer turns due logical timestamps into runs.
type Materializer struct {
	store RunStore
	clock clock.Clock
}

// NewMaterializer creates a materializer writing to store.
func NewMaterializer(store RunStore, clk clock.Clock) *Materializer {
	if clk == nil {
		clk = clock.New()
	}
	return &Materializer{store: store, clock: clk}
}

// Materialize creates the run of def for logical, with one pending instance
// per task. Calling it again for the same pair returns the existing run and
// created=false.
func (m *Materializer) Materialize(ctx context.Context, def *WorkflowDefinition, logical time.Time) (*Run, bool, error) {
	return m.materialize(ctx, def, logical, false)
}

// MaterializeExternal is Materialize for manually triggered runs.
func (m *Materializer) MaterializeExternal(ctx context.Context, def *WorkflowDefinition, logical time.Time) (*Run, bool, error) {
	return m.materialize(ctx, def, logical, true)
}

func (m *Materializer) materialize(ctx context.Context, def *WorkflowDefinition, logical time.Time, external bool) (*Run, bool, error) {
	if err := Validate(def); err != nil {
		return nil, false, err
	}
	logical = logical.UTC()
	now := m.clock.Now().UTC()
	run := &Run{
		ID:          RunID(def.Name, logical),
		Workflow:    def.Name,
		LogicalTime: logical,
		State:       RunStateQueued,
		External:    external,
		CreatedAt:   now,
	}
	instances := make([]*TaskInstance, 0, len(def.Tasks))
	for _, t := range def.Tasks {
		instances = append(instances, &TaskInstance{
			RunID:     run.ID,
			TaskID:    t.ID,
			State:     TaskStatePending,
			UpdatedAt: now,
		})
	}
	stored, created, err := m.store.CreateRun(ctx, run, instances)
	if err != nil {
		return nil, false, fmt.Errorf("create run: %w", err)
	}
	return stored, created, nil
}
