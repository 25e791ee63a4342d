package core

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store for tests. Every value crossing the
// interface is copied, like a real database would.
type memStore struct {
	mu         sync.Mutex
	workflows  map[string]WorkflowDefinition
	runs       map[string]Run
	logical    map[string]string
	instances  map[string][]TaskInstance
	failWrites int
}

var _ Store = (*memStore)(nil)

func newMemStore() *memStore {
	return &memStore{
		workflows: make(map[string]WorkflowDefinition),
		runs:      make(map[string]Run),
		logical:   make(map[string]string),
		instances: make(map[string][]TaskInstance),
	}
}

// failNextWrites makes the next n run or instance writes fail.
func (m *memStore) failNextWrites(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrites = n
}

func (m *memStore) writeFault() error {
	if m.failWrites > 0 {
		m.failWrites--
		return errStoreDown
	}
	return nil
}

func (m *memStore) UpsertWorkflow(_ context.Context, def *WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows[def.Name] = *def
	return nil
}

func (m *memStore) DeleteWorkflow(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.workflows[name]; !ok {
		return ErrWorkflowNotFound
	}
	delete(m.workflows, name)
	return nil
}

func (m *memStore) ListWorkflows(context.Context) ([]*WorkflowDefinition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*WorkflowDefinition, 0, len(m.workflows))
	for _, def := range m.workflows {
		cp := def
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *memStore) UpdateWatermark(_ context.Context, name string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	def, ok := m.workflows[name]
	if !ok {
		return ErrWorkflowNotFound
	}
	def.LastEvaluatedAt = &at
	m.workflows[name] = def
	return nil
}

func (m *memStore) CreateRun(_ context.Context, run *Run, instances []*TaskInstance) (*Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := run.Workflow + "|" + run.LogicalTime.UTC().String()
	if id, ok := m.logical[key]; ok {
		existing := m.runs[id]
		return &existing, false, nil
	}
	m.logical[key] = run.ID
	m.runs[run.ID] = *run
	for _, ti := range instances {
		m.instances[run.ID] = append(m.instances[run.ID], *ti)
	}
	cp := *run
	return &cp, true, nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	return &run, nil
}

func (m *memStore) ListRuns(_ context.Context, filter RunFilter) ([]*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Run
	for _, run := range m.runs {
		if filter.Workflow != "" && run.Workflow != filter.Workflow {
			continue
		}
		if len(filter.States) > 0 {
			match := false
			for _, st := range filter.States {
				match = match || run.State == st
			}
			if !match {
				continue
			}
		}
		cp := run
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LogicalTime.After(out[j].LogicalTime) })
	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *memStore) UpdateRun(_ context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFault(); err != nil {
		return err
	}
	if _, ok := m.runs[run.ID]; !ok {
		return ErrRunNotFound
	}
	m.runs[run.ID] = *run
	return nil
}

func (m *memStore) ListTaskInstances(_ context.Context, runID string) ([]*TaskInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskInstance
	for _, ti := range m.instances[runID] {
		cp := ti
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) UpdateTaskInstance(_ context.Context, ti *TaskInstance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFault(); err != nil {
		return err
	}
	stored := m.instances[ti.RunID]
	for i := range stored {
		if stored[i].TaskID == ti.TaskID {
			stored[i] = *ti
			return nil
		}
	}
	return ErrRunNotFound
}

func (m *memStore) ClaimTaskInstance(_ context.Context, ti *TaskInstance) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.writeFault(); err != nil {
		return false, err
	}
	stored := m.instances[ti.RunID]
	for i := range stored {
		if stored[i].TaskID != ti.TaskID {
			continue
		}
		if stored[i].State != TaskStateReady || stored[i].Attempts != ti.Attempts-1 {
			return false, nil
		}
		stored[i] = *ti
		return true, nil
	}
	return false, ErrRunNotFound
}

// instance returns the stored copy of one instance.
func (m *memStore) instance(runID, taskID string) TaskInstance {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ti := range m.instances[runID] {
		if ti.TaskID == taskID {
			return ti
		}
	}
	return TaskInstance{}
}

func (m *memStore) runCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}
