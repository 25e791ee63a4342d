package core

import (
	"strings"
)

// Graph is the validated, immutable adjacency view of a workflow.
//
// It is safe for concurrent read access.
type Graph struct {
	order      []string
	index      map[string]int
	upstream   [][]int
	downstream [][]int
}

// Validate checks that def describes a well-formed DAG.
func Validate(def *WorkflowDefinition) error {
	_, err := NewGraph(def)
	return err
}

// NewGraph builds and validates the graph of def.
//
// It rejects:
//   - an empty workflow name or a workflow without tasks
//   - empty or duplicate task ids
//   - edges referencing unknown tasks, self-loops and duplicate edges
//   - any cycle
func NewGraph(def *WorkflowDefinition) (*Graph, error) {
	if def == nil {
		return nil, definitionErrorf(ErrInvalidDefinition, "nil definition")
	}
	if strings.TrimSpace(def.Name) == "" {
		return nil, definitionErrorf(ErrInvalidDefinition, "workflow name is required")
	}
	if len(def.Tasks) == 0 {
		return nil, definitionErrorf(ErrInvalidDefinition, "workflow %q has no tasks", def.Name)
	}

	g := &Graph{
		order:      make([]string, 0, len(def.Tasks)),
		index:      make(map[string]int, len(def.Tasks)),
		upstream:   make([][]int, len(def.Tasks)),
		downstream: make([][]int, len(def.Tasks)),
	}
	for _, t := range def.Tasks {
		if strings.TrimSpace(t.ID) == "" {
			return nil, definitionErrorf(ErrInvalidDefinition, "task id is required")
		}
		if _, exists := g.index[t.ID]; exists {
			return nil, definitionErrorf(ErrDuplicateTask, "%q", t.ID)
		}
		if t.Retries < 0 {
			return nil, definitionErrorf(ErrInvalidDefinition, "task %q: retries must be non-negative", t.ID)
		}
		if t.RetryDelay < 0 || t.Timeout < 0 || t.MaxRetryDelay < 0 {
			return nil, definitionErrorf(ErrInvalidDefinition, "task %q: durations must be non-negative", t.ID)
		}
		switch t.RetryBackoff {
		case "", BackoffFixed, BackoffExponential:
		default:
			return nil, definitionErrorf(ErrInvalidDefinition, "task %q: unknown retry backoff %q", t.ID, t.RetryBackoff)
		}
		g.index[t.ID] = len(g.order)
		g.order = append(g.order, t.ID)
	}
	if def.MaxActiveRuns < 0 {
		return nil, definitionErrorf(ErrInvalidDefinition, "max active runs must be non-negative")
	}

	type pair struct{ from, to int }
	seen := make(map[pair]struct{}, len(def.Edges))
	for _, e := range def.Edges {
		from, ok := g.index[e.From]
		if !ok {
			return nil, definitionErrorf(ErrUnknownTask, "edge references unknown task %q", e.From)
		}
		to, ok := g.index[e.To]
		if !ok {
			return nil, definitionErrorf(ErrUnknownTask, "edge references unknown task %q", e.To)
		}
		if from == to {
			return nil, cycleError([]string{e.From, e.To})
		}
		p := pair{from, to}
		if _, dup := seen[p]; dup {
			return nil, definitionErrorf(ErrInvalidDefinition, "duplicate edge %q -> %q", e.From, e.To)
		}
		seen[p] = struct{}{}
		g.downstream[from] = append(g.downstream[from], to)
		g.upstream[to] = append(g.upstream[to], from)
	}

	if path := g.findCycle(); path != nil {
		return nil, cycleError(path)
	}
	return g, nil
}

// findCycle runs a three-colour depth-first traversal and returns one cycle
// witness, or nil when the graph is acyclic.
func (g *Graph) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	color := make([]int, len(g.order))
	parent := make([]int, len(g.order))
	for i := range parent {
		parent[i] = -1
	}

	var cycle []int
	var visit func(u int) bool
	visit = func(u int) bool {
		color[u] = inProgress
		for _, v := range g.downstream[u] {
			switch color[v] {
			case unvisited:
				parent[v] = u
				if visit(v) {
					return true
				}
			case inProgress:
				// back edge u -> v closes the cycle v ... u -> v
				cycle = append(cycle, v)
				for cur := u; cur != -1 && cur != v; cur = parent[cur] {
					cycle = append(cycle, cur)
				}
				cycle = append(cycle, v)
				return true
			}
		}
		color[u] = done
		return false
	}

	for i := range g.order {
		if color[i] == unvisited && visit(i) {
			break
		}
	}
	if cycle == nil {
		return nil
	}
	out := make([]string, 0, len(cycle))
	for i := len(cycle) - 1; i >= 0; i-- {
		out = append(out, g.order[cycle[i]])
	}
	return out
}

// Tasks returns the task ids in declaration order.
func (g *Graph) Tasks() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Roots returns the tasks without upstream dependencies.
func (g *Graph) Roots() []string {
	var out []string
	for i, id := range g.order {
		if len(g.upstream[i]) == 0 {
			out = append(out, id)
		}
	}
	return out
}

// Upstream returns the direct dependencies of id.
func (g *Graph) Upstream(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.upstream[i])
}

// Downstream returns the direct dependents of id.
func (g *Graph) Downstream(id string) []string {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	return g.names(g.downstream[i])
}

// Descendants returns every task reachable from id, in breadth-first order.
func (g *Graph) Descendants(id string) []string {
	start, ok := g.index[id]
	if !ok {
		return nil
	}
	visited := make([]bool, len(g.order))
	visited[start] = true
	queue := append([]int(nil), g.downstream[start]...)
	var out []string
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		if visited[u] {
			continue
		}
		visited[u] = true
		out = append(out, g.order[u])
		queue = append(queue, g.downstream[u]...)
	}
	return out
}

// TopologicalOrder returns the task ids so that every edge points forward.
func (g *Graph) TopologicalOrder() []string {
	indeg := make([]int, len(g.order))
	for i := range g.order {
		indeg[i] = len(g.upstream[i])
	}
	var queue []int
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	out := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		u := queue[0]
		queue = queue[1:]
		out = append(out, g.order[u])
		for _, v := range g.downstream[u] {
			indeg[v]--
			if indeg[v] == 0 {
				queue = append(queue, v)
			}
		}
	}
	return out
}

// Satisfied decides whether upstream (in state st) unblocks downstream.
type Satisfied func(upstream, downstream string, st TaskState) bool

// SucceededOnly treats only Succeeded upstreams as satisfied.
func SucceededOnly(_, _ string, st TaskState) bool { return st == TaskStateSucceeded }

// ReadyTasks returns the Pending tasks whose upstreams are all satisfied,
// in declaration order. A nil satisfied func means SucceededOnly.
func (g *Graph) ReadyTasks(states map[string]TaskState, satisfied Satisfied) []string {
	if satisfied == nil {
		satisfied = SucceededOnly
	}
	var ready []string
	for i, id := range g.order {
		if states[id] != TaskStatePending {
			continue
		}
		ok := true
		for _, p := range g.upstream[i] {
			up := g.order[p]
			if !satisfied(up, id, states[up]) {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	return ready
}

func (g *Graph) names(idx []int) []string {
	out := make([]string, 0, len(idx))
	for _, i := range idx {
		out = append(out, g.order[i])
	}
	return out
}
