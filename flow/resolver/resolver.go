// Package resolver implements the Dependency Resolver (spec.md C1): DAG
// validation, cycle detection and layered execution planning over a
// flow.Flow's node/edge graph.
//
// The graph is addressed purely by node_id through adjacency maps, never by
// pointer, so a cyclic submission never produces a cyclic in-memory
// structure — cycles are detected and rejected during planning instead of
// navigated (spec.md §9 "Cyclic graph concern").
package resolver

import (
	"errors"
	"fmt"
	"sort"

	"github.com/agentforge-dev/agentforge/flow"
)

// ErrCyclic is wrapped by the *CyclicError that New (for a self-loop) and
// Validate/ExecutionPlan return when the edge relation contains a cycle.
var ErrCyclic = errors.New("cyclic dependency")

// CyclicError wraps ErrCyclic with one witness cycle (a sequence of node
// ids that returns to its start).
type CyclicError struct {
	Witness []string
}

func (e *CyclicError) Error() string {
	return fmt.Sprintf("cyclic dependency: %v", e.Witness)
}

func (e *CyclicError) Unwrap() error { return ErrCyclic }

// Resolver answers structural questions about one Flow's DAG: cycle
// presence, orphan nodes, the layered execution plan, and
// ancestor/descendant queries. A Resolver is immutable once built from a
// Flow and safe for concurrent read-only use.
type Resolver struct {
	flow *flow.Flow

	// adjacency maps, keyed by node_id, deduplicated on ingestion.
	out map[string]map[string]bool // node -> set of direct dependents
	in  map[string]map[string]bool // node -> set of direct dependencies
}

// New builds a Resolver from a Flow's declared nodes and edges. It fails
// with a *CyclicError on a self-loop edge; longer cycles are detected by
// Validate or ExecutionPlan.
func New(f *flow.Flow) (*Resolver, error) {
	r := &Resolver{
		flow: f,
		out:  make(map[string]map[string]bool, len(f.Nodes)),
		in:   make(map[string]map[string]bool, len(f.Nodes)),
	}
	for _, n := range f.Nodes {
		r.out[n.NodeID] = map[string]bool{}
		r.in[n.NodeID] = map[string]bool{}
	}
	for _, e := range f.Edges {
		if _, ok := r.out[e.SourceNodeID]; !ok {
			return nil, &flow.EngineError{Code: flow.KindUnknownNode, Message: "edge references unknown source node " + e.SourceNodeID}
		}
		if _, ok := r.out[e.TargetNodeID]; !ok {
			return nil, &flow.EngineError{Code: flow.KindUnknownNode, Message: "edge references unknown target node " + e.TargetNodeID}
		}
		if e.SourceNodeID == e.TargetNodeID {
			return nil, &CyclicError{Witness: []string{e.SourceNodeID, e.SourceNodeID}}
		}
		// Duplicate edges are idempotent: re-adding to a set is a no-op.
		r.out[e.SourceNodeID][e.TargetNodeID] = true
		r.in[e.TargetNodeID][e.SourceNodeID] = true
	}
	return r, nil
}

// Validate checks the DAG for cycles, returning a *CyclicError with one
// witness cycle if one exists.
func (r *Resolver) Validate() error {
	_, err := r.executionPlan()
	return err
}

// HasCycle reports whether the edge relation contains a cycle.
func (r *Resolver) HasCycle() bool {
	return r.Validate() != nil
}

// Orphans returns the set of node ids with neither incoming nor outgoing
// edges. Informational only — orphan nodes still execute, alone in their
// own layer.
func (r *Resolver) Orphans() []string {
	var out []string
	for id := range r.out {
		if len(r.out[id]) == 0 && len(r.in[id]) == 0 {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Dependencies returns the direct ancestors of node n.
func (r *Resolver) Dependencies(n string) []string {
	return sortedKeys(r.in[n])
}

// Dependents returns the direct descendants of node n.
func (r *Resolver) Dependents(n string) []string {
	return sortedKeys(r.out[n])
}

// ExecutionPlan produces the layered execution plan (invariant I7): layer k
// contains exactly the nodes whose deepest ancestor is in layer k-1, using
// Kahn's algorithm. Returns a *CyclicError if the graph is not a DAG.
func (r *Resolver) ExecutionPlan() ([][]string, error) {
	return r.executionPlan()
}

func (r *Resolver) executionPlan() ([][]string, error) {
	inDegree := make(map[string]int, len(r.in))
	for id, deps := range r.in {
		inDegree[id] = len(deps)
	}

	var layers [][]string
	remaining := len(inDegree)
	visited := make(map[string]bool, len(inDegree))

	for remaining > 0 {
		var layer []string
		for id, deg := range inDegree {
			if deg == 0 && !visited[id] {
				layer = append(layer, id)
			}
		}
		if len(layer) == 0 {
			// No zero-in-degree nodes remain: a cycle exists among the
			// unvisited nodes. Find a witness by walking predecessors.
			return nil, &CyclicError{Witness: r.findCycleWitness(visited)}
		}
		sort.Strings(layer) // deterministic layer ordering
		layers = append(layers, layer)
		for _, id := range layer {
			visited[id] = true
			remaining--
			for dep := range r.out[id] {
				inDegree[dep]--
			}
		}
	}
	return layers, nil
}

// findCycleWitness walks predecessor edges among the nodes Kahn's algorithm
// could not emit, returning one cycle as a node-id path that returns to its
// start. Used only for diagnostics once ExecutionPlan has already detected
// that no valid topological order exists.
func (r *Resolver) findCycleWitness(visited map[string]bool) []string {
	var start string
	for id := range r.out {
		if !visited[id] {
			start = id
			break
		}
	}
	if start == "" {
		return nil
	}

	path := []string{start}
	onPath := map[string]int{start: 0}
	cur := start
	for {
		var next string
		for candidate := range r.in[cur] {
			if visited[candidate] {
				continue
			}
			next = candidate
			break
		}
		if next == "" {
			return path
		}
		if idx, seen := onPath[next]; seen {
			cycle := append([]string{}, path[idx:]...)
			return append(cycle, next)
		}
		onPath[next] = len(path)
		path = append(path, next)
		cur = next
		if len(path) > len(r.out)+1 {
			// Defensive bound; a true cycle closes well before this.
			return path
		}
	}
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
