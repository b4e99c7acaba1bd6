// Package dag implements the directed acyclic graph that orders tasks
// within a job. The graph carries node names only; task objects are owned
// by the job layer. Mutations that would leave the graph cyclic are
// rejected with the graph unchanged.
package dag

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrDuplicateNode = errors.New("node already exists")
	ErrMissingNode   = errors.New("node does not exist")
	ErrMissingEdge   = errors.New("edge does not exist")
	ErrCycleDetected = errors.New("edge would create a cycle")
	ErrCyclic        = errors.New("graph is not acyclic")
	ErrNoIndNodes    = errors.New("no independent nodes detected")
)

// Graph maps a node name to the set of node names it has edges towards.
// Every node appears as a key, including nodes with no outgoing edges.
type Graph map[string]map[string]struct{}

// New returns an empty graph.
func New() Graph {
	return Graph{}
}

// Clone returns a deep copy of the graph.
func (g Graph) Clone() Graph {
	cloned := make(Graph, len(g))
	for node, edges := range g {
		cloned[node] = make(map[string]struct{}, len(edges))
		for edge := range edges {
			cloned[node][edge] = struct{}{}
		}
	}
	return cloned
}

// AddNode adds a node with no edges.
func (g Graph) AddNode(name string) error {
	if _, ok := g[name]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, name)
	}
	g[name] = map[string]struct{}{}
	return nil
}

// DeleteNode removes the node and every edge referencing it.
func (g Graph) DeleteNode(name string) error {
	if _, ok := g[name]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, name)
	}
	delete(g, name)
	for _, edges := range g {
		delete(edges, name)
	}
	return nil
}

// AddEdge adds a directed edge between two existing nodes. The edge is
// first applied to a copy of the graph and validated; on a validation
// failure the live graph is left untouched.
func (g Graph) AddEdge(from, to string) error {
	if _, ok := g[from]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, from)
	}
	if _, ok := g[to]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, to)
	}
	trial := g.Clone()
	trial[from][to] = struct{}{}
	if err := trial.Validate(); err != nil {
		return fmt.Errorf("%w: %s -> %s", ErrCycleDetected, from, to)
	}
	g[from][to] = struct{}{}
	return nil
}

// DeleteEdge removes a directed edge.
func (g Graph) DeleteEdge(from, to string) error {
	if _, ok := g[from][to]; !ok {
		return fmt.Errorf("%w: %s -> %s", ErrMissingEdge, from, to)
	}
	delete(g[from], to)
	return nil
}

// RenameEdges renames a node and rewrites every edge referencing it.
func (g Graph) RenameEdges(oldName, newName string) error {
	edges, ok := g[oldName]
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingNode, oldName)
	}
	g[newName] = edges
	delete(g, oldName)
	for _, set := range g {
		if _, ok := set[oldName]; ok {
			delete(set, oldName)
			set[newName] = struct{}{}
		}
	}
	return nil
}

// Downstream returns the nodes this node has edges towards, sorted.
func (g Graph) Downstream(name string) []string {
	return sortedKeys(g[name])
}

// Predecessors returns the nodes with an edge towards this node, sorted.
func (g Graph) Predecessors(name string) []string {
	var result []string
	for node, edges := range g {
		if _, ok := edges[name]; ok {
			result = append(result, node)
		}
	}
	sort.Strings(result)
	return result
}

// IndNodes returns the nodes with no incoming edges, sorted.
func (g Graph) IndNodes() []string {
	dependent := make(map[string]struct{})
	for _, edges := range g {
		for edge := range edges {
			dependent[edge] = struct{}{}
		}
	}
	var result []string
	for node := range g {
		if _, ok := dependent[node]; !ok {
			result = append(result, node)
		}
	}
	sort.Strings(result)
	return result
}

// AllLeaves returns the nodes with no outgoing edges, sorted.
func (g Graph) AllLeaves() []string {
	var result []string
	for node, edges := range g {
		if len(edges) == 0 {
			result = append(result, node)
		}
	}
	sort.Strings(result)
	return result
}

// TopologicalSort returns a Kahn ordering of the graph. The ordering is
// deterministic: ready nodes are visited in lexical order.
func (g Graph) TopologicalSort() ([]string, error) {
	work := g.Clone()
	queue := work.IndNodes()
	var order []string
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range sortedKeys(work[node]) {
			delete(work[node], next)
			if len(work.Predecessors(next)) == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(g) {
		return nil, ErrCyclic
	}
	return order, nil
}

// Validate returns nil when the graph has at least one independent node
// and admits a topological sort, and a reason error otherwise.
func (g Graph) Validate() error {
	if len(g.IndNodes()) == 0 {
		return ErrNoIndNodes
	}
	if _, err := g.TopologicalSort(); err != nil {
		return fmt.Errorf("failed topological sort: %w", err)
	}
	return nil
}

// Equal reports whether two graphs have identical nodes and edges.
func (g Graph) Equal(other Graph) bool {
	if len(g) != len(other) {
		return false
	}
	for node, edges := range g {
		otherEdges, ok := other[node]
		if !ok || len(edges) != len(otherEdges) {
			return false
		}
		for edge := range edges {
			if _, ok := otherEdges[edge]; !ok {
				return false
			}
		}
	}
	return true
}

func sortedKeys(set map[string]struct{}) []string {
	var result []string
	for key := range set {
		result = append(result, key)
	}
	sort.Strings(result)
	return result
}
