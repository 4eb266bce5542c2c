// SPDX-License-Identifier: MPL-2.0

// Package dag orders named nodes by their dependencies and reports cycles.
// The manifest loader uses it to resolve application variables whose
// templates reference other variables.
package dag

import (
	"fmt"
	"slices"
	"strings"
)

type (
	// CycleError indicates that the graph contains a cycle, preventing topological ordering.
	CycleError struct {
		// Cycle is one closed path through the graph, first node repeated at
		// the end (e.g. ["a", "b", "a"]).
		Cycle []string
	}

	// Graph is a directed graph for topological sorting. An edge from A to B
	// means A must be resolved before B. Duplicate edges are ignored.
	Graph struct {
		nodes []string
		index map[string]int
		succ  map[string][]string
		preds map[string][]string
		edges map[[2]string]struct{}
	}
)

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Cycle, " -> "))
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		index: make(map[string]int),
		succ:  make(map[string][]string),
		preds: make(map[string][]string),
		edges: make(map[[2]string]struct{}),
	}
}

// AddNode adds a node to the graph. Adding an existing node is a no-op.
func (g *Graph) AddNode(name string) {
	if _, ok := g.index[name]; ok {
		return
	}
	g.index[name] = len(g.nodes)
	g.nodes = append(g.nodes, name)
}

// AddEdge adds a directed edge from -> to. Both nodes are added if missing.
func (g *Graph) AddEdge(from, to string) {
	g.AddNode(from)
	g.AddNode(to)
	key := [2]string{from, to}
	if _, dup := g.edges[key]; dup {
		return
	}
	g.edges[key] = struct{}{}
	g.succ[from] = append(g.succ[from], to)
	g.preds[to] = append(g.preds[to], from)
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.nodes) }

// TopologicalSort returns a resolution order using Kahn's algorithm.
// Nodes at the same level keep their insertion order. A cyclic graph
// yields a *CycleError naming one concrete cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	if len(g.nodes) == 0 {
		return nil, nil
	}

	inDegree := make(map[string]int, len(g.nodes))
	for _, node := range g.nodes {
		inDegree[node] = len(g.preds[node])
	}

	queue := make([]string, 0, len(g.nodes))
	for _, node := range g.nodes {
		if inDegree[node] == 0 {
			queue = append(queue, node)
		}
	}

	order := make([]string, 0, len(g.nodes))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		order = append(order, node)
		for _, next := range g.succ[node] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(order) == len(g.nodes) {
		return order, nil
	}
	return nil, &CycleError{Cycle: g.traceCycle(inDegree)}
}

// traceCycle walks predecessors from the first unresolved node. Every
// unresolved node still has an unresolved predecessor, so the walk must
// revisit a node.
func (g *Graph) traceCycle(inDegree map[string]int) []string {
	var start string
	for _, node := range g.nodes {
		if inDegree[node] > 0 {
			start = node
			break
		}
	}

	seen := make(map[string]int)
	var path []string
	for node := start; ; {
		if at, ok := seen[node]; ok {
			cycle := slices.Clone(path[at:])
			slices.Reverse(cycle)
			if i := slices.Index(cycle, start); i > 0 {
				cycle = append(cycle[i:], cycle[:i]...)
			}
			return append(cycle, cycle[0])
		}
		seen[node] = len(path)
		path = append(path, node)
		for _, p := range g.preds[node] {
			if inDegree[p] > 0 {
				node = p
				break
			}
		}
	}
}
