// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

// Neighbor is one hop of an adjacency list: the node on the other end of
// an edge plus the edge's kind.
type Neighbor struct {
	ID   string
	Kind DependencyKind
}

// Adjacency is the in-memory view of one import's graph that every
// traversal runs over.
//
// # Description
//
// Built once per analysis operation from a single ListNodes/ListEdges
// round trip, so traversals never touch the store. Structurally invalid
// records (an edge referencing a missing node, an unknown dependency
// kind) are skipped and counted rather than aborting the whole import.
//
// # Thread Safety
//
// Built once, then read-only. Safe for concurrent reads; not safe for
// concurrent modification.
type Adjacency struct {
	// Nodes maps node id → node for every valid node.
	Nodes map[string]*Node

	// Out maps node id → nodes it depends on.
	Out map[string][]Neighbor

	// In maps node id → nodes depending on it.
	In map[string][]Neighbor

	// TopLevel lists the ids of top-level nodes.
	TopLevel []string

	// SkippedRecords counts structurally invalid nodes/edges dropped
	// during construction.
	SkippedRecords int
}

// BuildAdjacency constructs forward and reverse adjacency lists from one
// import's nodes and edges.
func BuildAdjacency(nodes []*Node, edges []*Edge) *Adjacency {
	adj := &Adjacency{
		Nodes: make(map[string]*Node, len(nodes)),
		Out:   make(map[string][]Neighbor),
		In:    make(map[string][]Neighbor),
	}

	for _, n := range nodes {
		if n.ID == "" {
			adj.SkippedRecords++
			continue
		}
		adj.Nodes[n.ID] = n
		if n.IsTopLevel {
			adj.TopLevel = append(adj.TopLevel, n.ID)
		}
	}

	for _, e := range edges {
		if err := e.Validate(); err != nil {
			adj.SkippedRecords++
			continue
		}
		if _, ok := adj.Nodes[e.SourceID]; !ok {
			adj.SkippedRecords++
			continue
		}
		if _, ok := adj.Nodes[e.TargetID]; !ok {
			adj.SkippedRecords++
			continue
		}
		adj.Out[e.SourceID] = append(adj.Out[e.SourceID], Neighbor{ID: e.TargetID, Kind: e.Kind})
		adj.In[e.TargetID] = append(adj.In[e.TargetID], Neighbor{ID: e.SourceID, Kind: e.Kind})
	}

	return adj
}

// Closure returns the transitive dependency set of a node: every node
// reachable by following "depends on" edges, excluding the start node
// itself.
//
// Iterative BFS with an explicit queue; cycles are tolerated via the
// visited set and never cause re-expansion.
func (a *Adjacency) Closure(startID string) map[string]struct{} {
	closure := make(map[string]struct{})
	if _, ok := a.Nodes[startID]; !ok {
		return closure
	}

	visited := map[string]struct{}{startID: {}}
	queue := []string{startID}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, next := range a.Out[current] {
			if _, seen := visited[next.ID]; seen {
				continue
			}
			visited[next.ID] = struct{}{}
			closure[next.ID] = struct{}{}
			queue = append(queue, next.ID)
		}
	}

	return closure
}

// HasEdge reports whether a direct edge source → target exists.
func (a *Adjacency) HasEdge(sourceID, targetID string) bool {
	for _, n := range a.Out[sourceID] {
		if n.ID == targetID {
			return true
		}
	}
	return false
}
