// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemStore is an in-memory Store implementation.
//
// # Description
//
// Serves as the reference implementation of the Store contract and as
// the fixture every engine test builds on. AddNode/AddEdge validate
// structural invariants at the boundary: an edge must reference existing
// nodes of the same import and carry a known dependency kind.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Reads return clones so
// callers can never alias internal state.
type MemStore struct {
	mu    sync.RWMutex
	nodes map[string]*Node            // node id → node
	edges map[string]*Edge            // edge id → edge
	byImp map[string]*importIndex     // import id → index
	cache map[string]analysisPayload  // importID + "/" + analysisType → payload
}

type importIndex struct {
	nodeIDs []string
	edgeIDs []string
	// dependents maps target node id → edge ids pointing at it.
	dependents map[string][]string
}

type analysisPayload struct {
	payload    []byte
	computedAt time.Time
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
		byImp: make(map[string]*importIndex),
		cache: make(map[string]analysisPayload),
	}
}

// AddNode inserts a node. The node id must be unused.
func (s *MemStore) AddNode(n *Node) error {
	if n.ID == "" {
		return fmt.Errorf("node missing id")
	}
	if n.ImportID == "" {
		return fmt.Errorf("node %s missing import id", n.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[n.ID]; exists {
		return fmt.Errorf("node %s already exists", n.ID)
	}

	s.nodes[n.ID] = n.Clone()
	idx := s.importIndexLocked(n.ImportID)
	idx.nodeIDs = append(idx.nodeIDs, n.ID)
	return nil
}

// AddEdge inserts an edge. Both endpoints must already exist and belong
// to the edge's import.
func (s *MemStore) AddEdge(e *Edge) error {
	if err := e.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.edges[e.ID]; exists {
		return fmt.Errorf("edge %s already exists", e.ID)
	}

	src, ok := s.nodes[e.SourceID]
	if !ok {
		return fmt.Errorf("edge %s references missing source node %s", e.ID, e.SourceID)
	}
	dst, ok := s.nodes[e.TargetID]
	if !ok {
		return fmt.Errorf("edge %s references missing target node %s", e.ID, e.TargetID)
	}
	if src.ImportID != e.ImportID || dst.ImportID != e.ImportID {
		return fmt.Errorf("edge %s endpoints belong to a different import", e.ID)
	}

	s.edges[e.ID] = e.Clone()
	idx := s.importIndexLocked(e.ImportID)
	idx.edgeIDs = append(idx.edgeIDs, e.ID)
	idx.dependents[e.TargetID] = append(idx.dependents[e.TargetID], e.ID)
	return nil
}

// RemoveNode deletes a node and every edge touching it. Returns false
// when the node does not exist.
func (s *MemStore) RemoveNode(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return false
	}

	idx := s.byImp[n.ImportID]
	if idx != nil {
		idx.nodeIDs = removeString(idx.nodeIDs, id)

		var doomed []string
		for _, eid := range idx.edgeIDs {
			e := s.edges[eid]
			if e.SourceID == id || e.TargetID == id {
				doomed = append(doomed, eid)
			}
		}
		for _, eid := range doomed {
			e := s.edges[eid]
			idx.edgeIDs = removeString(idx.edgeIDs, eid)
			idx.dependents[e.TargetID] = removeString(idx.dependents[e.TargetID], eid)
			delete(s.edges, eid)
		}
		delete(idx.dependents, id)
	}

	delete(s.nodes, id)
	return true
}

// RemoveEdge deletes an edge. Returns false when the edge does not exist.
func (s *MemStore) RemoveEdge(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.edges[id]
	if !ok {
		return false
	}
	if idx := s.byImp[e.ImportID]; idx != nil {
		idx.edgeIDs = removeString(idx.edgeIDs, id)
		idx.dependents[e.TargetID] = removeString(idx.dependents[e.TargetID], id)
	}
	delete(s.edges, id)
	return true
}

// SetTopLevel changes a node's top-level flag and source tag.
func (s *MemStore) SetTopLevel(nodeID string, topLevel bool, source string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	n.IsTopLevel = topLevel
	if topLevel {
		n.TopLevelSource = source
	} else {
		n.TopLevelSource = ""
	}
	return nil
}

// ListNodes implements Store.
func (s *MemStore) ListNodes(ctx context.Context, importID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byImp[importID]
	if !ok {
		return []*Node{}, nil
	}
	nodes := make([]*Node, 0, len(idx.nodeIDs))
	for _, id := range idx.nodeIDs {
		nodes = append(nodes, s.nodes[id].Clone())
	}
	return nodes, nil
}

// ListEdges implements Store.
func (s *MemStore) ListEdges(ctx context.Context, importID string) ([]*Edge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byImp[importID]
	if !ok {
		return []*Edge{}, nil
	}
	edges := make([]*Edge, 0, len(idx.edgeIDs))
	for _, id := range idx.edgeIDs {
		edges = append(edges, s.edges[id].Clone())
	}
	return edges, nil
}

// GetNode implements Store.
func (s *MemStore) GetNode(ctx context.Context, id string) (*Node, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false, nil
	}
	return n.Clone(), true, nil
}

// GetNodesByIDs implements Store.
func (s *MemStore) GetNodesByIDs(ctx context.Context, ids []string) (map[string]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]*Node, len(ids))
	for _, id := range ids {
		if n, ok := s.nodes[id]; ok {
			out[id] = n.Clone()
		}
	}
	return out, nil
}

// GetDirectDependents implements Store.
func (s *MemStore) GetDirectDependents(ctx context.Context, nodeID, importID string) ([]*Node, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byImp[importID]
	if !ok {
		return []*Node{}, nil
	}
	seen := make(map[string]bool)
	dependents := make([]*Node, 0)
	for _, eid := range idx.dependents[nodeID] {
		e := s.edges[eid]
		if seen[e.SourceID] {
			continue
		}
		seen[e.SourceID] = true
		if n, ok := s.nodes[e.SourceID]; ok {
			dependents = append(dependents, n.Clone())
		}
	}
	return dependents, nil
}

// GetTopLevelNodeIDs implements Store.
func (s *MemStore) GetTopLevelNodeIDs(ctx context.Context, importID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byImp[importID]
	if !ok {
		return []string{}, nil
	}
	ids := make([]string, 0)
	for _, id := range idx.nodeIDs {
		if s.nodes[id].IsTopLevel {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// UpdateNodeContribution implements Store.
func (s *MemStore) UpdateNodeContribution(ctx context.Context, nodeID string, unique, shared, total int, computedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[nodeID]
	if !ok {
		return fmt.Errorf("node %s not found", nodeID)
	}
	n.UniqueDeps = unique
	n.SharedDeps = shared
	n.TotalDeps = total
	t := computedAt
	n.ContributionComputedAt = &t
	return nil
}

// MarkEdgesRedundant implements Store.
func (s *MemStore) MarkEdgesRedundant(ctx context.Context, edgeIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range edgeIDs {
		e, ok := s.edges[id]
		if !ok {
			return fmt.Errorf("edge %s not found", id)
		}
		e.IsRedundant = true
	}
	return nil
}

// GetAnalysisCache implements Store.
func (s *MemStore) GetAnalysisCache(ctx context.Context, importID, analysisType string) ([]byte, time.Time, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.cache[importID+"/"+analysisType]
	if !ok {
		return nil, time.Time{}, false, nil
	}
	payload := make([]byte, len(p.payload))
	copy(payload, p.payload)
	return payload, p.computedAt, true, nil
}

// PutAnalysisCache implements Store.
func (s *MemStore) PutAnalysisCache(ctx context.Context, importID, analysisType string, payload []byte, computedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(payload))
	copy(stored, payload)
	s.cache[importID+"/"+analysisType] = analysisPayload{payload: stored, computedAt: computedAt}
	return nil
}

// importIndexLocked returns the index for an import, creating it if
// needed. Caller must hold the write lock.
func (s *MemStore) importIndexLocked(importID string) *importIndex {
	idx, ok := s.byImp[importID]
	if !ok {
		idx = &importIndex{dependents: make(map[string][]string)}
		s.byImp[importID] = idx
	}
	return idx
}

func removeString(xs []string, x string) []string {
	for i, v := range xs {
		if v == x {
			return append(xs[:i], xs[i+1:]...)
		}
	}
	return xs
}

var _ Store = (*MemStore)(nil)
