// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"testing"
	"time"
)

func TestParseDependencyKind(t *testing.T) {
	t.Run("accepts known kinds", func(t *testing.T) {
		for _, s := range []string{"build", "runtime", "unknown"} {
			kind, err := ParseDependencyKind(s)
			if err != nil {
				t.Errorf("ParseDependencyKind(%q) failed: %v", s, err)
			}
			if string(kind) != s {
				t.Errorf("ParseDependencyKind(%q) = %q", s, kind)
			}
		}
	})

	t.Run("rejects unknown kinds", func(t *testing.T) {
		for _, s := range []string{"", "buildtime", "RUNTIME"} {
			if _, err := ParseDependencyKind(s); err == nil {
				t.Errorf("ParseDependencyKind(%q) should fail", s)
			}
		}
	})
}

func TestEdgeValidate(t *testing.T) {
	valid := &Edge{ID: "e1", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: KindRuntime}
	if err := valid.Validate(); err != nil {
		t.Errorf("valid edge rejected: %v", err)
	}

	tests := []struct {
		name string
		edge *Edge
	}{
		{"missing id", &Edge{SourceID: "a", TargetID: "b", Kind: KindRuntime}},
		{"missing source", &Edge{ID: "e", TargetID: "b", Kind: KindRuntime}},
		{"missing target", &Edge{ID: "e", SourceID: "a", Kind: KindRuntime}},
		{"bad kind", &Edge{ID: "e", SourceID: "a", TargetID: "b", Kind: "maybe"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.edge.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

// buildStore creates a store with a small two-top-level graph:
//
//	p1 → x, p1 → y
//	p2 → y, p2 → z
func buildStore(t *testing.T) *MemStore {
	t.Helper()
	s := NewMemStore()

	nodes := []*Node{
		{ID: "p1", ImportID: "imp", Label: "p1", IsTopLevel: true, TopLevelSource: "user"},
		{ID: "p2", ImportID: "imp", Label: "p2", IsTopLevel: true, TopLevelSource: "user"},
		{ID: "x", ImportID: "imp", Label: "x"},
		{ID: "y", ImportID: "imp", Label: "y"},
		{ID: "z", ImportID: "imp", Label: "z"},
	}
	for _, n := range nodes {
		if err := s.AddNode(n); err != nil {
			t.Fatalf("AddNode(%s): %v", n.ID, err)
		}
	}

	edges := []*Edge{
		{ID: "e1", ImportID: "imp", SourceID: "p1", TargetID: "x", Kind: KindRuntime},
		{ID: "e2", ImportID: "imp", SourceID: "p1", TargetID: "y", Kind: KindRuntime},
		{ID: "e3", ImportID: "imp", SourceID: "p2", TargetID: "y", Kind: KindRuntime},
		{ID: "e4", ImportID: "imp", SourceID: "p2", TargetID: "z", Kind: KindBuild},
	}
	for _, e := range edges {
		if err := s.AddEdge(e); err != nil {
			t.Fatalf("AddEdge(%s): %v", e.ID, err)
		}
	}
	return s
}

func TestMemStore_Basics(t *testing.T) {
	ctx := context.Background()
	s := buildStore(t)

	t.Run("list nodes and edges", func(t *testing.T) {
		nodes, err := s.ListNodes(ctx, "imp")
		if err != nil {
			t.Fatalf("ListNodes: %v", err)
		}
		if len(nodes) != 5 {
			t.Errorf("expected 5 nodes, got %d", len(nodes))
		}

		edges, err := s.ListEdges(ctx, "imp")
		if err != nil {
			t.Fatalf("ListEdges: %v", err)
		}
		if len(edges) != 4 {
			t.Errorf("expected 4 edges, got %d", len(edges))
		}
	})

	t.Run("unknown import returns empty, not error", func(t *testing.T) {
		nodes, err := s.ListNodes(ctx, "nope")
		if err != nil {
			t.Fatalf("ListNodes: %v", err)
		}
		if len(nodes) != 0 {
			t.Errorf("expected no nodes, got %d", len(nodes))
		}
	})

	t.Run("get node reports absence with ok=false", func(t *testing.T) {
		_, ok, err := s.GetNode(ctx, "missing")
		if err != nil {
			t.Fatalf("GetNode: %v", err)
		}
		if ok {
			t.Error("expected ok=false for missing node")
		}
	})

	t.Run("direct dependents", func(t *testing.T) {
		deps, err := s.GetDirectDependents(ctx, "y", "imp")
		if err != nil {
			t.Fatalf("GetDirectDependents: %v", err)
		}
		got := make(map[string]bool)
		for _, d := range deps {
			got[d.ID] = true
		}
		if !got["p1"] || !got["p2"] || len(got) != 2 {
			t.Errorf("dependents of y = %v, want p1 and p2", got)
		}
	})

	t.Run("top level ids", func(t *testing.T) {
		ids, err := s.GetTopLevelNodeIDs(ctx, "imp")
		if err != nil {
			t.Fatalf("GetTopLevelNodeIDs: %v", err)
		}
		if len(ids) != 2 {
			t.Errorf("expected 2 top-level nodes, got %v", ids)
		}
	})
}

func TestMemStore_RejectsStructuralViolations(t *testing.T) {
	s := NewMemStore()
	if err := s.AddNode(&Node{ID: "a", ImportID: "imp"}); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	t.Run("edge to missing node", func(t *testing.T) {
		err := s.AddEdge(&Edge{ID: "e", ImportID: "imp", SourceID: "a", TargetID: "ghost", Kind: KindRuntime})
		if err == nil {
			t.Error("expected error for edge referencing missing node")
		}
	})

	t.Run("edge across imports", func(t *testing.T) {
		if err := s.AddNode(&Node{ID: "b", ImportID: "other"}); err != nil {
			t.Fatalf("AddNode: %v", err)
		}
		err := s.AddEdge(&Edge{ID: "e", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: KindRuntime})
		if err == nil {
			t.Error("expected error for cross-import edge")
		}
	})

	t.Run("invalid kind", func(t *testing.T) {
		err := s.AddEdge(&Edge{ID: "e", ImportID: "imp", SourceID: "a", TargetID: "a", Kind: "sideways"})
		if err == nil {
			t.Error("expected error for invalid dependency kind")
		}
	})
}

func TestMemStore_UpdateNodeContribution(t *testing.T) {
	ctx := context.Background()
	s := buildStore(t)
	now := time.Now()

	if err := s.UpdateNodeContribution(ctx, "p1", 1, 1, 2, now); err != nil {
		t.Fatalf("UpdateNodeContribution: %v", err)
	}

	n, ok, err := s.GetNode(ctx, "p1")
	if err != nil || !ok {
		t.Fatalf("GetNode: ok=%v err=%v", ok, err)
	}
	if n.UniqueDeps != 1 || n.SharedDeps != 1 || n.TotalDeps != 2 {
		t.Errorf("contribution = (%d,%d,%d), want (1,1,2)", n.UniqueDeps, n.SharedDeps, n.TotalDeps)
	}
	if n.ContributionComputedAt == nil || !n.ContributionComputedAt.Equal(now) {
		t.Errorf("ContributionComputedAt = %v, want %v", n.ContributionComputedAt, now)
	}
}

func TestMemStore_MarkEdgesRedundant(t *testing.T) {
	ctx := context.Background()
	s := buildStore(t)

	if err := s.MarkEdgesRedundant(ctx, []string{"e2"}); err != nil {
		t.Fatalf("MarkEdgesRedundant: %v", err)
	}

	edges, _ := s.ListEdges(ctx, "imp")
	for _, e := range edges {
		want := e.ID == "e2"
		if e.IsRedundant != want {
			t.Errorf("edge %s IsRedundant = %v, want %v", e.ID, e.IsRedundant, want)
		}
	}
}

func TestMemStore_AnalysisCache(t *testing.T) {
	ctx := context.Background()
	s := NewMemStore()
	now := time.Now()

	_, _, ok, err := s.GetAnalysisCache(ctx, "imp", "loops")
	if err != nil {
		t.Fatalf("GetAnalysisCache: %v", err)
	}
	if ok {
		t.Error("expected miss on empty cache")
	}

	if err := s.PutAnalysisCache(ctx, "imp", "loops", []byte(`{"loops":[]}`), now); err != nil {
		t.Fatalf("PutAnalysisCache: %v", err)
	}

	payload, computedAt, ok, err := s.GetAnalysisCache(ctx, "imp", "loops")
	if err != nil || !ok {
		t.Fatalf("GetAnalysisCache: ok=%v err=%v", ok, err)
	}
	if string(payload) != `{"loops":[]}` {
		t.Errorf("payload = %s", payload)
	}
	if !computedAt.Equal(now) {
		t.Errorf("computedAt = %v, want %v", computedAt, now)
	}
}

func TestMemStore_RemoveNodeCascades(t *testing.T) {
	ctx := context.Background()
	s := buildStore(t)

	if !s.RemoveNode("y") {
		t.Fatal("RemoveNode(y) returned false")
	}

	edges, _ := s.ListEdges(ctx, "imp")
	for _, e := range edges {
		if e.SourceID == "y" || e.TargetID == "y" {
			t.Errorf("edge %s still references removed node", e.ID)
		}
	}
	if len(edges) != 2 {
		t.Errorf("expected 2 surviving edges, got %d", len(edges))
	}

	deps, _ := s.GetDirectDependents(ctx, "y", "imp")
	if len(deps) != 0 {
		t.Errorf("removed node still has dependents: %v", deps)
	}
}

func TestBuildAdjacency(t *testing.T) {
	t.Run("skips invalid records without aborting", func(t *testing.T) {
		nodes := []*Node{
			{ID: "a", ImportID: "imp"},
			{ID: "b", ImportID: "imp"},
			{ID: "", ImportID: "imp"}, // invalid
		}
		edges := []*Edge{
			{ID: "e1", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: KindRuntime},
			{ID: "e2", ImportID: "imp", SourceID: "a", TargetID: "ghost", Kind: KindRuntime}, // missing node
			{ID: "e3", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: "bogus"},         // bad kind
		}

		adj := BuildAdjacency(nodes, edges)
		if len(adj.Nodes) != 2 {
			t.Errorf("expected 2 nodes, got %d", len(adj.Nodes))
		}
		if adj.SkippedRecords != 3 {
			t.Errorf("SkippedRecords = %d, want 3", adj.SkippedRecords)
		}
		if len(adj.Out["a"]) != 1 {
			t.Errorf("Out[a] = %v, want one edge", adj.Out["a"])
		}
	})

	t.Run("collects top-level ids", func(t *testing.T) {
		nodes := []*Node{
			{ID: "a", ImportID: "imp", IsTopLevel: true},
			{ID: "b", ImportID: "imp"},
		}
		adj := BuildAdjacency(nodes, nil)
		if len(adj.TopLevel) != 1 || adj.TopLevel[0] != "a" {
			t.Errorf("TopLevel = %v, want [a]", adj.TopLevel)
		}
	})
}

func TestClosure(t *testing.T) {
	t.Run("follows depends-on edges transitively", func(t *testing.T) {
		nodes := []*Node{
			{ID: "a", ImportID: "imp"}, {ID: "b", ImportID: "imp"},
			{ID: "c", ImportID: "imp"}, {ID: "d", ImportID: "imp"},
		}
		edges := []*Edge{
			{ID: "e1", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: KindRuntime},
			{ID: "e2", ImportID: "imp", SourceID: "b", TargetID: "c", Kind: KindRuntime},
		}
		adj := BuildAdjacency(nodes, edges)

		closure := adj.Closure("a")
		if len(closure) != 2 {
			t.Errorf("closure(a) = %v, want {b, c}", closure)
		}
		if _, ok := closure["d"]; ok {
			t.Error("unreachable node d in closure")
		}
		if _, ok := closure["a"]; ok {
			t.Error("start node must not be in its own closure")
		}
	})

	t.Run("tolerates cycles", func(t *testing.T) {
		nodes := []*Node{{ID: "a", ImportID: "imp"}, {ID: "b", ImportID: "imp"}}
		edges := []*Edge{
			{ID: "e1", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: KindRuntime},
			{ID: "e2", ImportID: "imp", SourceID: "b", TargetID: "a", Kind: KindRuntime},
		}
		adj := BuildAdjacency(nodes, edges)

		closure := adj.Closure("a")
		if _, ok := closure["b"]; !ok {
			t.Error("closure missing b")
		}
		if _, ok := closure["a"]; ok {
			t.Error("start node re-entered its own closure via the cycle")
		}
	})

	t.Run("unknown start returns empty", func(t *testing.T) {
		adj := BuildAdjacency(nil, nil)
		if len(adj.Closure("ghost")) != 0 {
			t.Error("expected empty closure for unknown node")
		}
	})
}

func TestHasEdge(t *testing.T) {
	nodes := []*Node{{ID: "a", ImportID: "imp"}, {ID: "b", ImportID: "imp"}}
	edges := []*Edge{{ID: "e1", ImportID: "imp", SourceID: "a", TargetID: "b", Kind: KindRuntime}}
	adj := BuildAdjacency(nodes, edges)

	if !adj.HasEdge("a", "b") {
		t.Error("HasEdge(a,b) = false, want true")
	}
	if adj.HasEdge("b", "a") {
		t.Error("HasEdge(b,a) = true, want false")
	}
}
