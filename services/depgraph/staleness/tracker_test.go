// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package staleness

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/barrulus/vizzy-sub000/services/depgraph/analysis"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

const testImport = "imp"

// fixture: P1 → {x, y}, P2 → {y, z}, P3 → z.
func seedStore(t *testing.T) *graph.MemStore {
	t.Helper()
	store := graph.NewMemStore()
	for _, id := range []string{"P1", "P2", "P3", "x", "y", "z"} {
		require.NoError(t, store.AddNode(&graph.Node{ID: id, ImportID: testImport, Label: id}))
	}
	edges := [][2]string{
		{"P1", "x"}, {"P1", "y"},
		{"P2", "y"}, {"P2", "z"},
		{"P3", "z"},
	}
	for _, e := range edges {
		require.NoError(t, store.AddEdge(&graph.Edge{
			ID:       e[0] + "->" + e[1],
			ImportID: testImport,
			SourceID: e[0],
			TargetID: e[1],
			Kind:     graph.KindRuntime,
		}))
	}
	for _, id := range []string{"P1", "P2", "P3"} {
		require.NoError(t, store.SetTopLevel(id, true, "manifest"))
	}
	return store
}

// fixture: T1 → u, T2 → v, disjoint closures until a test adds edges.
func seedPairStore(t *testing.T) *graph.MemStore {
	t.Helper()
	store := graph.NewMemStore()
	for _, id := range []string{"T1", "T2", "u", "v"} {
		require.NoError(t, store.AddNode(&graph.Node{ID: id, ImportID: testImport, Label: id}))
	}
	for _, e := range [][2]string{{"T1", "u"}, {"T2", "v"}} {
		require.NoError(t, store.AddEdge(&graph.Edge{
			ID:       e[0] + "->" + e[1],
			ImportID: testImport,
			SourceID: e[0],
			TargetID: e[1],
			Kind:     graph.KindRuntime,
		}))
	}
	require.NoError(t, store.SetTopLevel("T1", true, "manifest"))
	require.NoError(t, store.SetTopLevel("T2", true, "manifest"))
	return store
}

func newTracker(t *testing.T, store *graph.MemStore) (*Tracker, *cache.Cache) {
	t.Helper()
	c := cache.New(cache.WithSweepInterval(0))
	t.Cleanup(c.Close)
	engine := analysis.NewContributionEngine(store, c, nil)
	// Unthrottled so tests never sleep on the limiter.
	return NewTracker(store, c, engine, nil, WithRecomputeRate(rate.Inf)), c
}

func TestTracker_RecordChange(t *testing.T) {
	ctx := context.Background()

	t.Run("node modification marks reverse reachable top level", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		event, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeNodeModified,
			NodeID:   "y",
		})
		require.NoError(t, err)
		assert.NotEmpty(t, event.ID)
		assert.False(t, event.RecordedAt.IsZero())

		report, err := tr.Report(ctx, testImport, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"P1", "P2"}, report.StaleNodeIDs)
		assert.InDelta(t, 2.0/3.0, report.StaleFraction, 1e-9)
	})

	t.Run("full reimport marks everything", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: ChangeFullReimport})
		require.NoError(t, err)

		report, err := tr.Report(ctx, testImport, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, report.StaleCount)
		assert.Equal(t, 1.0, report.StaleFraction)
	})

	t.Run("invalid change type rejected", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: "sideways"})
		assert.Error(t, err)
	})

	t.Run("missing import id rejected", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{Type: ChangeNodeAdded, NodeID: "x"})
		assert.Error(t, err)
	})

	t.Run("change evicts derived analysis caches", func(t *testing.T) {
		store := seedStore(t)
		tr, c := newTracker(t, store)

		c.Set(cache.Key("loops", testImport), "cached", time.Minute)
		c.Set(cache.Key("why_chain", testImport, "y"), "cached", time.Minute)
		c.Set(cache.Key("loops", "other"), "cached", time.Minute)

		_, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeEdgeAdded,
			NodeID:   "P1",
		})
		require.NoError(t, err)

		_, ok := c.Get(cache.Key("loops", testImport))
		assert.False(t, ok, "loops cache survived a graph change")
		_, ok = c.Get(cache.Key("why_chain", testImport, "y"))
		assert.False(t, ok, "why_chain cache survived a graph change")
		_, ok = c.Get(cache.Key("loops", "other"))
		assert.True(t, ok, "unrelated import was evicted")
	})
}

func TestTracker_EstimateCost(t *testing.T) {
	ctx := context.Background()

	t.Run("clean import needs nothing", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		cost, err := tr.EstimateCost(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostNone, cost)
	})

	t.Run("one of three stale is incremental", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeNodeModified,
			NodeID:   "x",
		})
		require.NoError(t, err)

		cost, err := tr.EstimateCost(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostIncremental, cost)
	})

	t.Run("two of three stale is full", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeNodeModified,
			NodeID:   "y",
		})
		require.NoError(t, err)

		cost, err := tr.EstimateCost(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostFull, cost)
	})

	t.Run("exactly half stale stays incremental", func(t *testing.T) {
		store := seedPairStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeNodeModified,
			NodeID:   "u",
		})
		require.NoError(t, err)

		report, err := tr.Report(ctx, testImport, 0)
		require.NoError(t, err)
		assert.InDelta(t, 0.5, report.StaleFraction, 1e-9)

		cost, err := tr.EstimateCost(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostIncremental, cost)
	})
}

func TestTracker_EdgeEventsInvalidateBothEndpoints(t *testing.T) {
	ctx := context.Background()

	t.Run("new cross edge marks the target side stale", func(t *testing.T) {
		store := seedPairStore(t)
		tr, _ := newTracker(t, store)

		// Baseline: v is unique to T2.
		_, err := tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: ChangeFullReimport})
		require.NoError(t, err)
		_, err = tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)

		t2, _, err := store.GetNode(ctx, "T2")
		require.NoError(t, err)
		assert.Equal(t, 1, t2.UniqueDeps)
		assert.Equal(t, 0, t2.SharedDeps)

		// u → v makes v reachable from T1 as well: the flip from unique
		// to shared happens on T2's side of the edge.
		require.NoError(t, store.AddEdge(&graph.Edge{
			ID:       "u->v",
			ImportID: testImport,
			SourceID: "u",
			TargetID: "v",
			Kind:     graph.KindRuntime,
		}))
		_, err = tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeEdgeAdded,
			NodeID:   "u",
			EdgeID:   "u->v",
		})
		require.NoError(t, err)

		report, err := tr.Report(ctx, testImport, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"T1", "T2"}, report.StaleNodeIDs)

		res, err := tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)
		require.True(t, res.Success)

		t2, _, err = store.GetNode(ctx, "T2")
		require.NoError(t, err)
		assert.Equal(t, 0, t2.UniqueDeps)
		assert.Equal(t, 1, t2.SharedDeps)
	})

	t.Run("unresolvable edge falls back to every top level", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		// A removed edge is no longer listed, so its target cannot be
		// recovered from the id alone.
		_, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeEdgeRemoved,
			NodeID:   "P1",
			EdgeID:   "gone",
		})
		require.NoError(t, err)

		report, err := tr.Report(ctx, testImport, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, report.StaleCount)
	})
}

func TestTracker_RecomputeStaleContributions(t *testing.T) {
	ctx := context.Background()

	t.Run("nothing stale is a no-op", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		res, err := tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostNone, res.Mode)
		assert.True(t, res.Success)
		assert.Zero(t, res.NodesRecomputed)
	})

	t.Run("incremental recompute persists only stale nodes", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{
			ImportID: testImport,
			Type:     ChangeNodeModified,
			NodeID:   "x",
		})
		require.NoError(t, err)

		res, err := tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostIncremental, res.Mode)
		assert.True(t, res.Success)
		assert.Equal(t, 1, res.NodesRecomputed)

		p1, _, err := store.GetNode(ctx, "P1")
		require.NoError(t, err)
		assert.NotNil(t, p1.ContributionComputedAt)
		p2, _, err := store.GetNode(ctx, "P2")
		require.NoError(t, err)
		assert.Nil(t, p2.ContributionComputedAt)

		// Stale set drained; nothing left to do.
		cost, err := tr.EstimateCost(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostNone, cost)
	})

	t.Run("full recompute covers every top level node", func(t *testing.T) {
		store := seedStore(t)
		tr, _ := newTracker(t, store)

		_, err := tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: ChangeFullReimport})
		require.NoError(t, err)

		res, err := tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, CostFull, res.Mode)
		assert.Equal(t, 3, res.NodesRecomputed)

		for _, id := range []string{"P1", "P2", "P3"} {
			n, _, err := store.GetNode(ctx, id)
			require.NoError(t, err)
			assert.NotNil(t, n.ContributionComputedAt, "node %s", id)
		}
	})

	t.Run("limiter honors context cancellation", func(t *testing.T) {
		store := seedStore(t)
		c := cache.New(cache.WithSweepInterval(0))
		t.Cleanup(c.Close)
		engine := analysis.NewContributionEngine(store, c, nil)
		// One event per hour: the second Wait can never be satisfied.
		tr := NewTracker(store, c, engine, nil, WithRecomputeRate(rate.Every(time.Hour)))

		_, err := tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: ChangeFullReimport})
		require.NoError(t, err)
		_, err = tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)

		_, err = tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: ChangeFullReimport})
		require.NoError(t, err)

		cancelled, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()
		_, err = tr.RecomputeStaleContributions(cancelled, testImport)
		assert.Error(t, err)
	})
}

func TestTracker_ReportThreshold(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)
	tr, _ := newTracker(t, store)

	t.Run("never computed counts as missing and stale", func(t *testing.T) {
		report, err := tr.Report(ctx, testImport, time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 3, report.MissingCount)
		assert.Equal(t, 3, report.StaleCount)
		assert.True(t, report.OldestComputedAt.IsZero())
	})

	t.Run("fresh contributions are not stale", func(t *testing.T) {
		_, err := tr.RecordChange(ctx, ChangeEvent{ImportID: testImport, Type: ChangeFullReimport})
		require.NoError(t, err)
		res, err := tr.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)
		require.True(t, res.Success)

		report, err := tr.Report(ctx, testImport, time.Hour)
		require.NoError(t, err)
		assert.Zero(t, report.MissingCount)
		assert.Zero(t, report.StaleCount)
		assert.False(t, report.OldestComputedAt.IsZero())
		assert.False(t, report.NewestComputedAt.Before(report.OldestComputedAt))
	})

	t.Run("aged contributions exceed the threshold", func(t *testing.T) {
		time.Sleep(5 * time.Millisecond)
		report, err := tr.Report(ctx, testImport, time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, 3, report.StaleCount)
		assert.Zero(t, report.MissingCount)
	})
}
