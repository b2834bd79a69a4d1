// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package depgraph

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/barrulus/vizzy-sub000/services/depgraph/analysis"
	"github.com/barrulus/vizzy-sub000/services/depgraph/config"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
	"github.com/barrulus/vizzy-sub000/services/depgraph/staleness"
)

const testImport = "imp"

// fixture: P1 → {shared, a}, P2 → {shared}, a → b, b → a (loop),
// plus redundant shortcut P1 → b.
func seedStore(t *testing.T) *graph.MemStore {
	t.Helper()
	store := graph.NewMemStore()
	for _, id := range []string{"P1", "P2", "shared", "a", "b"} {
		require.NoError(t, store.AddNode(&graph.Node{ID: id, ImportID: testImport, Label: id}))
	}
	edges := [][2]string{
		{"P1", "shared"}, {"P2", "shared"},
		{"P1", "a"}, {"a", "b"}, {"b", "a"},
		{"P1", "b"},
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
	require.NoError(t, store.SetTopLevel("P1", true, "manifest"))
	require.NoError(t, store.SetTopLevel("P2", true, "manifest"))
	return store
}

func newEngine(t *testing.T, persist bool) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.SweepInterval = 0
	if persist {
		cfg.Storage.Path = t.TempDir()
		cfg.Storage.SyncWrites = false
	}
	e, err := New(seedStore(t), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, e.Close())
	})
	return e
}

func TestNew_RequiresStore(t *testing.T) {
	_, err := New(nil, config.Default(), nil)
	assert.True(t, errors.Is(err, ErrStoreRequired))
}

func TestEngine_EndToEnd(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, false)

	t.Run("why chain", func(t *testing.T) {
		res, err := e.WhyChain(ctx, testImport, "shared", analysis.WhyChainQuery{})
		require.NoError(t, err)
		assert.Equal(t, 2, res.TotalTopLevelDependents)
		assert.Equal(t, analysis.EssentialityEssential, res.Essentiality)
	})

	t.Run("why chain missing node", func(t *testing.T) {
		_, err := e.WhyChain(ctx, testImport, "ghost", analysis.WhyChainQuery{})
		assert.True(t, errors.Is(err, ErrNodeNotFound))
	})

	t.Run("loops", func(t *testing.T) {
		loops, err := e.FindLoops(ctx, testImport)
		require.NoError(t, err)
		require.Len(t, loops, 1)
		assert.ElementsMatch(t, []string{"a", "b"}, loops[0].Members)
	})

	t.Run("redundant links", func(t *testing.T) {
		// The a ↔ b loop makes both of P1's edges into it bypassable:
		// P1→a via b and P1→b via a.
		links, err := e.FindRedundantLinks(ctx, testImport)
		require.NoError(t, err)
		ids := make([]string, 0, len(links))
		for _, l := range links {
			ids = append(ids, l.Edge.ID)
		}
		assert.ElementsMatch(t, []string{"P1->a", "P1->b"}, ids)
	})

	t.Run("contributions and summary", func(t *testing.T) {
		updated, err := e.ComputeContributions(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, 2, updated)

		s, err := e.ContributionSummary(ctx, testImport)
		require.NoError(t, err)
		require.NotNil(t, s)
		assert.Equal(t, 2, s.TopLevelCount)
	})

	t.Run("staleness round trip", func(t *testing.T) {
		_, err := e.RecordChange(ctx, staleness.ChangeEvent{
			ImportID: testImport,
			Type:     staleness.ChangeNodeModified,
			NodeID:   "shared",
		})
		require.NoError(t, err)

		cost, err := e.EstimateRecomputationCost(ctx, testImport)
		require.NoError(t, err)
		assert.Equal(t, staleness.CostFull, cost, "both top-level nodes depend on shared")

		res, err := e.RecomputeStaleContributions(ctx, testImport)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, 2, res.NodesRecomputed)

		report, err := e.StalenessReport(ctx, testImport, 0)
		require.NoError(t, err)
		assert.Zero(t, report.StaleCount)
	})

	t.Run("removal impact", func(t *testing.T) {
		impact, err := e.RemovalImpact(ctx, testImport, "shared")
		require.NoError(t, err)
		assert.False(t, impact.Safe)
		assert.Equal(t, []string{"P1", "P2"}, impact.AffectedTopLevel)
	})
}

func TestEngine_PersistentTier(t *testing.T) {
	ctx := context.Background()
	e := newEngine(t, true)

	_, err := e.ComputeContributions(ctx, testImport)
	require.NoError(t, err)

	// The batch writes the summary through to the BadgerDB tier.
	payload, _, ok, err := e.store.GetAnalysisCache(ctx, testImport, "contribution")
	require.NoError(t, err)
	require.True(t, ok)
	assert.NotEmpty(t, payload)

	// Invalidation empties both tiers; the summary then comes back
	// recomputed from the persisted node fields.
	_, err = e.InvalidateImport(ctx, testImport)
	require.NoError(t, err)

	_, _, ok, err = e.store.GetAnalysisCache(ctx, testImport, "contribution")
	require.NoError(t, err)
	assert.False(t, ok, "persistent tier survived invalidation")

	s, err := e.ContributionSummary(ctx, testImport)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, 2, s.TopLevelCount)
}
