// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/barrulus/vizzy-sub000/pkg/logging"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

// ContributionEngine computes the unique/shared closure split for the
// top-level nodes of an import.
//
// # Description
//
// The computation runs in two strict phases. Phase one computes the full
// transitive closure of every top-level node; phase two classifies each
// closure member as unique (in exactly one top-level closure) or shared
// (in several). Phase two must never start before every closure of the
// batch exists, otherwise a dependency shared with a not-yet-computed
// sibling would be miscounted as unique.
//
// Persistence failures for individual nodes are collected, not fatal:
// one bad row must not discard the whole batch.
//
// # Thread Safety
//
// Safe for concurrent use; per-call state only.
type ContributionEngine struct {
	store  graph.Store
	cache  *cache.Cache
	logger *logging.Logger
}

// NewContributionEngine creates a contribution engine. A nil logger
// discards.
func NewContributionEngine(store graph.Store, c *cache.Cache, logger *logging.Logger) *ContributionEngine {
	if logger == nil {
		logger = logging.Discard()
	}
	return &ContributionEngine{store: store, cache: c, logger: logger}
}

// ComputeContributions recomputes and persists the contribution of every
// top-level node of an import. Returns the number of nodes updated.
func (e *ContributionEngine) ComputeContributions(ctx context.Context, importID string) (int, error) {
	res, err := e.ComputeBatch(ctx, importID, nil)
	if err != nil {
		return 0, err
	}
	return res.Updated, nil
}

// ComputeContributionsIncremental recomputes contributions but persists
// only the given top-level nodes. The closure phase still covers every
// top-level node: unique/shared classification is a property of the
// whole batch, so a partial closure phase would corrupt the split.
func (e *ContributionEngine) ComputeContributionsIncremental(ctx context.Context, importID string, nodeIDs []string) (int, error) {
	if len(nodeIDs) == 0 {
		return 0, nil
	}
	only := make(map[string]bool, len(nodeIDs))
	for _, id := range nodeIDs {
		only[id] = true
	}
	res, err := e.ComputeBatch(ctx, importID, only)
	if err != nil {
		return 0, err
	}
	return res.Updated, nil
}

// ComputeBatch is the shared core of full and incremental recomputation.
// A nil or empty "only" set persists every top-level node; otherwise only
// the listed ones. Per-node persistence failures land in the result, not
// in the error.
func (e *ContributionEngine) ComputeBatch(ctx context.Context, importID string, only map[string]bool) (*BatchResult, error) {
	ctx, span := startAnalysisSpan(ctx, "contribution", importID)
	defer span.End()
	start := time.Now()

	adj, err := loadAdjacency(ctx, e.store, importID)
	if err != nil {
		recordAnalysis(ctx, "contribution", time.Since(start), 0, false)
		return nil, err
	}

	topLevel := append([]string(nil), adj.TopLevel...)
	sort.Strings(topLevel)

	// Phase one: every closure, before any classification. This is the
	// correctness barrier of the whole computation.
	closures := make(map[string]map[string]struct{}, len(topLevel))
	for _, id := range topLevel {
		if err := ctx.Err(); err != nil {
			recordAnalysis(ctx, "contribution", time.Since(start), 0, false)
			return nil, err
		}
		closures[id] = adj.Closure(id)
	}

	// Phase two: occurrence counting across the complete closure set.
	occurrences := make(map[string]int)
	for _, closure := range closures {
		for dep := range closure {
			occurrences[dep]++
		}
	}

	computedAt := time.Now()
	result := &BatchResult{}
	for _, id := range topLevel {
		if len(only) > 0 && !only[id] {
			continue
		}

		closure := closures[id]
		unique, shared := 0, 0
		for dep := range closure {
			if occurrences[dep] == 1 {
				unique++
			} else {
				shared++
			}
		}
		total := unique + shared

		if node := adj.Nodes[id]; node.ClosureSize != 0 && node.ClosureSize != total {
			e.logger.Warn("stored closure size disagrees with computed closure",
				"node_id", id,
				"stored", node.ClosureSize,
				"computed", total,
			)
		}

		if err := e.store.UpdateNodeContribution(ctx, id, unique, shared, total, computedAt); err != nil {
			result.NodeErrors = append(result.NodeErrors, fmt.Sprintf("node %s: %v", id, err))
			continue
		}
		result.Updated++
	}

	// Derived contribution data changed; stale cached summaries must go.
	e.cache.Invalidate(cache.Key("contribution", importID))

	if summary := e.buildSummary(ctx, adj, closures, occurrences, importID, computedAt); summary != nil {
		if payload, err := json.Marshal(summary); err == nil {
			if err := e.store.PutAnalysisCache(ctx, importID, "contribution", payload, computedAt); err != nil {
				e.logger.Warn("failed to persist contribution summary",
					"import_id", importID,
					"error", err.Error(),
				)
			}
		}
	}

	e.logger.Info("contribution batch complete",
		"import_id", importID,
		"top_level", len(topLevel),
		"updated", result.Updated,
		"node_errors", len(result.NodeErrors),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(
		attribute.Int("depgraph.updated", result.Updated),
		attribute.Int("depgraph.node_errors", len(result.NodeErrors)),
	)
	recordAnalysis(ctx, "contribution", time.Since(start), result.Updated, len(result.NodeErrors) == 0)
	return result, nil
}

// Summary returns the current contribution summary of an import, served
// from the in-memory cache, then the persistent tier, then recomputed
// from stored node fields. Returns nil when no top-level node has a
// computed contribution yet.
func (e *ContributionEngine) Summary(ctx context.Context, importID string) (*ContributionSummary, error) {
	key := cache.Key("contribution", importID)
	if v, ok := e.cache.Get(key); ok {
		if s, ok := v.(*ContributionSummary); ok {
			return s, nil
		}
	}

	if payload, _, ok, err := e.store.GetAnalysisCache(ctx, importID, "contribution"); err == nil && ok {
		var s ContributionSummary
		if err := json.Unmarshal(payload, &s); err == nil {
			e.cache.Set(key, &s, ContributionCacheTTL)
			return &s, nil
		}
		e.logger.Warn("unreadable persisted contribution summary",
			"import_id", importID,
		)
	}

	nodes, err := e.store.ListNodes(ctx, importID)
	if err != nil {
		return nil, err
	}

	s := &ContributionSummary{ImportID: importID}
	for _, n := range nodes {
		if !n.IsTopLevel || n.ContributionComputedAt == nil {
			continue
		}
		s.TopLevelCount++
		s.Contributions = append(s.Contributions, ClosureContribution{
			NodeID:      n.ID,
			Label:       n.Label,
			Unique:      n.UniqueDeps,
			Shared:      n.SharedDeps,
			Total:       n.TotalDeps,
			ClosureSize: n.ClosureSize,
		})
		s.TotalUnique += n.UniqueDeps
		s.TotalShared += n.SharedDeps
		if n.ContributionComputedAt.After(s.ComputedAt) {
			s.ComputedAt = *n.ContributionComputedAt
		}
	}
	if s.TopLevelCount == 0 {
		return nil, nil
	}

	sort.Slice(s.Contributions, func(i, j int) bool {
		return s.Contributions[i].NodeID < s.Contributions[j].NodeID
	})
	e.cache.Set(key, s, ContributionCacheTTL)
	return s, nil
}

// buildSummary assembles the summary persisted alongside a batch.
func (e *ContributionEngine) buildSummary(ctx context.Context, adj *graph.Adjacency, closures map[string]map[string]struct{}, occurrences map[string]int, importID string, computedAt time.Time) *ContributionSummary {
	if err := ctx.Err(); err != nil {
		return nil
	}

	s := &ContributionSummary{
		ImportID:      importID,
		TopLevelCount: len(closures),
		ComputedAt:    computedAt,
	}
	ids := make([]string, 0, len(closures))
	for id := range closures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		closure := closures[id]
		unique, shared := 0, 0
		for dep := range closure {
			if occurrences[dep] == 1 {
				unique++
			} else {
				shared++
			}
		}
		label := ""
		if node := adj.Nodes[id]; node != nil {
			label = node.Label
		}
		s.Contributions = append(s.Contributions, ClosureContribution{
			NodeID:      id,
			Label:       label,
			Unique:      unique,
			Shared:      shared,
			Total:       unique + shared,
			ClosureSize: len(closure),
		})
		s.TotalUnique += unique
		s.TotalShared += shared
	}
	return s
}
