// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/barrulus/vizzy-sub000/pkg/logging"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

// AttributionEngine answers "why is this node in the closure": it walks
// the reverse dependency graph from a target up to the top-level nodes
// that pull it in.
//
// # Description
//
// The walk is a breadth-first search over reverse edges, bounded by the
// query's depth and path limits, with per-path node exclusion so a node
// never repeats within one path even through cycles. Paths are grouped
// by the intermediate node nearest the target; direct dependencies form
// their own group. Identical concurrent queries are collapsed through
// singleflight so a cache miss computes once.
//
// # Thread Safety
//
// Safe for concurrent use.
type AttributionEngine struct {
	store         graph.Store
	cache         *cache.Cache
	logger        *logging.Logger
	sf            singleflight.Group
	deepThreshold float64
	commonLabels  map[string]bool
}

// AttributionOption configures an AttributionEngine.
type AttributionOption func(*AttributionEngine)

// WithDeepPathThreshold overrides the average runtime path length above
// which an essential node is classified as deeply essential.
func WithDeepPathThreshold(threshold float64) AttributionOption {
	return func(e *AttributionEngine) {
		if threshold > 0 {
			e.deepThreshold = threshold
		}
	}
}

// WithCommonLabels marks node labels whose attribution results get the
// extended cache TTL (hot entries like a toolchain or core library).
func WithCommonLabels(labels []string) AttributionOption {
	return func(e *AttributionEngine) {
		e.commonLabels = make(map[string]bool, len(labels))
		for _, l := range labels {
			e.commonLabels[l] = true
		}
	}
}

// NewAttributionEngine creates an attribution engine. A nil logger
// discards.
func NewAttributionEngine(store graph.Store, c *cache.Cache, logger *logging.Logger, opts ...AttributionOption) *AttributionEngine {
	if logger == nil {
		logger = logging.Discard()
	}
	e := &AttributionEngine{
		store:         store,
		cache:         c,
		logger:        logger,
		deepThreshold: DefaultDeepPathThreshold,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// ComputeReversePaths finds attribution paths from top-level nodes down
// to the target, bounded by the query. Returns ErrTargetNotFound when
// the target does not exist.
func (e *AttributionEngine) ComputeReversePaths(ctx context.Context, importID, targetID string, q WhyChainQuery) ([]AttributionPath, error) {
	q = q.normalized()

	adj, err := loadAdjacency(ctx, e.store, importID)
	if err != nil {
		return nil, err
	}
	if _, ok := adj.Nodes[targetID]; !ok {
		return nil, fmt.Errorf("node %s: %w", targetID, ErrTargetNotFound)
	}
	return searchPaths(adj, targetID, q), nil
}

// BuildWhyChainResult computes (or serves from cache) the full
// attribution answer for one node.
func (e *AttributionEngine) BuildWhyChainResult(ctx context.Context, importID, targetID string, q WhyChainQuery) (*WhyChainResult, error) {
	q = q.normalized()
	ctx, span := startAnalysisSpan(ctx, "why_chain", importID)
	defer span.End()
	span.SetAttributes(attribute.String("depgraph.target", targetID))

	key := cache.Key("why_chain", importID, targetID,
		strconv.Itoa(q.MaxDepth), strconv.FormatBool(q.IncludeBuildDeps))

	if v, ok := e.cache.Get(key); ok {
		if cached, ok := v.(*WhyChainResult); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			served := *cached
			served.ComputationTimeMs = 0
			return &served, nil
		}
	}

	// Collapse identical concurrent misses into one computation.
	v, err, _ := e.sf.Do(key, func() (any, error) {
		return e.computeWhyChain(ctx, importID, targetID, q, key)
	})
	if err != nil {
		return nil, err
	}
	return v.(*WhyChainResult), nil
}

func (e *AttributionEngine) computeWhyChain(ctx context.Context, importID, targetID string, q WhyChainQuery, key string) (*WhyChainResult, error) {
	start := time.Now()

	target, ok, err := e.store.GetNode(ctx, targetID)
	if err != nil {
		recordAnalysis(ctx, "why_chain", time.Since(start), 0, false)
		return nil, err
	}
	if !ok {
		recordAnalysis(ctx, "why_chain", time.Since(start), 0, false)
		return nil, fmt.Errorf("node %s: %w", targetID, ErrTargetNotFound)
	}

	adj, err := loadAdjacency(ctx, e.store, importID)
	if err != nil {
		recordAnalysis(ctx, "why_chain", time.Since(start), 0, false)
		return nil, err
	}

	paths := searchPaths(adj, targetID, q)
	groups := AggregatePaths(paths, q.MaxGroups)
	essentiality := DetermineEssentiality(paths, e.deepThreshold)

	dependents, err := e.store.GetDirectDependents(ctx, targetID, importID)
	if err != nil {
		recordAnalysis(ctx, "why_chain", time.Since(start), 0, false)
		return nil, err
	}

	tops := make(map[string]bool)
	for _, p := range paths {
		if id := p.TopLevelID(); id != "" {
			tops[id] = true
		}
	}

	result := &WhyChainResult{
		Target:                  target,
		DirectDependents:        dependents,
		Groups:                  groups,
		TotalTopLevelDependents: len(tops),
		TotalPathsFound:         len(paths),
		Essentiality:            essentiality,
		ComputationTimeMs:       time.Since(start).Milliseconds(),
	}

	ttl := WhyChainCacheTTL
	if e.commonLabels[target.Label] {
		ttl = WhyChainExtendedTTL
	}
	e.cache.Set(key, result, ttl)

	e.logger.Info("why chain computed",
		"import_id", importID,
		"target", targetID,
		"paths", len(paths),
		"groups", len(groups),
		"essentiality", string(essentiality),
		"duration_ms", result.ComputationTimeMs,
	)
	recordAnalysis(ctx, "why_chain", time.Since(start), len(paths), true)
	return result, nil
}

// ComputeRemovalImpact assesses what breaks when the target node is
// removed: the top-level nodes losing a runtime dependency, and the
// dependencies only reachable through the target.
func (e *AttributionEngine) ComputeRemovalImpact(ctx context.Context, importID, targetID string) (*RemovalImpact, error) {
	adj, err := loadAdjacency(ctx, e.store, importID)
	if err != nil {
		return nil, err
	}
	if _, ok := adj.Nodes[targetID]; !ok {
		return nil, fmt.Errorf("node %s: %w", targetID, ErrTargetNotFound)
	}

	paths := searchPaths(adj, targetID, WhyChainQuery{}.normalized())
	essentiality := DetermineEssentiality(paths, e.deepThreshold)

	affected := make(map[string]bool)
	for _, p := range paths {
		if p.FullyRuntime {
			if id := p.TopLevelID(); id != "" {
				affected[id] = true
			}
		}
	}

	// Dependencies reachable only through the target: the target's
	// closure minus everything top-level nodes still reach when the
	// target is skipped.
	closure := adj.Closure(targetID)
	survivors := reachableWithout(adj, targetID)
	var unique []string
	for dep := range closure {
		if dep == targetID {
			continue
		}
		if !survivors[dep] {
			unique = append(unique, dep)
		}
	}
	sort.Strings(unique)

	impact := &RemovalImpact{
		TargetID:          targetID,
		AffectedTopLevel:  sortedKeys(affected),
		UniquelyReachable: unique,
		Essentiality:      essentiality,
		Safe:              essentiality.Removable(),
	}
	return impact, nil
}

// searchPaths runs the bounded reverse BFS. A top-level target yields a
// trivial zero-hop path before any search; the search still runs since
// other top-level nodes may depend on it.
func searchPaths(adj *graph.Adjacency, targetID string, q WhyChainQuery) []AttributionPath {
	target := adj.Nodes[targetID]
	if target == nil {
		return nil
	}

	var paths []AttributionPath
	if target.IsTopLevel {
		paths = append(paths, AttributionPath{
			Nodes:        []string{targetID},
			Kinds:        []graph.DependencyKind{},
			FullyRuntime: true,
		})
	}

	type partial struct {
		// nodes runs target-first, upward. kinds[i] is the kind of
		// the edge nodes[i+1] → nodes[i].
		nodes []string
		kinds []graph.DependencyKind
	}
	queue := []partial{{nodes: []string{targetID}}}

	for len(queue) > 0 && len(paths) < q.MaxPaths {
		p := queue[0]
		queue = queue[1:]
		if len(p.kinds) >= q.MaxDepth {
			continue
		}
		head := p.nodes[len(p.nodes)-1]

		dependents := append([]graph.Neighbor(nil), adj.In[head]...)
		sort.Slice(dependents, func(i, j int) bool { return dependents[i].ID < dependents[j].ID })

		for _, dep := range dependents {
			if !kindAllowed(dep.Kind, q.IncludeBuildDeps) {
				continue
			}
			if containsID(p.nodes, dep.ID) {
				continue
			}
			node := adj.Nodes[dep.ID]
			if node == nil {
				continue
			}

			nodes := make([]string, 0, len(p.nodes)+1)
			nodes = append(nodes, p.nodes...)
			nodes = append(nodes, dep.ID)
			kinds := make([]graph.DependencyKind, 0, len(p.kinds)+1)
			kinds = append(kinds, p.kinds...)
			kinds = append(kinds, dep.Kind)

			if node.IsTopLevel {
				paths = append(paths, finalizePath(nodes, kinds))
				if len(paths) >= q.MaxPaths {
					break
				}
				continue
			}
			queue = append(queue, partial{nodes: nodes, kinds: kinds})
		}
	}

	return paths
}

// finalizePath reverses a target-first walk into a top-level-first
// AttributionPath.
func finalizePath(nodes []string, kinds []graph.DependencyKind) AttributionPath {
	outNodes := make([]string, len(nodes))
	for i, id := range nodes {
		outNodes[len(nodes)-1-i] = id
	}
	outKinds := make([]graph.DependencyKind, len(kinds))
	fullyRuntime := true
	for i, k := range kinds {
		outKinds[len(kinds)-1-i] = k
		if k != graph.KindRuntime {
			fullyRuntime = false
		}
	}
	return AttributionPath{Nodes: outNodes, Kinds: outKinds, FullyRuntime: fullyRuntime}
}

// AggregatePaths groups paths by the intermediate node nearest the
// target. One-hop paths form the direct group. Groups are sorted by
// descending path count and truncated to maxGroups.
func AggregatePaths(paths []AttributionPath, maxGroups int) []AttributionGroup {
	if maxGroups <= 0 {
		maxGroups = DefaultMaxGroups
	}

	type agg struct {
		group AttributionGroup
		tops  map[string]bool
	}
	const directKey = "\x00direct"
	byVia := make(map[string]*agg)

	for _, p := range paths {
		if len(p.Nodes) == 0 {
			continue
		}
		key := directKey
		viaID := ""
		direct := true
		if len(p.Nodes) > 2 {
			viaID = p.Nodes[len(p.Nodes)-2]
			key = viaID
			direct = false
		}

		a, ok := byVia[key]
		if !ok {
			a = &agg{
				group: AttributionGroup{ViaID: viaID, Direct: direct, Representative: p},
				tops:  make(map[string]bool),
			}
			byVia[key] = a
		}
		a.group.TotalDependents++
		a.tops[p.TopLevelID()] = true
		if p.Len() < a.group.Representative.Len() {
			a.group.Representative = p
		}
	}

	groups := make([]AttributionGroup, 0, len(byVia))
	for _, a := range byVia {
		a.group.TopLevelIDs = sortedKeys(a.tops)
		groups = append(groups, a.group)
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].TotalDependents != groups[j].TotalDependents {
			return groups[i].TotalDependents > groups[j].TotalDependents
		}
		return groups[i].ViaID < groups[j].ViaID
	})
	if len(groups) > maxGroups {
		groups = groups[:maxGroups]
	}
	return groups
}

// DetermineEssentiality classifies a node from its attribution paths.
// No path at all: orphan. Paths but none fully runtime: build-only.
// Otherwise the distinct top-level count and the average runtime path
// length decide between single, plain, and deep essentiality.
func DetermineEssentiality(paths []AttributionPath, deepThreshold float64) Essentiality {
	if len(paths) == 0 {
		return EssentialityOrphan
	}

	tops := make(map[string]bool)
	totalLen := 0
	runtimePaths := 0
	for _, p := range paths {
		if !p.FullyRuntime {
			continue
		}
		runtimePaths++
		totalLen += p.Len()
		if id := p.TopLevelID(); id != "" {
			tops[id] = true
		}
	}
	if runtimePaths == 0 {
		return EssentialityBuildOnly
	}

	if avg := float64(totalLen) / float64(runtimePaths); avg > deepThreshold {
		return EssentialityDeep
	}
	if len(tops) == 1 {
		return EssentialitySingle
	}
	return EssentialityEssential
}

// reachableWithout computes every node reachable from the top-level
// nodes when traversal through the excluded node is forbidden.
func reachableWithout(adj *graph.Adjacency, excludedID string) map[string]bool {
	visited := make(map[string]bool)
	var queue []string
	for _, id := range adj.TopLevel {
		if id == excludedID || visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, id)
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj.Out[cur] {
			if n.ID == excludedID || visited[n.ID] {
				continue
			}
			visited[n.ID] = true
			queue = append(queue, n.ID)
		}
	}
	return visited
}

// kindAllowed applies the query's edge-kind filter. Unknown kinds are
// never traversed for attribution.
func kindAllowed(k graph.DependencyKind, includeBuild bool) bool {
	switch k {
	case graph.KindRuntime:
		return true
	case graph.KindBuild:
		return includeBuild
	default:
		return false
	}
}

func containsID(ids []string, id string) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
