// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package analysis

import (
	"context"
	"sort"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/barrulus/vizzy-sub000/pkg/logging"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

// RedundancyDetector finds direct edges that are bypassed by a longer
// path between the same endpoints.
//
// # Description
//
// For each edge u→v, a breadth-first search starts at u's other
// out-neighbors and looks for v within the configured bypass depth. A
// hit means u still reaches v without the direct edge, making the edge
// redundant for reachability. The depth bound makes this a deliberate
// approximation of transitive reduction: a detour longer than the bound
// is not reported.
//
// # Thread Safety
//
// Safe for concurrent use; each call builds its own traversal state.
type RedundancyDetector struct {
	store       graph.Store
	cache       *cache.Cache
	logger      *logging.Logger
	bypassDepth int
}

// RedundancyOption configures a RedundancyDetector.
type RedundancyOption func(*RedundancyDetector)

// WithBypassDepth overrides the bypass search depth bound.
func WithBypassDepth(depth int) RedundancyOption {
	return func(d *RedundancyDetector) {
		if depth > 0 {
			d.bypassDepth = depth
		}
	}
}

// NewRedundancyDetector creates a redundancy detector with the default
// bypass depth. A nil logger discards.
func NewRedundancyDetector(store graph.Store, c *cache.Cache, logger *logging.Logger, opts ...RedundancyOption) *RedundancyDetector {
	if logger == nil {
		logger = logging.Discard()
	}
	d := &RedundancyDetector{
		store:       store,
		cache:       c,
		logger:      logger,
		bypassDepth: DefaultBypassSearchDepth,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// FindRedundantLinks scans up to maxEdgesChecked edges of an import and
// returns those with a bypass path. Hitting the edge limit truncates the
// scan silently; truncation is not an error. A non-positive limit uses
// the default.
func (d *RedundancyDetector) FindRedundantLinks(ctx context.Context, importID string, maxEdgesChecked int) ([]RedundantLink, error) {
	ctx, span := startAnalysisSpan(ctx, "redundancy", importID)
	defer span.End()
	start := time.Now()

	if maxEdgesChecked <= 0 {
		maxEdgesChecked = DefaultMaxEdgesChecked
	}

	// The limit is part of the key: a truncated scan must not be served
	// to a caller asking for a wider one.
	key := cache.Key("redundancy", importID, strconv.Itoa(maxEdgesChecked))
	if v, ok := d.cache.Get(key); ok {
		if links, ok := v.([]RedundantLink); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return links, nil
		}
	}

	nodes, err := d.store.ListNodes(ctx, importID)
	if err != nil {
		recordAnalysis(ctx, "redundancy", time.Since(start), 0, false)
		return nil, err
	}
	edges, err := d.store.ListEdges(ctx, importID)
	if err != nil {
		recordAnalysis(ctx, "redundancy", time.Since(start), 0, false)
		return nil, err
	}
	adj := graph.BuildAdjacency(nodes, edges)

	// Stable edge order so truncation at the limit is reproducible.
	sort.Slice(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })

	links := make([]RedundantLink, 0)
	checked := 0
	for _, e := range edges {
		if err := ctx.Err(); err != nil {
			recordAnalysis(ctx, "redundancy", time.Since(start), len(links), false)
			return nil, err
		}
		if e.Validate() != nil {
			continue
		}
		if _, ok := adj.Nodes[e.SourceID]; !ok {
			continue
		}
		if _, ok := adj.Nodes[e.TargetID]; !ok {
			continue
		}
		if checked >= maxEdgesChecked {
			d.logger.Warn("redundancy scan truncated at edge limit",
				"import_id", importID,
				"limit", maxEdgesChecked,
			)
			break
		}
		checked++

		if path := d.findBypass(adj, e.SourceID, e.TargetID); path != nil {
			links = append(links, RedundantLink{Edge: e, BypassPath: path})
		}
	}

	d.cache.Set(key, links, RedundancyCacheTTL)

	d.logger.Info("redundancy scan complete",
		"import_id", importID,
		"edges_checked", checked,
		"redundant", len(links),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(
		attribute.Int("depgraph.edges_checked", checked),
		attribute.Int("depgraph.redundant", len(links)),
	)
	recordAnalysis(ctx, "redundancy", time.Since(start), len(links), true)
	return links, nil
}

// MarkRedundantEdges runs the scan and persists the redundancy flag on
// every edge found. Returns the number of edges marked.
func (d *RedundancyDetector) MarkRedundantEdges(ctx context.Context, importID string) (int, error) {
	links, err := d.FindRedundantLinks(ctx, importID, DefaultMaxEdgesChecked)
	if err != nil {
		return 0, err
	}
	if len(links) == 0 {
		return 0, nil
	}

	edgeIDs := make([]string, 0, len(links))
	for _, l := range links {
		edgeIDs = append(edgeIDs, l.Edge.ID)
	}
	if err := d.store.MarkEdgesRedundant(ctx, edgeIDs); err != nil {
		return 0, err
	}
	return len(edgeIDs), nil
}

// findBypass searches for a path source→...→target of at least two hops
// that does not use the direct edge. BFS with a visited set keeps every
// candidate path simple; parent links reconstruct the path on a hit.
// Returns nil when no bypass exists within the depth bound.
func (d *RedundancyDetector) findBypass(adj *graph.Adjacency, sourceID, targetID string) []string {
	type step struct {
		id    string
		depth int
	}

	parent := map[string]string{}
	visited := map[string]bool{sourceID: true}
	var queue []step

	// Seed with u's out-neighbors other than v itself; any path through
	// them already avoids the direct edge.
	for _, n := range adj.Out[sourceID] {
		if n.ID == targetID || n.ID == sourceID || visited[n.ID] {
			continue
		}
		visited[n.ID] = true
		parent[n.ID] = sourceID
		queue = append(queue, step{id: n.ID, depth: 1})
	}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		if cur.depth >= d.bypassDepth {
			continue
		}
		for _, n := range adj.Out[cur.id] {
			if n.ID == targetID {
				// Reconstruct source..target.
				path := []string{targetID, cur.id}
				for at := cur.id; at != sourceID; {
					at = parent[at]
					path = append(path, at)
				}
				for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
					path[i], path[j] = path[j], path[i]
				}
				return path
			}
			if visited[n.ID] {
				continue
			}
			visited[n.ID] = true
			parent[n.ID] = cur.id
			queue = append(queue, step{id: n.ID, depth: cur.depth + 1})
		}
	}

	return nil
}
