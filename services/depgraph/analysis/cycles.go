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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/barrulus/vizzy-sub000/pkg/logging"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

// CycleDetector finds dependency loops: strongly connected components of
// size greater than one.
//
// # Description
//
// Components are computed with an iterative Tarjan traversal (explicit
// frame stack, no recursion), so graph depth never translates into call
// stack depth. For each component the detector additionally traces one
// concrete simple cycle through it; when tracing fails the unordered
// member list stands in. Results are cached with a long TTL since cycle
// structure only changes on reimport.
//
// # Thread Safety
//
// Safe for concurrent use; each call builds its own traversal state.
type CycleDetector struct {
	store  graph.Store
	cache  *cache.Cache
	logger *logging.Logger
}

// NewCycleDetector creates a cycle detector. A nil logger discards.
func NewCycleDetector(store graph.Store, c *cache.Cache, logger *logging.Logger) *CycleDetector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &CycleDetector{store: store, cache: c, logger: logger}
}

// FindLoops returns every dependency loop of an import, sorted by the
// smallest member id for stable output.
func (d *CycleDetector) FindLoops(ctx context.Context, importID string) ([]LoopGroup, error) {
	ctx, span := startAnalysisSpan(ctx, "loops", importID)
	defer span.End()
	start := time.Now()

	key := cache.Key("loops", importID)
	if v, ok := d.cache.Get(key); ok {
		if loops, ok := v.([]LoopGroup); ok {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return loops, nil
		}
	}

	adj, err := loadAdjacency(ctx, d.store, importID)
	if err != nil {
		recordAnalysis(ctx, "loops", time.Since(start), 0, false)
		return nil, err
	}

	loops := make([]LoopGroup, 0)
	for _, comp := range tarjanSCC(adj) {
		if len(comp) < 2 {
			continue
		}
		sort.Strings(comp)
		loops = append(loops, LoopGroup{
			Members:   comp,
			CyclePath: traceCycle(adj, comp),
		})
	}
	sort.Slice(loops, func(i, j int) bool {
		return loops[i].Members[0] < loops[j].Members[0]
	})

	d.cache.Set(key, loops, LoopsCacheTTL)

	d.logger.Info("loop detection complete",
		"import_id", importID,
		"loops", len(loops),
		"skipped_records", adj.SkippedRecords,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	span.SetAttributes(attribute.Int("depgraph.loops", len(loops)))
	recordAnalysis(ctx, "loops", time.Since(start), len(loops), true)
	return loops, nil
}

// loadAdjacency reads one import's graph and builds its adjacency view.
// Shared by every analysis engine.
func loadAdjacency(ctx context.Context, store graph.Store, importID string) (*graph.Adjacency, error) {
	nodes, err := store.ListNodes(ctx, importID)
	if err != nil {
		return nil, err
	}
	edges, err := store.ListEdges(ctx, importID)
	if err != nil {
		return nil, err
	}
	return graph.BuildAdjacency(nodes, edges), nil
}

// tarjanSCC computes the strongly connected components of the adjacency
// view. Iterative: the DFS runs on an explicit frame stack. Nodes are
// visited in sorted id order so component output is deterministic.
func tarjanSCC(adj *graph.Adjacency) [][]string {
	ids := make([]string, 0, len(adj.Nodes))
	for id := range adj.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	index := 0
	indices := make(map[string]int, len(ids))
	lowlink := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	var stack []string
	var components [][]string

	type frame struct {
		node string
		next int
	}

	for _, root := range ids {
		if _, seen := indices[root]; seen {
			continue
		}

		indices[root] = index
		lowlink[root] = index
		index++
		stack = append(stack, root)
		onStack[root] = true
		frames := []frame{{node: root}}

		for len(frames) > 0 {
			f := &frames[len(frames)-1]
			out := adj.Out[f.node]

			if f.next < len(out) {
				w := out[f.next].ID
				f.next++
				if _, seen := indices[w]; !seen {
					indices[w] = index
					lowlink[w] = index
					index++
					stack = append(stack, w)
					onStack[w] = true
					frames = append(frames, frame{node: w})
				} else if onStack[w] {
					if indices[w] < lowlink[f.node] {
						lowlink[f.node] = indices[w]
					}
				}
				continue
			}

			// Node fully explored: propagate lowlink, then pop a
			// component if this node is its root.
			frames = frames[:len(frames)-1]
			if len(frames) > 0 {
				parent := &frames[len(frames)-1]
				if lowlink[f.node] < lowlink[parent.node] {
					lowlink[parent.node] = lowlink[f.node]
				}
			}
			if lowlink[f.node] == indices[f.node] {
				var comp []string
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					comp = append(comp, w)
					if w == f.node {
						break
					}
				}
				components = append(components, comp)
			}
		}
	}

	return components
}

// traceCycle finds one simple cycle through a strongly connected
// component, returned as a node path whose first and last entries are
// equal. Returns nil when no cycle could be traced (the caller then
// falls back to the unordered member list).
func traceCycle(adj *graph.Adjacency, members []string) []string {
	inComp := make(map[string]bool, len(members))
	for _, id := range members {
		inComp[id] = true
	}
	start := members[0]

	type frame struct {
		node string
		next int
	}
	path := []string{start}
	onPath := map[string]bool{start: true}
	frames := []frame{{node: start}}

	for len(frames) > 0 {
		f := &frames[len(frames)-1]
		out := adj.Out[f.node]

		advanced := false
		for f.next < len(out) {
			w := out[f.next].ID
			f.next++
			if w == start {
				cycle := make([]string, 0, len(path)+1)
				cycle = append(cycle, path...)
				return append(cycle, start)
			}
			if !inComp[w] || onPath[w] {
				continue
			}
			frames = append(frames, frame{node: w})
			path = append(path, w)
			onPath[w] = true
			advanced = true
			break
		}
		if !advanced {
			frames = frames[:len(frames)-1]
			onPath[f.node] = false
			path = path[:len(path)-1]
		}
	}

	return nil
}
