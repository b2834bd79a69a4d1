// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package staleness tracks which derived metrics are out of date after
// graph mutations and drives their recomputation.
//
// Every mutation is reported as a ChangeEvent. The tracker maps the
// event to the top-level nodes whose contribution it invalidates, marks
// them stale, and evicts the derived analysis caches of the import.
// Recomputation then chooses between an incremental batch (few stale
// nodes) and a full one (more than half stale) and is rate limited so a
// burst of imports cannot monopolize the store.
package staleness

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/barrulus/vizzy-sub000/pkg/logging"
	"github.com/barrulus/vizzy-sub000/services/depgraph/analysis"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

// ChangeType identifies what kind of graph mutation occurred.
type ChangeType string

const (
	ChangeNodeAdded       ChangeType = "node_added"
	ChangeNodeRemoved     ChangeType = "node_removed"
	ChangeNodeModified    ChangeType = "node_modified"
	ChangeEdgeAdded       ChangeType = "edge_added"
	ChangeEdgeRemoved     ChangeType = "edge_removed"
	ChangeTopLevelChanged ChangeType = "top_level_changed"
	ChangeFullReimport    ChangeType = "full_reimport"
)

// Valid reports whether the change type is one of the known values.
func (t ChangeType) Valid() bool {
	switch t {
	case ChangeNodeAdded, ChangeNodeRemoved, ChangeNodeModified,
		ChangeEdgeAdded, ChangeEdgeRemoved, ChangeTopLevelChanged,
		ChangeFullReimport:
		return true
	default:
		return false
	}
}

// global reports whether this change type invalidates every top-level
// node rather than a reachable subset.
func (t ChangeType) global() bool {
	switch t {
	case ChangeNodeRemoved, ChangeTopLevelChanged, ChangeFullReimport:
		return true
	default:
		return false
	}
}

// ChangeEvent describes one graph mutation. ID and RecordedAt are
// assigned by the tracker.
type ChangeEvent struct {
	ID         string
	ImportID   string
	Type       ChangeType
	NodeID     string
	EdgeID     string
	RecordedAt time.Time
}

// Recomputation cost estimates.
const (
	CostNone        = "no_recomputation_needed"
	CostIncremental = "incremental_recomputation"
	CostFull        = "full_recomputation"
)

// fullRecomputeFraction is the stale fraction above which a full batch
// beats per-node incremental work. Exactly half stale is still
// incremental.
const fullRecomputeFraction = 0.5

// DefaultRecomputeRate bounds recomputation batches per second.
const DefaultRecomputeRate = rate.Limit(2)

// Report summarizes the staleness of one import.
type Report struct {
	ImportID     string
	TopLevel     int
	StaleNodeIDs []string
	StaleCount   int
	// MissingCount counts top-level nodes that never had a contribution
	// computed. Missing nodes are included in StaleNodeIDs.
	MissingCount int
	// StaleFraction is stale / top-level, zero when there are no
	// top-level nodes.
	StaleFraction float64
	// ChangesRecorded counts events since the last recomputation.
	ChangesRecorded int
	// OldestStaleSince is the zero time when nothing is stale.
	OldestStaleSince time.Time
	// OldestComputedAt and NewestComputedAt bracket the contribution
	// timestamps of the import's top-level nodes. Zero when none is
	// computed.
	OldestComputedAt time.Time
	NewestComputedAt time.Time
}

// RecomputationResult reports one recomputation run.
type RecomputationResult struct {
	ImportID string
	// Mode is CostNone, CostIncremental, or CostFull.
	Mode string
	// NodesRecomputed counts persisted top-level contributions.
	NodesRecomputed int
	// Success is false when any per-node persistence failed; Messages
	// then carries the per-node detail.
	Success  bool
	Messages []string
	Duration time.Duration
}

// importState is the per-import mutable tracking state.
type importState struct {
	stale      map[string]time.Time
	changes    int
	lastChange time.Time
}

// Tracker is the staleness subsystem.
//
// # Thread Safety
//
// Safe for concurrent use; the stale sets are mutex guarded and the
// contribution engine is itself concurrency safe.
type Tracker struct {
	store   graph.Store
	cache   *cache.Cache
	engine  *analysis.ContributionEngine
	logger  *logging.Logger
	limiter *rate.Limiter

	mu      sync.Mutex
	imports map[string]*importState
}

// TrackerOption configures a Tracker.
type TrackerOption func(*Tracker)

// WithRecomputeRate overrides the recomputation rate limit.
func WithRecomputeRate(r rate.Limit) TrackerOption {
	return func(t *Tracker) {
		if r > 0 {
			t.limiter = rate.NewLimiter(r, 1)
		}
	}
}

// NewTracker creates a staleness tracker. A nil logger discards.
func NewTracker(store graph.Store, c *cache.Cache, engine *analysis.ContributionEngine, logger *logging.Logger, opts ...TrackerOption) *Tracker {
	if logger == nil {
		logger = logging.Discard()
	}
	t := &Tracker{
		store:   store,
		cache:   c,
		engine:  engine,
		logger:  logger,
		limiter: rate.NewLimiter(DefaultRecomputeRate, 1),
		imports: make(map[string]*importState),
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// RecordChange registers one graph mutation: it resolves the affected
// top-level nodes, marks them stale, and evicts the import's derived
// analysis caches. Returns the event with its assigned id.
func (t *Tracker) RecordChange(ctx context.Context, event ChangeEvent) (*ChangeEvent, error) {
	if event.ImportID == "" {
		return nil, fmt.Errorf("change event requires an import id")
	}
	if !event.Type.Valid() {
		return nil, fmt.Errorf("unknown change type %q", event.Type)
	}

	event.ID = uuid.NewString()
	event.RecordedAt = time.Now()

	affected, err := t.affectedTopLevel(ctx, event)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	state := t.stateLocked(event.ImportID)
	for _, id := range affected {
		if _, already := state.stale[id]; !already {
			state.stale[id] = event.RecordedAt
		}
	}
	state.changes++
	state.lastChange = event.RecordedAt
	t.mu.Unlock()

	// Structure changed, so every derived finding for this import is
	// suspect, not just contributions.
	t.cache.Invalidate(cache.Key("loops", event.ImportID))
	t.cache.Invalidate(cache.Key("redundancy", event.ImportID))
	t.cache.Invalidate(cache.Key("why_chain", event.ImportID))

	t.logger.Info("graph change recorded",
		"event_id", event.ID,
		"import_id", event.ImportID,
		"type", string(event.Type),
		"affected_top_level", len(affected),
	)
	return &event, nil
}

// Report returns the current staleness summary of an import. A positive
// threshold additionally marks top-level nodes stale when their
// contribution was never computed or is older than the threshold.
func (t *Tracker) Report(ctx context.Context, importID string, threshold time.Duration) (*Report, error) {
	topLevel, err := t.store.GetTopLevelNodeIDs(ctx, importID)
	if err != nil {
		return nil, err
	}
	nodes, err := t.store.GetNodesByIDs(ctx, topLevel)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	stale := make(map[string]time.Time)
	r := &Report{ImportID: importID, TopLevel: len(topLevel)}

	for _, id := range topLevel {
		node, ok := nodes[id]
		if !ok {
			continue
		}
		if node.ContributionComputedAt == nil {
			r.MissingCount++
			if threshold > 0 {
				stale[id] = now
			}
			continue
		}
		at := *node.ContributionComputedAt
		if r.OldestComputedAt.IsZero() || at.Before(r.OldestComputedAt) {
			r.OldestComputedAt = at
		}
		if at.After(r.NewestComputedAt) {
			r.NewestComputedAt = at
		}
		if threshold > 0 && now.Sub(at) > threshold {
			stale[id] = at
		}
	}

	t.mu.Lock()
	if state, ok := t.imports[importID]; ok {
		current := make(map[string]bool, len(topLevel))
		for _, id := range topLevel {
			current[id] = true
		}
		for id, since := range state.stale {
			// A node that left the import no longer counts as stale.
			if !current[id] {
				continue
			}
			if prev, seen := stale[id]; !seen || since.Before(prev) {
				stale[id] = since
			}
		}
		r.ChangesRecorded = state.changes
	}
	t.mu.Unlock()

	for id, since := range stale {
		r.StaleNodeIDs = append(r.StaleNodeIDs, id)
		if r.OldestStaleSince.IsZero() || since.Before(r.OldestStaleSince) {
			r.OldestStaleSince = since
		}
	}
	sort.Strings(r.StaleNodeIDs)
	r.StaleCount = len(r.StaleNodeIDs)
	if len(topLevel) > 0 {
		r.StaleFraction = float64(r.StaleCount) / float64(len(topLevel))
	}
	return r, nil
}

// EstimateCost predicts what the next recomputation will do without
// running it.
func (t *Tracker) EstimateCost(ctx context.Context, importID string) (string, error) {
	report, err := t.Report(ctx, importID, 0)
	if err != nil {
		return "", err
	}
	switch {
	case report.StaleCount == 0:
		return CostNone, nil
	case report.StaleFraction > fullRecomputeFraction:
		return CostFull, nil
	default:
		return CostIncremental, nil
	}
}

// RecomputeStaleContributions recomputes the contributions invalidated
// by recorded changes. More than half of the top-level nodes stale means
// a full batch; otherwise only the stale ones are persisted. The call
// blocks on the rate limiter; canceling the context releases it.
func (t *Tracker) RecomputeStaleContributions(ctx context.Context, importID string) (*RecomputationResult, error) {
	report, err := t.Report(ctx, importID, 0)
	if err != nil {
		return nil, err
	}

	result := &RecomputationResult{ImportID: importID, Success: true}
	if report.StaleCount == 0 {
		result.Mode = CostNone
		return result, nil
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	start := time.Now()

	var batch *analysis.BatchResult
	if report.StaleFraction > fullRecomputeFraction {
		result.Mode = CostFull
		batch, err = t.engine.ComputeBatch(ctx, importID, nil)
	} else {
		result.Mode = CostIncremental
		only := make(map[string]bool, len(report.StaleNodeIDs))
		for _, id := range report.StaleNodeIDs {
			only[id] = true
		}
		batch, err = t.engine.ComputeBatch(ctx, importID, only)
	}
	if err != nil {
		return nil, err
	}

	result.NodesRecomputed = batch.Updated
	result.Duration = time.Since(start)
	if len(batch.NodeErrors) > 0 {
		result.Success = false
		result.Messages = append(result.Messages, batch.NodeErrors...)
	}

	t.mu.Lock()
	state := t.stateLocked(importID)
	if result.Mode == CostFull {
		state.stale = make(map[string]time.Time)
	} else {
		for _, id := range report.StaleNodeIDs {
			delete(state.stale, id)
		}
	}
	if result.Success {
		state.changes = 0
	}
	t.mu.Unlock()

	t.logger.Info("stale contributions recomputed",
		"import_id", importID,
		"mode", result.Mode,
		"recomputed", result.NodesRecomputed,
		"errors", len(result.Messages),
		"duration_ms", result.Duration.Milliseconds(),
	)
	return result, nil
}

// affectedTopLevel maps an event to the top-level node ids whose
// contribution it invalidates.
func (t *Tracker) affectedTopLevel(ctx context.Context, event ChangeEvent) ([]string, error) {
	if event.Type.global() {
		return t.store.GetTopLevelNodeIDs(ctx, event.ImportID)
	}

	nodes, err := t.store.ListNodes(ctx, event.ImportID)
	if err != nil {
		return nil, err
	}
	edges, err := t.store.ListEdges(ctx, event.ImportID)
	if err != nil {
		return nil, err
	}
	adj := graph.BuildAdjacency(nodes, edges)

	anchors := eventAnchors(event, edges)
	if len(anchors) == 0 {
		// No usable anchor: be conservative.
		return t.store.GetTopLevelNodeIDs(ctx, event.ImportID)
	}
	for _, id := range anchors {
		if _, ok := adj.Nodes[id]; !ok {
			// Anchor already gone or never imported: be conservative.
			return t.store.GetTopLevelNodeIDs(ctx, event.ImportID)
		}
	}

	// Reverse BFS: every top-level node that reaches an anchor.
	visited := make(map[string]bool, len(anchors))
	queue := make([]string, 0, len(anchors))
	var affected []string
	for _, id := range anchors {
		if visited[id] {
			continue
		}
		visited[id] = true
		queue = append(queue, id)
		if adj.Nodes[id].IsTopLevel {
			affected = append(affected, id)
		}
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, n := range adj.In[cur] {
			if visited[n.ID] {
				continue
			}
			visited[n.ID] = true
			if adj.Nodes[n.ID].IsTopLevel {
				affected = append(affected, n.ID)
			}
			queue = append(queue, n.ID)
		}
	}
	sort.Strings(affected)
	return affected, nil
}

// eventAnchors resolves the node ids a scoped event is rooted at. Edge
// events anchor at both endpoints: a new or removed edge u→v changes
// what is unique versus shared for top-level nodes reaching either
// side, not just the source's. An empty result means the anchors could
// not be resolved and the caller must assume everything is affected.
func eventAnchors(event ChangeEvent, edges []*graph.Edge) []string {
	switch event.Type {
	case ChangeEdgeAdded, ChangeEdgeRemoved:
		if event.EdgeID != "" {
			for _, e := range edges {
				if e.ID != event.EdgeID {
					continue
				}
				if e.SourceID == e.TargetID {
					return []string{e.SourceID}
				}
				return []string{e.SourceID, e.TargetID}
			}
		}
		// A removed edge is no longer listed and a bare source anchor
		// would miss the target side.
		return nil
	default:
		if event.NodeID == "" {
			return nil
		}
		return []string{event.NodeID}
	}
}

// stateLocked returns the mutable state for an import. Caller holds the
// mutex.
func (t *Tracker) stateLocked(importID string) *importState {
	state, ok := t.imports[importID]
	if !ok {
		state = &importState{stale: make(map[string]time.Time)}
		t.imports[importID] = state
	}
	return state
}
