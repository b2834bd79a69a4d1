// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package depgraph is the facade over the dependency-graph attribution
// and integrity engines.
//
// An Engine owns the in-memory analysis cache, the optional persistent
// tier, and one instance of each analysis engine, all wired from one
// config.Config. Callers bring their own graph.Store; everything else
// is assembled here.
package depgraph

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/barrulus/vizzy-sub000/pkg/logging"
	"github.com/barrulus/vizzy-sub000/services/depgraph/analysis"
	"github.com/barrulus/vizzy-sub000/services/depgraph/cache"
	"github.com/barrulus/vizzy-sub000/services/depgraph/config"
	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
	"github.com/barrulus/vizzy-sub000/services/depgraph/staleness"
	badgerstore "github.com/barrulus/vizzy-sub000/services/depgraph/storage/badger"
)

// Engine bundles the analysis engines behind one handle.
//
// # Thread Safety
//
// Safe for concurrent use; every component it wires is.
type Engine struct {
	cfg     config.Config
	logger  *logging.Logger
	store   graph.Store
	cache   *cache.Cache
	persist *badgerstore.AnalysisStore

	cycles       *analysis.CycleDetector
	redundancy   *analysis.RedundancyDetector
	contribution *analysis.ContributionEngine
	attribution  *analysis.AttributionEngine
	tracker      *staleness.Tracker
}

// persistentStore routes the analysis-cache methods of a graph.Store to
// the BadgerDB tier while delegating everything else to the wrapped
// store. Used when config enables persistence.
type persistentStore struct {
	graph.Store
	tier *badgerstore.AnalysisStore
}

func (s *persistentStore) GetAnalysisCache(ctx context.Context, importID, analysisType string) ([]byte, time.Time, bool, error) {
	return s.tier.Get(ctx, importID, analysisType)
}

func (s *persistentStore) PutAnalysisCache(ctx context.Context, importID, analysisType string, payload []byte, computedAt time.Time) error {
	return s.tier.Put(ctx, importID, analysisType, payload, computedAt)
}

// New assembles an Engine from a graph store and configuration. A nil
// logger discards. Call Close when done.
func New(store graph.Store, cfg config.Config, logger *logging.Logger) (*Engine, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}
	if logger == nil {
		logger = logging.Discard()
	}

	c := cache.New(
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithDefaultTTL(cfg.Cache.DefaultTTL),
		cache.WithSweepInterval(cfg.Cache.SweepInterval),
	)

	e := &Engine{
		cfg:    cfg,
		logger: logger,
		store:  store,
		cache:  c,
	}

	if cfg.Storage.Path != "" {
		persist, err := badgerstore.Open(badgerstore.Config{
			Path:       cfg.Storage.Path,
			SyncWrites: cfg.Storage.SyncWrites,
			TTL:        cfg.Storage.TTL,
			Logger:     logger.Slog(),
		})
		if err != nil {
			c.Close()
			return nil, err
		}
		e.persist = persist
		e.store = &persistentStore{Store: store, tier: persist}
	}

	e.cycles = analysis.NewCycleDetector(e.store, c, logger)
	e.redundancy = analysis.NewRedundancyDetector(e.store, c, logger,
		analysis.WithBypassDepth(cfg.Analysis.BypassSearchDepth))
	e.contribution = analysis.NewContributionEngine(e.store, c, logger)
	e.attribution = analysis.NewAttributionEngine(e.store, c, logger,
		analysis.WithDeepPathThreshold(cfg.Analysis.DeepPathThreshold),
		analysis.WithCommonLabels(cfg.Analysis.CommonLabels))
	e.tracker = staleness.NewTracker(e.store, c, e.contribution, logger,
		staleness.WithRecomputeRate(rate.Limit(cfg.Staleness.RecomputePerSecond)))

	return e, nil
}

// WhyChain explains why a node is in the closure.
func (e *Engine) WhyChain(ctx context.Context, importID, targetID string, q analysis.WhyChainQuery) (*analysis.WhyChainResult, error) {
	q = e.applyQueryDefaults(q)
	return e.attribution.BuildWhyChainResult(ctx, importID, targetID, q)
}

// RemovalImpact assesses what breaks if a node is removed.
func (e *Engine) RemovalImpact(ctx context.Context, importID, targetID string) (*analysis.RemovalImpact, error) {
	return e.attribution.ComputeRemovalImpact(ctx, importID, targetID)
}

// FindLoops returns the dependency loops of an import.
func (e *Engine) FindLoops(ctx context.Context, importID string) ([]analysis.LoopGroup, error) {
	return e.cycles.FindLoops(ctx, importID)
}

// FindRedundantLinks returns edges bypassed by a longer path.
func (e *Engine) FindRedundantLinks(ctx context.Context, importID string) ([]analysis.RedundantLink, error) {
	return e.redundancy.FindRedundantLinks(ctx, importID, e.cfg.Analysis.MaxEdgesChecked)
}

// MarkRedundantEdges persists the redundancy flag on every redundant
// edge found. Returns the number of edges marked.
func (e *Engine) MarkRedundantEdges(ctx context.Context, importID string) (int, error) {
	return e.redundancy.MarkRedundantEdges(ctx, importID)
}

// ComputeContributions recomputes the unique/shared closure split of
// every top-level node. Returns the number of nodes updated.
func (e *Engine) ComputeContributions(ctx context.Context, importID string) (int, error) {
	return e.contribution.ComputeContributions(ctx, importID)
}

// ContributionSummary returns the current contribution summary, or nil
// when nothing has been computed yet.
func (e *Engine) ContributionSummary(ctx context.Context, importID string) (*analysis.ContributionSummary, error) {
	return e.contribution.Summary(ctx, importID)
}

// RecordChange registers a graph mutation with the staleness tracker.
func (e *Engine) RecordChange(ctx context.Context, event staleness.ChangeEvent) (*staleness.ChangeEvent, error) {
	return e.tracker.RecordChange(ctx, event)
}

// StalenessReport summarizes which derived metrics are out of date. A
// positive threshold additionally flags contributions older than it; a
// zero threshold falls back to the configured one.
func (e *Engine) StalenessReport(ctx context.Context, importID string, threshold time.Duration) (*staleness.Report, error) {
	if threshold == 0 {
		threshold = e.cfg.Staleness.StaleThreshold
	}
	return e.tracker.Report(ctx, importID, threshold)
}

// EstimateRecomputationCost predicts the next recomputation's scope.
func (e *Engine) EstimateRecomputationCost(ctx context.Context, importID string) (string, error) {
	return e.tracker.EstimateCost(ctx, importID)
}

// RecomputeStaleContributions recomputes everything the recorded
// changes invalidated.
func (e *Engine) RecomputeStaleContributions(ctx context.Context, importID string) (*staleness.RecomputationResult, error) {
	return e.tracker.RecomputeStaleContributions(ctx, importID)
}

// InvalidateImport drops every cached analysis result of an import from
// both cache tiers. Returns the number of in-memory entries removed.
func (e *Engine) InvalidateImport(ctx context.Context, importID string) (int, error) {
	removed := e.cache.InvalidateImport(importID)
	if e.persist != nil {
		if _, err := e.persist.InvalidateImport(ctx, importID); err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// CacheStats returns a snapshot of the in-memory cache statistics.
func (e *Engine) CacheStats() cache.Stats {
	return e.cache.Stats()
}

// Close releases the cache sweep and the persistent tier.
func (e *Engine) Close() error {
	e.cache.Close()
	if e.persist != nil {
		return e.persist.Close()
	}
	return nil
}

// applyQueryDefaults fills unset query bounds from configuration.
func (e *Engine) applyQueryDefaults(q analysis.WhyChainQuery) analysis.WhyChainQuery {
	if q.MaxDepth <= 0 {
		q.MaxDepth = e.cfg.Analysis.MaxDepth
	}
	if q.MaxPaths <= 0 {
		q.MaxPaths = e.cfg.Analysis.MaxPaths
	}
	if q.MaxGroups <= 0 {
		q.MaxGroups = e.cfg.Analysis.MaxGroups
	}
	return q
}
