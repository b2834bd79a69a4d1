// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for the analysis cache. Labeled by analysis kind
// (the key prefix) so dashboards can tell why-chain churn apart from
// contribution churn.
var (
	cacheHitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_cache_hits_total",
		Help: "Analysis cache hits by analysis kind",
	}, []string{"kind"})

	cacheMissesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_cache_misses_total",
		Help: "Analysis cache misses by analysis kind",
	}, []string{"kind"})

	cacheSetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "depgraph_cache_sets_total",
		Help: "Analysis cache inserts by analysis kind",
	}, []string{"kind"})

	cacheEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depgraph_cache_evictions_total",
		Help: "Entries evicted by capacity pressure",
	})

	cacheExpirationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "depgraph_cache_expirations_total",
		Help: "Entries removed because their TTL elapsed",
	})
)

func recordHit(kind string) {
	cacheHitsTotal.WithLabelValues(kind).Inc()
}

func recordMiss(kind string) {
	cacheMissesTotal.WithLabelValues(kind).Inc()
}

func recordSet(kind string) {
	cacheSetsTotal.WithLabelValues(kind).Inc()
}

func recordEvictions(n int) {
	cacheEvictionsTotal.Add(float64(n))
}

func recordExpiration() {
	cacheExpirationsTotal.Inc()
}

func recordExpirations(n int) {
	cacheExpirationsTotal.Add(float64(n))
}
