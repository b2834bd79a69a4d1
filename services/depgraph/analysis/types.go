// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package analysis implements the dependency-graph analysis engines:
// cycle detection, redundant-edge detection, closure contribution, and
// attribution ("why is this artifact in the closure").
//
// Every engine computes over an in-memory adjacency view loaded once per
// operation; traversals are iterative and bounded. The depth/path/edge
// limits threaded through each traversal are the only defense against
// pathological graphs and are mandatory, not optional.
package analysis

import (
	"errors"
	"fmt"
	"time"

	"github.com/barrulus/vizzy-sub000/services/depgraph/graph"
)

// Tuning constants. The config package mirrors these as defaults;
// they preserve the observed behavior of the system they derive from.
const (
	// DefaultBypassSearchDepth bounds the bypass-path search of the
	// redundancy detector. This makes the check a bounded approximation
	// of full transitive reduction: an edge whose only detour is longer
	// than this is not reported. Deliberately not upgraded to a full
	// reduction, which would change complexity and findings.
	DefaultBypassSearchDepth = 5

	// DefaultDeepPathThreshold is the average runtime path length above
	// which an essential node is classified as deeply essential.
	DefaultDeepPathThreshold = 5.0

	// DefaultMaxDepth bounds attribution path length.
	DefaultMaxDepth = 20

	// DefaultMaxPaths bounds the number of attribution paths collected.
	DefaultMaxPaths = 100

	// DefaultMaxGroups bounds the number of attribution groups returned.
	DefaultMaxGroups = 20

	// DefaultMaxEdgesChecked bounds the redundancy detector's scan.
	DefaultMaxEdgesChecked = 1000
)

// Cache TTLs per analysis kind.
const (
	// LoopsCacheTTL is long: cycle structure rarely changes without a
	// reimport.
	LoopsCacheTTL = time.Hour

	// WhyChainCacheTTL is the medium TTL for attribution results.
	WhyChainCacheTTL = 10 * time.Minute

	// WhyChainExtendedTTL applies to commonly queried labels.
	WhyChainExtendedTTL = time.Hour

	// RedundancyCacheTTL for redundant-link findings.
	RedundancyCacheTTL = 30 * time.Minute

	// ContributionCacheTTL for contribution summaries.
	ContributionCacheTTL = 15 * time.Minute
)

// ErrTargetNotFound reports that the target node of an attribution query
// does not exist. Callers decide whether absence is fatal.
var ErrTargetNotFound = errors.New("target node not found")

// Essentiality classifies how necessary a node is to the top-level
// configuration.
type Essentiality string

const (
	// EssentialityOrphan: no attribution path reaches the node.
	EssentialityOrphan Essentiality = "orphan"

	// EssentialityBuildOnly: paths exist but none is fully runtime.
	EssentialityBuildOnly Essentiality = "build_only"

	// EssentialitySingle: exactly one top-level node needs it at runtime.
	EssentialitySingle Essentiality = "essential_single"

	// EssentialityEssential: multiple top-level nodes need it at runtime.
	EssentialityEssential Essentiality = "essential"

	// EssentialityDeep: needed at runtime, but only through long chains
	// (average runtime path length above the deep-path threshold).
	EssentialityDeep Essentiality = "essential_deep"
)

// ParseEssentiality validates a raw essentiality string.
func ParseEssentiality(s string) (Essentiality, error) {
	switch Essentiality(s) {
	case EssentialityOrphan, EssentialityBuildOnly, EssentialitySingle,
		EssentialityEssential, EssentialityDeep:
		return Essentiality(s), nil
	default:
		return "", fmt.Errorf("unknown essentiality %q", s)
	}
}

// Removable reports whether a node with this classification can be
// removed without breaking a runtime dependency of any top-level node.
func (e Essentiality) Removable() bool {
	return e == EssentialityOrphan || e == EssentialityBuildOnly
}

// LoopGroup is one strongly connected component of size > 1, plus one
// concrete simple cycle through it when one could be traced.
type LoopGroup struct {
	// Members are the node ids of the component, unordered.
	Members []string

	// CyclePath is a concrete simple cycle (first == last, every
	// consecutive pair a real edge). Nil when no explicit cycle could
	// be traced; Members then stands in as the fallback.
	CyclePath []string
}

// RedundantLink is an edge whose removal does not change reachability,
// within the bypass search depth.
type RedundantLink struct {
	// Edge is the redundant edge.
	Edge *graph.Edge

	// BypassPath is a node-id path of length ≥ 2 edges from the edge's
	// source to its target that does not use the edge directly.
	BypassPath []string
}

// AttributionPath is an ordered walk from a top-level node down to a
// target node, explaining why the target is present.
type AttributionPath struct {
	// Nodes runs from the top-level node (first) to the target (last).
	// A node id never repeats within one path.
	Nodes []string

	// Kinds holds the dependency kind per hop: Kinds[i] is the kind of
	// the edge Nodes[i] → Nodes[i+1]. Always len(Nodes)-1 entries.
	Kinds []graph.DependencyKind

	// FullyRuntime is true when every hop is a runtime dependency.
	FullyRuntime bool
}

// Len returns the path length in hops. The trivial path of a top-level
// target has length zero.
func (p AttributionPath) Len() int {
	return len(p.Kinds)
}

// TopLevelID returns the top-level endpoint of the path.
func (p AttributionPath) TopLevelID() string {
	if len(p.Nodes) == 0 {
		return ""
	}
	return p.Nodes[0]
}

// AttributionGroup aggregates attribution paths arriving at the target
// through the same nearest intermediate ("via") node.
type AttributionGroup struct {
	// ViaID is the node the grouped paths pass through immediately
	// before the target. Empty for the direct group.
	ViaID string

	// Direct marks the group of length-1 paths (top-level depends on
	// the target directly).
	Direct bool

	// TopLevelIDs are the distinct top-level endpoints of the group.
	TopLevelIDs []string

	// Representative is the shortest path of the group.
	Representative AttributionPath

	// TotalDependents counts the paths aggregated into this group.
	TotalDependents int
}

// WhyChainQuery bounds an attribution computation. Zero values fall
// back to the package defaults; the bounds are mandatory.
type WhyChainQuery struct {
	// MaxDepth bounds attribution path length in hops.
	MaxDepth int

	// MaxPaths stops the search once this many complete paths exist.
	MaxPaths int

	// MaxGroups bounds the number of aggregated groups returned.
	MaxGroups int

	// IncludeBuildDeps widens the traversal from runtime-only edges to
	// runtime+build edges.
	IncludeBuildDeps bool
}

// normalized returns the query with defaults applied.
func (q WhyChainQuery) normalized() WhyChainQuery {
	if q.MaxDepth <= 0 {
		q.MaxDepth = DefaultMaxDepth
	}
	if q.MaxPaths <= 0 {
		q.MaxPaths = DefaultMaxPaths
	}
	if q.MaxGroups <= 0 {
		q.MaxGroups = DefaultMaxGroups
	}
	return q
}

// WhyChainResult is the caller-facing attribution answer for one node.
type WhyChainResult struct {
	// Target is the node being explained.
	Target *graph.Node

	// DirectDependents are the nodes depending on the target directly.
	DirectDependents []*graph.Node

	// Groups aggregate the discovered paths by via node.
	Groups []AttributionGroup

	// TotalTopLevelDependents counts distinct top-level nodes across
	// all paths.
	TotalTopLevelDependents int

	// TotalPathsFound counts complete paths before grouping.
	TotalPathsFound int

	// Essentiality classifies the target.
	Essentiality Essentiality

	// ComputationTimeMs is the wall-clock computation time. Zero when
	// the result was served from cache.
	ComputationTimeMs int64
}

// RemovalImpact describes what breaks if the target is removed.
type RemovalImpact struct {
	// TargetID is the node whose removal is assessed.
	TargetID string

	// AffectedTopLevel lists top-level nodes that would lose the target
	// (reached via fully-runtime paths).
	AffectedTopLevel []string

	// UniquelyReachable lists dependencies reachable only through the
	// target; removing the target orphans them.
	UniquelyReachable []string

	// Essentiality is the classification the assessment is based on.
	Essentiality Essentiality

	// Safe is true when removal breaks no runtime dependency.
	Safe bool
}

// ClosureContribution is the unique/shared split for one top-level node.
// Invariant: Total == Unique + Shared.
type ClosureContribution struct {
	NodeID      string
	Label       string
	Unique      int
	Shared      int
	Total       int
	ClosureSize int
}

// ContributionSummary aggregates persisted contributions of an import.
type ContributionSummary struct {
	ImportID      string
	TopLevelCount int
	Contributions []ClosureContribution
	TotalUnique   int
	TotalShared   int
	ComputedAt    time.Time
}

// BatchResult reports a contribution recomputation batch. Per-node
// persistence failures are retained for diagnostics and do not abort
// the batch.
type BatchResult struct {
	// Updated counts nodes whose contribution was persisted.
	Updated int

	// NodeErrors holds one message per node that failed to persist.
	NodeErrors []string
}
