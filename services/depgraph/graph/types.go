// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graph defines the dependency graph data model and the store
// boundary used by every analysis component.
//
// Nodes are build artifacts, edges are "depends on" relations. Both are
// created at import time and owned by their import; the analysis engines
// only mutate derived fields (contribution counts, redundancy flags)
// through the Store interface.
package graph

import (
	"fmt"
	"time"
)

// DependencyKind classifies an edge of the dependency graph.
//
// Invalid values fail fast at the store boundary rather than silently
// defaulting: a record carrying an unknown kind is skipped and counted,
// never reinterpreted.
type DependencyKind string

const (
	// KindBuild marks a dependency needed only to build the source artifact.
	KindBuild DependencyKind = "build"

	// KindRuntime marks a dependency needed when the artifact runs.
	KindRuntime DependencyKind = "runtime"

	// KindUnknown marks an edge whose kind could not be determined at
	// import time. Unknown stays unknown: it is never coerced to runtime
	// and attribution does not traverse it.
	KindUnknown DependencyKind = "unknown"
)

// ParseDependencyKind validates a raw kind string.
func ParseDependencyKind(s string) (DependencyKind, error) {
	switch DependencyKind(s) {
	case KindBuild, KindRuntime, KindUnknown:
		return DependencyKind(s), nil
	default:
		return "", fmt.Errorf("unknown dependency kind %q", s)
	}
}

// Valid reports whether the kind is one of the known values.
func (k DependencyKind) Valid() bool {
	switch k {
	case KindBuild, KindRuntime, KindUnknown:
		return true
	default:
		return false
	}
}

// Node is a build artifact in an imported dependency graph.
//
// Identity and descriptive fields are set at import time and never
// change. The contribution fields are derived: they are written only by
// the contribution engine and the staleness tracker.
type Node struct {
	// ID uniquely identifies the node across all imports.
	ID string

	// ImportID is the owning import. Nodes never outlive their import.
	ImportID string

	// Hash is the content hash of the artifact.
	Hash string

	// Label is the human-readable package name (e.g. "openssl-3.0.7").
	// Multiple nodes may share a label with different hashes (variants).
	Label string

	// Classification is the package-type classification assigned at
	// import time (e.g. "library", "application").
	Classification string

	// Depth is the node's distance from the import root.
	Depth int

	// ClosureSize is the size of the node's transitive dependency set.
	ClosureSize int

	// IsTopLevel marks nodes explicitly requested by the user or config,
	// as opposed to transitive dependencies.
	IsTopLevel bool

	// TopLevelSource records where the top-level flag came from
	// (e.g. "user", "config"). Empty for non-top-level nodes.
	TopLevelSource string

	// UniqueDeps counts dependencies reachable from this top-level node
	// and from no other top-level node. Derived.
	UniqueDeps int

	// SharedDeps counts dependencies this top-level node shares with at
	// least one other top-level node. Derived.
	SharedDeps int

	// TotalDeps is UniqueDeps + SharedDeps. Derived.
	TotalDeps int

	// ContributionComputedAt is when the contribution fields were last
	// derived. Nil when never computed.
	ContributionComputedAt *time.Time
}

// Clone returns a deep copy of the node.
func (n *Node) Clone() *Node {
	c := *n
	if n.ContributionComputedAt != nil {
		t := *n.ContributionComputedAt
		c.ContributionComputedAt = &t
	}
	return &c
}

// Edge is a "source depends on target" relation between two nodes of the
// same import.
type Edge struct {
	// ID uniquely identifies the edge.
	ID string

	// ImportID is the owning import. Must match both endpoints.
	ImportID string

	// SourceID is the depending node.
	SourceID string

	// TargetID is the node depended upon.
	TargetID string

	// Kind classifies the dependency.
	Kind DependencyKind

	// IsRedundant is set only by the redundancy detector, after a
	// positive bypass-path check. Never set elsewhere.
	IsRedundant bool
}

// Validate checks the structural fields of the edge.
func (e *Edge) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("edge missing id")
	}
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("edge %s missing endpoint", e.ID)
	}
	if !e.Kind.Valid() {
		return fmt.Errorf("edge %s has unknown dependency kind %q", e.ID, e.Kind)
	}
	return nil
}

// Clone returns a copy of the edge.
func (e *Edge) Clone() *Edge {
	c := *e
	return &c
}
