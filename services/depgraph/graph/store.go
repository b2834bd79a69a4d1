// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graph

import (
	"context"
	"time"
)

// Store is the persistence boundary the analysis engines read the graph
// through and write derived metrics back through.
//
// # Description
//
// Implementations own the schema and transport (SQL, embedded KV, remote
// API); the engines only depend on this interface. Lookup methods report
// absence with a boolean rather than an error: callers decide whether
// absence is fatal. Errors are reserved for connectivity and storage
// failures.
//
// The analysis-cache methods form a secondary, persistent cache tier
// beneath the in-memory cache layer, for results that should survive
// process restarts.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; engines for different
// imports run concurrently against the same store.
type Store interface {
	// ListNodes returns all nodes of an import.
	ListNodes(ctx context.Context, importID string) ([]*Node, error)

	// ListEdges returns all edges of an import.
	ListEdges(ctx context.Context, importID string) ([]*Edge, error)

	// GetNode returns the node with the given id, or ok=false when the
	// node does not exist.
	GetNode(ctx context.Context, id string) (node *Node, ok bool, err error)

	// GetNodesByIDs returns the nodes for the given ids, keyed by id.
	// Missing ids are simply absent from the result.
	GetNodesByIDs(ctx context.Context, ids []string) (map[string]*Node, error)

	// GetDirectDependents returns the nodes with an edge pointing at the
	// given node ("who depends on this").
	GetDirectDependents(ctx context.Context, nodeID, importID string) ([]*Node, error)

	// GetTopLevelNodeIDs returns the ids of the import's top-level nodes.
	GetTopLevelNodeIDs(ctx context.Context, importID string) ([]string, error)

	// UpdateNodeContribution persists the derived contribution fields of
	// one node.
	UpdateNodeContribution(ctx context.Context, nodeID string, unique, shared, total int, computedAt time.Time) error

	// MarkEdgesRedundant sets the redundancy flag on the given edges.
	MarkEdgesRedundant(ctx context.Context, edgeIDs []string) error

	// GetAnalysisCache returns a persisted analysis payload for the
	// import, or ok=false when none is stored.
	GetAnalysisCache(ctx context.Context, importID, analysisType string) (payload []byte, computedAt time.Time, ok bool, err error)

	// PutAnalysisCache persists an analysis payload for the import,
	// replacing any previous payload of the same type.
	PutAnalysisCache(ctx context.Context, importID, analysisType string, payload []byte, computedAt time.Time) error
}
