// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package depgraph

import (
	"errors"

	"github.com/barrulus/vizzy-sub000/services/depgraph/analysis"
)

var (
	// ErrStoreRequired is returned by New when no graph store is given.
	ErrStoreRequired = errors.New("depgraph: graph store is required")

	// ErrNodeNotFound is returned when an operation targets a node that
	// does not exist. Matches errors produced by the analysis engines.
	ErrNodeNotFound = analysis.ErrTargetNotFound
)
