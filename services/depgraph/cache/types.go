// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the in-memory analysis cache shared by every
// depgraph component.
//
// Keys follow the convention "<kind>:<importID>:<suffix>" where kind is
// the analysis kind (why_chain, contribution, loops, redundancy). The
// kind prefix drives per-kind statistics; the import segment drives
// wholesale invalidation when an import's graph changes.
package cache

import (
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultMaxEntries bounds the cache size.
	DefaultMaxEntries = 10000

	// DefaultTTL applies when Set is called with a non-positive TTL.
	DefaultTTL = 10 * time.Minute

	// DefaultSweepInterval is how often expired entries are swept
	// eagerly, in addition to lazy expiry on read.
	DefaultSweepInterval = time.Minute

	// evictionFraction is the share of entries removed in one batch
	// when an insert would exceed MaxEntries. Eviction happens in a
	// batch, not one entry at a time, so a hot cache does not pay the
	// scan cost on every insert.
	evictionFraction = 0.10
)

// entry is a single cached value. Owned exclusively by the cache; never
// exposed to callers.
type entry struct {
	value      any
	expiresAt  time.Time
	lastAccess time.Time
}

// PrefixStats is the hit/miss breakdown for one analysis kind.
type PrefixStats struct {
	Hits   int64
	Misses int64
	Sets   int64
}

// HitRate returns the prefix hit rate as a percentage.
func (s PrefixStats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	// EntryCount is the number of live entries.
	EntryCount int

	// Hits counts Get calls that returned a live value.
	Hits int64

	// Misses counts Get calls that found nothing usable. An expired
	// entry counts as both a miss and an expiration.
	Misses int64

	// Evictions counts entries removed by capacity pressure.
	Evictions int64

	// Expirations counts entries removed because their TTL elapsed,
	// lazily on read or eagerly by the sweep.
	Expirations int64

	// Sets counts Set calls.
	Sets int64

	// Deletes counts successful Delete calls.
	Deletes int64

	// PerPrefix breaks hits/misses down by analysis kind.
	PerPrefix map[string]PrefixStats
}

// HitRate returns the global hit rate as a percentage.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total) * 100
}

// Options configures a Cache.
type Options struct {
	// MaxEntries is the maximum number of live entries.
	MaxEntries int

	// DefaultTTL applies when Set receives a non-positive TTL.
	DefaultTTL time.Duration

	// SweepInterval is how often the background sweep runs.
	// Zero disables the sweep; expiry then happens only lazily.
	SweepInterval time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxEntries:    DefaultMaxEntries,
		DefaultTTL:    DefaultTTL,
		SweepInterval: DefaultSweepInterval,
	}
}

// Option is a functional option for configuring a Cache.
type Option func(*Options)

// WithMaxEntries sets the maximum number of entries.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithDefaultTTL sets the TTL used when Set receives none.
func WithDefaultTTL(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.DefaultTTL = d
		}
	}
}

// WithSweepInterval sets the eager-sweep period. Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.SweepInterval = d
		}
	}
}

// Key builds a cache key from an analysis kind, an import id, and an
// optional suffix. The import segment is always colon-delimited so
// ImportPattern can match it unambiguously.
func Key(kind, importID string, suffix ...string) string {
	var b strings.Builder
	b.WriteString(kind)
	b.WriteByte(':')
	b.WriteString(importID)
	b.WriteByte(':')
	for i, s := range suffix {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s)
	}
	return b.String()
}

// ImportPattern returns the substring pattern matching every key of an
// import, for use with Invalidate.
func ImportPattern(importID string) string {
	return ":" + importID + ":"
}

// keyPrefix extracts the analysis-kind segment of a key.
func keyPrefix(key string) string {
	if i := strings.IndexByte(key, ':'); i >= 0 {
		return key[:i]
	}
	return key
}
