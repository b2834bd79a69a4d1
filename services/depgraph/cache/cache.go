// Copyright (C) 2025 Barrulus Labs (vizzy@barrulus.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Cache is a TTL key/value cache with hit/miss statistics and a bounded
// entry count.
//
// # Description
//
// Entries expire lazily on read (an expired entry is removed, counted as
// both a miss and an expiration) and eagerly on a periodic sweep.
// Inserting past capacity evicts the least-recently-accessed ~10% of
// entries in one batch. Substring invalidation supports both targeted
// (per-import) and wholesale clearing.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Every read/modify/write
// sequence runs under one mutex; the critical sections perform no I/O,
// so lock hold times stay short regardless of store latency elsewhere.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	opts    Options

	hits        int64
	misses      int64
	evictions   int64
	expirations int64
	sets        int64
	deletes     int64
	perPrefix   map[string]*PrefixStats

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New creates a Cache and starts its background sweep (unless the sweep
// interval is zero). Call Close to stop the sweep.
func New(options ...Option) *Cache {
	opts := DefaultOptions()
	for _, o := range options {
		o(&opts)
	}

	c := &Cache{
		entries:   make(map[string]*entry),
		opts:      opts,
		perPrefix: make(map[string]*PrefixStats),
		stopSweep: make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go c.sweepLoop()
	}
	return c
}

// Get returns the cached value for key, or ok=false on a miss. An entry
// whose TTL has elapsed is invisible: it is removed and counted as both
// a miss and an expiration.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		c.prefixStatsLocked(key).Misses++
		recordMiss(keyPrefix(key))
		return nil, false
	}
	if now.After(e.expiresAt) {
		delete(c.entries, key)
		c.misses++
		c.expirations++
		c.prefixStatsLocked(key).Misses++
		recordMiss(keyPrefix(key))
		recordExpiration()
		return nil, false
	}

	e.lastAccess = now
	c.hits++
	c.prefixStatsLocked(key).Hits++
	recordHit(keyPrefix(key))
	return e.value, true
}

// Set stores a value under key with the given TTL. A non-positive TTL
// falls back to the configured default. When the insert would exceed
// capacity, the least-recently-accessed ~10% of entries are evicted in
// one batch first.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.opts.MaxEntries {
		c.evictBatchLocked()
	}

	c.entries[key] = &entry{
		value:      value,
		expiresAt:  now.Add(ttl),
		lastAccess: now,
	}
	c.sets++
	c.prefixStatsLocked(key).Sets++
	recordSet(keyPrefix(key))
}

// Delete removes a key. Returns true when the key was present.
func (c *Cache) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.entries[key]; !ok {
		return false
	}
	delete(c.entries, key)
	c.deletes++
	return true
}

// Invalidate removes every entry whose key contains pattern as a
// substring. An empty pattern clears the whole cache. Returns the number
// of entries removed.
func (c *Cache) Invalidate(pattern string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pattern == "" {
		n := len(c.entries)
		c.entries = make(map[string]*entry)
		c.deletes += int64(n)
		return n
	}

	var doomed []string
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		delete(c.entries, key)
	}
	c.deletes += int64(len(doomed))
	return len(doomed)
}

// InvalidateImport removes every entry belonging to an import,
// regardless of analysis kind. Returns the number of entries removed.
func (c *Cache) InvalidateImport(importID string) int {
	return c.Invalidate(ImportPattern(importID))
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of global and per-prefix statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	perPrefix := make(map[string]PrefixStats, len(c.perPrefix))
	for prefix, s := range c.perPrefix {
		perPrefix[prefix] = *s
	}

	return Stats{
		EntryCount:  len(c.entries),
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		Expirations: c.expirations,
		Sets:        c.sets,
		Deletes:     c.deletes,
		PerPrefix:   perPrefix,
	}
}

// Close stops the background sweep. The cache remains usable; expiry
// then happens only lazily.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() {
		close(c.stopSweep)
	})
}

// evictBatchLocked removes the least-recently-accessed ~10% of entries
// (at least one). Caller must hold the mutex.
func (c *Cache) evictBatchLocked() {
	batch := int(float64(c.opts.MaxEntries) * evictionFraction)
	if batch < 1 {
		batch = 1
	}
	if batch > len(c.entries) {
		batch = len(c.entries)
	}

	type aged struct {
		key        string
		lastAccess time.Time
	}
	candidates := make([]aged, 0, len(c.entries))
	for key, e := range c.entries {
		candidates = append(candidates, aged{key: key, lastAccess: e.lastAccess})
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastAccess.Before(candidates[j].lastAccess)
	})

	for _, victim := range candidates[:batch] {
		delete(c.entries, victim.key)
	}
	c.evictions += int64(batch)
	recordEvictions(batch)
}

// sweepLoop eagerly removes expired entries on a fixed interval.
func (c *Cache) sweepLoop() {
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopSweep:
			return
		case now := <-ticker.C:
			c.sweepExpired(now)
		}
	}
}

// sweepExpired removes every entry whose TTL elapsed before now.
func (c *Cache) sweepExpired(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var doomed []string
	for key, e := range c.entries {
		if now.After(e.expiresAt) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		delete(c.entries, key)
	}
	c.expirations += int64(len(doomed))
	if len(doomed) > 0 {
		recordExpirations(len(doomed))
	}
}

// prefixStatsLocked returns the mutable per-prefix stats for a key.
// Caller must hold the mutex.
func (c *Cache) prefixStatsLocked(key string) *PrefixStats {
	prefix := keyPrefix(key)
	s, ok := c.perPrefix[prefix]
	if !ok {
		s = &PrefixStats{}
		c.perPrefix[prefix] = s
	}
	return s
}
