// Copyright (C) 2025 Kodiak AI (dev@kodiak-ai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache implements the TTL-bounded LRU cache of query results
// with selective invalidation.
//
// Each entry remembers the (subject, predicate) touch set of the query
// that produced it, computed at query time. A mutation of (s, p) drops
// exactly the entries whose touch set can reach that pair; everything
// else survives. Concurrent identical misses are deduplicated with
// singleflight so the underlying store is scanned once.
//
// # Design Principles
//
// The cache is a performance layer, never a source of truth: every
// entry is rebuildable from the store, and a full Flush is always a
// correct (if expensive) response to uncertainty.
//
// # Thread Safety
//
// QueryCache is safe for concurrent use.
package cache

import (
	"container/list"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kodiak-ai/kodiak/services/knowledge/triple"
)

// Defaults for cache construction.
const (
	// DefaultMaxEntries bounds the cache by entry count.
	DefaultMaxEntries = 1024

	// DefaultTTL is applied when Put is called with a non-positive TTL.
	DefaultTTL = 5 * time.Minute
)

// entry is one cached query result.
type entry struct {
	fingerprint string
	rows        []triple.Row
	touch       []triple.TouchPair
	expiresAt   time.Time
	elem        *list.Element
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Hits          int64
	Misses        int64
	Evictions     int64
	Invalidations int64
	Entries       int
}

// Option configures a QueryCache.
type Option func(*QueryCache)

// WithMaxEntries sets the LRU capacity. Non-positive values are
// ignored.
func WithMaxEntries(n int) Option {
	return func(c *QueryCache) {
		if n > 0 {
			c.maxEntries = n
		}
	}
}

// WithDefaultTTL sets the TTL used when Put receives a non-positive
// one. Non-positive values are ignored.
func WithDefaultTTL(ttl time.Duration) Option {
	return func(c *QueryCache) {
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// QueryCache caches query result rows keyed by query fingerprint.
type QueryCache struct {
	mu         sync.Mutex
	entries    map[string]*entry
	lru        *list.List // front = most recent
	maxEntries int
	defaultTTL time.Duration

	flight singleflight.Group

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
}

// New creates a QueryCache with the given options.
func New(opts ...Option) *QueryCache {
	c := &QueryCache{
		entries:    make(map[string]*entry),
		lru:        list.New(),
		maxEntries: DefaultMaxEntries,
		defaultTTL: DefaultTTL,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the cached rows for a fingerprint. An expired entry
// counts as a miss and is removed. Returned rows must be treated as
// read-only.
func (c *QueryCache) Get(fingerprint string) ([]triple.Row, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[fingerprint]
	if !ok {
		c.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		c.removeLocked(e)
		c.misses.Add(1)
		return nil, false
	}

	c.lru.MoveToFront(e.elem)
	c.hits.Add(1)
	return e.rows, true
}

// Put stores rows under the fingerprint with its touch set. A
// non-positive ttl uses the default. An existing entry for the key is
// replaced, including its expiry.
func (c *QueryCache) Put(fingerprint string, rows []triple.Row, touch []triple.TouchPair, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[fingerprint]; ok {
		e.rows = rows
		e.touch = touch
		e.expiresAt = time.Now().Add(ttl)
		c.lru.MoveToFront(e.elem)
		return
	}

	for len(c.entries) >= c.maxEntries {
		back := c.lru.Back()
		if back == nil {
			break
		}
		c.removeLocked(back.Value.(*entry))
		c.evictions.Add(1)
	}

	e := &entry{
		fingerprint: fingerprint,
		rows:        rows,
		touch:       touch,
		expiresAt:   time.Now().Add(ttl),
	}
	e.elem = c.lru.PushFront(e)
	c.entries[fingerprint] = e
}

// GetOrCompute returns the cached rows, or runs compute exactly once
// for concurrent callers with the same fingerprint. The second return
// reports whether the rows came from cache.
//
// compute is responsible for storing its result with Put before it
// returns, so the insert can happen under whatever synchronization
// guards the underlying data. An insert that raced with an
// invalidation is then impossible: either the entry lands before the
// mutation and is dropped by it, or it is computed from post-mutation
// state.
func (c *QueryCache) GetOrCompute(
	fingerprint string,
	compute func() ([]triple.Row, error),
) ([]triple.Row, bool, error) {
	if rows, ok := c.Get(fingerprint); ok {
		return rows, true, nil
	}

	v, err, shared := c.flight.Do(fingerprint, func() (any, error) {
		// A concurrent winner may have populated the entry between the
		// miss above and this flight.
		if rows, ok := c.Get(fingerprint); ok {
			return rows, nil
		}
		return compute()
	})
	if err != nil {
		return nil, false, err
	}
	if shared {
		// A shared flight result may predate an invalidation that
		// completed after it was computed. Trust only the live cache
		// entry; recompute when it is gone.
		if rows, ok := c.Get(fingerprint); ok {
			return rows, false, nil
		}
		rows, err := compute()
		return rows, false, err
	}
	return v.([]triple.Row), false, nil
}

// InvalidateFor drops every entry whose touch set can reach the
// mutated (subject, predicate) pair. Returns the number of entries
// dropped. Invalidation is exact: the next Get for a dropped key is
// guaranteed a miss.
func (c *QueryCache) InvalidateFor(subject, predicate string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	var victims []*entry
	for _, e := range c.entries {
		for _, pair := range e.touch {
			if pair.Touches(subject, predicate) {
				victims = append(victims, e)
				break
			}
		}
	}
	for _, e := range victims {
		c.removeLocked(e)
	}
	c.invalidations.Add(int64(len(victims)))
	return len(victims)
}

// Flush drops every entry. Used after rollback and import, where a
// multi-version delta makes selective invalidation unsafe.
func (c *QueryCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*entry)
	c.lru.Init()
}

// Len returns the number of live entries.
func (c *QueryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Snapshot returns the current counters.
func (c *QueryCache) Snapshot() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	c.mu.Unlock()

	return Stats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Entries:       entries,
	}
}

// removeLocked drops an entry from both structures. Caller holds mu.
func (c *QueryCache) removeLocked(e *entry) {
	c.lru.Remove(e.elem)
	delete(c.entries, e.fingerprint)
}
