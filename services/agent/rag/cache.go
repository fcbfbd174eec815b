// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rag

import (
	"strings"
	"sync"
	"time"
)

// Cache holds assembled retrieval contexts keyed by (graphKey, query).
//
// Entries are immutable once stored; consistency is TTL-based only.
// Bounded staleness after a graph edit is an accepted tradeoff, and
// InvalidateGraph exists for callers that want to tighten it.
//
// Thread Safety:
//
//	Cache is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry

	// now is replaceable for tests.
	now func() time.Time
}

type cacheEntry struct {
	context  *Context
	storedAt time.Time
}

// NewCache creates a cache with the given TTL. A TTL of 0 disables
// caching entirely: Get never hits and Put is a no-op.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		ttl:     ttl,
		entries: make(map[string]cacheEntry),
		now:     time.Now,
	}
}

func cacheKey(graphKey, query string) string {
	return graphKey + "\x00" + query
}

// Get returns a live cached context, or nil on miss or expiry.
func (c *Cache) Get(graphKey, query string) *Context {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[cacheKey(graphKey, query)]
	if !ok {
		return nil
	}
	if c.now().Sub(entry.storedAt) >= c.ttl {
		delete(c.entries, cacheKey(graphKey, query))
		return nil
	}
	return entry.context
}

// Put stores a context with the current timestamp.
func (c *Cache) Put(graphKey, query string, context *Context) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[cacheKey(graphKey, query)] = cacheEntry{context: context, storedAt: c.now()}
}

// InvalidateGraph drops every entry whose graph key starts with prefix.
// Returns the number of entries removed.
func (c *Cache) InvalidateGraph(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for key := range c.entries {
		graphKey, _, _ := strings.Cut(key, "\x00")
		if strings.HasPrefix(graphKey, prefix) {
			delete(c.entries, key)
			removed++
		}
	}
	return removed
}

// Clear drops all entries.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Size returns the number of stored entries, expired or not.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
