// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package snapcache provides the size-bounded second-level cache of
// committed field snapshots, shared across persistence contexts. An
// entry present in the cache is always a hit: admission is strict
// LRU, never probabilistic.
package snapcache

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/state"
)

// Cache holds immutable snapshots keyed by "<schema>#<identity>".
// Entries are replaced wholesale; callers must never mutate a
// snapshot after putting it.
type Cache struct {
	entries *lru.Cache[string, *state.CachedSnapshot]
}

// New returns a cache bounded to size entries.
func New(size int) (*Cache, error) {
	entries, err := lru.New[string, *state.CachedSnapshot](size)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Cache{entries: entries}, nil
}

// Get returns the snapshot for key, if cached.
func (c *Cache) Get(key string) (*state.CachedSnapshot, bool) {
	return c.entries.Get(key)
}

// Put stores a snapshot, displacing the least recently used entry
// when full.
func (c *Cache) Put(key string, snap *state.CachedSnapshot) {
	c.entries.Add(key, snap)
}

// Evict drops the snapshot for key, if cached.
func (c *Cache) Evict(key string) {
	c.entries.Remove(key)
}

// EvictSchema drops every snapshot of the named schema, used when a
// bulk operation invalidates a whole class.
func (c *Cache) EvictSchema(name string) {
	prefix := name + "#"
	for _, key := range c.entries.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.entries.Remove(key)
		}
	}
}

// Len returns the number of cached snapshots.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// Purge drops everything.
func (c *Cache) Purge() {
	c.entries.Purge()
}
