// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"sync"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/internal/snapcache"
	"github.com/statekeep/statekeep/state"
)

// Context is an in-memory persistence context for tests: identity
// map, dirty list, enlistment, a snapcache-backed L2 and a MemStore
// behind it. The zero configuration is an active optimistic unit of
// work that retains values across commit.
type Context struct {
	active     bool
	optimistic bool
	retain     bool
	delayed    bool
	threaded   bool
	managing   bool

	mu         sync.Mutex
	store      *MemStore
	cache      *snapcache.Cache
	callbacks  state.CallbackHandler
	clk        clock.Clock
	metrics    *state.Collector
	identities map[string]*state.Manager
	enlisted   []*state.Manager
	dirty      []*state.Manager
	nextID     int64
}

// NewContext returns a context over the given store.
func NewContext(store *MemStore) *Context {
	cache, err := snapcache.New(128)
	if err != nil {
		panic(err)
	}
	return &Context{
		active:     true,
		optimistic: true,
		retain:     true,
		delayed:    true,
		store:      store,
		cache:      cache,
		callbacks:  state.NoopCallbacks{},
		clk:        clock.WallClock,
		identities: make(map[string]*state.Manager),
	}
}

// SetTransactionActive flips the unit-of-work boundary without the
// enlistment bookkeeping of Begin.
func (ctx *Context) SetTransactionActive(v bool) { ctx.active = v }

// SetOptimistic selects the concurrency mode.
func (ctx *Context) SetOptimistic(v bool) { ctx.optimistic = v }

// SetRetainValues selects whether commit retains loaded fields.
func (ctx *Context) SetRetainValues(v bool) { ctx.retain = v }

// SetDelayedFlush selects whether writes accumulate until commit.
func (ctx *Context) SetDelayedFlush(v bool) { ctx.delayed = v }

// SetMultithreaded enables the coarse per-access lock.
func (ctx *Context) SetMultithreaded(v bool) { ctx.threaded = v }

// SetCallbacks installs a callback handler.
func (ctx *Context) SetCallbacks(cb state.CallbackHandler) { ctx.callbacks = cb }

// SetClock installs a clock, typically a testclock.
func (ctx *Context) SetClock(clk clock.Clock) { ctx.clk = clk }

// SetMetrics installs a metrics collector.
func (ctx *Context) SetMetrics(c *state.Collector) { ctx.metrics = c }

// TransactionActive is part of state.Context.
func (ctx *Context) TransactionActive() bool { return ctx.active }

// Optimistic is part of state.Context.
func (ctx *Context) Optimistic() bool { return ctx.optimistic }

// RetainValues is part of state.Context.
func (ctx *Context) RetainValues() bool { return ctx.retain }

// DelayedFlush is part of state.Context.
func (ctx *Context) DelayedFlush() bool { return ctx.delayed }

// Multithreaded is part of state.Context.
func (ctx *Context) Multithreaded() bool { return ctx.threaded }

// Lock is part of state.Context.
func (ctx *Context) Lock() { ctx.mu.Lock() }

// Unlock is part of state.Context.
func (ctx *Context) Unlock() { ctx.mu.Unlock() }

// ManagingRelations is part of state.Context.
func (ctx *Context) ManagingRelations() bool { return ctx.managing }

// SetManagingRelations is part of state.Context.
func (ctx *Context) SetManagingRelations(v bool) { ctx.managing = v }

// Enlist is part of state.Context.
func (ctx *Context) Enlist(m *state.Manager) {
	for _, e := range ctx.enlisted {
		if e == m {
			return
		}
	}
	ctx.enlisted = append(ctx.enlisted, m)
}

// EvictFromTransaction is part of state.Context.
func (ctx *Context) EvictFromTransaction(m *state.Manager) {
	for n, e := range ctx.enlisted {
		if e == m {
			ctx.enlisted = append(ctx.enlisted[:n], ctx.enlisted[n+1:]...)
			break
		}
	}
	for n, e := range ctx.dirty {
		if e == m {
			ctx.dirty = append(ctx.dirty[:n], ctx.dirty[n+1:]...)
			break
		}
	}
}

// PutIdentity is part of state.Context.
func (ctx *Context) PutIdentity(m *state.Manager) {
	if m.Identity() == nil {
		return
	}
	ctx.identities[m.CacheKey()] = m
}

// RemoveIdentity is part of state.Context.
func (ctx *Context) RemoveIdentity(m *state.Manager) {
	if m.Identity() == nil {
		return
	}
	delete(ctx.identities, m.CacheKey())
}

// ManagerForObject is part of state.Context.
func (ctx *Context) ManagerForObject(obj state.Instance) *state.Manager {
	return obj.StateHandle()
}

// ManagerForIdentity is part of state.Context.
func (ctx *Context) ManagerForIdentity(schema state.Schema, id any) *state.Manager {
	return ctx.identities[storeKey(schema, id)]
}

// CacheGet is part of state.Context.
func (ctx *Context) CacheGet(key string) (*state.CachedSnapshot, bool) {
	return ctx.cache.Get(key)
}

// CachePut is part of state.Context.
func (ctx *Context) CachePut(key string, snap *state.CachedSnapshot) {
	ctx.cache.Put(key, snap)
}

// CacheEvict is part of state.Context.
func (ctx *Context) CacheEvict(key string) {
	ctx.cache.Evict(key)
}

// Cache exposes the L2 for assertions.
func (ctx *Context) Cache() *snapcache.Cache {
	return ctx.cache
}

// AllocateIdentity is part of state.Context.
func (ctx *Context) AllocateIdentity(*state.Manager) (any, error) {
	ctx.nextID++
	return ctx.nextID, nil
}

// MarkDirty is part of state.Context. Dirty managers are implicitly
// members of the unit of work so the commit and rollback hooks reach
// them.
func (ctx *Context) MarkDirty(m *state.Manager) {
	ctx.Enlist(m)
	for _, e := range ctx.dirty {
		if e == m {
			return
		}
	}
	ctx.dirty = append(ctx.dirty, m)
}

// Store is part of state.Context.
func (ctx *Context) Store() state.StoreManager {
	return ctx.store
}

// Callbacks is part of state.Context.
func (ctx *Context) Callbacks() state.CallbackHandler {
	return ctx.callbacks
}

// Clock is part of state.Context.
func (ctx *Context) Clock() clock.Clock {
	return ctx.clk
}

// Metrics is part of state.Context.
func (ctx *Context) Metrics() *state.Collector {
	return ctx.metrics
}

// Dirty reports whether the manager is on the dirty list.
func (ctx *Context) Dirty(m *state.Manager) bool {
	for _, e := range ctx.dirty {
		if e == m {
			return true
		}
	}
	return false
}

// Enlisted reports whether the manager is enlisted with the unit of
// work.
func (ctx *Context) Enlisted(m *state.Manager) bool {
	for _, e := range ctx.enlisted {
		if e == m {
			return true
		}
	}
	return false
}

// Begin starts a unit of work, joining every enlisted manager.
func (ctx *Context) Begin() error {
	ctx.active = true
	for _, m := range snapshotManagers(ctx.enlisted) {
		if err := m.TransactionBegun(); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// FlushAll verifies relationship consistency, replays the recorded
// corrections, then flushes every dirty manager. Flushes stalled on
// not-yet-inserted dependencies are retried once the rest of the
// graph has flushed; a pass with no progress reports the stall.
func (ctx *Context) FlushAll() error {
	for _, m := range snapshotManagers(ctx.dirty) {
		if r := m.Relations(); r != nil {
			if err := r.CheckConsistency(); err != nil {
				return errors.Trace(err)
			}
		}
	}
	for _, m := range snapshotManagers(ctx.dirty) {
		if r := m.Relations(); r != nil {
			if err := r.Process(); err != nil {
				return errors.Trace(err)
			}
		}
	}

	for len(ctx.dirty) > 0 {
		queue := ctx.dirty
		ctx.dirty = nil
		progressed := false
		for _, m := range queue {
			err := m.Flush()
			switch {
			case err == nil:
				progressed = true
			case errors.Is(err, state.ErrNotYetFlushed):
				// Requeued by the manager; retried next pass.
			default:
				return errors.Trace(err)
			}
		}
		if !progressed && len(ctx.dirty) > 0 {
			return errors.Annotatef(state.ErrNotYetFlushed,
				"%d objects stalled on unflushed dependencies", len(ctx.dirty))
		}
	}
	return nil
}

// Commit flushes and completes the unit of work.
func (ctx *Context) Commit() error {
	if err := ctx.FlushAll(); err != nil {
		return errors.Trace(err)
	}
	for _, m := range snapshotManagers(ctx.enlisted) {
		if err := m.PostCommit(); err != nil {
			return errors.Trace(err)
		}
	}
	ctx.enlisted = nil
	ctx.dirty = nil
	return nil
}

// Rollback abandons the unit of work, restoring every enlisted
// manager's rollback image.
func (ctx *Context) Rollback() error {
	for _, m := range snapshotManagers(ctx.enlisted) {
		if err := m.PostRollback(); err != nil {
			return errors.Trace(err)
		}
	}
	ctx.enlisted = nil
	ctx.dirty = nil
	return nil
}

func snapshotManagers(ms []*state.Manager) []*state.Manager {
	return append([]*state.Manager(nil), ms...)
}
