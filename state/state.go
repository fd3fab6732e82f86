// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package state is the in-process runtime that tracks, for every
// object bound to a persistent identity, its life-cycle state, which
// of its fields are loaded versus modified, and the consistency of
// bidirectional relationships with other tracked objects.
//
// Each managed object is owned by exactly one Manager, which drives
// the life-cycle machine in core/lifecycle, keeps loaded/dirty
// bit-vectors from core/fieldbits, and coordinates flushes, refreshes,
// rollbacks and detach/attach snapshots through the surrounding
// Context. Query execution, storage I/O, schema loading and
// transaction demarcation live behind the collaborator contracts in
// this file; the runtime itself performs no I/O of its own.
package state

import (
	"github.com/juju/clock"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("statekeep.state")

// CachedSnapshot is an immutable copy of an object's loaded fields as
// last seen consistent with the datastore. Snapshots are replaced
// wholesale in the L2 cache, never mutated in place.
type CachedSnapshot struct {
	Version any
	Values  []any
	Loaded  []uint64
}

// Context is the persistence context a Manager coordinates with: the
// transaction boundary, the identity map, the L2 cache and the
// dispatch to storage. One Context spans one unit of work; its L2
// cache may be shared across units.
type Context interface {
	// TransactionActive reports whether a unit of work is in
	// progress.
	TransactionActive() bool

	// Optimistic reports whether the active unit of work uses
	// optimistic concurrency.
	Optimistic() bool

	// RetainValues keeps loaded fields across commit instead of
	// hollowing objects out.
	RetainValues() bool

	// DelayedFlush reports whether writes accumulate until commit
	// (optimistic timing) rather than flushing eagerly.
	DelayedFlush() bool

	// Multithreaded enables the coarse serialization mode: each
	// field-level access on a manager takes the context lock for the
	// duration of that single access.
	Multithreaded() bool

	// Lock and Unlock guard single field accesses in multithreaded
	// mode. Never held across storage I/O.
	Lock()
	Unlock()

	// ManagingRelations reports whether relationship corrections are
	// currently being replayed; relation-change recording is
	// suppressed while true.
	ManagingRelations() bool
	SetManagingRelations(bool)

	// Enlist and EvictFromTransaction track transactional membership.
	Enlist(*Manager)
	EvictFromTransaction(*Manager)

	// PutIdentity and RemoveIdentity maintain the identity map (L1).
	PutIdentity(*Manager)
	RemoveIdentity(*Manager)

	// ManagerForObject returns the manager bound to obj, or nil.
	ManagerForObject(Instance) *Manager

	// ManagerForIdentity returns the manager registered for the given
	// external identity, or nil.
	ManagerForIdentity(schema Schema, id any) *Manager

	// CacheGet, CachePut and CacheEvict access the L2 field-snapshot
	// cache. Entries are immutable and replaced wholesale.
	CacheGet(key string) (*CachedSnapshot, bool)
	CachePut(key string, snap *CachedSnapshot)
	CacheEvict(key string)

	// AllocateIdentity produces a datastore identity for a manager
	// whose schema uses datastore identity.
	AllocateIdentity(*Manager) (any, error)

	// MarkDirty notes that the manager has unflushed changes so that
	// the unit of work flushes it.
	MarkDirty(*Manager)

	// Store dispatches insert/update/delete/fetch/locate operations.
	Store() StoreManager

	// Callbacks delivers life-cycle notifications.
	Callbacks() CallbackHandler

	// Clock is used by the timestamp version strategy.
	Clock() clock.Clock

	// Metrics returns the collector to observe with, or nil.
	Metrics() *Collector
}

// StoreManager is the storage backend boundary. Implementations map
// managers to their durable representation; they must not call back
// into field-access paths that record relation changes.
type StoreManager interface {
	// Insert writes a new object. It returns ErrNotYetFlushed if the
	// object references a related object whose own insert has not
	// happened yet, in which case the caller restores dirty state and
	// retries later in the same unit of work.
	Insert(m *Manager) error

	// Update writes the given modified fields.
	Update(m *Manager, fields []int) error

	// Delete removes the object.
	Delete(m *Manager) error

	// Fetch loads the given fields into the object via
	// Manager.ReplaceLoadedField.
	Fetch(m *Manager, fields []int) error

	// Locate verifies the object exists, returning ErrNotFound if the
	// datastore has no trace of it. I/O failure is reported
	// distinctly so callers can tell "deleted" from "unreachable".
	Locate(m *Manager) error
}
