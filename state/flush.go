// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/core/lifecycle"
)

// Flush pushes this manager's pending change to storage: an insert
// for new objects, a delete for deleted ones, otherwise an update of
// the dirty fields. A non-dirty object flushes without I/O, and
// re-entrant flushes are no-ops so cyclic object graphs terminate.
func (m *Manager) Flush() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.flags&flagFlushing != 0 {
		return nil
	}
	// Transient and transient-transactional objects never reach
	// storage.
	if !m.state.Persistent() {
		return nil
	}
	m.flags |= flagFlushing
	defer func() { m.flags &^= flagFlushing }()

	switch {
	case m.state == lifecycle.NewDeleted:
		return errors.Trace(m.flushNewDeleted())
	case m.state.Deleted():
		return errors.Trace(m.flushDelete())
	case m.state.IsNew() && m.flags&flagInserted == 0:
		return errors.Trace(m.flushInsert())
	default:
		if !m.fields.AnyDirty() {
			return nil
		}
		return errors.Trace(m.flushUpdate())
	}
}

// flushNewDeleted handles an object created and deleted within the
// same unit of work. If the insert never reached the store there is
// nothing to undo.
func (m *Manager) flushNewDeleted() error {
	if m.flags&flagInserted == 0 || m.flags&flagDeleteDispatched != 0 {
		m.fields.ClearAllDirty()
		return nil
	}
	if err := m.ctx.Store().Delete(m); err != nil {
		return errors.Annotatef(err, "deleting %s", m.CacheKey())
	}
	m.flags |= flagDeleteDispatched
	m.fields.ClearAllDirty()
	m.ctx.CacheEvict(m.CacheKey())
	m.metrics().observeFlush("delete")
	return nil
}

func (m *Manager) flushDelete() error {
	if m.flags&flagDeleteDispatched != 0 {
		return nil
	}
	if err := m.ctx.Store().Delete(m); err != nil {
		if errors.Is(err, ErrNotFound) {
			// Deleted elsewhere; our intent is satisfied.
			logger.Debugf("%s already gone at delete flush", m.CacheKey())
		} else {
			return errors.Annotatef(err, "deleting %s", m.CacheKey())
		}
	}
	m.flags |= flagDeleteDispatched
	m.fields.ClearAllDirty()
	m.ctx.CacheEvict(m.CacheKey())
	m.metrics().observeFlush("delete")
	return nil
}

// flushInsert writes the whole object. An ErrNotYetFlushed from the
// store means a referenced object in a cyclic graph has not been
// inserted yet; the dirty state is restored and the error rethrown so
// the unit of work can retry after the dependency flushes.
func (m *Manager) flushInsert() error {
	m.flags |= flagInserting
	defer func() { m.flags &^= flagInserting }()

	if err := m.assignIdentity(); err != nil {
		return errors.Trace(err)
	}
	m.ctx.Callbacks().Pre(CallbackStore, m.instance)
	m.initVersion()

	dirtySnap := m.fields.SnapshotDirty()
	if err := m.ctx.Store().Insert(m); err != nil {
		if errors.Is(err, ErrNotYetFlushed) {
			m.fields.RestoreDirty(dirtySnap)
			m.ctx.MarkDirty(m)
			return errors.Trace(err)
		}
		return errors.Annotatef(err, "inserting %s", m.CacheKey())
	}
	m.flags |= flagInserted
	m.fields.ClearAllDirty()
	m.ctx.Callbacks().Post(CallbackStore, m.instance)
	m.metrics().observeFlush("insert")

	if err := m.resolveDeferred(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// flushUpdate writes the dirty fields, provisionally advancing the
// version. A version mismatch surfaces as ErrStaleVersion from the
// store.
func (m *Manager) flushUpdate() error {
	dirty := m.fields.DirtyIndices()
	m.ctx.Callbacks().Pre(CallbackStore, m.instance)
	m.bumpVersion()
	if vf := m.schema.VersionField(); vf >= 0 && !contains(dirty, vf) {
		dirty = append(dirty, vf)
	}
	if err := m.ctx.Store().Update(m, dirty); err != nil {
		if errors.Is(err, ErrStaleVersion) {
			return errors.Annotatef(err, "updating %s", m.CacheKey())
		}
		return errors.Annotatef(err, "updating %s fields %v", m.CacheKey(), dirty)
	}
	m.fields.ClearAllDirty()
	// Stale until the committed snapshot is re-published.
	m.ctx.CacheEvict(m.CacheKey())
	m.ctx.Callbacks().Post(CallbackStore, m.instance)
	m.metrics().observeFlush("update")
	return nil
}
