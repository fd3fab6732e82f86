// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"fmt"
	"strings"

	"github.com/juju/errors"

	"github.com/statekeep/statekeep/core/lifecycle"
)

// MakePersistent moves a transient object into the transaction as a
// new persistent instance, assigning its identity. Calling it again,
// or while the insert is already in flight, is a no-op.
func (m *Manager) MakePersistent() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.flags&flagInserting != 0 || m.state.Persistent() {
		return nil
	}
	m.ctx.Callbacks().Pre(CallbackPersist, m.instance)
	m.fire(lifecycle.MakePersistent)

	// A new object's in-memory values are authoritative.
	for i := 0; i < m.fields.Len(); i++ {
		m.fields.MarkLoaded(i)
	}

	if err := m.assignIdentity(); err != nil {
		return errors.Trace(err)
	}
	m.ctx.MarkDirty(m)
	m.ctx.Callbacks().Post(CallbackPersist, m.instance)
	return nil
}

// assignIdentity establishes the external identity according to the
// schema's identity kind and registers it with the identity map. A
// null key field at assignment time is fatal.
func (m *Manager) assignIdentity() error {
	if m.id != nil {
		return nil
	}
	switch m.schema.IdentityKind() {
	case DatastoreIdentity:
		id, err := m.ctx.AllocateIdentity(m)
		if err != nil {
			return errors.Annotatef(err, "allocating identity for %s", m.schema.Name())
		}
		m.id = id
	case ApplicationIdentity:
		id, err := m.applicationIdentity()
		if err != nil {
			return errors.Trace(err)
		}
		m.id = id
	case NondurableIdentity:
		return nil
	}
	m.ctx.PutIdentity(m)
	return nil
}

func (m *Manager) applicationIdentity() (any, error) {
	keys := m.schema.KeyFields()
	if len(keys) == 0 {
		return nil, errors.Errorf("schema %s uses application identity but has no key fields", m.schema.Name())
	}
	if len(keys) == 1 {
		v := m.instance.ProvideField(keys[0])
		if v == nil {
			return nil, errors.Annotatef(ErrNullIdentityField,
				"field %q of %s", m.schema.Field(keys[0]).Name, m.schema.Name())
		}
		return v, nil
	}
	parts := make([]string, len(keys))
	for n, k := range keys {
		v := m.instance.ProvideField(k)
		if v == nil {
			return nil, errors.Annotatef(ErrNullIdentityField,
				"field %q of %s", m.schema.Field(k).Name, m.schema.Name())
		}
		parts[n] = fmt.Sprintf("%s=%v", m.schema.Field(k).Name, v)
	}
	return strings.Join(parts, "|"), nil
}

// DeletePersistent marks the object deleted in the current unit of
// work. The loaded bitmap is snapshotted first so key reads during
// the deletion do not trigger spurious reloads. Re-entrant calls are
// no-ops.
func (m *Manager) DeletePersistent() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.flags&flagDeleting != 0 {
		return nil
	}
	if !m.state.Persistent() {
		return errors.Errorf("cannot delete non-persistent %s instance", m.schema.Name())
	}
	m.ctx.Callbacks().Pre(CallbackDelete, m.instance)
	m.preDeleteLoaded = m.fields.SnapshotLoaded()
	m.flags |= flagDeleting
	m.fire(lifecycle.DeletePersistent)
	m.ctx.CacheEvict(m.CacheKey())
	m.ctx.MarkDirty(m)
	m.ctx.Callbacks().Post(CallbackDelete, m.instance)
	return nil
}

// MakeTransactional enlists the object with the transaction without
// making it persistent.
func (m *Manager) MakeTransactional() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	m.fire(lifecycle.MakeTransactional)
	return nil
}

// MakeNontransactional removes the object from the transaction while
// keeping its loaded state.
func (m *Manager) MakeNontransactional() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	m.fire(lifecycle.MakeNontransactional)
	return nil
}

// MakeTransient disconnects the object from persistence entirely; the
// in-memory instance lives on unmanaged.
func (m *Manager) MakeTransient() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	m.fire(lifecycle.MakeTransient)
	return nil
}

// Evict unloads the object's fields, hollowing it out. Embedded
// objects cannot be unloaded independently of their container.
func (m *Manager) Evict() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.Embedded() {
		return errors.Annotatef(ErrEmbeddedUnload, "%s", m.schema.Name())
	}
	if m.state.Dirty() {
		// Unflushed changes pin the object; the transition table
		// absorbs the request.
		m.fire(lifecycle.Evict)
		return nil
	}
	m.ctx.Callbacks().Pre(CallbackClear, m.instance)
	t := m.fire(lifecycle.Evict)
	if t.Next == lifecycle.Hollow {
		m.fields.ClearAll()
	}
	m.ctx.Callbacks().Post(CallbackClear, m.instance)
	return nil
}

// Refresh re-reads the object's loaded fields from storage,
// discarding unflushed changes.
func (m *Manager) Refresh() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if !m.state.Persistent() || m.state.IsNew() {
		return nil
	}
	m.ctx.Callbacks().Pre(CallbackRefresh, m.instance)
	fields := m.fields.LoadedIndices()
	if len(fields) == 0 {
		fields = m.activeFetchPlan()
	}
	if err := m.ctx.Store().Fetch(m, fields); err != nil {
		return errors.Annotatef(err, "refreshing %s", m.CacheKey())
	}
	m.fields.ClearAllDirty()
	m.fire(lifecycle.Refresh)
	m.ctx.Callbacks().Post(CallbackRefresh, m.instance)
	return nil
}

// Retrieve loads every field of the active fetch plan.
func (m *Manager) Retrieve() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	plan := m.activeFetchPlan()
	want := m.fields.UnloadedIndices(plan)
	if len(want) > 0 {
		if err := m.ctx.Store().Fetch(m, want); err != nil {
			return errors.Annotatef(err, "retrieving %s", m.CacheKey())
		}
		m.completeLoad()
	}
	m.fire(lifecycle.Retrieve)
	return nil
}

// Validate checks that the object still exists in the datastore. An
// ErrNotFound result means the object was deleted elsewhere, reported
// distinctly from I/O failure.
func (m *Manager) Validate() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if err := m.ctx.Store().Locate(m); err != nil {
		if errors.Is(err, ErrNotFound) {
			return errors.Annotatef(err, "%s", m.CacheKey())
		}
		return errors.Annotatef(err, "locating %s", m.CacheKey())
	}
	return nil
}

// SetVersion records the datastore version of the object, typically
// from a storage fetch.
func (m *Manager) SetVersion(v any) {
	m.version = v
	m.txVersion = v
}

// initVersion establishes the first version of a freshly inserted
// object.
func (m *Manager) initVersion() {
	switch m.schema.VersionStrategy() {
	case VersionNone:
		return
	case VersionCounter:
		m.txVersion = int64(1)
	case VersionTimestamp:
		m.txVersion = m.ctx.Clock().Now()
	}
	m.version = m.txVersion
	m.writeVersionField()
}

// bumpVersion advances the provisional version ahead of an update
// flush. Version and TransactionalVersion diverge here and
// reconverge at commit or rollback.
func (m *Manager) bumpVersion() {
	switch m.schema.VersionStrategy() {
	case VersionNone:
		return
	case VersionCounter:
		cur, _ := m.version.(int64)
		m.txVersion = cur + 1
	case VersionTimestamp:
		m.txVersion = m.ctx.Clock().Now()
	}
	m.writeVersionField()
}

func (m *Manager) writeVersionField() {
	if vf := m.schema.VersionField(); vf >= 0 {
		m.instance.ReplaceField(vf, m.txVersion)
		m.fields.MarkLoaded(vf)
	}
}

// TransactionBegun joins the manager to a freshly begun unit of work:
// pending nontransactional changes enlist and will be flushed by it.
func (m *Manager) TransactionBegun() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	t := m.fire(lifecycle.Begin)
	if t.Next.Dirty() {
		m.ctx.MarkDirty(m)
	}
	return nil
}

// PostCommit completes the unit of work for this manager: versions
// reconverge, dirty state clears, the committed snapshot is pushed to
// the L2 cache and the machine fires its commit transition, which may
// disconnect deleted objects or hollow the survivors out.
func (m *Manager) PostCommit() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	m.version = m.txVersion
	if m.state.Persistent() && !m.state.Deleted() && m.id != nil {
		m.ctx.CachePut(m.CacheKey(), m.snapshot())
	}
	m.fields.ClearAllDirty()
	m.saved = nil
	m.preDeleteLoaded = nil
	m.flags &^= flagInserting | flagInserted | flagDeleting | flagDeleteDispatched
	t := m.fire(lifecycle.Commit)
	if t.Next == lifecycle.Hollow {
		m.fields.ClearAll()
	}
	return nil
}

// PostRollback undoes the unit of work for this manager: the rollback
// image is restored, versions reconverge and the machine fires its
// rollback transition.
func (m *Manager) PostRollback() error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	m.RestoreFields()
	m.txVersion = m.version
	m.fields.ClearAllDirty()
	m.preDeleteLoaded = nil
	m.flags &^= flagInserting | flagInserted | flagDeleting | flagDeleteDispatched
	t := m.fire(lifecycle.Rollback)
	if t.Next == lifecycle.Hollow {
		m.fields.ClearAll()
	}
	return nil
}

// snapshot captures the immutable L2 cache entry for the object's
// current loaded fields.
func (m *Manager) snapshot() *CachedSnapshot {
	vals := make([]any, m.fields.Len())
	for _, i := range m.fields.LoadedIndices() {
		vals[i] = m.instance.ProvideField(i)
	}
	return &CachedSnapshot{
		Version: m.version,
		Values:  vals,
		Loaded:  m.fields.SnapshotLoaded(),
	}
}
