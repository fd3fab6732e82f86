// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/core/fieldbits"
	"github.com/statekeep/statekeep/core/lifecycle"
)

// DetachCopy produces a disconnected snapshot of the object covering
// the given fields, or the active fetch plan when fields is nil.
// Relationship fields are detached recursively, with cycles resolved
// to the already-made copies. The managed object itself is untouched.
func (m *Manager) DetachCopy(fields []int) (Instance, error) {
	visited := make(map[*Manager]Instance)
	inst, err := m.detachCopy(fields, visited)
	return inst, errors.Trace(err)
}

func (m *Manager) detachCopy(fields []int, visited map[*Manager]Instance) (Instance, error) {
	if copied, ok := visited[m]; ok {
		return copied, nil
	}
	if err := m.checkConnected(); err != nil {
		return nil, errors.Trace(err)
	}
	if m.state.Deleted() {
		return nil, errors.Annotatef(ErrDeleted, "detaching %s", m.CacheKey())
	}
	if fields == nil {
		fields = m.activeFetchPlan()
	}
	m.flags |= flagDetaching
	defer func() { m.flags &^= flagDetaching }()

	m.ctx.Callbacks().Pre(CallbackDetach, m.instance)

	for _, i := range fields {
		if err := m.EnsureLoaded(i); err != nil {
			return nil, errors.Trace(err)
		}
	}

	dm := &Manager{
		schema:     m.schema,
		instance:   m.schema.NewInstance(),
		id:         m.id,
		internalID: uuid.New(),
		state:      lifecycle.DetachedClean,
		fields:     fieldbits.New(m.schema.FieldCount()),
		detached:   true,
		ownerField: -1,
		version:    m.version,
		txVersion:  m.version,
	}
	if err := dm.instance.BindStateHandle(dm); err != nil {
		return nil, errors.Trace(err)
	}
	visited[m] = dm.instance

	for _, i := range fields {
		fi := m.schema.Field(i)
		v := m.instance.ProvideField(i)
		if fi.Relation.Kind != RelationNone && v != nil {
			var err error
			if v, err = m.detachRelation(fi, v, visited); err != nil {
				return nil, errors.Trace(err)
			}
		}
		dm.instance.ReplaceField(i, v)
		dm.fields.MarkLoaded(i)
	}

	m.ctx.Callbacks().Post(CallbackDetach, dm.instance)
	return dm.instance, nil
}

func (m *Manager) detachRelation(fi FieldInfo, v any, visited map[*Manager]Instance) (any, error) {
	if fi.Relation.Kind.Container() {
		col := instanceSlice(v)
		if col == nil {
			return v, nil
		}
		out := make([]Instance, 0, len(col))
		for _, e := range col {
			em := managerOf(e)
			if em == nil {
				out = append(out, e)
				continue
			}
			copied, err := em.detachCopy(nil, visited)
			if err != nil {
				return nil, errors.Trace(err)
			}
			out = append(out, copied)
		}
		return out, nil
	}
	pm := managerOf(v)
	if pm == nil {
		return v, nil
	}
	copied, err := pm.detachCopy(nil, visited)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return copied, nil
}

// Detach disconnects the manager in place: the given fields (or the
// active fetch plan) are loaded, the detach transition fires and the
// manager leaves the context, serving the snapshot from then on.
func (m *Manager) Detach(fields []int) error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.flags&flagDetaching != 0 || m.detached {
		return nil
	}
	if m.state.Deleted() {
		return errors.Annotatef(ErrDeleted, "detaching %s", m.CacheKey())
	}
	m.flags |= flagDetaching
	defer func() { m.flags &^= flagDetaching }()

	m.ctx.Callbacks().Pre(CallbackDetach, m.instance)
	if fields == nil {
		fields = m.activeFetchPlan()
	}
	for _, i := range fields {
		if err := m.EnsureLoaded(i); err != nil {
			return errors.Trace(err)
		}
	}
	m.fire(lifecycle.Detach)
	m.ctx.RemoveIdentity(m)
	m.ctx.Callbacks().Post(CallbackDetach, m.instance)
	if c := m.metrics(); c != nil {
		c.managerDisconnected()
	}
	m.detached = true
	m.ctx = nil
	m.saved = nil
	return nil
}

// Attach reconnects a detached manager to a context. Dirty detached
// state enlists as dirty and replays its relationship bookkeeping;
// clean state enlists clean.
func (m *Manager) Attach(ctx Context) error {
	if !m.detached {
		return errors.NotValidf("attaching %s: not detached", m.schema.Name())
	}
	if m.flags&flagAttaching != 0 {
		return nil
	}
	m.flags |= flagAttaching
	defer func() { m.flags &^= flagAttaching }()

	ctx.Callbacks().Pre(CallbackAttach, m.instance)
	m.ctx = ctx
	m.detached = false
	m.rels = newRelationManager(m)
	if m.id != nil {
		ctx.PutIdentity(m)
	}
	if c := m.metrics(); c != nil {
		c.managerConnected()
	}
	m.fire(lifecycle.Attach)
	if m.state.Dirty() {
		m.ctx.MarkDirty(m)
		m.recordDirtyRelations()
	}
	ctx.Callbacks().Post(CallbackAttach, m.instance)
	return nil
}

// recordDirtyRelations re-runs the relationship bookkeeping for
// bidirectional fields dirtied while detached, where no recording was
// possible.
func (m *Manager) recordDirtyRelations() {
	for _, i := range m.fields.DirtyIndices() {
		fi := m.schema.Field(i)
		if !fi.Relation.Kind.Bidirectional() {
			continue
		}
		v := m.instance.ProvideField(i)
		if fi.Relation.Kind.Container() {
			m.rels.CollectionReplaced(i, nil, v)
		} else {
			m.rels.RelationChange(i, nil, v)
		}
	}
}

// AttachCopy merges a detached snapshot back into ctx, returning the
// manager of the connected object. The snapshot itself is left
// untouched. An already-managed identity merges into the existing
// manager after version reconciliation; dirty snapshot fields replay
// through the tracked write path so relationship bookkeeping re-runs.
func AttachCopy(ctx Context, schema Schema, detachedObj Instance) (*Manager, error) {
	dm := detachedObj.StateHandle()
	if dm == nil || !dm.detached {
		return nil, errors.NotValidf("instance of %s: not a detached snapshot", schema.Name())
	}

	ctx.Callbacks().Pre(CallbackAttach, detachedObj)

	var m *Manager
	if dm.id != nil {
		m = ctx.ManagerForIdentity(schema, dm.id)
		if m == nil {
			var err error
			if m, err = NewHollow(ctx, schema, dm.id); err != nil {
				return nil, errors.Trace(err)
			}
		}
		if err := m.reconcileVersion(dm); err != nil {
			return nil, errors.Trace(err)
		}
		if err := m.copySnapshotFields(dm); err != nil {
			return nil, errors.Trace(err)
		}
	} else {
		// Never persisted: the snapshot merges as a new object. Field
		// values, key fields included, must land before MakePersistent
		// assigns the identity; afterwards key writes are refused.
		var err error
		if m, err = Manage(ctx, schema, schema.NewInstance()); err != nil {
			return nil, errors.Trace(err)
		}
		if err := m.copySnapshotFields(dm); err != nil {
			return nil, errors.Trace(err)
		}
		if err := m.MakePersistent(); err != nil {
			return nil, errors.Trace(err)
		}
	}

	ctx.Callbacks().Post(CallbackAttach, m.instance)
	return m, nil
}

// copySnapshotFields replays a snapshot's fields into the connected
// manager. Dirty fields go through the tracked write path so
// relationship bookkeeping re-runs; clean loaded fields fill in
// without dirtying.
func (m *Manager) copySnapshotFields(dm *Manager) error {
	for i := 0; i < m.schema.FieldCount(); i++ {
		switch {
		case dm.fields.Dirty(i):
			if err := m.StoreField(i, dm.instance.ProvideField(i)); err != nil {
				return errors.Trace(err)
			}
		case dm.fields.Loaded(i) && !m.fields.Loaded(i):
			if err := m.ReplaceLoadedField(i, dm.instance.ProvideField(i)); err != nil {
				return errors.Trace(err)
			}
		}
	}
	return nil
}

// reconcileVersion compares the snapshot's version against the
// datastore version of the connected object, loading it if needed. A
// mismatch means the object changed since the snapshot was taken.
func (m *Manager) reconcileVersion(dm *Manager) error {
	if m.schema.VersionStrategy() == VersionNone || dm.version == nil {
		return nil
	}
	if m.version == nil {
		if vf := m.schema.VersionField(); vf >= 0 {
			if err := m.EnsureLoaded(vf); err != nil {
				return errors.Trace(err)
			}
		}
	}
	if m.version != nil && m.version != dm.version {
		return errors.Annotatef(ErrStaleVersion,
			"attaching %s: snapshot version %v, datastore version %v",
			m.CacheKey(), dm.version, m.version)
	}
	return nil
}
