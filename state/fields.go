// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/collections/set"
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/core/lifecycle"
)

// ProvideField reads the current value of field i with no effect on
// loaded or dirty state. Unloaded fields read as their zero value.
func (m *Manager) ProvideField(i int) (any, error) {
	if err := m.checkConnected(); err != nil {
		return nil, errors.Trace(err)
	}
	unlock := m.lockAccess()
	defer unlock()
	return m.instance.ProvideField(i), nil
}

// ProvideFields reads several fields at once, like ProvideField.
func (m *Manager) ProvideFields(fields []int) ([]any, error) {
	if err := m.checkConnected(); err != nil {
		return nil, errors.Trace(err)
	}
	unlock := m.lockAccess()
	defer unlock()
	out := make([]any, len(fields))
	for n, i := range fields {
		out[n] = m.instance.ProvideField(i)
	}
	return out, nil
}

// ReplaceLoadedField writes a value fetched from storage or cache into
// field i, marking it loaded but not dirty. Storage backends use this
// from Fetch.
func (m *Manager) ReplaceLoadedField(i int, v any) error {
	return m.ReplaceField(i, v, false)
}

// ReplaceField writes v into field i. With makeDirty the write drives
// the write-field transition, marks the field loaded and dirty, and
// notifies the context unless an insert or flush is already in
// flight. Without makeDirty the field is only marked loaded.
//
// An embedded object's dirtiness escalates to the owner's embedding
// field instead of being tracked independently.
func (m *Manager) ReplaceField(i int, v any, makeDirty bool) error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	fi := m.schema.Field(i)

	if !makeDirty {
		unlock := m.lockAccess()
		m.instance.ReplaceField(i, v)
		m.fields.MarkLoaded(i)
		unlock()
		return nil
	}

	if fi.Key && m.id != nil {
		return errors.Annotatef(ErrKeyFieldMutation, "field %q of %s", fi.Name, m.schema.Name())
	}
	if m.state.Deleted() {
		return errors.Annotatef(ErrDeleted, "writing field %q", fi.Name)
	}

	if m.Embedded() {
		unlock := m.lockAccess()
		m.instance.ReplaceField(i, v)
		m.fields.MarkLoaded(i)
		unlock()
		return errors.Trace(m.owner.noteEmbeddedDirty(m.ownerField))
	}

	// Overwriting an unloaded bidirectional field must first load the
	// current value, or the consistency pass cannot clear the previous
	// partner's back-reference.
	if fi.Relation.Kind.Bidirectional() && !m.fields.Loaded(i) &&
		m.ctx != nil && !m.ctx.ManagingRelations() &&
		m.state.Persistent() && !m.state.IsNew() {
		if err := m.EnsureLoaded(i); err != nil {
			return errors.Trace(err)
		}
	}

	// The rollback image must be captured before the first write
	// lands, whatever the enlistment timing.
	if m.ctx != nil && m.ctx.TransactionActive() && m.state.Persistent() {
		m.SaveFields()
	}

	wasDirty := m.state.Dirty()
	notify := !wasDirty && m.ctx != nil && m.state.Persistent()
	var old any
	if fi.Relation.Kind.Bidirectional() && m.fields.Loaded(i) {
		old = m.instance.ProvideField(i)
	}
	if notify {
		m.ctx.Callbacks().Pre(CallbackDirty, m.instance)
	}

	unlock := m.lockAccess()
	m.instance.ReplaceField(i, v)
	m.fields.MarkDirty(i)
	unlock()

	m.fire(lifecycle.WriteField)

	if fi.Relation.Kind.Bidirectional() && m.ctx != nil && !m.ctx.ManagingRelations() && m.rels != nil {
		if fi.Relation.Kind.Container() {
			m.rels.CollectionReplaced(i, old, v)
		} else {
			m.rels.RelationChange(i, old, v)
		}
	}

	if m.ctx != nil && m.flags&(flagInserting|flagFlushing) == 0 {
		m.ctx.MarkDirty(m)
	}
	if notify {
		m.ctx.Callbacks().Post(CallbackDirty, m.instance)
	}
	return nil
}

// noteEmbeddedDirty marks the embedding field dirty on behalf of an
// embedded sub-manager.
func (m *Manager) noteEmbeddedDirty(field int) error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.ctx != nil && m.ctx.TransactionActive() && m.state.Persistent() {
		m.SaveFields()
	}
	notify := !m.state.Dirty() && m.ctx != nil && m.state.Persistent()
	if notify {
		m.ctx.Callbacks().Pre(CallbackDirty, m.instance)
	}
	m.fields.MarkDirty(field)
	m.fire(lifecycle.WriteField)
	if m.ctx != nil && m.flags&(flagInserting|flagFlushing) == 0 {
		m.ctx.MarkDirty(m)
	}
	if notify {
		m.ctx.Callbacks().Post(CallbackDirty, m.instance)
	}
	return nil
}

// StoreField is the bridge entry point for an application write of
// field i.
func (m *Manager) StoreField(i int, v any) error {
	return errors.Trace(m.ReplaceField(i, v, true))
}

// FetchField is the bridge entry point for an application read of
// field i: the field is loaded on demand and the read-field
// transition fires. Reads of non-key fields on a deleted object are
// refused.
func (m *Manager) FetchField(i int) (any, error) {
	if err := m.checkConnected(); err != nil {
		return nil, errors.Trace(err)
	}
	fi := m.schema.Field(i)
	if m.state.Deleted() && !fi.Key {
		return nil, errors.Annotatef(ErrDeleted, "reading field %q", fi.Name)
	}
	if err := m.EnsureLoaded(i); err != nil {
		return nil, errors.Trace(err)
	}
	// While deletion is in flight the normal read transition is
	// bypassed; the pre-delete snapshot already vouched for the
	// field.
	if m.flags&flagDeleting == 0 {
		m.fire(lifecycle.ReadField)
	}
	unlock := m.lockAccess()
	defer unlock()
	return m.instance.ProvideField(i), nil
}

// EnsureLoaded makes sure field i is loaded, trying in order: the
// pre-delete snapshot while a deletion is in flight, the L2 snapshot
// cache, a deferred pending association, and finally a storage fetch
// covering the unloaded remainder of the active fetch plan in one
// round trip.
func (m *Manager) EnsureLoaded(i int) error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if m.fields.Loaded(i) {
		return nil
	}
	if m.flags&flagDeleting != 0 && bitSet(m.preDeleteLoaded, i) {
		return nil
	}
	if m.detached {
		return errors.Errorf("field %q not loaded in detached snapshot of %s",
			m.schema.Field(i).Name, m.schema.Name())
	}

	if snap, ok := m.ctx.CacheGet(m.CacheKey()); ok {
		if c := m.metrics(); c != nil {
			c.observeCacheHit()
		}
		m.loadFromSnapshot(snap)
		if m.fields.Loaded(i) {
			m.completeLoad()
			return nil
		}
	} else if c := m.metrics(); c != nil {
		c.observeCacheMiss()
	}

	if v, ok, err := m.deferred.resolve(i); ok {
		if err != nil {
			return errors.Trace(err)
		}
		if err := m.ReplaceLoadedField(i, v); err != nil {
			return errors.Trace(err)
		}
		m.completeLoad()
		return nil
	}

	want := m.fields.UnloadedIndices(m.activeFetchPlan())
	if !contains(want, i) {
		want = append(want, i)
	}
	if err := m.ctx.Store().Fetch(m, want); err != nil {
		return errors.Annotatef(err, "loading fields of %s", m.CacheKey())
	}
	m.completeLoad()
	return nil
}

// FieldLoaded reports whether field i holds a value consistent with
// the datastore.
func (m *Manager) FieldLoaded(i int) bool {
	return m.fields.Loaded(i)
}

// FieldDirty reports whether field i has an unflushed modification.
func (m *Manager) FieldDirty(i int) bool {
	return m.fields.Dirty(i)
}

// DirtyFields returns the positions of all dirty fields, ascending.
func (m *Manager) DirtyFields() []int {
	return m.fields.DirtyIndices()
}

// LoadedFields returns the positions of all loaded fields, ascending.
func (m *Manager) LoadedFields() []int {
	return m.fields.LoadedIndices()
}

// loadedFieldValue reads field i, loading it first if necessary.
func (m *Manager) loadedFieldValue(i int) (any, error) {
	if err := m.EnsureLoaded(i); err != nil {
		return nil, errors.Trace(err)
	}
	unlock := m.lockAccess()
	defer unlock()
	return m.instance.ProvideField(i), nil
}

// loadFromSnapshot copies fields the snapshot has and the object
// lacks.
func (m *Manager) loadFromSnapshot(snap *CachedSnapshot) {
	for i := 0; i < m.fields.Len() && i < len(snap.Values); i++ {
		if bitSet(snap.Loaded, i) && !m.fields.Loaded(i) {
			m.instance.ReplaceField(i, snap.Values[i])
			m.fields.MarkLoaded(i)
		}
	}
	if m.version == nil {
		m.version = snap.Version
		m.txVersion = snap.Version
	}
}

// completeLoad delivers the post-load notification, deferring it when
// a transition is in progress so a callback reading a field cannot
// re-enter the machine.
func (m *Manager) completeLoad() {
	if m.flags&flagChangingState != 0 {
		m.flags |= flagPostLoadPending
		return
	}
	if m.ctx != nil {
		m.ctx.Callbacks().Post(CallbackLoad, m.instance)
	}
}

// SetFetchGroups replaces the active fetch plan with the union of the
// named groups. An empty call restores the default fetch group.
func (m *Manager) SetFetchGroups(names ...string) error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if len(names) == 0 {
		m.fetchPlan = nil
		return nil
	}
	plan := set.NewInts()
	for _, name := range names {
		fields, ok := m.schema.FetchGroup(name)
		if !ok {
			return errors.NotFoundf("fetch group %q in %s", name, m.schema.Name())
		}
		for _, f := range fields {
			plan.Add(f)
		}
	}
	m.fetchPlan = plan.SortedValues()
	return nil
}

func (m *Manager) activeFetchPlan() []int {
	if m.fetchPlan != nil {
		return m.fetchPlan
	}
	return DefaultFetchPlan(m.schema)
}

// SaveFields captures the rollback image: a copy of the loaded field
// values, the loaded bitmap and the committed version. The image is
// taken at most once, on first enlistment; later calls are no-ops
// until the image is consumed or dropped.
func (m *Manager) SaveFields() {
	if m.saved != nil {
		return
	}
	vals := make([]any, m.schema.FieldCount())
	for _, i := range m.fields.LoadedIndices() {
		vals[i] = m.instance.ProvideField(i)
	}
	m.saved = &savedFields{
		values:  vals,
		loaded:  m.fields.SnapshotLoaded(),
		version: m.version,
	}
}

// RestoreFields writes the rollback image back: field values and the
// loaded bitmap are reproduced bit-for-bit, dirty state is cleared
// and versions reconverge. Without a saved image it does nothing.
func (m *Manager) RestoreFields() {
	if m.saved == nil {
		return
	}
	m.flags |= flagRestoring
	for i := 0; i < m.fields.Len(); i++ {
		if bitSet(m.saved.loaded, i) {
			m.instance.ReplaceField(i, m.saved.values[i])
		}
	}
	m.fields.RestoreLoaded(m.saved.loaded)
	m.fields.ClearAllDirty()
	m.version = m.saved.version
	m.txVersion = m.saved.version
	m.flags &^= flagRestoring
	m.saved = nil
}

func bitSet(words []uint64, i int) bool {
	w := i / 64
	if w < 0 || w >= len(words) {
		return false
	}
	return words[w]&(1<<uint(i%64)) != 0
}

func contains(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
