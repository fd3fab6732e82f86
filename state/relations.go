// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"github.com/juju/errors"
)

type relationChangeKind int

const (
	relationValueChanged relationChangeKind = iota
	relationElementAdded
	relationElementRemoved
)

type relationChange struct {
	kind     relationChangeKind
	old, new any // relationValueChanged
	element  any // relationElementAdded, relationElementRemoved
}

// RelationManager accumulates the owner's bidirectional relationship
// edits during a unit of work and replays them as corrections on the
// partner objects at flush time. Changes are recorded in field order
// of first edit, processed at most once per unit of work, and cleared
// afterwards.
type RelationManager struct {
	owner      *Manager
	changes    map[int][]relationChange
	order      []int
	processing bool
}

func newRelationManager(m *Manager) *RelationManager {
	return &RelationManager{
		owner:   m,
		changes: make(map[int][]relationChange),
	}
}

// suppressed reports whether recording is off, either because the
// manager is detached or because the context is itself replaying
// relationship corrections.
func (r *RelationManager) suppressed() bool {
	return r.owner.ctx == nil || r.owner.ctx.ManagingRelations()
}

// RelationChange records a single-valued relationship edit on the
// owner.
func (r *RelationManager) RelationChange(field int, old, new any) {
	if r.suppressed() {
		return
	}
	fi := r.owner.schema.Field(field)
	if !fi.Relation.Kind.Bidirectional() {
		return
	}
	r.record(field, relationChange{kind: relationValueChanged, old: old, new: new})
	r.invalidate(old)
	r.invalidate(new)
}

// ElementAdded records an element joining the owner's relationship
// collection.
func (r *RelationManager) ElementAdded(field int, element any) {
	if r.suppressed() || element == nil {
		return
	}
	fi := r.owner.schema.Field(field)
	if !fi.Relation.Kind.Bidirectional() {
		return
	}
	r.record(field, relationChange{kind: relationElementAdded, element: element})
	r.invalidate(element)
}

// ElementRemoved records an element leaving the owner's relationship
// collection.
func (r *RelationManager) ElementRemoved(field int, element any) {
	if r.suppressed() || element == nil {
		return
	}
	fi := r.owner.schema.Field(field)
	if !fi.Relation.Kind.Bidirectional() {
		return
	}
	r.record(field, relationChange{kind: relationElementRemoved, element: element})
	r.invalidate(element)
}

// CollectionReplaced diffs a wholesale collection assignment into the
// minimal element additions and removals, compared by reference
// identity.
func (r *RelationManager) CollectionReplaced(field int, old, new any) {
	if r.suppressed() {
		return
	}
	fi := r.owner.schema.Field(field)
	if !fi.Relation.Kind.Bidirectional() || !fi.Relation.Kind.Container() {
		return
	}
	olds := instanceSlice(old)
	news := instanceSlice(new)
	for _, e := range news {
		if !containsInstance(olds, e) {
			r.record(field, relationChange{kind: relationElementAdded, element: e})
			r.invalidate(e)
		}
	}
	for _, e := range olds {
		if !containsInstance(news, e) {
			r.record(field, relationChange{kind: relationElementRemoved, element: e})
			r.invalidate(e)
		}
	}
}

func (r *RelationManager) record(field int, ch relationChange) {
	if _, ok := r.changes[field]; !ok {
		r.order = append(r.order, field)
	}
	r.changes[field] = append(r.changes[field], ch)
	if r.owner.ctx != nil {
		r.owner.ctx.CacheEvict(r.owner.CacheKey())
	}
}

// invalidate drops the cached snapshot of an object touched by a
// relationship edit.
func (r *RelationManager) invalidate(v any) {
	pm := managerOf(v)
	if pm == nil || pm.ctx == nil {
		return
	}
	pm.ctx.CacheEvict(pm.CacheKey())
}

// Empty reports whether any changes are pending.
func (r *RelationManager) Empty() bool {
	return len(r.order) == 0
}

// CheckConsistency verifies that the recorded edits do not contradict
// edits recorded on the partner objects, for example both sides of a
// one-to-one pointing at different third parties. It inspects only;
// no corrections are applied.
func (r *RelationManager) CheckConsistency() error {
	for _, field := range r.order {
		fi := r.owner.schema.Field(field)
		pf := fi.Relation.PartnerField
		for _, ch := range r.changes[field] {
			switch fi.Relation.Kind {
			case OneToOneBi:
				if ch.kind != relationValueChanged || ch.new == nil {
					continue
				}
				pm := managerOf(ch.new)
				if pm == nil || pm.rels == nil {
					continue
				}
				for _, pch := range pm.rels.changes[pf] {
					if pch.kind == relationValueChanged && pch.new != nil && !sameObject(pch.new, r.owner.instance) {
						return r.inconsistent(field, pm, "partner assigned to a different object")
					}
				}
			case OneToManyBi:
				if ch.kind != relationElementAdded {
					continue
				}
				em := managerOf(ch.element)
				if em == nil || em.rels == nil {
					continue
				}
				for _, pch := range em.rels.changes[pf] {
					if pch.kind == relationValueChanged && pch.new != nil && !sameObject(pch.new, r.owner.instance) {
						return r.inconsistent(field, em, "element claims a different owner")
					}
				}
			case ManyToOneBi:
				if ch.kind != relationValueChanged || ch.new == nil {
					continue
				}
				pm := managerOf(ch.new)
				if pm == nil || pm.rels == nil {
					continue
				}
				for _, pch := range pm.rels.changes[pf] {
					if pch.kind == relationElementRemoved && sameObject(pch.element, r.owner.instance) {
						return r.inconsistent(field, pm, "owner set while collection side removed it")
					}
				}
			}
		}
	}
	return nil
}

func (r *RelationManager) inconsistent(field int, partner *Manager, detail string) error {
	return &InconsistentRelationError{
		Field:           r.owner.schema.Field(field).Name,
		OwnerIdentity:   r.owner.id,
		PartnerIdentity: partner.id,
		Detail:          detail,
	}
}

// Process replays the recorded edits as corrections on the partner
// objects, re-entering their tracked field-write path with relation
// management flagged on the context so the corrections do not record
// further changes. The change set is consumed whether or not every
// correction applies.
func (r *RelationManager) Process() error {
	if r.processing || len(r.order) == 0 {
		return nil
	}
	ctx := r.owner.ctx
	if ctx == nil {
		return nil
	}
	r.processing = true
	defer func() {
		r.changes = make(map[int][]relationChange)
		r.order = nil
		r.processing = false
	}()

	ctx.SetManagingRelations(true)
	defer ctx.SetManagingRelations(false)

	for _, field := range r.order {
		fi := r.owner.schema.Field(field)
		pf := fi.Relation.PartnerField
		for _, ch := range r.changes[field] {
			var err error
			switch fi.Relation.Kind {
			case OneToOneBi:
				err = r.processOneToOne(field, pf, ch)
			case OneToManyBi:
				err = r.processOneToMany(pf, ch)
			case ManyToOneBi:
				err = r.processManyToOne(pf, ch)
			case ManyToManyBi:
				err = r.processManyToMany(pf, ch)
			}
			if err != nil {
				return errors.Annotatef(err, "managing relation %q of %s", fi.Name, r.owner.CacheKey())
			}
		}
	}
	return nil
}

// processOneToOne clears the previous partner's back-reference, then
// points the new partner at the owner. When the new partner already
// belongs to a third object, that third object's forward reference is
// nulled first, completing the three-way swap.
func (r *RelationManager) processOneToOne(field, pf int, ch relationChange) error {
	if ch.kind != relationValueChanged {
		return nil
	}
	if pm := managerOf(ch.old); correctable(pm) {
		cur, err := pm.loadedFieldValue(pf)
		if err != nil {
			return errors.Trace(err)
		}
		if sameObject(cur, r.owner.instance) {
			if err := pm.StoreField(pf, nil); err != nil {
				return errors.Trace(err)
			}
		}
	}
	pm := managerOf(ch.new)
	if !correctable(pm) {
		return nil
	}
	cur, err := pm.loadedFieldValue(pf)
	if err != nil {
		return errors.Trace(err)
	}
	if sameObject(cur, r.owner.instance) {
		return nil
	}
	if tm := managerOf(cur); correctable(tm) {
		if err := tm.StoreField(field, nil); err != nil {
			return errors.Trace(err)
		}
	}
	return errors.Trace(pm.StoreField(pf, r.owner.instance))
}

// processOneToMany keeps each element's single-valued back-reference
// pointing at the owning collection.
func (r *RelationManager) processOneToMany(pf int, ch relationChange) error {
	em := managerOf(ch.element)
	if !correctable(em) {
		return nil
	}
	cur, err := em.loadedFieldValue(pf)
	if err != nil {
		return errors.Trace(err)
	}
	switch ch.kind {
	case relationElementAdded:
		if !sameObject(cur, r.owner.instance) {
			return errors.Trace(em.StoreField(pf, r.owner.instance))
		}
	case relationElementRemoved:
		if sameObject(cur, r.owner.instance) {
			return errors.Trace(em.StoreField(pf, nil))
		}
	}
	return nil
}

// processManyToOne mirrors a single-valued reassignment into the
// reciprocal collections: the owner leaves the old partner's
// collection and joins the new partner's.
func (r *RelationManager) processManyToOne(pf int, ch relationChange) error {
	if ch.kind != relationValueChanged {
		return nil
	}
	if pm := managerOf(ch.old); correctable(pm) {
		if err := r.removeFromCollection(pm, pf); err != nil {
			return errors.Trace(err)
		}
	}
	if pm := managerOf(ch.new); correctable(pm) {
		if err := r.addToCollection(pm, pf); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

// processManyToMany keeps membership symmetric: an element gains or
// loses the owner in its own collection.
func (r *RelationManager) processManyToMany(pf int, ch relationChange) error {
	em := managerOf(ch.element)
	if !correctable(em) {
		return nil
	}
	switch ch.kind {
	case relationElementAdded:
		return errors.Trace(r.addToCollection(em, pf))
	case relationElementRemoved:
		return errors.Trace(r.removeFromCollection(em, pf))
	}
	return nil
}

func (r *RelationManager) addToCollection(pm *Manager, pf int) error {
	cur, err := pm.loadedFieldValue(pf)
	if err != nil {
		return errors.Trace(err)
	}
	col := instanceSlice(cur)
	if containsInstance(col, r.owner.instance) {
		return nil
	}
	next := make([]Instance, 0, len(col)+1)
	next = append(next, col...)
	next = append(next, r.owner.instance)
	return errors.Trace(pm.StoreField(pf, next))
}

func (r *RelationManager) removeFromCollection(pm *Manager, pf int) error {
	cur, err := pm.loadedFieldValue(pf)
	if err != nil {
		return errors.Trace(err)
	}
	col := instanceSlice(cur)
	if !containsInstance(col, r.owner.instance) {
		return nil
	}
	next := make([]Instance, 0, len(col)-1)
	for _, e := range col {
		if e != r.owner.instance {
			next = append(next, e)
		}
	}
	return errors.Trace(pm.StoreField(pf, next))
}

// correctable reports whether a partner may receive a relationship
// correction. Non-persistent and deleted objects never do.
func correctable(pm *Manager) bool {
	return pm != nil && pm.ctx != nil && pm.state.Persistent() && !pm.state.Deleted()
}

// managerOf resolves a relationship field value to its manager, if
// the value is a managed instance.
func managerOf(v any) *Manager {
	if v == nil {
		return nil
	}
	inst, ok := v.(Instance)
	if !ok {
		return nil
	}
	return inst.StateHandle()
}

func sameObject(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

func instanceSlice(v any) []Instance {
	if v == nil {
		return nil
	}
	s, ok := v.([]Instance)
	if !ok {
		return nil
	}
	return s
}

func containsInstance(s []Instance, e Instance) bool {
	for _, x := range s {
		if x == e {
			return true
		}
	}
	return false
}
