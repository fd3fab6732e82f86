// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"sort"

	"github.com/juju/errors"
)

// deferredQueue holds field writes that could not complete because
// their value depends on an object that has not been flushed yet,
// typically the far side of a cyclic insert graph. Each slot resolves
// to the final field value once the dependency reaches the store.
type deferredQueue struct {
	pending map[int][]func() (any, error)
}

func (q *deferredQueue) add(field int, resolve func() (any, error)) {
	if q.pending == nil {
		q.pending = make(map[int][]func() (any, error))
	}
	q.pending[field] = append(q.pending[field], resolve)
}

// take pops the pending resolver for a field. The last recorded
// write wins, matching ordinary field write semantics.
func (q *deferredQueue) take(field int) (func() (any, error), bool) {
	rs := q.pending[field]
	if len(rs) == 0 {
		return nil, false
	}
	delete(q.pending, field)
	return rs[len(rs)-1], true
}

// resolve pops and runs the pending resolver for a field.
func (q *deferredQueue) resolve(field int) (any, bool, error) {
	fn, ok := q.take(field)
	if !ok {
		return nil, false, nil
	}
	v, err := fn()
	if err != nil {
		return nil, true, errors.Trace(err)
	}
	return v, true, nil
}

func (q *deferredQueue) fields() []int {
	out := make([]int, 0, len(q.pending))
	for f := range q.pending {
		out = append(out, f)
	}
	sort.Ints(out)
	return out
}

func (q *deferredQueue) clear() {
	q.pending = nil
}

func (q *deferredQueue) empty() bool {
	return len(q.pending) == 0
}

// DeferAssociation queues a field write whose value is not yet
// assignable, usually because the related object has not been flushed
// and so has no identity. The write completes through the ordinary
// tracked path once resolvable.
func (m *Manager) DeferAssociation(field int, resolve func() (any, error)) error {
	if err := m.checkConnected(); err != nil {
		return errors.Trace(err)
	}
	if field < 0 || field >= m.schema.FieldCount() {
		return errors.Errorf("field %d out of range for %s", field, m.schema.Name())
	}
	m.deferred.add(field, resolve)
	m.ctx.MarkDirty(m)
	return nil
}

// ResolveDeferred completes every pending deferred write whose value
// has become available. Values that still cannot resolve keep their
// slot for a later pass.
func (m *Manager) ResolveDeferred() error {
	return errors.Trace(m.resolveDeferred())
}

func (m *Manager) resolveDeferred() error {
	if m.deferred.empty() {
		return nil
	}
	for _, field := range m.deferred.fields() {
		fn, ok := m.deferred.take(field)
		if !ok {
			continue
		}
		v, err := fn()
		if err != nil {
			if errors.Is(err, ErrNotYetFlushed) {
				// Still unresolvable; requeue for the next pass.
				m.deferred.add(field, fn)
				continue
			}
			return errors.Annotatef(err, "resolving deferred write to field %d of %s", field, m.CacheKey())
		}
		if err := m.ReplaceField(field, v, true); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}
