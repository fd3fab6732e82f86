// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/core/fieldbits"
	"github.com/statekeep/statekeep/core/lifecycle"
)

type managerFlags uint16

const (
	// flagInserting is held while an insert is dispatched to storage.
	flagInserting managerFlags = 1 << iota

	// flagInserted records that the insert has reached the store.
	flagInserted

	// flagDeleting is held from DeletePersistent until the deletion
	// leaves the unit of work.
	flagDeleting

	// flagFlushing makes re-entrant flushes no-ops; cyclic graphs can
	// trigger them.
	flagFlushing

	// flagAttaching and flagDetaching guard graph merge/snapshot.
	flagAttaching
	flagDetaching

	// flagChangingState brackets every life-cycle transition.
	flagChangingState

	// flagPostLoadPending defers a load notification that completed
	// mid-transition.
	flagPostLoadPending

	// flagDisconnecting guards teardown, reachable from flush, detach
	// and eviction paths at once.
	flagDisconnecting

	// flagRestoring suppresses dirty bookkeeping while a rollback
	// image is written back.
	flagRestoring

	// flagDeleteDispatched records that the deletion has reached the
	// store, so repeated flushes stay single-shot.
	flagDeleteDispatched
)

// Manager exclusively owns the persistence coordination for one
// managed object while connected: its life-cycle state, its
// loaded/dirty field vectors, its rollback image, its versions and
// its relationship bookkeeping. The context owns the manager; the
// manager holds a handle to the object but not its lifetime.
type Manager struct {
	ctx      Context
	schema   Schema
	instance Instance

	// id is the external identity, nil until assigned. internalID is
	// the temporary identity used before assignment.
	id         any
	internalID uuid.UUID

	state  lifecycle.State
	fields *fieldbits.Tracker
	flags  managerFlags

	// detached managers serve a graph snapshot outside any context.
	detached bool

	// owner/ownerField tie an embedded manager to its container.
	owner      *Manager
	ownerField int
	embedded   map[int]*Manager

	saved           *savedFields
	preDeleteLoaded []uint64

	version   any
	txVersion any

	rels     *RelationManager
	deferred deferredQueue

	fetchPlan []int
}

type savedFields struct {
	values  []any
	loaded  []uint64
	version any
}

func newManager(ctx Context, schema Schema, obj Instance, st lifecycle.State) (*Manager, error) {
	m := &Manager{
		ctx:        ctx,
		schema:     schema,
		instance:   obj,
		internalID: uuid.New(),
		state:      st,
		fields:     fieldbits.New(schema.FieldCount()),
		ownerField: -1,
	}
	m.rels = newRelationManager(m)
	if err := obj.BindStateHandle(m); err != nil {
		return nil, errors.Trace(err)
	}
	if c := ctx.Metrics(); c != nil {
		c.managerConnected()
	}
	return m, nil
}

// Manage binds obj to a new transient manager in ctx. The object
// becomes persistence-aware but not persistent; use MakePersistent to
// move it into the transaction.
func Manage(ctx Context, schema Schema, obj Instance) (*Manager, error) {
	m, err := newManager(ctx, schema, obj, lifecycle.Transient)
	if err != nil {
		return nil, errors.Trace(err)
	}
	ctx.Callbacks().Post(CallbackCreate, obj)
	return m, nil
}

// NewHollow materializes a manager for a known identity with no
// fields loaded. The instance is created from the schema and
// registered in the identity map; fields load on first access.
func NewHollow(ctx Context, schema Schema, id any) (*Manager, error) {
	if id == nil {
		return nil, errors.Trace(ErrNullIdentityField)
	}
	if existing := ctx.ManagerForIdentity(schema, id); existing != nil {
		return existing, nil
	}
	m, err := newManager(ctx, schema, schema.NewInstance(), lifecycle.Hollow)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.id = id
	ctx.PutIdentity(m)
	return m, nil
}

// ManageEmbedded binds obj as the embedded value of the given field,
// returning its sub-manager. The embedded object shares the owner's
// life-cycle: its dirtiness escalates to the embedding field and it
// disconnects with the owner.
func (m *Manager) ManageEmbedded(field int, schema Schema, obj Instance) (*Manager, error) {
	if err := m.checkConnected(); err != nil {
		return nil, errors.Trace(err)
	}
	fi := m.schema.Field(field)
	if !fi.Embedded {
		return nil, errors.Errorf("field %q of %s is not embedded", fi.Name, m.schema.Name())
	}
	if existing := m.embedded[field]; existing != nil {
		return existing, nil
	}
	em, err := newEmbedded(m, field, schema, obj)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.instance.ReplaceField(field, obj)
	m.fields.MarkLoaded(field)
	return em, nil
}

// newEmbedded creates the sub-manager for an embedded value owned by
// owner's field position.
func newEmbedded(owner *Manager, field int, schema Schema, obj Instance) (*Manager, error) {
	m, err := newManager(owner.ctx, schema, obj, owner.state)
	if err != nil {
		return nil, errors.Trace(err)
	}
	m.owner = owner
	m.ownerField = field
	if owner.embedded == nil {
		owner.embedded = make(map[int]*Manager)
	}
	owner.embedded[field] = m
	return m, nil
}

// Schema returns the read-only class descriptor.
func (m *Manager) Schema() Schema {
	return m.schema
}

// Object returns the managed instance.
func (m *Manager) Object() Instance {
	return m.instance
}

// State returns the current life-cycle state.
func (m *Manager) State() lifecycle.State {
	return m.state
}

// Identity returns the external identity, or nil before assignment.
func (m *Manager) Identity() any {
	return m.id
}

// Version returns the committed version, or nil.
func (m *Manager) Version() any {
	return m.version
}

// TransactionalVersion returns the provisional version, which
// diverges from Version only between a provisional increment and the
// end of the transaction.
func (m *Manager) TransactionalVersion() any {
	return m.txVersion
}

// Embedded reports whether this manager serves an embedded value.
func (m *Manager) Embedded() bool {
	return m.owner != nil
}

// Relations returns the relationship bookkeeping, nil on detached
// managers.
func (m *Manager) Relations() *RelationManager {
	return m.rels
}

// Detached reports whether this manager serves a detached snapshot.
func (m *Manager) Detached() bool {
	return m.detached
}

// CacheKey returns the L2 cache key for this object: class-qualified
// external identity, falling back to the temporary internal identity
// before assignment.
func (m *Manager) CacheKey() string {
	if m.id != nil {
		return fmt.Sprintf("%s#%v", m.schema.Name(), m.id)
	}
	return fmt.Sprintf("%s#tmp-%s", m.schema.Name(), m.internalID)
}

func (m *Manager) checkConnected() error {
	if m.ctx == nil && !m.detached {
		return errors.Trace(ErrDisconnected)
	}
	return nil
}

func (m *Manager) txn() lifecycle.Txn {
	if m.ctx == nil {
		return lifecycle.Txn{}
	}
	return lifecycle.Txn{
		Active:       m.ctx.TransactionActive(),
		Optimistic:   m.ctx.Optimistic(),
		RetainValues: m.ctx.RetainValues(),
	}
}

// unlockAccess is the no-op returned by lockAccess outside
// multithreaded mode.
func unlockAccess() {}

// lockAccess takes the context-wide lock for the duration of a single
// field access in multithreaded mode. It is never held across storage
// I/O.
func (m *Manager) lockAccess() func() {
	if m.ctx != nil && m.ctx.Multithreaded() {
		m.ctx.Lock()
		return m.ctx.Unlock
	}
	return unlockAccess
}

// fire drives one life-cycle transition and applies its effect. A
// re-entrant fire while a transition is already in progress is a
// no-op returning the current state: double invocation under the
// changing-state guard must not move the object twice. Deferred
// post-load notifications are delivered once the guard clears.
func (m *Manager) fire(e lifecycle.Event) lifecycle.Transition {
	if m.flags&flagChangingState != 0 {
		return lifecycle.Transition{Next: m.state}
	}
	m.flags |= flagChangingState
	t := lifecycle.Step(m.state, e, m.txn())
	if t.Next != m.state {
		logger.Tracef("%s %s: %s -> %s", m.schema.Name(), e, m.state, t.Next)
		if c := m.metrics(); c != nil {
			c.observeTransition(m.state, t.Next)
		}
	}
	if t.Next != lifecycle.None {
		m.state = t.Next
	}
	m.flags &^= flagChangingState

	switch t.Effect {
	case lifecycle.EffectEnlist:
		if m.ctx != nil && m.ctx.TransactionActive() {
			// The rollback image is captured lazily on first
			// enlistment.
			m.SaveFields()
			m.ctx.Enlist(m)
		}
	case lifecycle.EffectEvict:
		if m.ctx != nil {
			m.ctx.EvictFromTransaction(m)
		}
	case lifecycle.EffectDisconnect:
		m.state = lifecycle.None
		key := m.CacheKey()
		if err := m.Disconnect(); err != nil {
			logger.Warningf("disconnecting %s after %s: %v", key, e, err)
		}
	}

	if m.flags&flagPostLoadPending != 0 && m.flags&flagChangingState == 0 {
		m.flags &^= flagPostLoadPending
		if m.ctx != nil {
			m.ctx.Callbacks().Post(CallbackLoad, m.instance)
		}
	}
	return t
}

func (m *Manager) metrics() *Collector {
	if m.ctx == nil {
		return nil
	}
	return m.ctx.Metrics()
}

// Disconnect tears the manager down: every owned reference is
// cleared, the object's back-pointer is unset, the identity-map entry
// is removed and embedded sub-managers disconnect recursively. It is
// safe to reach from multiple trigger paths; only the first call does
// work. After disconnect the manager is unusable and the object can
// no longer be re-queried through it.
func (m *Manager) Disconnect() error {
	if m.flags&flagDisconnecting != 0 || m.ctx == nil && !m.detached {
		return nil
	}
	m.flags |= flagDisconnecting

	for _, sub := range m.embedded {
		if err := sub.Disconnect(); err != nil {
			logger.Warningf("disconnecting embedded manager: %v", err)
		}
	}
	m.embedded = nil

	if m.ctx != nil {
		m.ctx.EvictFromTransaction(m)
		m.ctx.RemoveIdentity(m)
		if c := m.ctx.Metrics(); c != nil {
			c.managerDisconnected()
		}
	}
	if m.instance != nil {
		if err := m.instance.BindStateHandle(nil); err != nil {
			return errors.Trace(err)
		}
	}

	m.ctx = nil
	m.instance = nil
	m.schema = nil
	m.detached = false
	m.saved = nil
	m.preDeleteLoaded = nil
	m.rels = nil
	m.deferred.clear()
	m.owner = nil
	m.state = lifecycle.None
	return nil
}
