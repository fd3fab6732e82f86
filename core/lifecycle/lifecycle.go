// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package lifecycle defines the life-cycle states of a managed object
// and the pure transition machine over them. The machine has no side
// effects of its own: each step yields the next state together with an
// effect the caller must apply (enlisting with or evicting from the
// transaction, or disconnecting the object entirely).
package lifecycle

// State identifies the life-cycle state of a managed object.
type State int

const (
	// None is not a state an object can rest in: a transition to None
	// means the object leaves management entirely and its manager must
	// be disconnected.
	None State = iota - 1

	// Transient is an object known to the runtime but not persistent
	// and not transactional.
	Transient

	// New is a persistent object created in the current transaction.
	New

	// Clean is a persistent object whose loaded fields match the
	// datastore.
	Clean

	// Dirty is a persistent object with unflushed field modifications.
	Dirty

	// Hollow is a persistent object with an identity but no loaded
	// fields.
	Hollow

	// TxClean is a transient object enlisted in the transaction with
	// no modifications since the last boundary.
	TxClean

	// TxDirty is a transient object enlisted in the transaction with
	// modifications since the last boundary.
	TxDirty

	// NewDeleted is an object created and then deleted in the same
	// transaction.
	NewDeleted

	// Deleted is a pre-existing persistent object deleted in the
	// current transaction.
	Deleted

	// Nontransactional is a persistent object with loaded fields that
	// is not enlisted in any transaction.
	Nontransactional

	// NontransactionalDirty is a persistent object modified outside a
	// transaction; the change is flushed by the next one.
	NontransactionalDirty

	// DetachedClean is an unmodified snapshot living outside the
	// persistence context.
	DetachedClean

	// DetachedDirty is a detached snapshot modified since detach.
	DetachedDirty
)

// NumStates is the number of resting states, excluding None.
const NumStates = int(DetachedDirty-Transient) + 1

var stateNames = []string{
	Transient:             "transient",
	New:                   "new",
	Clean:                 "clean",
	Dirty:                 "dirty",
	Hollow:                "hollow",
	TxClean:               "tx-clean",
	TxDirty:               "tx-dirty",
	NewDeleted:            "new-deleted",
	Deleted:               "deleted",
	Nontransactional:      "nontransactional",
	NontransactionalDirty: "nontransactional-dirty",
	DetachedClean:         "detached-clean",
	DetachedDirty:         "detached-dirty",
}

// String is part of fmt.Stringer.
func (s State) String() string {
	if s == None {
		return "none"
	}
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

type stateFlags uint8

const (
	flagDirty stateFlags = 1 << iota
	flagNew
	flagDeleted
	flagTransactional
	flagPersistent
	flagDetached
)

var flags = []stateFlags{
	Transient:             0,
	New:                   flagDirty | flagNew | flagTransactional | flagPersistent,
	Clean:                 flagTransactional | flagPersistent,
	Dirty:                 flagDirty | flagTransactional | flagPersistent,
	Hollow:                flagPersistent,
	TxClean:               flagTransactional,
	TxDirty:               flagDirty | flagTransactional,
	NewDeleted:            flagDirty | flagNew | flagDeleted | flagTransactional | flagPersistent,
	Deleted:               flagDirty | flagDeleted | flagTransactional | flagPersistent,
	Nontransactional:      flagPersistent,
	NontransactionalDirty: flagDirty | flagPersistent,
	DetachedClean:         flagDetached,
	DetachedDirty:         flagDirty | flagDetached,
}

func (s State) flags() stateFlags {
	if int(s) < 0 || int(s) >= len(flags) {
		return 0
	}
	return flags[s]
}

// Dirty reports whether the state carries unflushed modifications.
func (s State) Dirty() bool { return s.flags()&flagDirty != 0 }

// IsNew reports whether the object was created in the current
// transaction.
func (s State) IsNew() bool { return s.flags()&flagNew != 0 }

// Deleted reports whether the object is deleted in the current
// transaction.
func (s State) Deleted() bool { return s.flags()&flagDeleted != 0 }

// Transactional reports whether the state belongs to the enlisted
// family.
func (s State) Transactional() bool { return s.flags()&flagTransactional != 0 }

// Persistent reports whether the object has, or will have, a durable
// representation.
func (s State) Persistent() bool { return s.flags()&flagPersistent != 0 }

// Detached reports whether the object is a snapshot living outside the
// persistence context.
func (s State) Detached() bool { return s.flags()&flagDetached != 0 }

// Event identifies an operation driving the life-cycle machine.
type Event int

const (
	MakePersistent Event = iota
	DeletePersistent
	MakeTransactional
	MakeNontransactional
	MakeTransient
	Begin
	Commit
	Rollback
	Refresh
	Evict
	ReadField
	WriteField
	Retrieve
	Detach
	Attach
	Serialize
)

// NumEvents is the number of events the machine understands.
const NumEvents = int(Serialize) + 1

var eventNames = []string{
	MakePersistent:       "make-persistent",
	DeletePersistent:     "delete-persistent",
	MakeTransactional:    "make-transactional",
	MakeNontransactional: "make-nontransactional",
	MakeTransient:        "make-transient",
	Begin:                "begin",
	Commit:               "commit",
	Rollback:             "rollback",
	Refresh:              "refresh",
	Evict:                "evict",
	ReadField:            "read-field",
	WriteField:           "write-field",
	Retrieve:             "retrieve",
	Detach:               "detach",
	Attach:               "attach",
	Serialize:            "serialize",
}

// String is part of fmt.Stringer.
func (e Event) String() string {
	if int(e) < 0 || int(e) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[e]
}

// Txn carries the transactional context a transition consults. A field
// read on a hollow object, for example, enlists it while a transaction
// is active but leaves it nontransactional otherwise.
type Txn struct {
	// Active reports whether a unit of work is in progress.
	Active bool

	// Optimistic reports whether the active unit of work uses
	// optimistic concurrency.
	Optimistic bool

	// RetainValues keeps loaded fields across commit instead of
	// hollowing the object out.
	RetainValues bool
}

// Effect is the side effect the caller must apply after a transition.
type Effect int

const (
	// EffectNone requires nothing of the caller.
	EffectNone Effect = iota

	// EffectEnlist requires the object to be enlisted with the
	// transaction.
	EffectEnlist

	// EffectEvict requires the object to be evicted from the
	// transaction.
	EffectEvict

	// EffectDisconnect requires the object's manager to disconnect
	// entirely. Always accompanies a transition to None.
	EffectDisconnect
)

// Transition is the result of one machine step.
type Transition struct {
	Next   State
	Effect Effect
}

func stay(s State) Transition {
	return Transition{Next: s}
}

func to(s State, e Effect) Transition {
	return Transition{Next: s, Effect: e}
}

func disconnect() Transition {
	return Transition{Next: None, Effect: EffectDisconnect}
}
