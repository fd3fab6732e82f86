// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// Callback identifies a life-cycle notification. Pre fires strictly
// before the corresponding mutation, Post strictly after, and each
// fires at most once per logical operation. Callbacks are never
// delivered inside the changing-state critical section: a load
// completing mid-transition defers its post-load notification until
// the transition ends.
type Callback int

const (
	CallbackCreate Callback = iota
	CallbackPersist
	CallbackStore
	CallbackClear
	CallbackDelete
	CallbackDirty
	CallbackLoad
	CallbackRefresh
	CallbackDetach
	CallbackAttach
)

var callbackNames = []string{
	CallbackCreate:  "create",
	CallbackPersist: "persist",
	CallbackStore:   "store",
	CallbackClear:   "clear",
	CallbackDelete:  "delete",
	CallbackDirty:   "dirty",
	CallbackLoad:    "load",
	CallbackRefresh: "refresh",
	CallbackDetach:  "detach",
	CallbackAttach:  "attach",
}

// String is part of fmt.Stringer.
func (cb Callback) String() string {
	if int(cb) < 0 || int(cb) >= len(callbackNames) {
		return "unknown"
	}
	return callbackNames[cb]
}

// CallbackHandler receives ordered pre/post life-cycle notifications
// for managed objects.
type CallbackHandler interface {
	Pre(cb Callback, obj Instance)
	Post(cb Callback, obj Instance)
}

// NoopCallbacks is a CallbackHandler that ignores everything.
type NoopCallbacks struct{}

// Pre is part of CallbackHandler.
func (NoopCallbacks) Pre(Callback, Instance) {}

// Post is part of CallbackHandler.
func (NoopCallbacks) Post(Callback, Instance) {}
