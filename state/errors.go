// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"fmt"

	"github.com/juju/errors"
)

const (
	// ErrDisconnected is returned when an operation reaches a manager
	// that has been disconnected. This is a contract violation: the
	// unit of work is not recoverable.
	ErrDisconnected = errors.ConstError("state manager is disconnected")

	// ErrKeyFieldMutation is returned on an attempt to modify a
	// primary-key field after identity assignment.
	ErrKeyFieldMutation = errors.ConstError("cannot modify primary-key field")

	// ErrNullIdentityField is returned when a key field is null at
	// identity-assignment time.
	ErrNullIdentityField = errors.ConstError("primary-key field is null at identity assignment")

	// ErrEmbeddedUnload is returned on an attempt to unload a field
	// of an embedded object.
	ErrEmbeddedUnload = errors.ConstError("cannot unload field of embedded object")

	// ErrNotFound reports that the datastore has no trace of the
	// object, as opposed to being unreachable.
	ErrNotFound = errors.ConstError("object not found in datastore")

	// ErrNotYetFlushed reports that an insert referenced a related
	// object whose own insert has not reached the store yet. Dirty
	// state is restored by the catcher so the triggering relation
	// edit can be deferred and retried within the same unit of work.
	ErrNotYetFlushed = errors.ConstError("related object not yet flushed")

	// ErrStaleVersion reports an optimistic version conflict.
	ErrStaleVersion = errors.ConstError("stale object version")

	// ErrDeleted is returned on field access to an object deleted in
	// the current unit of work.
	ErrDeleted = errors.ConstError("object is deleted")

	// ErrBound is returned when binding a manager to an object that
	// already has a different live manager.
	ErrBound = errors.ConstError("object already bound to a state manager")
)

// InconsistentRelationError is the diagnostic produced by
// RelationManager.CheckConsistency: both sides of a bidirectional
// relation were independently set to incompatible values. It is an
// ordinary user-facing error and is never retried automatically.
type InconsistentRelationError struct {
	// Field is the name of the relation field on the owner side.
	Field string

	// OwnerIdentity and PartnerIdentity identify the two objects
	// whose recorded changes disagree.
	OwnerIdentity   any
	PartnerIdentity any

	Detail string
}

// Error is part of the error interface.
func (e *InconsistentRelationError) Error() string {
	return fmt.Sprintf("inconsistent relation %q between %v and %v: %s",
		e.Field, e.OwnerIdentity, e.PartnerIdentity, e.Detail)
}

// IsInconsistentRelation reports whether err is an
// InconsistentRelationError.
func IsInconsistentRelation(err error) bool {
	_, ok := errors.Cause(err).(*InconsistentRelationError)
	return ok
}
