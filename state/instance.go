// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// Instance is the field-access bridge between a managed object and its
// Manager. It is satisfiable by generated code, reflection or proxies
// interchangeably: the runtime only ever asks the object to provide or
// replace a field by absolute position, and to hold the back-reference
// half of the manager/object handshake.
type Instance interface {
	// ProvideField returns the current value of field i without side
	// effects.
	ProvideField(i int) any

	// ReplaceField writes v into field i without side effects.
	ReplaceField(i int, v any)

	// StateHandle returns the manager bound to this object, or nil.
	StateHandle() *Manager

	// BindStateHandle installs or clears the back-reference. Binding
	// a manager over a different live one must be refused: at most
	// one manager owns an object at a time.
	BindStateHandle(*Manager) error
}
