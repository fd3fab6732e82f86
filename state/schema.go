// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

// RelationKind classifies a relation-valued field.
type RelationKind int

const (
	RelationNone RelationKind = iota
	OneToOneBi
	OneToManyBi
	ManyToOneBi
	ManyToManyBi
	OneToOneUni
	OneToManyUni
)

var relationKindNames = []string{
	RelationNone: "none",
	OneToOneBi:   "1:1-bi",
	OneToManyBi:  "1:N-bi",
	ManyToOneBi:  "N:1-bi",
	ManyToManyBi: "M:N-bi",
	OneToOneUni:  "1:1-uni",
	OneToManyUni: "1:N-uni",
}

// String is part of fmt.Stringer.
func (k RelationKind) String() string {
	if int(k) < 0 || int(k) >= len(relationKindNames) {
		return "unknown"
	}
	return relationKindNames[k]
}

// Bidirectional reports whether the relation has a reciprocal field on
// the partner side.
func (k RelationKind) Bidirectional() bool {
	switch k {
	case OneToOneBi, OneToManyBi, ManyToOneBi, ManyToManyBi:
		return true
	}
	return false
}

// Container reports whether the field on this side holds a collection
// of related objects rather than a single reference.
func (k RelationKind) Container() bool {
	switch k {
	case OneToManyBi, ManyToManyBi, OneToManyUni:
		return true
	}
	return false
}

// RelationInfo describes the relation carried by a field.
type RelationInfo struct {
	Kind RelationKind

	// PartnerField is the absolute position of the reciprocal field
	// on the related schema, or -1 for unidirectional relations.
	PartnerField int
}

// FieldInfo describes one field of a schema.
type FieldInfo struct {
	Name string

	// Key marks a primary-key field; key fields may not be modified
	// once an identity is assigned.
	Key bool

	// Version marks the optimistic-locking version field.
	Version bool

	// Embedded marks a field holding a persisted value with no
	// independent identity, life-cycle owned by its container.
	Embedded bool

	// DefaultFetchGroup includes the field in the default fetch plan.
	DefaultFetchGroup bool

	Relation RelationInfo
}

// IdentityKind describes how external identities come to be.
type IdentityKind int

const (
	// ApplicationIdentity derives the identity from key fields.
	ApplicationIdentity IdentityKind = iota

	// DatastoreIdentity has the context allocate an identity.
	DatastoreIdentity

	// NondurableIdentity objects have no durable identity at all.
	NondurableIdentity
)

// VersionStrategy selects how the version field advances.
type VersionStrategy int

const (
	VersionNone VersionStrategy = iota

	// VersionCounter increments an int64 on every update.
	VersionCounter

	// VersionTimestamp stamps the context clock's time on every
	// update.
	VersionTimestamp
)

// Schema is the read-only descriptor of a persistent class: field
// count and positions, which fields are key, version, relation or
// container valued, identity kind and relation shape.
type Schema interface {
	// Name returns the unique class name.
	Name() string

	// FieldCount returns the number of managed fields.
	FieldCount() int

	// Field returns the descriptor for field i.
	Field(i int) FieldInfo

	// KeyFields returns the positions of primary-key fields.
	KeyFields() []int

	// VersionField returns the position of the version field, or -1.
	VersionField() int

	VersionStrategy() VersionStrategy
	IdentityKind() IdentityKind

	// FetchGroup returns the field positions of a named fetch group.
	FetchGroup(name string) ([]int, bool)

	// NewInstance returns a fresh unmanaged instance of the class,
	// used for hollow materialization and detached copies.
	NewInstance() Instance
}

// DefaultFetchPlan returns the positions of the schema's default
// fetch group fields.
func DefaultFetchPlan(s Schema) []int {
	var plan []int
	for i := 0; i < s.FieldCount(); i++ {
		if s.Field(i).DefaultFetchGroup {
			plan = append(plan, i)
		}
	}
	return plan
}
