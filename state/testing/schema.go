// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package testing provides in-memory fixtures for exercising the
// state runtime: a Context backed by a MemStore, a schema builder and
// a generic slice-backed instance.
package testing

import (
	"github.com/juju/errors"

	"github.com/statekeep/statekeep/state"
)

// Object is a generic managed instance whose fields live in a slice,
// addressed by absolute position.
type Object struct {
	handle *state.Manager
	values []any
}

// NewObject returns an unmanaged object with n zero-valued fields.
func NewObject(n int) *Object {
	return &Object{values: make([]any, n)}
}

// ProvideField is part of state.Instance.
func (o *Object) ProvideField(i int) any {
	return o.values[i]
}

// ReplaceField is part of state.Instance.
func (o *Object) ReplaceField(i int, v any) {
	o.values[i] = v
}

// StateHandle is part of state.Instance.
func (o *Object) StateHandle() *state.Manager {
	return o.handle
}

// BindStateHandle is part of state.Instance.
func (o *Object) BindStateHandle(m *state.Manager) error {
	if m != nil && o.handle != nil && o.handle != m {
		return errors.Trace(state.ErrBound)
	}
	o.handle = m
	return nil
}

// SchemaBuilder assembles a state.Schema field by field. Field
// positions are assigned in declaration order.
type SchemaBuilder struct {
	name     string
	fields   []state.FieldInfo
	identity state.IdentityKind
	strategy state.VersionStrategy
	groups   map[string][]int
}

// NewSchema starts a builder for a class using application identity
// and no versioning by default.
func NewSchema(name string) *SchemaBuilder {
	return &SchemaBuilder{
		name:   name,
		groups: make(map[string][]int),
	}
}

// Field declares a plain field in the default fetch group.
func (b *SchemaBuilder) Field(name string) *SchemaBuilder {
	b.fields = append(b.fields, state.FieldInfo{
		Name:              name,
		DefaultFetchGroup: true,
	})
	return b
}

// KeyField declares a primary-key field.
func (b *SchemaBuilder) KeyField(name string) *SchemaBuilder {
	b.fields = append(b.fields, state.FieldInfo{
		Name:              name,
		Key:               true,
		DefaultFetchGroup: true,
	})
	return b
}

// VersionField declares the optimistic-locking version field and the
// strategy that advances it.
func (b *SchemaBuilder) VersionField(name string, strategy state.VersionStrategy) *SchemaBuilder {
	b.fields = append(b.fields, state.FieldInfo{
		Name:              name,
		Version:           true,
		DefaultFetchGroup: true,
	})
	b.strategy = strategy
	return b
}

// Relation declares a relation-valued field. Relation fields stay out
// of the default fetch group; partner is the reciprocal field
// position on the related schema, or -1 for unidirectional kinds.
func (b *SchemaBuilder) Relation(name string, kind state.RelationKind, partner int) *SchemaBuilder {
	b.fields = append(b.fields, state.FieldInfo{
		Name: name,
		Relation: state.RelationInfo{
			Kind:         kind,
			PartnerField: partner,
		},
	})
	return b
}

// EmbeddedField declares a field holding an embedded value.
func (b *SchemaBuilder) EmbeddedField(name string) *SchemaBuilder {
	b.fields = append(b.fields, state.FieldInfo{
		Name:     name,
		Embedded: true,
	})
	return b
}

// Identity sets the identity kind.
func (b *SchemaBuilder) Identity(kind state.IdentityKind) *SchemaBuilder {
	b.identity = kind
	return b
}

// FetchGroup names a fetch group over the given field names. Unknown
// names panic; fixtures fail fast.
func (b *SchemaBuilder) FetchGroup(name string, fieldNames ...string) *SchemaBuilder {
	var positions []int
	for _, fn := range fieldNames {
		pos := -1
		for i, fi := range b.fields {
			if fi.Name == fn {
				pos = i
				break
			}
		}
		if pos < 0 {
			panic("testing: unknown field " + fn + " in fetch group " + name)
		}
		positions = append(positions, pos)
	}
	b.groups[name] = positions
	return b
}

// Build finalizes the schema.
func (b *SchemaBuilder) Build() state.Schema {
	s := &schema{
		name:         b.name,
		fields:       append([]state.FieldInfo(nil), b.fields...),
		identity:     b.identity,
		strategy:     b.strategy,
		versionField: -1,
		groups:       make(map[string][]int, len(b.groups)),
	}
	for i, fi := range s.fields {
		if fi.Key {
			s.keyFields = append(s.keyFields, i)
		}
		if fi.Version {
			s.versionField = i
		}
	}
	for name, fields := range b.groups {
		s.groups[name] = append([]int(nil), fields...)
	}
	return s
}

type schema struct {
	name         string
	fields       []state.FieldInfo
	keyFields    []int
	versionField int
	identity     state.IdentityKind
	strategy     state.VersionStrategy
	groups       map[string][]int
}

func (s *schema) Name() string                           { return s.name }
func (s *schema) FieldCount() int                        { return len(s.fields) }
func (s *schema) Field(i int) state.FieldInfo            { return s.fields[i] }
func (s *schema) KeyFields() []int                       { return s.keyFields }
func (s *schema) VersionField() int                      { return s.versionField }
func (s *schema) VersionStrategy() state.VersionStrategy { return s.strategy }
func (s *schema) IdentityKind() state.IdentityKind       { return s.identity }

func (s *schema) FetchGroup(name string) ([]int, bool) {
	fields, ok := s.groups[name]
	return fields, ok
}

func (s *schema) NewInstance() state.Instance {
	return NewObject(len(s.fields))
}
