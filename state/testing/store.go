// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package testing

import (
	"fmt"
	"sync"

	"github.com/juju/errors"

	"github.com/statekeep/statekeep/state"
)

type storeDoc struct {
	values  []any
	loaded  map[int]bool
	version any
}

// MemStore is an in-memory StoreManager with operation recording and
// failure injection. Relation-valued fields are stored as the live
// instance references; good enough for a single-process fixture.
type MemStore struct {
	mu   sync.Mutex
	docs map[string]*storeDoc

	// Ops records each storage operation as "<op> <schema>#<id>" in
	// dispatch order.
	Ops []string

	// FailInsert, FailUpdate, FailDelete and FailFetch, when set, are
	// returned by the corresponding operation instead of performing
	// it.
	FailInsert error
	FailUpdate error
	FailDelete error
	FailFetch  error
}

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{docs: make(map[string]*storeDoc)}
}

func storeKey(schema state.Schema, id any) string {
	return fmt.Sprintf("%s#%v", schema.Name(), id)
}

// Insert is part of state.StoreManager. A relation field referencing
// a new object whose own insert has not happened yet is omitted from
// the document and ErrNotYetFlushed is returned; the manager restores
// its dirty state and retries after the dependency flushes, which
// lets cyclic insert graphs terminate.
func (s *MemStore) Insert(m *state.Manager) error {
	if s.FailInsert != nil {
		return s.FailInsert
	}
	schema := m.Schema()
	key := storeKey(schema, m.Identity())
	doc := &storeDoc{
		values: make([]any, schema.FieldCount()),
		loaded: make(map[int]bool),
	}
	blocked := false
	for i := 0; i < schema.FieldCount(); i++ {
		v, err := m.ProvideField(i)
		if err != nil {
			return errors.Trace(err)
		}
		if schema.Field(i).Relation.Kind != state.RelationNone && s.notYetStored(v) {
			blocked = true
			continue
		}
		doc.values[i] = v
		doc.loaded[i] = true
	}
	if schema.VersionStrategy() != state.VersionNone {
		doc.version = m.TransactionalVersion()
	}
	s.mu.Lock()
	s.docs[key] = doc
	s.Ops = append(s.Ops, "insert "+key)
	s.mu.Unlock()
	if blocked {
		return errors.Annotatef(state.ErrNotYetFlushed, "%s", key)
	}
	return nil
}

// notYetStored reports whether v references a new managed object with
// no document behind it yet.
func (s *MemStore) notYetStored(v any) bool {
	check := func(inst state.Instance) bool {
		pm := inst.StateHandle()
		if pm == nil || !pm.State().IsNew() {
			return false
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		_, ok := s.docs[storeKey(pm.Schema(), pm.Identity())]
		return !ok
	}
	switch t := v.(type) {
	case state.Instance:
		return check(t)
	case []state.Instance:
		for _, e := range t {
			if check(e) {
				return true
			}
		}
	}
	return false
}

// Update is part of state.StoreManager. The stored version must match
// the manager's committed version or the update is stale.
func (s *MemStore) Update(m *state.Manager, fields []int) error {
	if s.FailUpdate != nil {
		return s.FailUpdate
	}
	key := storeKey(m.Schema(), m.Identity())
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[key]
	if !ok {
		return errors.Annotatef(state.ErrNotFound, "%s", key)
	}
	if doc.version != nil && m.Version() != nil && doc.version != m.Version() {
		return errors.Annotatef(state.ErrStaleVersion,
			"%s: stored %v, expected %v", key, doc.version, m.Version())
	}
	for _, i := range fields {
		v, err := m.ProvideField(i)
		if err != nil {
			return errors.Trace(err)
		}
		doc.values[i] = v
		doc.loaded[i] = true
	}
	doc.version = m.TransactionalVersion()
	s.Ops = append(s.Ops, "update "+key)
	return nil
}

// Delete is part of state.StoreManager.
func (s *MemStore) Delete(m *state.Manager) error {
	if s.FailDelete != nil {
		return s.FailDelete
	}
	key := storeKey(m.Schema(), m.Identity())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; !ok {
		return errors.Annotatef(state.ErrNotFound, "%s", key)
	}
	delete(s.docs, key)
	s.Ops = append(s.Ops, "delete "+key)
	return nil
}

// Fetch is part of state.StoreManager.
func (s *MemStore) Fetch(m *state.Manager, fields []int) error {
	if s.FailFetch != nil {
		return s.FailFetch
	}
	key := storeKey(m.Schema(), m.Identity())
	s.mu.Lock()
	doc, ok := s.docs[key]
	if ok {
		s.Ops = append(s.Ops, "fetch "+key)
	}
	s.mu.Unlock()
	if !ok {
		return errors.Annotatef(state.ErrNotFound, "%s", key)
	}
	for _, i := range fields {
		if !doc.loaded[i] {
			continue
		}
		if err := m.ReplaceLoadedField(i, doc.values[i]); err != nil {
			return errors.Trace(err)
		}
	}
	if doc.version != nil {
		m.SetVersion(doc.version)
	}
	return nil
}

// Locate is part of state.StoreManager.
func (s *MemStore) Locate(m *state.Manager) error {
	key := storeKey(m.Schema(), m.Identity())
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[key]; !ok {
		return errors.Annotatef(state.ErrNotFound, "%s", key)
	}
	return nil
}

// Seed installs a document directly, bypassing any manager.
func (s *MemStore) Seed(schema state.Schema, id any, values []any, version any) {
	doc := &storeDoc{
		values:  make([]any, schema.FieldCount()),
		loaded:  make(map[int]bool),
		version: version,
	}
	for i, v := range values {
		doc.values[i] = v
		doc.loaded[i] = true
	}
	s.mu.Lock()
	s.docs[storeKey(schema, id)] = doc
	s.mu.Unlock()
}

// Doc returns a copy of the stored values for an identity, or nil.
func (s *MemStore) Doc(schema state.Schema, id any) []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[storeKey(schema, id)]
	if !ok {
		return nil
	}
	return append([]any(nil), doc.values...)
}

// Version returns the stored version for an identity, or nil.
func (s *MemStore) Version(schema state.Schema, id any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[storeKey(schema, id)]
	if !ok {
		return nil
	}
	return doc.version
}

// OpCount returns how many operations of the given kind were
// dispatched.
func (s *MemStore) OpCount(kind string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, op := range s.Ops {
		if len(op) >= len(kind) && op[:len(kind)] == kind {
			n++
		}
	}
	return n
}
