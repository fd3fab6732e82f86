// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"sync"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/statekeep/statekeep/core/lifecycle"
	"github.com/statekeep/statekeep/state"
	statetesting "github.com/statekeep/statekeep/state/testing"
)

// wideSchema: 0 id (key), 1 a, 2 b, 3 c, with a narrow fetch group.
var wideSchema = statetesting.NewSchema("wide").
	KeyField("id").
	Field("a").
	Field("b").
	Field("c").
	FetchGroup("ab", "a", "b").
	Build()

type fieldsSuite struct {
	baseSuite
}

var _ = gc.Suite(&fieldsSuite{})

func (s *fieldsSuite) TestProvideFieldNoSideEffects(c *gc.C) {
	s.store.Seed(accountSchema, "bob", []any{"bob", 20, int64(1)}, int64(1))
	m, err := state.NewHollow(s.ctx, accountSchema, "bob")
	c.Assert(err, jc.ErrorIsNil)

	v, err := m.ProvideField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.IsNil)
	c.Check(m.FieldLoaded(1), jc.IsFalse)
	c.Check(m.State(), gc.Equals, lifecycle.Hollow)
	c.Check(s.store.OpCount("fetch"), gc.Equals, 0)
}

func (s *fieldsSuite) TestDirtyImpliesLoaded(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.StoreField(1, 11), jc.ErrorIsNil)
	c.Check(m.FieldDirty(1), jc.IsTrue)
	c.Check(m.FieldLoaded(1), jc.IsTrue)
	c.Check(m.DirtyFields(), jc.DeepEquals, []int{1})
}

func (s *fieldsSuite) TestReplaceLoadedFieldNotDirty(c *gc.C) {
	s.store.Seed(accountSchema, "bob", []any{"bob", 20, int64(1)}, int64(1))
	m, err := state.NewHollow(s.ctx, accountSchema, "bob")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(m.ReplaceLoadedField(1, 20), jc.ErrorIsNil)
	c.Check(m.FieldLoaded(1), jc.IsTrue)
	c.Check(m.FieldDirty(1), jc.IsFalse)
	c.Check(m.State(), gc.Equals, lifecycle.Hollow)
}

func (s *fieldsSuite) TestFetchPlanSingleRoundTrip(c *gc.C) {
	s.store.Seed(accountSchema, "bob", []any{"bob", 20, int64(3)}, int64(3))
	m, err := state.NewHollow(s.ctx, accountSchema, "bob")
	c.Assert(err, jc.ErrorIsNil)

	v, err := m.FetchField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 20)
	c.Check(s.store.OpCount("fetch"), gc.Equals, 1)

	// The whole plan came back in that round trip.
	v, err = m.FetchField(0)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, "bob")
	c.Check(s.store.OpCount("fetch"), gc.Equals, 1)
	c.Check(m.Version(), gc.Equals, int64(3))
}

func (s *fieldsSuite) TestFetchGroupNarrowsPlan(c *gc.C) {
	s.store.Seed(wideSchema, "w", []any{"w", 1, 2, 3}, nil)
	m, err := state.NewHollow(s.ctx, wideSchema, "w")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.SetFetchGroups("ab"), jc.ErrorIsNil)

	v, err := m.FetchField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 1)
	c.Check(m.FieldLoaded(2), jc.IsTrue)
	c.Check(m.FieldLoaded(3), jc.IsFalse)
	c.Check(s.store.OpCount("fetch"), gc.Equals, 1)

	// A field outside the plan costs a second round trip.
	v, err = m.FetchField(3)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 3)
	c.Check(s.store.OpCount("fetch"), gc.Equals, 2)
}

func (s *fieldsSuite) TestUnknownFetchGroup(c *gc.C) {
	s.store.Seed(wideSchema, "w", []any{"w", 1, 2, 3}, nil)
	m, err := state.NewHollow(s.ctx, wideSchema, "w")
	c.Assert(err, jc.ErrorIsNil)
	err = m.SetFetchGroups("nope")
	c.Assert(err, jc.Satisfies, errors.IsNotFound)
	c.Assert(err, gc.ErrorMatches, `fetch group "nope" in wide not found`)
}

func (s *fieldsSuite) TestEmptyFetchGroupsRestoresDefault(c *gc.C) {
	s.store.Seed(wideSchema, "w", []any{"w", 1, 2, 3}, nil)
	m, err := state.NewHollow(s.ctx, wideSchema, "w")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.SetFetchGroups("ab"), jc.ErrorIsNil)
	c.Assert(m.SetFetchGroups(), jc.ErrorIsNil)

	_, err = m.FetchField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(m.FieldLoaded(3), jc.IsTrue)
	c.Check(s.store.OpCount("fetch"), gc.Equals, 1)
}

func (s *fieldsSuite) TestSaveRestoreRoundTrip(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	loadedBefore := m.LoadedFields()

	c.Assert(m.StoreField(1, 99), jc.ErrorIsNil)
	m.RestoreFields()

	v, err := m.ProvideField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 10)
	c.Check(m.FieldDirty(1), jc.IsFalse)
	c.Check(m.LoadedFields(), jc.DeepEquals, loadedBefore)
	c.Check(m.Version(), gc.Equals, int64(1))
}

func (s *fieldsSuite) TestRestoreWithoutImageIsNoop(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	m.RestoreFields()
	v, err := m.ProvideField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 10)
}

func (s *fieldsSuite) TestConcurrentReads(c *gc.C) {
	s.ctx.SetMultithreaded(true)
	m := s.persistAccount(c, "alice", 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				v, err := m.ProvideField(1)
				if err != nil || v != 10 {
					c.Errorf("concurrent read: v=%v err=%v", v, err)
					return
				}
			}
		}()
	}
	wg.Wait()
}
