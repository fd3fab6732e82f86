// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/statekeep/statekeep/core/lifecycle"
	"github.com/statekeep/statekeep/state"
)

type deferredSuite struct {
	baseSuite
}

var _ = gc.Suite(&deferredSuite{})

func (s *deferredSuite) TestDeferredServesLoad(c *gc.C) {
	s.store.Seed(accountSchema, "bob", []any{"bob", 20, int64(1)}, int64(1))
	m, err := state.NewHollow(s.ctx, accountSchema, "bob")
	c.Assert(err, jc.ErrorIsNil)

	err = m.DeferAssociation(1, func() (any, error) { return 42, nil })
	c.Assert(err, jc.ErrorIsNil)

	v, err := m.FetchField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 42)
	c.Check(m.FieldDirty(1), jc.IsFalse)
	c.Check(s.store.OpCount("fetch"), gc.Equals, 0)
}

func (s *deferredSuite) TestDeferredLastWriteWins(c *gc.C) {
	s.store.Seed(accountSchema, "bob", []any{"bob", 20, int64(1)}, int64(1))
	m, err := state.NewHollow(s.ctx, accountSchema, "bob")
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(m.DeferAssociation(1, func() (any, error) { return 1, nil }), jc.ErrorIsNil)
	c.Assert(m.DeferAssociation(1, func() (any, error) { return 2, nil }), jc.ErrorIsNil)

	v, err := m.FetchField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 2)
}

func (s *deferredSuite) TestResolveWritesThroughTrackedPath(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.DeferAssociation(1, func() (any, error) { return 77, nil }), jc.ErrorIsNil)

	c.Assert(m.ResolveDeferred(), jc.ErrorIsNil)
	c.Check(m.State(), gc.Equals, lifecycle.Dirty)
	c.Check(m.FieldDirty(1), jc.IsTrue)

	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(s.store.Doc(accountSchema, "alice")[1], gc.Equals, 77)
}

func (s *deferredSuite) TestUnresolvableKeepsSlot(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	calls := 0
	c.Assert(m.DeferAssociation(1, func() (any, error) {
		calls++
		if calls == 1 {
			return nil, state.ErrNotYetFlushed
		}
		return 77, nil
	}), jc.ErrorIsNil)

	c.Assert(m.ResolveDeferred(), jc.ErrorIsNil)
	c.Check(m.FieldDirty(1), jc.IsFalse)

	c.Assert(m.ResolveDeferred(), jc.ErrorIsNil)
	c.Check(calls, gc.Equals, 2)
	v, err := m.ProvideField(1)
	c.Assert(err, jc.ErrorIsNil)
	c.Check(v, gc.Equals, 77)
}

func (s *deferredSuite) TestResolveFailurePropagates(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.DeferAssociation(1, func() (any, error) {
		return nil, errors.New("boom")
	}), jc.ErrorIsNil)

	err := m.ResolveDeferred()
	c.Assert(err, gc.ErrorMatches, `resolving deferred write to field 1 of account#alice: boom`)
}

func (s *deferredSuite) TestFieldOutOfRange(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	err := m.DeferAssociation(9, func() (any, error) { return nil, nil })
	c.Assert(err, gc.ErrorMatches, `field 9 out of range for account`)
}
