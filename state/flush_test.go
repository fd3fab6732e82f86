// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/statekeep/statekeep/state"
	statetesting "github.com/statekeep/statekeep/state/testing"
)

type flushSuite struct {
	baseSuite
}

var _ = gc.Suite(&flushSuite{})

func (s *flushSuite) TestFlushTwiceSingleIO(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.StoreField(1, 50), jc.ErrorIsNil)

	c.Assert(m.Flush(), jc.ErrorIsNil)
	c.Assert(m.Flush(), jc.ErrorIsNil)
	c.Check(s.store.OpCount("update"), gc.Equals, 1)
}

func (s *flushSuite) TestNoDirtyNoIO(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.Flush(), jc.ErrorIsNil)
	c.Check(s.store.OpCount("update"), gc.Equals, 0)
}

func (s *flushSuite) TestDeleteFlushOnce(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.DeletePersistent(), jc.ErrorIsNil)

	c.Assert(m.Flush(), jc.ErrorIsNil)
	c.Assert(m.Flush(), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(s.store.OpCount("delete"), gc.Equals, 1)
}

func (s *flushSuite) TestStaleVersionSurfaces(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)

	// Another writer moved the stored version on.
	s.store.Seed(accountSchema, "alice", []any{"alice", 10, int64(9)}, int64(9))

	c.Assert(m.StoreField(1, 50), jc.ErrorIsNil)
	err := s.ctx.Commit()
	c.Assert(err, jc.ErrorIs, state.ErrStaleVersion)
}

func (s *flushSuite) TestUpdateFailurePropagates(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	s.store.FailUpdate = errors.New("boom")

	c.Assert(m.StoreField(1, 50), jc.ErrorIsNil)
	err := s.ctx.Commit()
	c.Assert(err, gc.ErrorMatches, ".*boom.*")
}

// eventSchema: 0 id (key), 1 payload, 2 at (timestamp version).
var eventSchema = statetesting.NewSchema("event").
	KeyField("id").
	Field("payload").
	VersionField("at", state.VersionTimestamp).
	Build()

func (s *flushSuite) TestTimestampVersioning(c *gc.C) {
	t0 := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(t0)
	s.ctx.SetClock(clk)

	m, err := state.Manage(s.ctx, eventSchema, statetesting.NewObject(eventSchema.FieldCount()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.StoreField(0, "e1"), jc.ErrorIsNil)
	c.Assert(m.StoreField(1, "hello"), jc.ErrorIsNil)
	c.Assert(m.MakePersistent(), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(m.Version(), gc.Equals, t0)

	clk.Advance(5 * time.Second)
	c.Assert(m.StoreField(1, "world"), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(m.Version(), gc.Equals, t0.Add(5*time.Second))
}

func (s *flushSuite) TestVersionsReconvergeAtCommit(c *gc.C) {
	m := s.persistAccount(c, "alice", 10)
	c.Assert(m.StoreField(1, 50), jc.ErrorIsNil)
	c.Assert(m.Flush(), jc.ErrorIsNil)

	// Between flush and commit the provisional version runs ahead.
	c.Check(m.Version(), gc.Equals, int64(1))
	c.Check(m.TransactionalVersion(), gc.Equals, int64(2))

	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(m.Version(), gc.Equals, int64(2))
	c.Check(m.TransactionalVersion(), gc.Equals, int64(2))
}

// nodeSchema: 0 name (key), 1 next (1:1-uni), forming cycles.
var nodeSchema = statetesting.NewSchema("node").
	KeyField("name").
	Relation("next", state.OneToOneUni, -1).
	Build()

func (s *flushSuite) TestCyclicInsertTerminates(c *gc.C) {
	a, err := state.Manage(s.ctx, nodeSchema, statetesting.NewObject(nodeSchema.FieldCount()))
	c.Assert(err, jc.ErrorIsNil)
	b, err := state.Manage(s.ctx, nodeSchema, statetesting.NewObject(nodeSchema.FieldCount()))
	c.Assert(err, jc.ErrorIsNil)

	c.Assert(a.StoreField(0, "a"), jc.ErrorIsNil)
	c.Assert(b.StoreField(0, "b"), jc.ErrorIsNil)
	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(b.StoreField(1, a.Object()), jc.ErrorIsNil)

	c.Assert(a.MakePersistent(), jc.ErrorIsNil)
	c.Assert(b.MakePersistent(), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	// One insert stalls on its unflushed reference and is retried
	// after the dependency lands.
	c.Check(s.store.OpCount("insert"), gc.Equals, 3)
	c.Check(s.store.Doc(nodeSchema, "a")[1], gc.Equals, b.Object())
	c.Check(s.store.Doc(nodeSchema, "b")[1], gc.Equals, a.Object())
}
