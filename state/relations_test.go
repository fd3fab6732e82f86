// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/statekeep/statekeep/core/lifecycle"
	"github.com/statekeep/statekeep/state"
	statetesting "github.com/statekeep/statekeep/state/testing"
)

// personSchema: 0 name (key), 1 spouse (1:1-bi, reciprocal field 1).
var personSchema = statetesting.NewSchema("person").
	KeyField("name").
	Relation("spouse", state.OneToOneBi, 1).
	FetchGroup("full", "name", "spouse").
	Build()

// teamSchema/playerSchema: team.players (1:N-bi) mirrors player.team
// (N:1-bi), both at field 1.
var (
	teamSchema = statetesting.NewSchema("team").
			KeyField("name").
			Relation("players", state.OneToManyBi, 1).
			Build()

	playerSchema = statetesting.NewSchema("player").
			KeyField("name").
			Relation("team", state.ManyToOneBi, 1).
			Build()
)

// groupSchema/userSchema: group.members and user.groups are the two
// sides of an M:N, both at field 1.
var (
	groupSchema = statetesting.NewSchema("group").
			KeyField("name").
			Relation("members", state.ManyToManyBi, 1).
			Build()

	userSchema = statetesting.NewSchema("user").
			KeyField("name").
			Relation("groups", state.ManyToManyBi, 1).
			Build()
)

type relationSuite struct {
	baseSuite
}

var _ = gc.Suite(&relationSuite{})

func (s *relationSuite) persist(c *gc.C, schema state.Schema, name string) *state.Manager {
	m, err := state.Manage(s.ctx, schema, statetesting.NewObject(schema.FieldCount()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(m.StoreField(0, name), jc.ErrorIsNil)
	c.Assert(m.MakePersistent(), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	return m
}

func (s *relationSuite) field(c *gc.C, m *state.Manager, i int) any {
	v, err := m.ProvideField(i)
	c.Assert(err, jc.ErrorIsNil)
	return v
}

func (s *relationSuite) TestOneToOneSetsBackReference(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")

	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, a, 1), gc.Equals, b.Object())
	c.Check(s.field(c, b, 1), gc.Equals, a.Object())
}

func (s *relationSuite) TestOneToOneClearsOldPartner(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")
	cc := s.persist(c, personSchema, "c")

	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	// Reassigning a to c must null b's back-reference.
	c.Assert(a.StoreField(1, cc.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, b, 1), gc.IsNil)
	c.Check(s.field(c, cc, 1), gc.Equals, a.Object())
}

func (s *relationSuite) TestOneToOneThreeWaySwap(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")
	cc := s.persist(c, personSchema, "c")

	c.Assert(b.StoreField(1, cc.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	// b belongs to c; claiming b for a must null c's forward
	// reference first.
	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, b, 1), gc.Equals, a.Object())
	c.Check(s.field(c, cc, 1), gc.IsNil)
}

func (s *relationSuite) TestOneToOneClearsOldPartnerAfterHollow(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")
	cc := s.persist(c, personSchema, "c")

	// Commit without retaining values, hollowing a and b out.
	s.ctx.SetRetainValues(false)
	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(a.FieldLoaded(1), jc.IsFalse)

	// Overwriting the unloaded spouse field must still surface the old
	// partner so its back-reference gets nulled.
	c.Assert(a.StoreField(1, cc.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, b, 1), gc.IsNil)
	c.Check(s.field(c, cc, 1), gc.Equals, a.Object())
}

func (s *relationSuite) TestOneToManyAddSetsOwner(c *gc.C) {
	t := s.persist(c, teamSchema, "reds")
	p := s.persist(c, playerSchema, "pat")

	c.Assert(t.StoreField(1, []state.Instance{p.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, p, 1), gc.Equals, t.Object())
}

func (s *relationSuite) TestOneToManyRemoveClearsOwner(c *gc.C) {
	t := s.persist(c, teamSchema, "reds")
	p := s.persist(c, playerSchema, "pat")

	c.Assert(t.StoreField(1, []state.Instance{p.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Assert(t.StoreField(1, []state.Instance{}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, p, 1), gc.IsNil)
}

func (s *relationSuite) TestCollectionReplacedMinimalDiff(c *gc.C) {
	t := s.persist(c, teamSchema, "reds")
	p1 := s.persist(c, playerSchema, "p1")
	p2 := s.persist(c, playerSchema, "p2")
	p3 := s.persist(c, playerSchema, "p3")

	c.Assert(t.StoreField(1, []state.Instance{p1.Object(), p2.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	// Keep p1, drop p2, add p3: only p2 and p3 get corrections.
	c.Assert(t.StoreField(1, []state.Instance{p1.Object(), p3.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, p1, 1), gc.Equals, t.Object())
	c.Check(s.field(c, p2, 1), gc.IsNil)
	c.Check(s.field(c, p3, 1), gc.Equals, t.Object())
}

func (s *relationSuite) TestManyToOneMirrorsCollections(c *gc.C) {
	t1 := s.persist(c, teamSchema, "reds")
	t2 := s.persist(c, teamSchema, "blues")
	p := s.persist(c, playerSchema, "pat")

	c.Assert(t1.StoreField(1, []state.Instance{p.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	// Transferring from the single-valued side updates both
	// collections.
	c.Assert(p.StoreField(1, t2.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(s.field(c, t1, 1), gc.DeepEquals, []state.Instance{})
	c.Check(s.field(c, t2, 1), gc.DeepEquals, []state.Instance{p.Object()})
}

func (s *relationSuite) TestManyToManySymmetric(c *gc.C) {
	g := s.persist(c, groupSchema, "admins")
	u := s.persist(c, userSchema, "uma")

	c.Assert(g.StoreField(1, []state.Instance{u.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(s.field(c, u, 1), gc.DeepEquals, []state.Instance{g.Object()})

	c.Assert(g.StoreField(1, []state.Instance{}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(s.field(c, u, 1), gc.DeepEquals, []state.Instance{})
}

func (s *relationSuite) TestNonPersistentTargetSkipped(c *gc.C) {
	t := s.persist(c, teamSchema, "reds")
	q, err := state.Manage(s.ctx, playerSchema, statetesting.NewObject(playerSchema.FieldCount()))
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(q.StoreField(0, "quinn"), jc.ErrorIsNil)

	c.Assert(t.StoreField(1, []state.Instance{q.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	// The transient player receives no correction.
	c.Check(q.State(), gc.Equals, lifecycle.Transient)
	c.Check(s.field(c, q, 1), gc.IsNil)
}

func (s *relationSuite) TestDeletedElementSkipped(c *gc.C) {
	t := s.persist(c, teamSchema, "reds")
	p := s.persist(c, playerSchema, "pat")
	c.Assert(t.StoreField(1, []state.Instance{p.Object()}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Assert(p.DeletePersistent(), jc.ErrorIsNil)
	c.Assert(t.StoreField(1, []state.Instance{}), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)
	c.Check(p.State(), gc.Equals, lifecycle.None)
}

func (s *relationSuite) TestInconsistentOneToOneDetected(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")
	cc := s.persist(c, personSchema, "c")

	// a claims b while b claims c in the same unit of work.
	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(b.StoreField(1, cc.Object()), jc.ErrorIsNil)

	err := s.ctx.FlushAll()
	c.Assert(err, gc.NotNil)
	c.Check(state.IsInconsistentRelation(err), jc.IsTrue)
	c.Check(err, gc.ErrorMatches, `inconsistent relation "spouse" .*`)
}

func (s *relationSuite) TestCorrectionsDoNotReRecord(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")

	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)
	c.Assert(s.ctx.Commit(), jc.ErrorIsNil)

	c.Check(a.Relations().Empty(), jc.IsTrue)
	c.Check(b.Relations().Empty(), jc.IsTrue)
}

func (s *relationSuite) TestRelationEditInvalidatesCache(c *gc.C) {
	a := s.persist(c, personSchema, "a")
	b := s.persist(c, personSchema, "b")
	_, okA := s.ctx.CacheGet(a.CacheKey())
	_, okB := s.ctx.CacheGet(b.CacheKey())
	c.Assert(okA, jc.IsTrue)
	c.Assert(okB, jc.IsTrue)

	c.Assert(a.StoreField(1, b.Object()), jc.ErrorIsNil)

	_, okA = s.ctx.CacheGet(a.CacheKey())
	_, okB = s.ctx.CacheGet(b.CacheKey())
	c.Check(okA, jc.IsFalse)
	c.Check(okB, jc.IsFalse)
}
