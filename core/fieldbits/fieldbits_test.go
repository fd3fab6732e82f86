// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package fieldbits_test

import (
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/statekeep/statekeep/core/fieldbits"
)

type trackerSuite struct{}

var _ = gc.Suite(&trackerSuite{})

func (s *trackerSuite) TestNewAllClear(c *gc.C) {
	t := fieldbits.New(70)
	c.Assert(t.Len(), gc.Equals, 70)
	for i := 0; i < 70; i++ {
		c.Assert(t.Loaded(i), jc.IsFalse)
		c.Assert(t.Dirty(i), jc.IsFalse)
	}
	c.Assert(t.AnyDirty(), jc.IsFalse)
}

func (s *trackerSuite) TestDirtyImpliesLoaded(c *gc.C) {
	t := fieldbits.New(100)
	t.MarkDirty(3)
	t.MarkDirty(64)
	t.MarkDirty(99)
	for i := 0; i < t.Len(); i++ {
		if t.Dirty(i) {
			c.Assert(t.Loaded(i), jc.IsTrue, gc.Commentf("field %d dirty but not loaded", i))
		}
	}
}

func (s *trackerSuite) TestClearLoadedClearsDirty(c *gc.C) {
	t := fieldbits.New(8)
	t.MarkDirty(5)
	t.ClearLoaded(5)
	c.Assert(t.Loaded(5), jc.IsFalse)
	c.Assert(t.Dirty(5), jc.IsFalse)
}

func (s *trackerSuite) TestClearDirtyKeepsLoaded(c *gc.C) {
	t := fieldbits.New(8)
	t.MarkDirty(2)
	t.ClearDirty(2)
	c.Assert(t.Loaded(2), jc.IsTrue)
	c.Assert(t.Dirty(2), jc.IsFalse)
}

func (s *trackerSuite) TestClearAllDirty(c *gc.C) {
	t := fieldbits.New(130)
	for _, i := range []int{0, 63, 64, 127, 129} {
		t.MarkDirty(i)
	}
	t.ClearAllDirty()
	c.Assert(t.AnyDirty(), jc.IsFalse)
	c.Assert(t.LoadedIndices(), jc.DeepEquals, []int{0, 63, 64, 127, 129})
}

func (s *trackerSuite) TestIndices(c *gc.C) {
	t := fieldbits.New(70)
	t.MarkLoaded(1)
	t.MarkLoaded(65)
	t.MarkDirty(3)
	c.Assert(t.LoadedIndices(), jc.DeepEquals, []int{1, 3, 65})
	c.Assert(t.DirtyIndices(), jc.DeepEquals, []int{3})
	c.Assert(t.UnloadedIndices([]int{0, 1, 2, 3}), jc.DeepEquals, []int{0, 2})
	c.Assert(t.AllLoaded([]int{1, 3}), jc.IsTrue)
	c.Assert(t.AllLoaded([]int{1, 2}), jc.IsFalse)
}

func (s *trackerSuite) TestSnapshotRestoreLoaded(c *gc.C) {
	t := fieldbits.New(70)
	t.MarkLoaded(0)
	t.MarkLoaded(69)
	snap := t.SnapshotLoaded()

	t.MarkDirty(12)
	t.ClearLoaded(0)
	t.RestoreLoaded(snap)

	c.Assert(t.LoadedIndices(), jc.DeepEquals, []int{0, 69})
	// Field 12 is no longer loaded, so its dirty bit went with it.
	c.Assert(t.Dirty(12), jc.IsFalse)
}

func (s *trackerSuite) TestSnapshotRestoreDirty(c *gc.C) {
	t := fieldbits.New(8)
	t.MarkDirty(1)
	t.MarkDirty(6)
	snap := t.SnapshotDirty()

	t.ClearAllDirty()
	c.Assert(t.AnyDirty(), jc.IsFalse)

	t.RestoreDirty(snap)
	c.Assert(t.DirtyIndices(), jc.DeepEquals, []int{1, 6})
	c.Assert(t.Loaded(1), jc.IsTrue)
	c.Assert(t.Loaded(6), jc.IsTrue)
}

func (s *trackerSuite) TestSnapshotIsACopy(c *gc.C) {
	t := fieldbits.New(8)
	t.MarkLoaded(1)
	snap := t.SnapshotLoaded()
	t.MarkLoaded(2)
	c.Assert(snap[0], gc.Equals, uint64(1<<1))
}

func (s *trackerSuite) TestOutOfRangePanics(c *gc.C) {
	t := fieldbits.New(4)
	c.Assert(func() { t.MarkLoaded(4) }, gc.PanicMatches, "fieldbits: field position out of range")
	c.Assert(func() { t.Loaded(-1) }, gc.PanicMatches, "fieldbits: field position out of range")
}
