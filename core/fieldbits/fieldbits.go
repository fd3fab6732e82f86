// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package fieldbits records, for a managed object, which of its fields
// are currently loaded and which have been modified since the last
// flush. The two bit-vectors are kept in lockstep: a field can only be
// dirty while it is loaded, and the mutators preserve that relationship
// structurally rather than relying on callers to maintain it.
package fieldbits

const wordBits = 64

// Tracker holds parallel loaded and dirty bit-vectors indexed by
// absolute field position.
type Tracker struct {
	length int
	loaded []uint64
	dirty  []uint64
}

// New returns a Tracker for an object with length fields, all of them
// initially unloaded and clean.
func New(length int) *Tracker {
	words := (length + wordBits - 1) / wordBits
	return &Tracker{
		length: length,
		loaded: make([]uint64, words),
		dirty:  make([]uint64, words),
	}
}

// Len returns the number of fields tracked.
func (t *Tracker) Len() int {
	return t.length
}

func (t *Tracker) index(i int) (int, uint64) {
	if i < 0 || i >= t.length {
		panic("fieldbits: field position out of range")
	}
	return i / wordBits, 1 << uint(i%wordBits)
}

// Loaded reports whether field i is loaded.
func (t *Tracker) Loaded(i int) bool {
	w, mask := t.index(i)
	return t.loaded[w]&mask != 0
}

// Dirty reports whether field i has been modified.
func (t *Tracker) Dirty(i int) bool {
	w, mask := t.index(i)
	return t.dirty[w]&mask != 0
}

// MarkLoaded records field i as loaded.
func (t *Tracker) MarkLoaded(i int) {
	w, mask := t.index(i)
	t.loaded[w] |= mask
}

// MarkDirty records field i as modified. A modified field is
// necessarily loaded, so the loaded bit is set as well.
func (t *Tracker) MarkDirty(i int) {
	w, mask := t.index(i)
	t.loaded[w] |= mask
	t.dirty[w] |= mask
}

// ClearLoaded records field i as unloaded, clearing any dirty bit with
// it.
func (t *Tracker) ClearLoaded(i int) {
	w, mask := t.index(i)
	t.loaded[w] &^= mask
	t.dirty[w] &^= mask
}

// ClearDirty clears the dirty bit for field i. The loaded bit is left
// alone.
func (t *Tracker) ClearDirty(i int) {
	w, mask := t.index(i)
	t.dirty[w] &^= mask
}

// ClearAllDirty clears every dirty bit, leaving the loaded bits alone.
// Used after a successful flush.
func (t *Tracker) ClearAllDirty() {
	for w := range t.dirty {
		t.dirty[w] = 0
	}
}

// ClearAll resets the tracker to its initial state.
func (t *Tracker) ClearAll() {
	for w := range t.loaded {
		t.loaded[w] = 0
		t.dirty[w] = 0
	}
}

// AnyDirty reports whether any field is modified.
func (t *Tracker) AnyDirty() bool {
	for _, w := range t.dirty {
		if w != 0 {
			return true
		}
	}
	return false
}

// AllLoaded reports whether every field in positions is loaded.
func (t *Tracker) AllLoaded(positions []int) bool {
	for _, i := range positions {
		if !t.Loaded(i) {
			return false
		}
	}
	return true
}

// DirtyIndices returns the positions of all modified fields in
// ascending order.
func (t *Tracker) DirtyIndices() []int {
	return t.indices(t.dirty)
}

// LoadedIndices returns the positions of all loaded fields in
// ascending order.
func (t *Tracker) LoadedIndices() []int {
	return t.indices(t.loaded)
}

func (t *Tracker) indices(words []uint64) []int {
	var out []int
	for i := 0; i < t.length; i++ {
		if words[i/wordBits]&(1<<uint(i%wordBits)) != 0 {
			out = append(out, i)
		}
	}
	return out
}

// UnloadedIndices returns the members of positions that are not
// loaded, preserving their order.
func (t *Tracker) UnloadedIndices(positions []int) []int {
	var out []int
	for _, i := range positions {
		if !t.Loaded(i) {
			out = append(out, i)
		}
	}
	return out
}

// SnapshotLoaded returns a copy of the loaded bit-vector, suitable for
// restoring with RestoreLoaded.
func (t *Tracker) SnapshotLoaded() []uint64 {
	out := make([]uint64, len(t.loaded))
	copy(out, t.loaded)
	return out
}

// RestoreLoaded replaces the loaded bit-vector with a snapshot taken
// earlier. Dirty bits for fields no longer loaded are cleared to keep
// the vectors consistent.
func (t *Tracker) RestoreLoaded(words []uint64) {
	if len(words) != len(t.loaded) {
		panic("fieldbits: loaded snapshot length mismatch")
	}
	copy(t.loaded, words)
	for w := range t.dirty {
		t.dirty[w] &= t.loaded[w]
	}
}

// SnapshotDirty returns a copy of the dirty bit-vector.
func (t *Tracker) SnapshotDirty() []uint64 {
	out := make([]uint64, len(t.dirty))
	copy(out, t.dirty)
	return out
}

// RestoreDirty replaces the dirty bit-vector with a snapshot taken
// earlier, re-marking the affected fields as loaded. Used to put
// modified state back after a flush that could not complete.
func (t *Tracker) RestoreDirty(words []uint64) {
	if len(words) != len(t.dirty) {
		panic("fieldbits: dirty snapshot length mismatch")
	}
	copy(t.dirty, words)
	for w := range t.loaded {
		t.loaded[w] |= t.dirty[w]
	}
}
