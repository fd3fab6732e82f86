// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package lifecycle

// Step applies event e to state s under transaction context txn and
// returns the resulting transition. The machine is pure: it never
// touches the object or the context. Pairs with no entry below stay in
// place with no effect, which is also how illegal requests are
// absorbed. Every transition is idempotent: applying the same event to
// the resulting state yields that state again.
//
// The dispatch is one function per state, each implementing only its
// legal transitions, so the full matrix stays auditable in one file.
func Step(s State, e Event, txn Txn) Transition {
	switch s {
	case Transient:
		return stepTransient(e)
	case New:
		return stepNew(e, txn)
	case Clean:
		return stepClean(e, txn)
	case Dirty:
		return stepDirty(e, txn)
	case Hollow:
		return stepHollow(e, txn)
	case TxClean:
		return stepTxClean(e)
	case TxDirty:
		return stepTxDirty(e)
	case NewDeleted:
		return stepNewDeleted(e)
	case Deleted:
		return stepDeleted(e)
	case Nontransactional:
		return stepNontransactional(e, txn)
	case NontransactionalDirty:
		return stepNontransactionalDirty(e)
	case DetachedClean:
		return stepDetachedClean(e)
	case DetachedDirty:
		return stepDetachedDirty(e)
	}
	return stay(s)
}

func stepTransient(e Event) Transition {
	switch e {
	case MakePersistent:
		return to(New, EffectEnlist)
	case MakeTransactional:
		return to(TxClean, EffectEnlist)
	case MakeTransient:
		// The object leaves management entirely.
		return disconnect()
	}
	return stay(Transient)
}

func stepNew(e Event, txn Txn) Transition {
	switch e {
	case DeletePersistent:
		return to(NewDeleted, EffectNone)
	case Commit:
		if txn.RetainValues {
			return to(Clean, EffectEvict)
		}
		return to(Hollow, EffectEvict)
	case Rollback:
		// The insert never happened; the object reverts to a plain
		// transient instance outside management.
		return disconnect()
	}
	return stay(New)
}

func stepClean(e Event, txn Txn) Transition {
	switch e {
	case WriteField:
		return to(Dirty, EffectNone)
	case DeletePersistent:
		return to(Deleted, EffectNone)
	case Begin:
		return to(Clean, EffectEnlist)
	case Commit:
		if txn.RetainValues {
			return to(Clean, EffectEvict)
		}
		return to(Hollow, EffectEvict)
	case Rollback:
		return to(Hollow, EffectEvict)
	case Evict:
		return to(Hollow, EffectEvict)
	case MakeNontransactional:
		return to(Nontransactional, EffectEvict)
	case MakeTransient:
		return disconnect()
	case Detach:
		return to(DetachedClean, EffectEvict)
	}
	return stay(Clean)
}

func stepDirty(e Event, txn Txn) Transition {
	switch e {
	case DeletePersistent:
		return to(Deleted, EffectNone)
	case Commit:
		if txn.RetainValues {
			return to(Clean, EffectEvict)
		}
		return to(Hollow, EffectEvict)
	case Rollback:
		// The manager restores the saved field image before stepping.
		return to(Hollow, EffectEvict)
	case Refresh:
		return to(Clean, EffectNone)
	case Detach:
		return to(DetachedDirty, EffectEvict)
	}
	return stay(Dirty)
}

func stepHollow(e Event, txn Txn) Transition {
	switch e {
	case ReadField, Retrieve:
		if txn.Active {
			return to(Clean, EffectEnlist)
		}
		return to(Nontransactional, EffectNone)
	case WriteField:
		if txn.Active {
			return to(Dirty, EffectEnlist)
		}
		return to(NontransactionalDirty, EffectNone)
	case DeletePersistent:
		return to(Deleted, EffectEnlist)
	case MakeTransactional:
		return to(Clean, EffectEnlist)
	case MakeTransient:
		return disconnect()
	case Detach:
		return to(DetachedClean, EffectNone)
	}
	return stay(Hollow)
}

func stepTxClean(e Event) Transition {
	switch e {
	case MakePersistent:
		return to(New, EffectNone)
	case WriteField:
		return to(TxDirty, EffectNone)
	case MakeNontransactional:
		return to(Transient, EffectEvict)
	case MakeTransient:
		return disconnect()
	}
	return stay(TxClean)
}

func stepTxDirty(e Event) Transition {
	switch e {
	case MakePersistent:
		return to(New, EffectNone)
	case Commit:
		return to(TxClean, EffectNone)
	case Rollback:
		// The manager restores the saved field image before stepping.
		return to(TxClean, EffectNone)
	}
	return stay(TxDirty)
}

func stepNewDeleted(e Event) Transition {
	switch e {
	case Commit, Rollback:
		return disconnect()
	}
	return stay(NewDeleted)
}

func stepDeleted(e Event) Transition {
	switch e {
	case Commit:
		return disconnect()
	case Rollback:
		return to(Hollow, EffectEvict)
	}
	return stay(Deleted)
}

func stepNontransactional(e Event, txn Txn) Transition {
	switch e {
	case WriteField:
		if txn.Active {
			return to(Dirty, EffectEnlist)
		}
		return to(NontransactionalDirty, EffectNone)
	case DeletePersistent:
		return to(Deleted, EffectEnlist)
	case MakeTransactional:
		return to(Clean, EffectEnlist)
	case MakeTransient:
		return disconnect()
	case Evict:
		return to(Hollow, EffectNone)
	case Detach:
		return to(DetachedClean, EffectNone)
	}
	return stay(Nontransactional)
}

func stepNontransactionalDirty(e Event) Transition {
	switch e {
	case Begin:
		// The pending change joins the new unit of work and is
		// flushed by it.
		return to(Dirty, EffectEnlist)
	case Commit:
		// A commit can reach the pending change without an intervening
		// Begin; the flush has happened, only the state catches up.
		return to(Nontransactional, EffectNone)
	case Rollback:
		// The manager restores the saved field image before stepping.
		return to(Nontransactional, EffectNone)
	}
	return stay(NontransactionalDirty)
}

func stepDetachedClean(e Event) Transition {
	switch e {
	case WriteField:
		return to(DetachedDirty, EffectNone)
	case Attach:
		return to(Clean, EffectEnlist)
	}
	return stay(DetachedClean)
}

func stepDetachedDirty(e Event) Transition {
	switch e {
	case Attach:
		return to(Dirty, EffectEnlist)
	}
	return stay(DetachedDirty)
}
