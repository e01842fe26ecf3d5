package engine

// changesetLedger is the append-only, in-memory record of pending and
// committed changesets, ordered by snapshot. Owned by DB; every method must
// be called with DB.mu held.
//
// Writers are fully serialized, so at most one entry is pending at a time,
// and it is always the last one.
type changesetLedger struct {
	entries []ledgerEntry
}

type ledgerEntry struct {
	cs        *Changeset
	committed bool
}

// appendPending records a changeset staged by a writer before its durable
// commit. Panics on ordering violations: these indicate a broken writer
// serialization invariant, not a runtime condition to handle.
func (l *changesetLedger) appendPending(cs *Changeset) {
	if n := len(l.entries); n > 0 {
		last := l.entries[n-1]
		if !last.committed {
			panic("changeset ledger: two pending changesets")
		}
		if cs.Snapshot <= last.cs.Snapshot {
			panic("changeset ledger: non-increasing snapshot")
		}
	}
	l.entries = append(l.entries, ledgerEntry{cs: cs})
}

// markCommitted flips the pending entry for snapshot to committed.
func (l *changesetLedger) markCommitted(snapshot uint64) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		if l.entries[i].cs.Snapshot == snapshot {
			l.entries[i].committed = true
			return
		}
	}
}

// dropPending removes the pending entry for snapshot after a failed durable
// commit.
func (l *changesetLedger) dropPending(snapshot uint64) {
	for i := len(l.entries) - 1; i >= 0; i-- {
		entry := l.entries[i]
		if entry.cs.Snapshot == snapshot && !entry.committed {
			l.entries = append(l.entries[:i], l.entries[i+1:]...)
			return
		}
	}
}

// since returns every changeset with from < snapshot <= until, pending
// included, in increasing snapshot order.
//
// Pending entries matter here: the caller is a reader that observed a
// sql-level snapshot ahead of its own, which means the writer's durable
// commit already happened even if commitChangeset has not run yet.
func (l *changesetLedger) since(from, until uint64) []*Changeset {
	var out []*Changeset
	for _, entry := range l.entries {
		snapshot := entry.cs.Snapshot
		if snapshot <= from {
			continue
		}
		if snapshot > until {
			break
		}
		out = append(out, entry.cs)
	}
	return out
}

// pruneBelow drops committed entries with snapshot <= min. Entries at or
// below the lowest snapshot among live connections can no longer be needed.
func (l *changesetLedger) pruneBelow(min uint64) {
	cut := 0
	for cut < len(l.entries) && l.entries[cut].committed && l.entries[cut].cs.Snapshot <= min {
		cut++
	}
	if cut > 0 {
		l.entries = append([]ledgerEntry(nil), l.entries[cut:]...)
	}
}

func (l *changesetLedger) len() int {
	return len(l.entries)
}
