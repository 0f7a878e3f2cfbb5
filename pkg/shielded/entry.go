package shielded

import (
	"math"
	"runtime"
	"sync/atomic"
)

type entryState int32

const (
	stateChecking entryState = iota
	stateCommit
	stateRollback
)

// trimmedSentinel tombstones readerCount once an entry has been trimmed past:
// no further readers may register on it. Mirrors spec.md §3's MIN_I64.
const trimmedSentinel = math.MinInt64

// versionEntry is a node of the version list. It doubles as both a
// ReadTicket (any goroutine holding a pointer to it may read the version it
// represents) and a WriteTicket (while state == stateChecking, it is the
// write ticket of whichever transaction allocated it).
//
// Every field a concurrent reader/writer might touch is an atomic so that
// IsConflict's state check forms a real happens-before edge: once state is
// observed as non-Checking, nothing else on the entry is read.
type versionEntry struct {
	stamp uint64

	state atomic.Int32

	enlisted     atomic.Pointer[cellSet]
	commEnlisted atomic.Pointer[cellSet]

	// changes is nil ("None") until the writer finalizes; set exactly once
	// to a non-nil slice ("Some"), per invariant 4.
	changes atomic.Pointer[[]Cell]

	readerCount atomic.Int64

	later atomic.Pointer[versionEntry]
}

func newEntry(stamp uint64, enlisted, commEnlisted cellSet) *versionEntry {
	e := &versionEntry{stamp: stamp}
	e.state.Store(int32(stateChecking))
	if enlisted != nil {
		e.enlisted.Store(&enlisted)
	}
	if commEnlisted != nil {
		e.commEnlisted.Store(&commEnlisted)
	}
	return e
}

func (e *versionEntry) readTicket() ReadTicket   { return ReadTicket{stamp: e.stamp} }
func (e *versionEntry) writeTicket() WriteTicket { return WriteTicket{stamp: e.stamp} }

// finalize transitions the entry out of Checking, clearing the sets it
// no longer needs once nothing will look at them again (IsConflict never
// reads enlisted/commEnlisted once it observes a non-Checking state).
func (e *versionEntry) finalize(s entryState) {
	e.enlisted.Store(nil)
	e.commEnlisted.Store(nil)
	e.state.Store(int32(s))
}

// setChanges installs the final changed-cell set, transitioning
// changes from None to Some exactly once (invariant 4).
func (e *versionEntry) setChanges(cells []Cell) {
	e.changes.Store(&cells)
}

// isConflict implements spec.md §4.2's IsConflict(new, old) predicate.
func isConflict(newer, older *versionEntry) bool {
	if entryState(older.state.Load()) != stateChecking {
		return false
	}
	oldEnlisted := older.enlisted.Load()
	if oldEnlisted == nil {
		return false
	}
	newEnlisted := newer.enlisted.Load()
	newComm := newer.commEnlisted.Load()
	oldComm := older.commEnlisted.Load()

	if newEnlisted != nil && newEnlisted.overlaps(*oldEnlisted) {
		return true
	}
	if oldComm != nil && newEnlisted != nil && newEnlisted.overlaps(*oldComm) {
		return true
	}
	if newComm != nil && newComm.overlaps(*oldEnlisted) {
		return true
	}
	if newComm != nil && oldComm != nil && newComm.overlaps(*oldComm) {
		return true
	}
	return false
}

// versionList is the lock-free linked list of version entries (C2). It is
// anchored at current (the head of the latest committed-or-checking region)
// and oldestRead (the trimmer's cursor).
type versionList struct {
	current    atomic.Pointer[versionEntry]
	oldestRead atomic.Pointer[versionEntry]
	trimming   atomic.Bool
}

func newVersionList() *versionList {
	base := newEntry(0, nil, nil)
	base.finalize(stateCommit)
	vl := &versionList{}
	vl.current.Store(base)
	vl.oldestRead.Store(base)
	return vl
}

// getReaderTicket implements spec.md §4.2's get_reader_ticket.
func (vl *versionList) getReaderTicket() *versionEntry {
	for {
		cur := vl.current.Load()
		newVal := cur.readerCount.Add(1)
		if newVal-1 < 0 {
			// Entry was already trimmed; undo the increment and retry.
			cur.readerCount.Add(-1)
			runtime.Gosched()
			continue
		}
		return cur
	}
}

// getUntrackedReadStamp returns current without incrementing reader_count,
// for code nested inside another transaction that already holds the floor.
func (vl *versionList) getUntrackedReadStamp() *versionEntry {
	return vl.current.Load()
}

func (vl *versionList) releaseReaderTicket(e *versionEntry) {
	e.readerCount.Add(-1)
}

// newVersion implements spec.md §4.2's new_version: allocate a Checking
// entry, walk forward spin-waiting on conflicting Checking predecessors,
// then CAS-append at the tail.
func (vl *versionList) newVersion(enlisted, commEnlisted cellSet) *versionEntry {
	newE := newEntry(0, enlisted, commEnlisted)
	for {
		cur := vl.current.Load()
		for {
			later := cur.later.Load()
			if later == nil {
				break
			}
			if isConflict(newE, later) {
				for entryState(later.state.Load()) == stateChecking {
					runtime.Gosched()
				}
			}
			cur = later
		}
		newE.stamp = cur.stamp + 1
		if cur.later.CompareAndSwap(nil, newE) {
			return newE
		}
		// Lost the race for the tail slot; restart the walk from current.
	}
}

// moveCurrent advances current forward past any contiguous run of
// non-Checking entries.
func (vl *versionList) moveCurrent() {
	for {
		cur := vl.current.Load()
		next := cur.later.Load()
		if next == nil || entryState(next.state.Load()) == stateChecking {
			return
		}
		if !vl.current.CompareAndSwap(cur, next) {
			continue
		}
	}
}

// trimCopies implements spec.md §4.2's trimming algorithm under a
// CAS-guarded single-trimmer flag.
func (vl *versionList) trimCopies() {
	if !vl.trimming.CompareAndSwap(false, true) {
		return
	}
	defer vl.trimming.Store(false)

	old := vl.oldestRead.Load()
	cur := vl.current.Load()

	seen := make(map[Cell]struct{})
	var toTrim []Cell

	for old != cur {
		later := old.later.Load()
		if later == nil {
			break
		}
		changes := later.changes.Load()
		if changes == nil {
			break
		}
		if !old.readerCount.CompareAndSwap(0, trimmedSentinel) {
			break
		}
		for _, c := range *changes {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				toTrim = append(toTrim, c)
			}
		}
		old = later
	}

	old.changes.Store(nil)
	vl.oldestRead.Store(old)

	for _, c := range toTrim {
		c.TrimCopies(old.stamp)
	}
}
