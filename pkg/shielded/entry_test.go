package shielded

import (
	"context"
	"testing"
)

// trackingCell is a minimal Cell used to observe trimCopies' per-cell
// callback without pulling in cellkit (kept internal to this package to
// avoid an import cycle; a full Cell implementation lives in
// pkg/shielded/cellkit).
type trackingCell struct {
	trimCalls int
}

func (c *trackingCell) HasChanges(ctx context.Context) bool               { return false }
func (c *trackingCell) CanCommit(ctx context.Context, wt WriteTicket) bool { return true }
func (c *trackingCell) Commit(ctx context.Context, wt WriteTicket)        {}
func (c *trackingCell) Rollback(ctx context.Context)                      {}
func (c *trackingCell) TrimCopies(upToStamp uint64)                       { c.trimCalls++ }

func TestVersionListStartsAtZero(t *testing.T) {
	vl := newVersionList()
	e := vl.getReaderTicket()
	if e.stamp != 0 {
		t.Errorf("got stamp %d, want 0", e.stamp)
	}
	if entryState(e.state.Load()) != stateCommit {
		t.Errorf("base entry should start finalized as Commit")
	}
}

func TestNewVersionAssignsIncreasingStamps(t *testing.T) {
	vl := newVersionList()
	a := &trackingCell{}
	b := &trackingCell{}

	e1 := vl.newVersion(newCellSet(a), nil)
	e1.finalize(stateCommit)
	vl.moveCurrent()

	e2 := vl.newVersion(newCellSet(b), nil)
	if e2.stamp <= e1.stamp {
		t.Errorf("e2.stamp (%d) should exceed e1.stamp (%d)", e2.stamp, e1.stamp)
	}
}

func TestIsConflictDetectsOverlap(t *testing.T) {
	c := &trackingCell{}
	older := newEntry(1, newCellSet(c), nil)
	newer := newEntry(2, newCellSet(c), nil)

	if !isConflict(newer, older) {
		t.Error("expected conflict on overlapping enlisted sets")
	}

	older.finalize(stateRollback)
	if isConflict(newer, older) {
		t.Error("a rolled-back older entry should never conflict")
	}
}

func TestIsConflictNoOverlapNoConflict(t *testing.T) {
	c1 := &trackingCell{}
	c2 := &trackingCell{}
	older := newEntry(1, newCellSet(c1), nil)
	newer := newEntry(2, newCellSet(c2), nil)

	if isConflict(newer, older) {
		t.Error("disjoint enlisted sets should not conflict")
	}
}

func TestIsConflictCommEnlistedCrossProducts(t *testing.T) {
	c := &trackingCell{}

	// older's commute-affecting set overlapping newer's enlisted set.
	older := newEntry(1, newCellSet(), newCellSet(c))
	newer := newEntry(2, newCellSet(c), nil)
	if !isConflict(newer, older) {
		t.Error("newer.enlisted overlapping older.commEnlisted should conflict")
	}

	// newer's commute-affecting set overlapping older's enlisted set.
	older2 := newEntry(1, newCellSet(c), nil)
	newer2 := newEntry(2, newCellSet(), newCellSet(c))
	if !isConflict(newer2, older2) {
		t.Error("newer.commEnlisted overlapping older.enlisted should conflict")
	}
}

func TestTrimCopiesAdvancesOldestReadAndNotifiesCells(t *testing.T) {
	vl := newVersionList()
	c := &trackingCell{}

	for i := 0; i < 3; i++ {
		e := vl.newVersion(newCellSet(c), nil)
		e.setChanges([]Cell{c})
		e.finalize(stateCommit)
		vl.moveCurrent()
	}

	vl.trimCopies()

	if vl.oldestRead.Load().stamp == 0 {
		t.Error("expected oldestRead to advance past the base entry")
	}
	if c.trimCalls == 0 {
		t.Error("expected TrimCopies to be called on the committed cell")
	}
}

// A rolled-back entry must still transition changes from None to Some (it
// touched no cells, so the set is empty, not absent) or trimCopies' walk
// permanently stalls at the first entry ever rolled back: every later
// commit would remain untrimmable forever.
func TestTrimCopiesAdvancesPastRolledBackEntry(t *testing.T) {
	vl := newVersionList()
	c := &trackingCell{}

	conflicting := vl.newVersion(newCellSet(c), nil)
	conflicting.finalize(stateRollback)
	conflicting.setChanges(nil)
	vl.moveCurrent()

	for i := 0; i < 3; i++ {
		e := vl.newVersion(newCellSet(c), nil)
		e.setChanges([]Cell{c})
		e.finalize(stateCommit)
		vl.moveCurrent()
	}

	vl.trimCopies()

	if vl.oldestRead.Load().stamp <= conflicting.stamp {
		t.Errorf("oldestRead (stamp %d) should have advanced past the rolled-back entry (stamp %d)",
			vl.oldestRead.Load().stamp, conflicting.stamp)
	}
}

func TestReaderTicketRoundTripsReaderCount(t *testing.T) {
	vl := newVersionList()
	e := vl.getReaderTicket()
	if got := e.readerCount.Load(); got != 1 {
		t.Errorf("got readerCount %d after one ticket, want 1", got)
	}
	vl.releaseReaderTicket(e)
	if got := e.readerCount.Load(); got != 0 {
		t.Errorf("got readerCount %d after release, want 0", got)
	}
}
