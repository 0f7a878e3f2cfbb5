package shielded

import "context"

// ReadTicket pins a version of the world: while held, no cell may discard a
// historical copy whose validity interval covers this stamp.
type ReadTicket struct {
	stamp uint64
}

// Stamp returns the monotonic version number the ticket pins.
func (t ReadTicket) Stamp() uint64 { return t.stamp }

// WriteTicket is issued to a committing transaction. It carries the stamp a
// cell should tag its newly installed version with.
type WriteTicket struct {
	stamp uint64
}

// Stamp returns the write stamp a cell should install its new version under.
func (t WriteTicket) Stamp() uint64 { return t.stamp }

// Cell is the capability the core requires of every shielded cell. The core
// never inspects a cell's contents; it only drives this set of methods.
// Concrete cells (e.g. cellkit.Ref[T]) are external collaborators, out of
// the core's scope per spec.md §1.
type Cell interface {
	// HasChanges reports whether this cell has buffered writes in the
	// transaction carried by ctx.
	HasChanges(ctx context.Context) bool

	// CanCommit validates that no concurrent committer has installed a
	// newer version of this cell since the transaction's read stamp, and
	// that the cell accepts wt's stamp. Must be side-effect-free on
	// failure (returning false).
	CanCommit(ctx context.Context, wt WriteTicket) bool

	// Commit installs the transaction's buffered writes as the cell's new
	// current version, tagged with wt's stamp.
	Commit(ctx context.Context, wt WriteTicket)

	// Rollback discards the transaction's buffered writes for this cell.
	Rollback(ctx context.Context)

	// TrimCopies drops historical versions whose validity interval ends at
	// or before upToStamp.
	TrimCopies(upToStamp uint64)
}

// PreCommitTrigger is returned by a PreCommitRegistry.Trigger call; Run
// executes every subscriber matching the triggering cell set within the
// current transaction, before stamp acquisition.
type PreCommitTrigger interface {
	Run(ctx context.Context)
}

// PreCommitRegistry is consumed, never implemented, by the core. It is an
// external collaborator (spec.md §6) that dispatches pre-commit hooks for a
// set of changed cells.
type PreCommitRegistry interface {
	Trigger(cells map[Cell]struct{}) PreCommitTrigger
}

// PostCommitRegistry is consumed, never implemented, by the core. It returns
// the actions to run after a transaction's own side effects have committed.
type PostCommitRegistry interface {
	Trigger(cells map[Cell]struct{}) []func()
}
