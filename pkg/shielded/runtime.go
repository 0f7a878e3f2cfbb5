package shielded

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// Runtime is the commit pipeline (C5) bound to one version list (C2). It is
// the public entry point for transactional code: InTransaction is a method
// here, while the in-transaction conveniences (Rollback, SideEffect,
// EnlistCommute, ...) are package-level functions acting on the txContext
// carried by ctx.
type Runtime struct {
	versions *versionList

	// stampLock serializes write-stamp allocation and validation, per
	// spec.md §4.5/§9: a known, accepted bottleneck (uncontended common
	// case, held only for O(|enlisted|) validation work). Replacing it with
	// a lock-free ticket counter is an open question the spec leaves
	// undecided; see DESIGN.md.
	stampLock sync.Mutex

	preCommit  PreCommitRegistry
	postCommit PostCommitRegistry

	conditionals   ruleList
	preCommitRules ruleList

	maxRetries int
	trimEvery  uint32
	trimClock  atomic.Uint32

	// attemptIDs mints the per-attempt buffering scope handed out by
	// newTxContext/AttemptToken (see txContext.id).
	attemptIDs atomic.Uint64

	stats runtimeStats
}

type runtimeStats struct {
	started    atomic.Uint64
	committed  atomic.Uint64
	retried    atomic.Uint64
	rolledBack atomic.Uint64
}

// Stats is a point-in-time snapshot of a Runtime's activity, consumed by
// pkg/shielded/diag. Not part of the distilled spec; see SPEC_FULL.md §11.
type Stats struct {
	TransactionsStarted    uint64
	TransactionsCommitted  uint64
	Retries                uint64
	TransactionsRolledBack uint64
	CurrentStamp           uint64
	OldestReachableStamp   uint64
}

// NewRuntime constructs a Runtime with a fresh, single base version.
func NewRuntime(opts ...Option) *Runtime {
	cfg := defaultRuntimeConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Runtime{
		versions:   newVersionList(),
		preCommit:  cfg.preCommit,
		postCommit: cfg.postCommit,
		maxRetries: cfg.maxRetries,
		trimEvery:  cfg.trimEvery,
	}
}

// Stats returns a snapshot of commit/retry counters and version-list
// watermarks.
func (rt *Runtime) Stats() Stats {
	return Stats{
		TransactionsStarted:    rt.stats.started.Load(),
		TransactionsCommitted:  rt.stats.committed.Load(),
		Retries:                rt.stats.retried.Load(),
		TransactionsRolledBack: rt.stats.rolledBack.Load(),
		CurrentStamp:           rt.versions.current.Load().stamp,
		OldestReachableStamp:   rt.versions.oldestRead.Load().stamp,
	}
}

// Trim forces an immediate trim pass, bypassing the probabilistic trigger.
// Used by pkg/shielded/sched's cron-driven trimmer.
func (rt *Runtime) Trim() {
	rt.versions.trimCopies()
}

// IsInTransaction reports whether ctx carries an active transaction.
func IsInTransaction(ctx context.Context) bool {
	return fromContext(ctx) != nil
}

// CurrentStartStamp returns the calling transaction's read stamp.
func CurrentStartStamp(ctx context.Context) (uint64, error) {
	tc := fromContext(ctx)
	if tc == nil {
		return 0, ErrNotInTransaction
	}
	return tc.startStamp, nil
}

// Rollback aborts the current attempt and asks InTransaction to retry it
// with a fresh stamp. The caller must return the resulting error immediately
// so it reaches InTransaction: `return shielded.Rollback(ctx)`.
func Rollback(ctx context.Context) error {
	if fromContext(ctx) == nil {
		return ErrNotInTransaction
	}
	return ErrRetryRequested
}

// SideEffect registers onCommit/onRollback to run exactly once, depending on
// how the current attempt concludes. Outside a transaction, onCommit runs
// immediately.
func SideEffect(ctx context.Context, onCommit, onRollback func()) error {
	tc := fromContext(ctx)
	if tc == nil {
		if onCommit != nil {
			onCommit()
		}
		return nil
	}
	tc.addSideEffect(onCommit, onRollback)
	return nil
}

// EnlistCommute registers a deferred, reorderable update over affecting. If
// the transaction's own blockCommute flag is set, or it has already
// enlisted any cell in affecting, perform runs immediately (degeneration).
func EnlistCommute(ctx context.Context, perform CommuteFunc, affecting map[Cell]struct{}) error {
	tc := fromContext(ctx)
	if tc == nil {
		return ErrNotInTransaction
	}
	aff := cellSet(affecting)
	if tc.blockCommute || tc.enlisted.overlaps(aff) {
		return perform(ctx)
	}
	tc.commutes.append(&commute{perform: perform, affecting: aff, state: commuteOk})
	return nil
}

// EnlistStrictCommute is like EnlistCommute for a single cell, but wraps
// perform so that, for its duration, only that cell may enlist — forbidding
// access to any other cell even if perform degenerates inline.
func EnlistStrictCommute(ctx context.Context, perform CommuteFunc, affecting Cell) error {
	wrapped := func(ctx context.Context) error {
		tc := fromContext(ctx)
		if tc == nil {
			return ErrNotInTransaction
		}
		prevCell, prevHas := tc.blockEnlist, tc.hasBlockEnlist
		tc.blockEnlist, tc.hasBlockEnlist = affecting, true
		defer func() { tc.blockEnlist, tc.hasBlockEnlist = prevCell, prevHas }()
		return perform(ctx)
	}
	return EnlistCommute(ctx, wrapped, map[Cell]struct{}{affecting: {}})
}

// Enlist records that the current transaction has touched cell, so
// commit-time validation and rollback can find it. hasLocals should be true
// when the cell already has local (uncommitted) state buffered from a prior
// operation in this same attempt.
func Enlist(ctx context.Context, cell Cell, hasLocals bool) (bool, error) {
	tc := fromContext(ctx)
	if tc == nil {
		return false, ErrNotInTransaction
	}
	return tc.enlist(ctx, cell, hasLocals)
}

// InTransaction runs action atomically. A nested call (ctx already carrying
// a transaction) simply joins the outer one. Retry requests are swallowed
// and restart action with a fresh stamp; any other error rolls back and
// propagates.
func (rt *Runtime) InTransaction(ctx context.Context, action func(ctx context.Context) error) error {
	if fromContext(ctx) != nil {
		return action(ctx)
	}

	attempts := 0
	for {
		rt.stats.started.Add(1)
		entry := rt.versions.getReaderTicket()
		tc := newTxContext(rt, entry)
		childCtx := withTxContext(ctx, tc)

		actErr := action(childCtx)

		if actErr == nil {
			committed, retry, err := rt.doCommit(childCtx, tc)
			rt.versions.releaseReaderTicket(entry)
			rt.maybeTrim()
			if err != nil {
				return err
			}
			if committed {
				rt.stats.committed.Add(1)
				return nil
			}
			if retry {
				rt.stats.retried.Add(1)
				attempts++
				if rt.maxRetries > 0 && attempts >= rt.maxRetries {
					return ErrTooManyRetries
				}
				continue
			}
			return nil
		}

		rt.doRollback(childCtx, tc)
		rt.versions.releaseReaderTicket(entry)
		rt.maybeTrim()

		if errors.Is(actErr, ErrRetryRequested) {
			rt.stats.retried.Add(1)
			attempts++
			if rt.maxRetries > 0 && attempts >= rt.maxRetries {
				return ErrTooManyRetries
			}
			continue
		}
		return actErr
	}
}

// doCommit implements spec.md §4.5's do_commit. It returns (committed,
// shouldRetry, err): committed=true means the attempt is done; shouldRetry
// means validation failed and the outer loop should try again with a fresh
// stamp; err is a fatal, non-retryable failure (e.g. ErrInvalidCommute).
func (rt *Runtime) doCommit(ctx context.Context, tc *txContext) (committed, shouldRetry bool, err error) {
	hasChanges := tc.commutes.len() > 0
	if !hasChanges {
		for c := range tc.enlisted {
			if c.HasChanges(ctx) {
				hasChanges = true
				break
			}
		}
	}

	if !hasChanges {
		for c := range tc.enlisted {
			c.Commit(ctx, WriteTicket{stamp: tc.startStamp})
		}
		tc.runOnCommit()
		return true, false, nil
	}

	wt, commutedCtx, commutedEnlisted, ok, cerr := rt.commitCheck(ctx, tc)
	if cerr != nil {
		tc.runOnRollback()
		return false, false, cerr
	}
	if !ok {
		tc.runOnRollback()
		return false, true, nil
	}

	changed := make([]Cell, 0, len(tc.enlisted)+len(commutedEnlisted))
	for c := range tc.enlisted {
		c.Commit(ctx, wt.writeTicket())
		changed = append(changed, c)
	}
	for c := range commutedEnlisted {
		if tc.enlisted.contains(c) {
			continue
		}
		c.Commit(commutedCtx, wt.writeTicket())
		changed = append(changed, c)
	}
	wt.setChanges(changed)
	wt.finalize(stateCommit)
	rt.versions.moveCurrent()

	tc.runOnCommit()
	if rt.postCommit != nil {
		changedSet := newCellSet(changed...)
		for _, fn := range rt.postCommit.Trigger(changedSet) {
			fn()
		}
	}
	rt.conditionals.runMatching()

	return true, false, nil
}

// commitCheck implements spec.md §4.5's commit_check. A commute executed via
// runCommutes buffers its writes under its own pass-scoped txContext (its
// id differs from tc's), so those cells must be validated/committed through
// the ctx that pass actually produced (commutedCtx), never through the
// enclosing ctx.
func (rt *Runtime) commitCheck(ctx context.Context, tc *txContext) (wt *versionEntry, commutedCtx context.Context, commutedEnlisted cellSet, ok bool, err error) {
	changed := make(cellSet)
	for c := range tc.enlisted {
		if c.HasChanges(ctx) {
			changed[c] = struct{}{}
		}
	}
	brokeInCommutes := tc.commutes.len() > 0
	if brokeInCommutes {
		for c := range tc.commutes.affectingSet() {
			changed[c] = struct{}{}
		}
	}
	rt.preCommitRules.runMatching()
	if rt.preCommit != nil && len(changed) > 0 {
		rt.preCommit.Trigger(changed).Run(ctx)
	}

	var commuted cellSet
	if brokeInCommutes {
		var cErr error
		commutedCtx, commuted, cErr = rt.runCommutes(ctx, tc)
		if cErr != nil {
			return nil, nil, nil, false, cErr
		}
		if tc.enlisted.overlaps(commuted) {
			return nil, nil, nil, false, ErrInvalidCommute
		}
	} else {
		commuted = make(cellSet)
	}

	rt.stampLock.Lock()
	var commEnlistedForEntry cellSet
	if brokeInCommutes {
		commEnlistedForEntry = commuted
	}
	entry := rt.versions.newVersion(tc.enlisted.union(commuted), commEnlistedForEntry)

	type started struct {
		c   Cell
		ctx context.Context
	}
	var startedCells []started
	valid := true
	for c := range commuted {
		if !c.CanCommit(commutedCtx, entry.writeTicket()) {
			valid = false
			break
		}
		startedCells = append(startedCells, started{c, commutedCtx})
	}
	if valid {
		for c := range tc.enlisted {
			if !c.CanCommit(ctx, entry.writeTicket()) {
				valid = false
				break
			}
			startedCells = append(startedCells, started{c, ctx})
		}
	}

	if valid {
		rt.stampLock.Unlock()
		return entry, commutedCtx, commuted, true, nil
	}

	for _, s := range startedCells {
		s.c.Rollback(s.ctx)
	}
	rt.stampLock.Unlock()
	entry.finalize(stateRollback)
	// A rolled-back entry touched no cells, but changes must still move
	// from None to Some (invariant 4): trimCopies' walk requires a later
	// entry's changes to be Some before it can advance oldestRead past it,
	// so leaving this nil would permanently pin trimming at the first
	// conflict this Runtime ever sees.
	entry.setChanges(nil)
	rt.versions.moveCurrent()

	// A validation failure here, commute or not, means the whole attempt
	// must be retried from the top: doCommit's caller reruns the
	// transaction body, which re-registers any commutes fresh. Falling
	// back to validating tc.enlisted alone would commit the attempt
	// without ever applying the commuted write.
	return nil, nil, nil, false, nil
}

// runCommutes implements spec.md §4.5's run_commutes. Each pass runs under
// a fresh, dedicated txContext (its own id, its own buffering scope), since
// a retried pass must not see writes a prior, rolled-back pass buffered.
func (rt *Runtime) runCommutes(ctx context.Context, tc *txContext) (context.Context, cellSet, error) {
	for {
		latest := rt.versions.getUntrackedReadStamp()
		sub := &txContext{
			rt:              tc.rt,
			id:              tc.rt.attemptIDs.Add(1),
			startEntry:      latest,
			startStamp:      latest.stamp,
			enlisted:        make(cellSet),
			commutes:        tc.commutes,
			blockCommute:    true,
			enforceTracking: true,
			commuteTime:     -1,
		}
		subCtx := withTxContext(ctx, sub)

		retry := false
		for _, cm := range tc.commutes.snapshotOk() {
			if err := cm.perform(subCtx); err != nil {
				if errors.Is(err, ErrRetryRequested) {
					retry = true
					break
				}
				return nil, nil, err
			}
		}

		if !retry {
			return subCtx, sub.enlisted, nil
		}
		for c := range sub.enlisted {
			c.Rollback(subCtx)
		}
	}
}

// doRollback implements spec.md §4.5's do_rollback: full rollback of every
// enlisted cell, run for explicit Rollback() calls and propagated user
// errors (as opposed to commitCheck's narrower partial-started rollback).
func (rt *Runtime) doRollback(ctx context.Context, tc *txContext) {
	for c := range tc.enlisted {
		c.Rollback(ctx)
	}
	tc.runOnRollback()
	rt.stats.rolledBack.Add(1)
}

// maybeTrim implements spec.md §4.6's 1-in-trimEvery probabilistic trigger.
func (rt *Runtime) maybeTrim() {
	if rt.trimClock.Add(1)%rt.trimEvery == 0 {
		rt.versions.trimCopies()
	}
}
