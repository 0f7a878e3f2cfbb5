package shielded

import "context"

type txContextKey struct{}

type sideEffect struct {
	onCommit   func()
	onRollback func()
}

// txContext is the per-attempt transactional state. Go has no first-class
// thread-locals (spec.md §9's "Thread-local context" note), so the context
// travels explicitly on a context.Context value, the same way the teacher's
// HTTP handlers thread a *database.Session through a request's context.
type txContext struct {
	rt *Runtime

	// id identifies the buffering scope a Cell implementation should use to
	// key its local, uncommitted writes (see AttemptToken). It is shared
	// between a txContext and any isolatedRun sub-context it spawns for
	// inline degeneration, since those writes belong to the same attempt;
	// runCommutes mints a fresh id per pass, since a commute's writes there
	// must be committed through that pass's own context, not the enclosing
	// attempt's (see Runtime.commitCheck).
	id uint64

	startEntry *versionEntry
	startStamp uint64

	enlisted cellSet

	commutes *commuteQueue

	sideEffects []sideEffect

	blockEnlist     Cell
	hasBlockEnlist  bool
	blockCommute    bool
	enforceTracking bool
	commuteTime     int // -1 = not inside a degeneration call
}

func newTxContext(rt *Runtime, entry *versionEntry) *txContext {
	return &txContext{
		rt:          rt,
		id:          rt.attemptIDs.Add(1),
		startEntry:  entry,
		startStamp:  entry.stamp,
		enlisted:    make(cellSet),
		commutes:    newCommuteQueue(),
		commuteTime: -1,
	}
}

func fromContext(ctx context.Context) *txContext {
	tc, _ := ctx.Value(txContextKey{}).(*txContext)
	return tc
}

// AttemptToken returns an opaque, comparable identifier for the write
// buffering scope of ctx's current attempt. A Cell implementation (see
// pkg/shielded/cellkit) uses it to key its local uncommitted writes so that
// a transaction's own reads observe its own pending writes, while other
// concurrent attempts do not. Stable across an isolatedRun degeneration
// (the same attempt, by construction); distinct across separate
// InTransaction attempts and separate runCommutes passes.
func AttemptToken(ctx context.Context) (uint64, error) {
	tc := fromContext(ctx)
	if tc == nil {
		return 0, ErrNotInTransaction
	}
	return tc.id, nil
}

func withTxContext(ctx context.Context, tc *txContext) context.Context {
	return context.WithValue(ctx, txContextKey{}, tc)
}

// enlist implements spec.md §4.3's enlist(cell, has_locals).
func (tc *txContext) enlist(ctx context.Context, cell Cell, hasLocals bool) (bool, error) {
	if tc.hasBlockEnlist && tc.blockEnlist != cell {
		return false, ErrForbiddenAccess
	}
	if hasLocals && !tc.enforceTracking {
		return false, nil
	}
	if tc.enlisted.contains(cell) {
		return false, nil
	}
	tc.enlisted[cell] = struct{}{}
	if err := tc.commutes.degenerateOn(ctx, tc, cell); err != nil {
		return false, err
	}
	return true, nil
}

// addSideEffect implements spec.md §4.3's side_effect.
func (tc *txContext) addSideEffect(onCommit, onRollback func()) {
	tc.sideEffects = append(tc.sideEffects, sideEffect{onCommit: onCommit, onRollback: onRollback})
}

func (tc *txContext) runOnCommit() {
	for _, se := range tc.sideEffects {
		if se.onCommit != nil {
			se.onCommit()
		}
	}
}

func (tc *txContext) runOnRollback() {
	for _, se := range tc.sideEffects {
		if se.onRollback != nil {
			se.onRollback()
		}
	}
}

// isolatedRun implements spec.md §4.3's isolated_run: swap in a fresh
// sub-context sharing the same commute list, run action, then union the
// sub-context's enlisted set back into the outer context.
func isolatedRun(ctx context.Context, tc *txContext, action func(ctx context.Context) error) (cellSet, error) {
	sub := &txContext{
		rt:              tc.rt,
		id:              tc.id,
		startEntry:      tc.startEntry,
		startStamp:      tc.startStamp,
		enlisted:        make(cellSet),
		commutes:        tc.commutes,
		enforceTracking: true,
		commuteTime:     tc.commuteTime,
	}
	subCtx := withTxContext(ctx, sub)
	if err := action(subCtx); err != nil {
		return sub.enlisted, err
	}
	for c := range sub.enlisted {
		tc.enlisted[c] = struct{}{}
	}
	return sub.enlisted, nil
}
