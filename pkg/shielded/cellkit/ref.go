// Package cellkit provides Ref, a reference implementation of shielded.Cell
// over a single in-memory value. It is not part of the transactional core;
// it exists so tests and cmd/shielddemo have a concrete cell to enlist
// without each hand-rolling one.
//
// Its version chain and trimming are grounded on the teacher's
// pkg/mvcc.VersionStore: a singly linked list of versions, newest at the
// head, walked to find the value visible at a given stamp and garbage
// collected by splicing out every version older than the one visible at a
// watermark, always keeping the head.
package cellkit

import (
	"context"
	"sync"

	"github.com/mnohosten/shielded/pkg/shielded"
)

// node is one committed version of a Ref's value.
type node struct {
	stamp uint64
	value any
	next  *node
}

// pending is a transaction attempt's buffered, uncommitted write.
type pending struct {
	value any
}

// Ref is a generic, versioned memory cell. The zero value is not usable;
// construct one with NewRef.
type Ref[T any] struct {
	mu   sync.RWMutex
	head *node // always non-nil after NewRef; stamp 0 holds the initial value

	pendingMu sync.Mutex
	pending   map[uint64]*pending
}

// NewRef constructs a Ref holding an initial committed value at stamp 0.
func NewRef[T any](initial T) *Ref[T] {
	return &Ref[T]{
		head:    &node{stamp: 0, value: initial},
		pending: make(map[uint64]*pending),
	}
}

// Get reads the value visible to ctx's transaction: the attempt's own
// pending write if it has one, otherwise the newest committed version at or
// before the transaction's read stamp.
func (r *Ref[T]) Get(ctx context.Context) (T, error) {
	var zero T
	token, err := shielded.AttemptToken(ctx)
	if err != nil {
		return zero, err
	}

	if p := r.loadPending(token); p != nil {
		return p.value.(T), nil
	}

	startStamp, err := shielded.CurrentStartStamp(ctx)
	if err != nil {
		return zero, err
	}
	if _, err := shielded.Enlist(ctx, r, false); err != nil {
		return zero, err
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for n := r.head; n != nil; n = n.next {
		if n.stamp <= startStamp {
			return n.value.(T), nil
		}
	}
	return zero, nil
}

// Set buffers value as this attempt's pending write, read-your-writes style:
// a subsequent Get in the same attempt observes it immediately.
func (r *Ref[T]) Set(ctx context.Context, value T) error {
	token, err := shielded.AttemptToken(ctx)
	if err != nil {
		return err
	}

	hasLocals := r.loadPending(token) != nil
	if _, err := shielded.Enlist(ctx, r, hasLocals); err != nil {
		return err
	}

	r.pendingMu.Lock()
	p, exists := r.pending[token]
	if !exists {
		p = &pending{}
		r.pending[token] = p
	}
	p.value = value
	r.pendingMu.Unlock()
	return nil
}

func (r *Ref[T]) loadPending(token uint64) *pending {
	r.pendingMu.Lock()
	defer r.pendingMu.Unlock()
	return r.pending[token]
}

// HasChanges implements shielded.Cell.
func (r *Ref[T]) HasChanges(ctx context.Context) bool {
	token, err := shielded.AttemptToken(ctx)
	if err != nil {
		return false
	}
	return r.loadPending(token) != nil
}

// CanCommit implements shielded.Cell: no writer may have installed a newer
// committed version than the one this attempt read. This applies whether or
// not the attempt itself wrote to r — a read-only enlist still needs its
// read stamp validated, otherwise a concurrent write to r the transaction
// never saw could slip past commit undetected (classic write-skew).
func (r *Ref[T]) CanCommit(ctx context.Context, wt shielded.WriteTicket) bool {
	startStamp, err := shielded.CurrentStartStamp(ctx)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head.stamp <= startStamp
}

// Commit implements shielded.Cell: install the pending write as the new
// head, tagged with wt's stamp.
func (r *Ref[T]) Commit(ctx context.Context, wt shielded.WriteTicket) {
	token, err := shielded.AttemptToken(ctx)
	if err != nil {
		return
	}

	r.pendingMu.Lock()
	p, exists := r.pending[token]
	if exists {
		delete(r.pending, token)
	}
	r.pendingMu.Unlock()
	if !exists {
		return
	}

	r.mu.Lock()
	r.head = &node{stamp: wt.Stamp(), value: p.value, next: r.head}
	r.mu.Unlock()
}

// Rollback implements shielded.Cell: discard the attempt's pending write.
func (r *Ref[T]) Rollback(ctx context.Context) {
	token, err := shielded.AttemptToken(ctx)
	if err != nil {
		return
	}
	r.pendingMu.Lock()
	delete(r.pending, token)
	r.pendingMu.Unlock()
}

// TrimCopies implements shielded.Cell: keep every version newer than
// upToStamp plus the newest version at or before it (the one a reader at
// upToStamp sees), and drop everything older. The head is always kept.
func (r *Ref[T]) TrimCopies(upToStamp uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for n := r.head; n != nil; n = n.next {
		if n.stamp <= upToStamp {
			n.next = nil
			return
		}
	}
}

// Peek reads the latest committed value without joining a transaction,
// mirroring pkg/mvcc.VersionStore.GetLatest. Used by Conditional/PreCommitRule
// test functions (shielded.Runtime.Conditional's test is a plain func() bool,
// with no ctx to enlist through) and by callers that only need a snapshot.
func (r *Ref[T]) Peek() T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.head.value.(T)
}

// Versions reports how many committed versions a Ref currently retains,
// mirroring pkg/mvcc.VersionStore.GetVersionCount in spirit; used by tests
// to observe trimming.
func (r *Ref[T]) Versions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	count := 0
	for n := r.head; n != nil; n = n.next {
		count++
	}
	return count
}
