package shielded_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mnohosten/shielded/pkg/shielded"
	"github.com/mnohosten/shielded/pkg/shielded/cellkit"
)

func TestInTransactionCommitsOnSuccess(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(10)

	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		v, err := ref.Get(ctx)
		if err != nil {
			return err
		}
		return ref.Set(ctx, v+5)
	})
	if err != nil {
		t.Fatalf("InTransaction: %v", err)
	}
	if ref.Peek() != 15 {
		t.Fatalf("got %d, want 15", ref.Peek())
	}
	if got := rt.Stats().TransactionsCommitted; got != 1 {
		t.Fatalf("got %d committed, want 1", got)
	}
}

func TestInTransactionRollsBackOnError(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(1)
	boom := errors.New("boom")

	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		if err := ref.Set(ctx, 99); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if ref.Peek() != 1 {
		t.Fatalf("got %d, want 1 (unchanged)", ref.Peek())
	}
	if got := rt.Stats().TransactionsRolledBack; got != 1 {
		t.Fatalf("got %d rolled back, want 1", got)
	}
}

func TestRollbackRequestsRetry(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(0)

	attempts := 0
	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		attempts++
		if err := ref.Set(ctx, attempts); err != nil {
			return err
		}
		if attempts < 3 {
			return shielded.Rollback(ctx)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTransaction: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("got %d attempts, want 3", attempts)
	}
	if ref.Peek() != 3 {
		t.Fatalf("got %d, want 3", ref.Peek())
	}
}

func TestNestedInTransactionJoinsOuter(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(0)

	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		return rt.InTransaction(ctx, func(inner context.Context) error {
			return ref.Set(inner, 7)
		})
	})
	if err != nil {
		t.Fatalf("InTransaction: %v", err)
	}
	if ref.Peek() != 7 {
		t.Fatalf("got %d, want 7", ref.Peek())
	}
	// A nested call joins the outer attempt rather than starting a second
	// one, so exactly one attempt (and one commit) should be recorded.
	if got := rt.Stats().TransactionsStarted; got != 1 {
		t.Fatalf("got %d started, want 1", got)
	}
}

func TestWriteWriteConflictForcesRetry(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(0)

	const goroutines = 20
	const incrementsEach = 25

	var wg sync.WaitGroup
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < incrementsEach; j++ {
				err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
					v, err := ref.Get(ctx)
					if err != nil {
						return err
					}
					return ref.Set(ctx, v+1)
				})
				if err != nil {
					t.Errorf("increment failed: %v", err)
				}
			}
		}()
	}
	wg.Wait()

	want := goroutines * incrementsEach
	if ref.Peek() != want {
		t.Fatalf("got %d, want %d", ref.Peek(), want)
	}
	if rt.Stats().Retries == 0 {
		t.Error("expected at least one retry under concurrent writers")
	}
}

func TestEnlistCommuteAvoidsConflictsBetweenCommuters(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(0)

	const commuters = 30
	var wg sync.WaitGroup
	for i := 0; i < commuters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
				return shielded.EnlistCommute(ctx, func(ctx context.Context) error {
					v, err := ref.Get(ctx)
					if err != nil {
						return err
					}
					return ref.Set(ctx, v+1)
				}, map[shielded.Cell]struct{}{ref: {}})
			})
			if err != nil {
				t.Errorf("commute failed: %v", err)
			}
		}()
	}
	wg.Wait()

	if ref.Peek() != commuters {
		t.Fatalf("got %d, want %d", ref.Peek(), commuters)
	}
}

func TestEnlistCommuteDegeneratesWhenAlreadyEnlisted(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(0)

	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		// Touch ref directly first.
		if _, err := ref.Get(ctx); err != nil {
			return err
		}
		// A commute affecting the same cell must degenerate (run inline)
		// rather than queue, since the transaction already enlisted it.
		return shielded.EnlistCommute(ctx, func(ctx context.Context) error {
			v, err := ref.Get(ctx)
			if err != nil {
				return err
			}
			return ref.Set(ctx, v+1)
		}, map[shielded.Cell]struct{}{ref: {}})
	})
	if err != nil {
		t.Fatalf("InTransaction: %v", err)
	}
	if ref.Peek() != 1 {
		t.Fatalf("got %d, want 1", ref.Peek())
	}
}

func TestConditionalFiresOnEveryMatchingCommit(t *testing.T) {
	rt := shielded.NewRuntime()
	ref := cellkit.NewRef(0)

	var fired int
	rt.Conditional(func() bool { return ref.Peek()%2 == 0 }, func() { fired++ })

	for _, v := range []int{1, 2, 3, 4} {
		err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
			return ref.Set(ctx, v)
		})
		if err != nil {
			t.Fatalf("InTransaction: %v", err)
		}
	}
	// Commits land on 1 (odd), 2 (even), 3 (odd), 4 (even): fires twice.
	if fired != 2 {
		t.Fatalf("got %d fires, want 2", fired)
	}
}

func TestSideEffectRunsOnCommitNotRollback(t *testing.T) {
	rt := shielded.NewRuntime()
	boom := errors.New("boom")

	var committed, rolledBack bool
	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		return shielded.SideEffect(ctx, func() { committed = true }, func() { rolledBack = true })
	})
	if err != nil {
		t.Fatalf("InTransaction: %v", err)
	}
	if !committed || rolledBack {
		t.Fatalf("got (committed=%v, rolledBack=%v), want (true, false)", committed, rolledBack)
	}

	committed, rolledBack = false, false
	err = rt.InTransaction(context.Background(), func(ctx context.Context) error {
		if err := shielded.SideEffect(ctx, func() { committed = true }, func() { rolledBack = true }); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("got %v, want boom", err)
	}
	if committed || !rolledBack {
		t.Fatalf("got (committed=%v, rolledBack=%v), want (false, true)", committed, rolledBack)
	}
}

func TestMaxRetriesBoundsLivelock(t *testing.T) {
	rt := shielded.NewRuntime(shielded.WithMaxRetries(3))
	err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
		return shielded.Rollback(ctx)
	})
	if !errors.Is(err, shielded.ErrTooManyRetries) {
		t.Fatalf("got %v, want ErrTooManyRetries", err)
	}
}

func TestTrimEveryTriggersPeriodicTrim(t *testing.T) {
	rt := shielded.NewRuntime(shielded.WithTrimEvery(4))
	ref := cellkit.NewRef(0)

	for i := 1; i <= 8; i++ {
		err := rt.InTransaction(context.Background(), func(ctx context.Context) error {
			return ref.Set(ctx, i)
		})
		if err != nil {
			t.Fatalf("InTransaction: %v", err)
		}
	}

	if ref.Versions() >= 9 {
		t.Errorf("expected trimming to have reduced version count below 9, got %d", ref.Versions())
	}
}
