package shielded

import "errors"

var (
	// ErrNotInTransaction is returned when enlisting, rolling back, or
	// reading the start stamp outside of any active transaction.
	ErrNotInTransaction = errors.New("shielded: not in a transaction")

	// ErrForbiddenAccess is returned when a transaction context has
	// blockEnlist set to a single cell and a different cell tries to enlist.
	ErrForbiddenAccess = errors.New("shielded: cell access forbidden in this context")

	// ErrInvalidCommute is returned when a commute's enlisted set overlaps
	// the main transaction's enlisted set after the commute ran. This is a
	// fatal programming error, never retried.
	ErrInvalidCommute = errors.New("shielded: commute enlisted a cell the transaction already touched")

	// ErrRetryRequested is returned by Rollback and propagated up through
	// action functions to signal the outer InTransaction loop to retry with
	// a fresh stamp. It must never escape InTransaction to the caller.
	ErrRetryRequested = errors.New("shielded: retry requested")

	// ErrTooManyRetries is returned when a Runtime configured with
	// WithMaxRetries exhausts its retry budget. Not part of the core spec;
	// an opt-in safety valve, see SPEC_FULL.md §11.
	ErrTooManyRetries = errors.New("shielded: exceeded maximum retry count")
)
