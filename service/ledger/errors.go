package ledger

import (
	"errors"
	"fmt"
)

// Sentinel errors for the settlement error taxonomy. Callers dispatch with
// errors.Is; the retry semantics live with the caller, not here.
var (
	// ErrLedgerUnavailable means no configured node endpoint answered.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrInsufficientFunds means the owned inputs cannot cover the
	// mandatory storage deposits of the requested outputs. Fatal for the
	// attempt; never retried.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrLookupTimeout means a bounded polling loop (indexer lookup, block
	// finality) exhausted its attempts.
	ErrLookupTimeout = errors.New("lookup timed out")

	// ErrConcurrencyConflict means a required address lock is held by a
	// different transaction. The unlock cascade retries the blocked
	// transaction later; there is no busy-wait.
	ErrConcurrencyConflict = errors.New("address locked by another transaction")
)

// ValidationError reports bad caller input. Surfaced, never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// SubmissionError reports a block the node rejected on submit. Recorded on
// the transaction and retried up to the configured maximum.
type SubmissionError struct {
	BlockID BlockID
	Reason  string
}

func (e *SubmissionError) Error() string {
	if e.BlockID != "" {
		return fmt.Sprintf("block %s rejected: %s", e.BlockID, e.Reason)
	}
	return fmt.Sprintf("block rejected: %s", e.Reason)
}
