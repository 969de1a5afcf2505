package state

import (
	"errors"
	"fmt"
)

// Errors matched by every Error the Manager returns for a rejected mutation.
var (
	// ErrConflict is returned when creating a resource whose key already exists.
	ErrConflict = errors.New("conflict")
	// ErrNotFound is returned when mutating or deleting an absent resource.
	ErrNotFound = errors.New("not found")
	// ErrBadRequest is returned for malformed resources, e.g. an empty key.
	ErrBadRequest = errors.New("bad request")
)

// Error reports a mutation the Manager rejected. A rejected mutation aborts
// the transaction it was made in.
type Error struct {
	Op       string // Mutation that failed, e.g. "enable action".
	Resource ResourceType
	Key      string
	Err      error // One of ErrConflict, ErrNotFound or ErrBadRequest.
}

func (e *Error) Error() string {
	return fmt.Sprintf("state: %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Errors matched by every TransactionError.
var (
	// ErrNoTransaction is returned by mutators called outside a transaction.
	ErrNoTransaction = errors.New("no open transaction")
	// ErrTransactionOpen is returned when starting a transaction while another
	// one is open on the same twin.
	ErrTransactionOpen = errors.New("transaction already open")
	// ErrTransactionClosed is returned when using a transaction that was already
	// committed, rolled back or aborted.
	ErrTransactionClosed = errors.New("transaction closed")
	// ErrTransactionOwned is returned by the Manager's own mutators, and by
	// CommitTransaction and RollbackTransaction, when the open transaction
	// belongs to a Tx handle.
	ErrTransactionOwned = errors.New("transaction owned by a handle")
)

// TransactionError reports a violation of the transaction discipline.
type TransactionError struct {
	Op     string
	TwinID string
	Err    error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("state: twin %q: %s: %v", e.TwinID, e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
