package adapter

import (
	"errors"
	"fmt"
)

// MaxAdapters is the number of physical adapters, and separately of digital
// adapters, a single twin accepts.
const MaxAdapters = 5

var (
	// ErrTooManyAdapters is returned when registering an adapter beyond
	// MaxAdapters.
	ErrTooManyAdapters = errors.New("too many adapters")
	// ErrDuplicateAdapter is returned when registering two adapters of the same
	// kind under one id.
	ErrDuplicateAdapter = errors.New("duplicate adapter id")
	// ErrNotBound is returned when a physical adapter updates or releases a
	// binding it never reported.
	ErrNotBound = errors.New("adapter not bound")
	// ErrAlreadyBound is returned when a physical adapter reports a second
	// binding without releasing the first one.
	ErrAlreadyBound = errors.New("adapter already bound")
)

// Error reports a failure of, or reported by, an adapter.
type Error struct {
	AdapterID string
	Op        string
	Err       error
}

func (e *Error) Error() string {
	return fmt.Sprintf("adapter %q: %s: %v", e.AdapterID, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
