package lifecycle

import (
	"errors"
	"fmt"
)

// ErrIllegalTransition is matched by every Error.
var ErrIllegalTransition = errors.New("illegal lifecycle transition")

// Error reports a transition that is not allowed from the current state. The
// state of the Machine is left unchanged.
type Error struct {
	TwinID string
	Op     string
	From   State
	To     State
}

func (e *Error) Error() string {
	return fmt.Sprintf("lifecycle: twin %q: %s: cannot move from %s to %s", e.TwinID, e.Op, e.From, e.To)
}

func (e *Error) Is(target error) bool { return target == ErrIllegalTransition }
