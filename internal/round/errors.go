package round

import (
	"errors"
	"fmt"
)

// ErrLockContention means another request holds the placement lock for this
// user. Callers should tell the player to retry, not fail the session.
var ErrLockContention = errors.New("another placement is in progress")

// ValidationError rejects a request whose inputs are malformed or out of range.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// ConflictError rejects an operation that clashes with existing round state,
// like placing a bet while a round is already active.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// SequenceError rejects a step that is not the immediate successor of the
// round's current step. Out-of-order steps leave the round untouched.
type SequenceError struct {
	Expected int
	Got      int
}

func (e *SequenceError) Error() string {
	return fmt.Sprintf("step out of sequence: expected %d, got %d", e.Expected, e.Got)
}
