package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when the transaction (or a row it references) does not exist.
	ErrNotFound = errors.New("escrow: not found")
	// ErrForbidden is returned when the caller is not a party, or is the wrong party for the action.
	ErrForbidden = errors.New("escrow: forbidden")
	// ErrValidation is returned for malformed action payloads and queries.
	ErrValidation = errors.New("escrow: validation failed")
	// ErrInvalidState is matched by every *InvalidStateError.
	ErrInvalidState = errors.New("escrow: invalid state")
)

// InvalidStateError reports a transition guard failure and names the status
// the transaction was in.
type InvalidStateError struct {
	Action  Action
	Current Status
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("escrow: cannot %s while transaction is %s", e.Action, e.Current)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
