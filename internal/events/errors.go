package events

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotOwned is returned when a job's lease was lost to another
	// worker before it could be updated.
	ErrJobNotOwned = errors.New("job lease lost")

	ErrRequestClosed = errors.New("request already completed or failed")
)

// NotFoundError is returned when an event or request does not exist.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// InvalidTransitionError is returned when a status change is not a forward
// move.
type InvalidTransitionError struct {
	ID   string
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %s: invalid transition %s -> %s", e.ID, e.From, e.To)
}

func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}
