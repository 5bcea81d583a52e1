package session

import (
	"errors"
	"fmt"
)

var (
	ErrBusy              = errors.New("participant already in a call")
	ErrNotFound          = errors.New("participant not connected")
	ErrNoSession         = errors.New("no call between participants")
	ErrInvalidTransition = errors.New("invalid call transition")
	ErrSelfCall          = errors.New("cannot call yourself")
)

// TransitionError describes a refused state change.
type TransitionError struct {
	Op   string
	From string
	To   string
	Err  error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s -> %s: %v", e.Op, e.From, e.To, e.Err)
}

func (e *TransitionError) Unwrap() error {
	return e.Err
}

func refuse(op, from, to string, err error) *TransitionError {
	return &TransitionError{Op: op, From: from, To: to, Err: err}
}
