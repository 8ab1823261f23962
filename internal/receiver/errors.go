package receiver

import (
	"errors"
	"fmt"
)

var (
	// ErrNotSetup is returned by Start when no Setup has ever succeeded.
	ErrNotSetup = errors.New("receiver not set up")
	// ErrListening is returned by Setup while a capture is running.
	ErrListening = errors.New("receiver is listening")
)

// SetupError describes which setup step failed. Nothing stays open after a
// SetupError is returned.
type SetupError struct {
	Op    string
	Group string
	Err   error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("setup %s for %s: %v", e.Op, e.Group, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
