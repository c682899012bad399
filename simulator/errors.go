package simulator

import (
	"errors"
	"fmt"
)

// SimError is returned for configuration and run-state errors. Invariant
// violations inside the simulation panic with *engine.FatalError instead.
type SimError struct {
	Message string
	Cause   error
}

func (e SimError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("simulation error: %s: %v", e.Message, e.Cause)
	}
	return fmt.Sprintf("simulation error: %s", e.Message)
}

func (e SimError) Unwrap() error { return e.Cause }

// ErrInvalidConfig creates an error for invalid configuration
func ErrInvalidConfig(msg string) error {
	return SimError{Message: fmt.Sprintf("invalid config: %s", msg)}
}

// wrapInvalid reports a sub-config validation failure under its group name.
func wrapInvalid(group string, err error) error {
	return SimError{Message: fmt.Sprintf("invalid config: %s", group), Cause: err}
}

// ErrFinished is returned by Run once the workload has completed.
var ErrFinished = errors.New("simulation finished")
