// SPDX-License-Identifier: MPL-2.0

package progress

import (
	"errors"
	"fmt"
)

const (
	// StateCreated indicates the server was created but Start has not been called.
	StateCreated State = iota
	// StateStarting indicates Start was called and the listener is being bound.
	StateStarting
	// StateRunning indicates the server is accepting requests.
	StateRunning
	// StateStopping indicates Stop was called and shutdown is in progress.
	StateStopping
	// StateStopped is terminal.
	StateStopped
	// StateFailed is terminal: the server failed to start or serve.
	StateFailed
)

// ErrInvalidState is returned when a State value is not a defined lifecycle state.
var ErrInvalidState = errors.New("invalid state")

type (
	// State is the lifecycle state of a Server.
	State int32

	// InvalidStateError wraps ErrInvalidState with the offending value.
	InvalidStateError struct {
		Value State
	}
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("invalid server state %d", e.Value)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// Validate returns an error wrapping ErrInvalidState for undefined values.
func (s State) Validate() error {
	switch s {
	case StateCreated, StateStarting, StateRunning, StateStopping, StateStopped, StateFailed:
		return nil
	default:
		return &InvalidStateError{Value: s}
	}
}

// IsTerminal reports whether the state is Stopped or Failed.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateFailed
}
