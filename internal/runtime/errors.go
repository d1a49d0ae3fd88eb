// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"errors"
	"fmt"
)

var (
	// ErrInfrastructure is wrapped by every InfrastructureError.
	ErrInfrastructure = errors.New("infrastructure fault")

	// ErrContextReleased is the cause of commands issued after Release.
	ErrContextReleased = errors.New("execution context already released")

	// ErrRuntimeNotAvailable is returned by Registry.Get.
	ErrRuntimeNotAvailable = errors.New("runtime not available")
)

// InfrastructureError reports that the execution substrate failed, as opposed
// to the command inside it. It isolates to the affected environment.
type InfrastructureError struct {
	Environment string
	Op          string
	Cause       error
}

func (e *InfrastructureError) Error() string {
	if e.Environment == "" {
		return fmt.Sprintf("infrastructure fault during %s: %v", e.Op, e.Cause)
	}
	return fmt.Sprintf("infrastructure fault in %s during %s: %v", e.Environment, e.Op, e.Cause)
}

// Unwrap exposes ErrInfrastructure and the cause.
func (e *InfrastructureError) Unwrap() []error {
	return []error{ErrInfrastructure, e.Cause}
}

func infraError(env, op string, cause error) *InfrastructureError {
	return &InfrastructureError{Environment: env, Op: op, Cause: cause}
}
