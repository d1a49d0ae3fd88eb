// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"errors"
	"fmt"

	"github.com/envmatrix/envmatrix/internal/steprun"
)

const (
	// PhaseStart covers runtime lookup, image preparation and instance start.
	PhaseStart Phase = "start"
	// PhaseSetup covers the setup steps.
	PhaseSetup Phase = "setup"
)

var (
	// ErrProvisionFailed is wrapped by every ProvisionError.
	ErrProvisionFailed = errors.New("provisioning failed")

	// ErrSetupFailed is the cause of a ProvisionError raised by a failed fatal setup step.
	ErrSetupFailed = errors.New("fatal setup step failed")
)

type (
	// Phase names the provisioning stage that failed.
	Phase string

	// ProvisionError reports that an environment could not be made ready.
	ProvisionError struct {
		Environment string
		Phase       Phase
		// Attempts is the number of start attempts made.
		Attempts int
		// Step is the failed setup step, set for PhaseSetup.
		Step  *steprun.StepResult
		Cause error
	}
)

func (e *ProvisionError) Error() string {
	switch {
	case e.Phase == PhaseSetup && e.Step != nil:
		return fmt.Sprintf("provision %s: setup step %s %s (exit %d)", e.Environment, e.Step.ID(), e.Step.Status, e.Step.ExitCode)
	case e.Phase == PhaseSetup:
		return fmt.Sprintf("provision %s: setup: %v", e.Environment, e.Cause)
	default:
		return fmt.Sprintf("provision %s: start failed after %d attempt(s): %v", e.Environment, e.Attempts, e.Cause)
	}
}

// Unwrap exposes ErrProvisionFailed and the cause.
func (e *ProvisionError) Unwrap() []error {
	return []error{ErrProvisionFailed, e.Cause}
}
