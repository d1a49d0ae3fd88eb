// SPDX-License-Identifier: MPL-2.0

package report

import (
	"errors"
	"fmt"

	"github.com/envmatrix/envmatrix/internal/provision"
	"github.com/envmatrix/envmatrix/internal/runtime"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// Outcome is how a pipeline ended, as reported by the executor.
type Outcome struct {
	Environment string
	// Err is the provisioning or infrastructure error that ended the pipeline.
	Err error
	// TimedOut is set when the environment exceeded its wall-clock timeout.
	TimedOut bool
	// Cancelled is set when the run was interrupted before the pipeline finished.
	Cancelled bool
	// Reason overrides the derived reason, e.g. "cancelled before start".
	Reason string
}

// Decide derives the verdict of env from its steps and outcome.
// A fatal setup failure is failed; a start failure, a substrate fault or an
// interruption is errored. Optional-tier failures are recorded as details
// and only fail the environment when strictOptional is set.
func Decide(env *EnvironmentReport, o Outcome, strictOptional bool) {
	env.Details = env.Details[:0:0]
	for _, s := range env.Steps {
		if s.Phase == matrixfile.PhaseOptional && s.Failed() {
			env.Details = append(env.Details, fmt.Sprintf("optional step %s %s (exit %d)", s.ID(), s.Status, s.ExitCode))
		}
	}

	switch {
	case o.TimedOut:
		env.Verdict = VerdictTimedOut
		env.Reason = "environment timeout exceeded"
	case o.Cancelled:
		env.Verdict = VerdictErrored
		env.Reason = "cancelled"
	case o.Err != nil && errors.Is(o.Err, provision.ErrSetupFailed) && !errors.Is(o.Err, runtime.ErrInfrastructure):
		env.Verdict = VerdictFailed
		env.Reason = o.Err.Error()
	case o.Err != nil:
		env.Verdict = VerdictErrored
		env.Reason = o.Err.Error()
	default:
		env.Verdict, env.Reason = stepVerdict(env.Steps, strictOptional)
	}
	if o.Reason != "" {
		env.Reason = o.Reason
	}
}

func stepVerdict(steps []steprun.StepResult, strictOptional bool) (Verdict, string) {
	for _, s := range steps {
		required := s.Phase != matrixfile.PhaseOptional
		if !s.Failed() || (!required && !strictOptional) {
			continue
		}
		if s.Status == steprun.StatusErrored {
			return VerdictErrored, fmt.Sprintf("step %s: %s", s.ID(), s.Reason)
		}
		if required {
			return VerdictFailed, fmt.Sprintf("step %s %s (exit %d)", s.ID(), s.Status, s.ExitCode)
		}
		return VerdictFailed, fmt.Sprintf("optional step %s %s (exit %d) with strict optional", s.ID(), s.Status, s.ExitCode)
	}
	return VerdictPassed, ""
}
