// SPDX-License-Identifier: MPL-2.0

package steprun

import (
	"fmt"
	"time"

	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	StatusPassed    Status = "passed"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
	StatusCancelled Status = "cancelled"
	StatusErrored   Status = "errored"

	// ReasonFatalAbort marks steps skipped after an earlier fatal failure.
	ReasonFatalAbort = "fatal-abort"
	// ReasonCapability marks steps whose required capabilities are missing.
	ReasonCapability = "capability"
	// ReasonCancelled marks steps skipped because the run was cancelled.
	ReasonCancelled = "cancelled"
	// ReasonTimeout marks a step that exceeded its own timeout.
	ReasonTimeout = "timeout"
	// ReasonTestsFailed marks optional steps not attempted because a test step failed.
	ReasonTestsFailed = "tests-failed"
	// ReasonNotProvisioned marks steps of an environment that never started.
	ReasonNotProvisioned = "not-provisioned"
)

type (
	// Status is the outcome of one step.
	Status string

	// StepResult is the immutable record of one step.
	StepResult struct {
		Environment string                   `json:"environment" yaml:"environment"`
		Phase       matrixfile.Phase         `json:"phase" yaml:"phase"`
		Index       int                      `json:"index" yaml:"index"`
		Name        string                   `json:"name" yaml:"name"`
		Command     string                   `json:"command" yaml:"command"`
		Policy      matrixfile.FailurePolicy `json:"policy" yaml:"policy"`
		Status      Status                   `json:"status" yaml:"status"`
		ExitCode    int                      `json:"exit_code" yaml:"exit_code"`
		Stdout      string                   `json:"stdout,omitempty" yaml:"stdout,omitempty"`
		Stderr      string                   `json:"stderr,omitempty" yaml:"stderr,omitempty"`
		StartedAt   time.Time                `json:"started_at" yaml:"started_at"`
		Duration    time.Duration            `json:"duration_ns" yaml:"duration"`
		Reason      string                   `json:"reason,omitempty" yaml:"reason,omitempty"`
	}
)

// ID identifies the step within its environment: <phase>[<index>]:<name>.
func (r StepResult) ID() string {
	return fmt.Sprintf("%s[%d]:%s", r.Phase, r.Index, r.Name)
}

// Passed reports whether the step ran and succeeded.
func (r StepResult) Passed() bool { return r.Status == StatusPassed }

// Failed reports whether the step ran and did not succeed.
func (r StepResult) Failed() bool {
	switch r.Status {
	case StatusFailed, StatusErrored, StatusCancelled:
		return true
	default:
		return false
	}
}

// Aborts reports whether the result stops the remaining steps of its phase.
func (r StepResult) Aborts() bool {
	return r.Failed() && r.Policy == matrixfile.PolicyFatal
}

// IsValid reports whether s is a known status.
func (s Status) IsValid() bool {
	switch s {
	case StatusPassed, StatusFailed, StatusSkipped, StatusCancelled, StatusErrored:
		return true
	default:
		return false
	}
}
