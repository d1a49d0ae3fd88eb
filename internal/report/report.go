// SPDX-License-Identifier: MPL-2.0

package report

import (
	"slices"
	"time"

	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	VerdictPending  Verdict = "pending"
	VerdictRunning  Verdict = "running"
	VerdictPassed   Verdict = "passed"
	VerdictFailed   Verdict = "failed"
	VerdictErrored  Verdict = "errored"
	VerdictTimedOut Verdict = "timed-out"
)

type (
	// Verdict is the overall outcome of one environment.
	Verdict string

	// EnvironmentReport is the section of the report owned by one environment.
	EnvironmentReport struct {
		Name        string                 `json:"name" yaml:"name"`
		Runtime     matrixfile.RuntimeMode `json:"runtime" yaml:"runtime"`
		Image       string                 `json:"image,omitempty" yaml:"image,omitempty"`
		Fingerprint string                 `json:"fingerprint" yaml:"fingerprint"`
		Verdict     Verdict                `json:"verdict" yaml:"verdict"`
		// Reason explains a verdict other than passed.
		Reason string `json:"reason,omitempty" yaml:"reason,omitempty"`
		// Details lists non-fatal problems, such as optional-tier failures.
		Details   []string             `json:"details,omitempty" yaml:"details,omitempty"`
		Steps     []steprun.StepResult `json:"steps" yaml:"steps"`
		StartedAt time.Time            `json:"started_at,omitzero" yaml:"started_at,omitempty"`
		Duration  time.Duration        `json:"duration_ns" yaml:"duration"`
	}

	// RunReport is the result of one matrix run.
	RunReport struct {
		RunID           string              `json:"run_id" yaml:"run_id"`
		Matrix          string              `json:"matrix" yaml:"matrix"`
		StartedAt       time.Time           `json:"started_at" yaml:"started_at"`
		FinishedAt      time.Time           `json:"finished_at,omitzero" yaml:"finished_at,omitempty"`
		IncludeOptional bool                `json:"include_optional" yaml:"include_optional"`
		StrictOptional  bool                `json:"strict_optional" yaml:"strict_optional"`
		Environments    []EnvironmentReport `json:"environments" yaml:"environments"`
	}
)

// IsFinal reports whether the verdict is a terminal one.
func (v Verdict) IsFinal() bool {
	switch v {
	case VerdictPassed, VerdictFailed, VerdictErrored, VerdictTimedOut:
		return true
	default:
		return false
	}
}

// Passed reports whether every environment passed.
func (r *RunReport) Passed() bool {
	for _, env := range r.Environments {
		if env.Verdict != VerdictPassed {
			return false
		}
	}
	return true
}

// ExitCode returns 0 when every environment passed and 1 otherwise.
func (r *RunReport) ExitCode() int {
	if r.Passed() {
		return 0
	}
	return 1
}

// Duration returns the wall-clock time of the run.
func (r *RunReport) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// Counts returns the number of environments per verdict.
func (r *RunReport) Counts() map[Verdict]int {
	counts := make(map[Verdict]int)
	for _, env := range r.Environments {
		counts[env.Verdict]++
	}
	return counts
}

// Environment returns the section of the named environment.
func (r *RunReport) Environment(name string) (*EnvironmentReport, bool) {
	i := slices.IndexFunc(r.Environments, func(e EnvironmentReport) bool { return e.Name == name })
	if i < 0 {
		return nil, false
	}
	return &r.Environments[i], true
}

// Clone returns a deep copy of the report.
func (r *RunReport) Clone() *RunReport {
	c := *r
	c.Environments = make([]EnvironmentReport, len(r.Environments))
	for i, env := range r.Environments {
		env.Details = slices.Clone(env.Details)
		env.Steps = slices.Clone(env.Steps)
		c.Environments[i] = env
	}
	return &c
}

// StepsIn returns the results of the given phase.
func (e *EnvironmentReport) StepsIn(phase matrixfile.Phase) []steprun.StepResult {
	var out []steprun.StepResult
	for _, s := range e.Steps {
		if s.Phase == phase {
			out = append(out, s)
		}
	}
	return out
}
