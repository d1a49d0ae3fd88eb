// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"path/filepath"
	"slices"
	"strings"
	"time"
)

const (
	// RuntimeContainer runs steps inside a long-lived container (default).
	RuntimeContainer RuntimeMode = "container"
	// RuntimeNative runs steps with the host shell in a scratch directory.
	RuntimeNative RuntimeMode = "native"
	// RuntimeVirtual runs steps with the embedded mvdan/sh interpreter.
	RuntimeVirtual RuntimeMode = "virtual"

	// PolicyFatal aborts the remaining steps of the environment when the step fails.
	PolicyFatal FailurePolicy = "fatal"
	// PolicyContinue records the failure and moves on to the next step.
	PolicyContinue FailurePolicy = "continue"

	// PhaseSetup steps prepare the execution context (install the package).
	PhaseSetup Phase = "setup"
	// PhaseTest steps are the required tier.
	PhaseTest Phase = "test"
	// PhaseOptional steps exercise extended dependencies and only run on request.
	PhaseOptional Phase = "optional"
)

type (
	// RuntimeMode selects the substrate an environment is realized on.
	RuntimeMode string

	// FailurePolicy decides what a failing step does to the rest of its pipeline.
	FailurePolicy string

	// Phase identifies one of the three step lists of an environment.
	Phase string

	// Step is a single shell-level unit of work.
	Step struct {
		// Name is a display label. Defaults to the first line of Run.
		Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
		// Run is the shell script executed for this step (required).
		Run string `json:"run" yaml:"run" toml:"run"`
		// WorkDir overrides the environment working directory for this step.
		WorkDir string `json:"workdir,omitempty" yaml:"workdir,omitempty" toml:"workdir,omitempty"`
		// OnFailure is "fatal" or "continue". Empty uses the phase default.
		OnFailure FailurePolicy `json:"on_failure,omitempty" yaml:"on_failure,omitempty" toml:"on_failure,omitempty"`
		// Env is merged over the environment variables of the environment.
		Env map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
		// TTY allocates a pseudo-terminal for the step (native and container runtimes).
		TTY bool `json:"tty,omitempty" yaml:"tty,omitempty" toml:"tty,omitempty"`
		// Timeout bounds this step alone, as a Go duration string.
		Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
		// Requires lists capability tags the environment must provide for the step to run.
		Requires []string `json:"requires,omitempty" yaml:"requires,omitempty" toml:"requires,omitempty"`
	}

	// BuildSpec derives the environment image from a Containerfile before provisioning.
	BuildSpec struct {
		Containerfile string            `json:"containerfile" yaml:"containerfile" toml:"containerfile"`
		Context       string            `json:"context,omitempty" yaml:"context,omitempty" toml:"context,omitempty"`
		Args          map[string]string `json:"args,omitempty" yaml:"args,omitempty" toml:"args,omitempty"`
	}

	// Environment is the declarative descriptor of one named environment.
	Environment struct {
		Name         string            `json:"name" yaml:"name" toml:"name"`
		Runtime      RuntimeMode       `json:"runtime,omitempty" yaml:"runtime,omitempty" toml:"runtime,omitempty"`
		Image        string            `json:"image,omitempty" yaml:"image,omitempty" toml:"image,omitempty"`
		WorkDir      string            `json:"workdir,omitempty" yaml:"workdir,omitempty" toml:"workdir,omitempty"`
		Mounts       []string          `json:"mounts,omitempty" yaml:"mounts,omitempty" toml:"mounts,omitempty"`
		Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`
		Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
		Timeout      string            `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
		Build        *BuildSpec        `json:"build,omitempty" yaml:"build,omitempty" toml:"build,omitempty"`
		// Extends names another environment whose fields fill in the ones left empty here.
		Extends string `json:"extends,omitempty" yaml:"extends,omitempty" toml:"extends,omitempty"`
		// Abstract environments only serve as an extends base and are never run.
		Abstract bool   `json:"abstract,omitempty" yaml:"abstract,omitempty" toml:"abstract,omitempty"`
		Setup    []Step `json:"setup,omitempty" yaml:"setup,omitempty" toml:"setup,omitempty"`
		Test     []Step `json:"test,omitempty" yaml:"test,omitempty" toml:"test,omitempty"`
		Optional []Step `json:"optional,omitempty" yaml:"optional,omitempty" toml:"optional,omitempty"`
	}

	// Settings are matrix-wide execution defaults. Nil fields defer to the tool config.
	Settings struct {
		Concurrency      *int   `json:"concurrency,omitempty" yaml:"concurrency,omitempty" toml:"concurrency,omitempty"`
		Timeout          string `json:"timeout,omitempty" yaml:"timeout,omitempty" toml:"timeout,omitempty"`
		GracePeriod      string `json:"grace_period,omitempty" yaml:"grace_period,omitempty" toml:"grace_period,omitempty"`
		ProvisionRetries *int   `json:"provision_retries,omitempty" yaml:"provision_retries,omitempty" toml:"provision_retries,omitempty"`
		StrictOptional   *bool  `json:"strict_optional,omitempty" yaml:"strict_optional,omitempty" toml:"strict_optional,omitempty"`
		IncludeOptional  *bool  `json:"include_optional,omitempty" yaml:"include_optional,omitempty" toml:"include_optional,omitempty"`
		FailFast         *bool  `json:"fail_fast,omitempty" yaml:"fail_fast,omitempty" toml:"fail_fast,omitempty"`
	}

	// Matrix is a fully loaded matrix definition.
	Matrix struct {
		Name string `json:"name,omitempty" yaml:"name,omitempty" toml:"name,omitempty"`
		// Capabilities declares the known capability tags. When empty, the
		// union of all environment capabilities is the known set.
		Capabilities []string          `json:"capabilities,omitempty" yaml:"capabilities,omitempty" toml:"capabilities,omitempty"`
		Env          map[string]string `json:"env,omitempty" yaml:"env,omitempty" toml:"env,omitempty"`
		Settings     Settings          `json:"settings,omitzero" yaml:"settings,omitempty" toml:"settings,omitempty"`
		Environments []Environment     `json:"environments" yaml:"environments" toml:"environments"`

		// FilePath is the file the matrix was loaded from, if any.
		FilePath string `json:"-" yaml:"-" toml:"-"`
	}
)

// String returns the runtime name.
func (m RuntimeMode) String() string { return string(m) }

// IsValid reports whether m names a known runtime.
func (m RuntimeMode) IsValid() bool {
	switch m {
	case RuntimeContainer, RuntimeNative, RuntimeVirtual:
		return true
	default:
		return false
	}
}

// IsValid reports whether p names a known failure policy.
func (p FailurePolicy) IsValid() bool {
	return p == PolicyFatal || p == PolicyContinue
}

// DefaultPolicy returns the failure policy used by steps of the phase that do not set one.
func (p Phase) DefaultPolicy() FailurePolicy {
	if p == PhaseOptional {
		return PolicyContinue
	}
	return PolicyFatal
}

// Policy returns the effective failure policy of the step in the given phase.
func (s Step) Policy(phase Phase) FailurePolicy {
	if s.OnFailure != "" {
		return s.OnFailure
	}
	return phase.DefaultPolicy()
}

// DisplayName returns Name, or the first line of Run when no name is set.
func (s Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	line, _, _ := strings.Cut(strings.TrimSpace(s.Run), "\n")
	const maxLen = 60
	if len(line) > maxLen {
		line = line[:maxLen-3] + "..."
	}
	return line
}

// TimeoutDuration returns the step timeout, or 0 when none is set.
func (s Step) TimeoutDuration() time.Duration {
	d, _ := parseDuration("timeout", s.Timeout)
	return d
}

// Steps returns the step list of the given phase.
func (e *Environment) Steps(phase Phase) []Step {
	switch phase {
	case PhaseSetup:
		return e.Setup
	case PhaseTest:
		return e.Test
	case PhaseOptional:
		return e.Optional
	default:
		return nil
	}
}

// Provides reports whether the environment carries the capability tag.
func (e *Environment) Provides(tag string) bool {
	return slices.Contains(e.Capabilities, tag)
}

// MissingCapabilities returns the tags required by step that the environment lacks.
func (e *Environment) MissingCapabilities(step Step) []string {
	var missing []string
	for _, tag := range step.Requires {
		if !e.Provides(tag) {
			missing = append(missing, tag)
		}
	}
	return missing
}

// TimeoutDuration returns the per-environment timeout, or 0 when none is set.
func (e *Environment) TimeoutDuration() time.Duration {
	d, _ := parseDuration("timeout", e.Timeout)
	return d
}

// Dir returns the directory relative paths in the matrix are resolved against.
func (m *Matrix) Dir() string {
	if m.FilePath == "" {
		return "."
	}
	return filepath.Dir(m.FilePath)
}

// Environment returns the environment with the given name.
func (m *Matrix) Environment(name string) (*Environment, bool) {
	for i := range m.Environments {
		if m.Environments[i].Name == name {
			return &m.Environments[i], true
		}
	}
	return nil, false
}

// Runnable returns the non-abstract environments in declaration order.
func (m *Matrix) Runnable() []Environment {
	out := make([]Environment, 0, len(m.Environments))
	for _, env := range m.Environments {
		if !env.Abstract {
			out = append(out, env)
		}
	}
	return out
}
