// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Validate checks the resolved matrix and returns a *ConfigError listing
// every problem, or nil.
func (m *Matrix) Validate() error {
	var errs []error
	add := func(err error) { errs = append(errs, err) }

	if len(m.Environments) == 0 {
		add(fieldErr("environments", "at least one environment is required"))
	}
	if m.Settings.Concurrency != nil && *m.Settings.Concurrency < 0 {
		add(fieldErr("settings.concurrency", "must be >= 0 (0 means unbounded)"))
	}
	if m.Settings.ProvisionRetries != nil && *m.Settings.ProvisionRetries < 0 {
		add(fieldErr("settings.provision_retries", "must be >= 0"))
	}
	if _, err := parseDuration("timeout", m.Settings.Timeout); err != nil {
		add(fieldErr("settings.timeout", "%v", err))
	}
	if _, err := parseDuration("grace_period", m.Settings.GracePeriod); err != nil {
		add(fieldErr("settings.grace_period", "%v", err))
	}

	known := m.knownCapabilities()
	seen := make(map[string]bool, len(m.Environments))
	runnable := 0
	for i := range m.Environments {
		env := &m.Environments[i]
		if env.Name == "" {
			add(fieldErr(fmt.Sprintf("environments[%d].name", i), "name is required"))
			continue
		}
		if seen[env.Name] {
			add(fieldErr(envField(env.Name, "name"), "duplicate environment name"))
			continue
		}
		seen[env.Name] = true
		if !env.Abstract {
			runnable++
		}
		errs = append(errs, validateEnvironment(env, known, len(m.Capabilities) > 0)...)
	}
	if len(m.Environments) > 0 && runnable == 0 {
		add(fieldErr("environments", "every environment is abstract; nothing to run"))
	}

	if len(errs) == 0 {
		return nil
	}
	return &ConfigError{Path: m.FilePath, Errs: errs}
}

func (m *Matrix) knownCapabilities() []string {
	if len(m.Capabilities) > 0 {
		return m.Capabilities
	}
	var known []string
	for _, env := range m.Environments {
		for _, c := range env.Capabilities {
			if !slices.Contains(known, c) {
				known = append(known, c)
			}
		}
	}
	return known
}

func validateEnvironment(env *Environment, known []string, declared bool) []error {
	var errs []error
	add := func(field, format string, args ...any) {
		errs = append(errs, fieldErr(envField(env.Name, field), format, args...))
	}

	if !namePattern.MatchString(env.Name) {
		add("name", "must start with a letter or digit and contain only letters, digits, '.', '_' or '-'")
	}
	if env.Runtime != "" && !env.Runtime.IsValid() {
		add("runtime", "unknown runtime %q (expected container, native or virtual)", env.Runtime)
	}
	if _, err := parseDuration("timeout", env.Timeout); err != nil {
		add("timeout", "%v", err)
	}
	if declared {
		for _, c := range env.Capabilities {
			if !slices.Contains(known, c) {
				add("capabilities", "unknown capability tag %q", c)
			}
		}
	}
	for _, mount := range env.Mounts {
		if host, target, ok := strings.Cut(mount, ":"); !ok || host == "" || target == "" {
			add("mounts", "invalid mount %q (expected host:container)", mount)
		}
	}
	if env.Build != nil && env.Build.Containerfile == "" {
		add("build.containerfile", "containerfile is required")
	}

	if env.Abstract {
		return append(errs, validateSteps(env, known)...)
	}

	runtime := env.Runtime
	if runtime == "" {
		runtime = RuntimeContainer
	}
	if runtime == RuntimeContainer && env.Image == "" && env.Build == nil {
		add("image", "an image or build is required for the container runtime")
	}
	if runtime != RuntimeContainer && env.Build != nil {
		add("build", "build is only supported by the container runtime")
	}
	if len(env.Test) == 0 {
		add("test", "at least one test step is required")
	}
	return append(errs, validateSteps(env, known)...)
}

func validateSteps(env *Environment, known []string) []error {
	var errs []error
	for _, phase := range []Phase{PhaseSetup, PhaseTest, PhaseOptional} {
		for i, step := range env.Steps(phase) {
			field := fmt.Sprintf("%s[%d]", phase, i)
			add := func(sub, format string, args ...any) {
				errs = append(errs, fieldErr(envField(env.Name, field+"."+sub), format, args...))
			}
			if strings.TrimSpace(step.Run) == "" {
				add("run", "command is required")
			}
			if step.OnFailure != "" && !step.OnFailure.IsValid() {
				add("on_failure", "unknown failure policy %q (expected fatal or continue)", step.OnFailure)
			}
			if _, err := parseDuration("timeout", step.Timeout); err != nil {
				add("timeout", "%v", err)
			}
			for _, tag := range step.Requires {
				if !slices.Contains(known, tag) {
					add("requires", "unknown capability tag %q", tag)
				}
			}
		}
	}
	return errs
}

func envField(name, field string) string {
	return fmt.Sprintf("environments[%s].%s", name, field)
}
