// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"maps"
	"slices"
	"sync"
	"sync/atomic"
)

// ExecutionContext is the realized, isolated runtime of one environment.
// It is owned by the pipeline that created it. Release destroys the
// underlying instance exactly once, however many times it is called.
type ExecutionContext struct {
	environment  string
	instance     Instance
	env          map[string]string
	capabilities []string

	released     atomic.Bool
	releaseOnce  sync.Once
	releaseErr   error
	releaseCount atomic.Int32
}

// NewExecutionContext wraps a started instance. env holds the variables every
// step of the environment receives; capabilities are the tags the
// environment provides to step requirements.
func NewExecutionContext(environment string, instance Instance, env map[string]string, capabilities []string) *ExecutionContext {
	return &ExecutionContext{
		environment:  environment,
		instance:     instance,
		env:          maps.Clone(env),
		capabilities: slices.Clone(capabilities),
	}
}

// Environment returns the environment name.
func (c *ExecutionContext) Environment() string { return c.environment }

// InstanceID returns the ID of the underlying instance.
func (c *ExecutionContext) InstanceID() string { return c.instance.ID() }

// WorkDir returns the default working directory of steps.
func (c *ExecutionContext) WorkDir() string { return c.instance.WorkDir() }

// Provides reports whether the environment offers the capability tag.
func (c *ExecutionContext) Provides(tag string) bool { return slices.Contains(c.capabilities, tag) }

// Env returns a copy of the environment-level variables.
func (c *ExecutionContext) Env() map[string]string { return maps.Clone(c.env) }

// Exec runs cmd with the context environment merged under cmd.Env.
// After Release, it returns an InfrastructureError wrapping ErrContextReleased.
func (c *ExecutionContext) Exec(ctx context.Context, cmd Command) *Result {
	if c.released.Load() {
		return &Result{ExitCode: -1, Error: infraError(c.environment, "exec", ErrContextReleased)}
	}
	cmd.Env = MergeEnv(c.env, cmd.Env)
	return c.instance.Exec(ctx, cmd)
}

// Release destroys the instance. Only the first call has an effect; later
// calls return the first result.
func (c *ExecutionContext) Release(ctx context.Context) error {
	c.releaseOnce.Do(func() {
		c.released.Store(true)
		c.releaseCount.Add(1)
		c.releaseErr = c.instance.Destroy(ctx)
	})
	return c.releaseErr
}

// Released reports whether Release has been called.
func (c *ExecutionContext) Released() bool { return c.released.Load() }

// ReleaseCount returns how many times the instance was destroyed (0 or 1).
func (c *ExecutionContext) ReleaseCount() int { return int(c.releaseCount.Load()) }
