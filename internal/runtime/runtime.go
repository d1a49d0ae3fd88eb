// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

type (
	// Runtime realizes environments on one substrate.
	Runtime interface {
		// Name returns the runtime name.
		Name() string
		// Available reports whether the substrate can be used on this host.
		Available() bool
		// Validate checks that the environment can run on this runtime.
		Validate(env *matrixfile.Environment) error
		// Start creates the isolated instance for one environment.
		Start(ctx context.Context, req StartRequest) (Instance, error)
	}

	// ImagePreparer is implemented by runtimes that need an image before Start.
	ImagePreparer interface {
		// PrepareImage pulls or builds the environment image and returns its reference.
		PrepareImage(ctx context.Context, req StartRequest) (string, error)
	}

	// Instance is a started, isolated substrate for one environment.
	Instance interface {
		// ID identifies the instance (container ID, scratch directory).
		ID() string
		// WorkDir is the default working directory of steps.
		WorkDir() string
		// Exec runs one command. It never panics and always returns a Result.
		Exec(ctx context.Context, cmd Command) *Result
		// Destroy releases every resource held by the instance.
		Destroy(ctx context.Context) error
	}

	// StartRequest describes the instance to create.
	StartRequest struct {
		Environment *matrixfile.Environment
		// BaseDir resolves relative mount and build paths (the matrix file directory).
		BaseDir string
		// Image overrides Environment.Image (set after PrepareImage).
		Image string
		// Env is the environment-level variable set, already merged.
		Env map[string]string
		// RunID tags resources created for this run.
		RunID string
	}

	// Command is one shell step executed inside an Instance.
	Command struct {
		Script string
		// WorkDir is absolute, or relative to the instance working directory.
		WorkDir string
		Env     map[string]string
		TTY     bool
		// GracePeriod is the time between SIGTERM and SIGKILL on cancellation.
		GracePeriod time.Duration
		// Stdout and Stderr receive live output in addition to the captured copy.
		Stdout io.Writer
		Stderr io.Writer
	}

	// Result is the outcome of Exec. Error is nil when the command ran to
	// completion, whatever its exit code. It holds the context error on
	// cancellation and an *InfrastructureError when the substrate failed.
	Result struct {
		ExitCode  ExitCode
		Error     error
		Output    string
		ErrOutput string
	}

	// Registry maps runtime modes to implementations.
	Registry struct {
		runtimes map[matrixfile.RuntimeMode]Runtime
	}
)

// Success reports whether the command ran and exited zero.
func (r *Result) Success() bool {
	return r.Error == nil && r.ExitCode.IsSuccess()
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{runtimes: make(map[matrixfile.RuntimeMode]Runtime)}
}

// Register adds a runtime.
func (r *Registry) Register(mode matrixfile.RuntimeMode, rt Runtime) {
	r.runtimes[mode] = rt
}

// Get returns the runtime for mode, failing when it is missing or unavailable.
func (r *Registry) Get(mode matrixfile.RuntimeMode) (Runtime, error) {
	rt, ok := r.runtimes[mode]
	if !ok {
		return nil, fmt.Errorf("%w: %s (not registered)", ErrRuntimeNotAvailable, mode)
	}
	if !rt.Available() {
		return nil, fmt.Errorf("%w: %s", ErrRuntimeNotAvailable, mode)
	}
	return rt, nil
}

// Lookup returns the registered runtime without an availability check.
func (r *Registry) Lookup(mode matrixfile.RuntimeMode) (Runtime, bool) {
	rt, ok := r.runtimes[mode]
	return rt, ok
}

// loggerOrDiscard returns l, or a logger that drops everything when l is nil.
func loggerOrDiscard(l *log.Logger) *log.Logger {
	if l != nil {
		return l
	}
	return log.New(io.Discard)
}
