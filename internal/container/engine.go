// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const (
	EngineTypePodman EngineType = "podman"
	EngineTypeDocker EngineType = "docker"

	// LabelManaged marks containers started by envmatrix.
	LabelManaged = "io.envmatrix.managed"
	// LabelEnvironment records the environment a container belongs to.
	LabelEnvironment = "io.envmatrix.environment"
)

// ErrEngineNotAvailable is wrapped by EngineNotAvailableError.
var ErrEngineNotAvailable = errors.New("container engine not available")

type (
	// EngineType identifies the container engine type.
	EngineType string

	// Engine is the set of container operations the container runtime needs.
	Engine interface {
		// Name returns the engine name (docker or podman).
		Name() string
		// Available reports whether the engine binary is installed and answering.
		Available() bool
		// Version returns the engine server version.
		Version(ctx context.Context) (string, error)

		// ImageExists reports whether the image is present locally.
		ImageExists(ctx context.Context, image string) (bool, error)
		// Pull fetches an image from its registry.
		Pull(ctx context.Context, image string) error
		// Build builds an image from a Containerfile.
		Build(ctx context.Context, opts BuildOptions) error

		// Start launches a detached container and returns its ID.
		Start(ctx context.Context, opts StartOptions) (string, error)
		// Exec runs a command in a running container. A non-zero exit status is
		// reported in ExecResult.ExitCode, not as an error.
		Exec(ctx context.Context, containerID string, command []string, opts ExecOptions) (*ExecResult, error)
		// Running reports whether the container exists and is running.
		Running(ctx context.Context, containerID string) (bool, error)
		// Remove force-removes a container.
		Remove(ctx context.Context, containerID string) error
	}

	// BuildOptions contains options for building an image.
	BuildOptions struct {
		// ContextDir is the build context directory.
		ContextDir string
		// Containerfile is the path to the Containerfile, relative to ContextDir.
		Containerfile string
		// Tag is the image tag.
		Tag string
		// BuildArgs are build-time variables.
		BuildArgs map[string]string
		Stdout    io.Writer
		Stderr    io.Writer
	}

	// StartOptions describes the long-lived container of one environment.
	StartOptions struct {
		Image   string
		Name    string
		WorkDir string
		Env     map[string]string
		// Volumes are mounts in "host:container[:options]" format.
		Volumes []string
		Labels  map[string]string
		// Command keeps the container alive. Defaults to KeepAliveCommand.
		Command []string
	}

	// ExecOptions configures one command run inside a container.
	ExecOptions struct {
		WorkDir string
		Env     map[string]string
		TTY     bool
		Stdout  io.Writer
		Stderr  io.Writer
	}

	// ExecResult contains the outcome of Exec.
	ExecResult struct {
		ContainerID string
		ExitCode    int
		// Error is set when the engine could not run the command at all.
		Error error
	}

	// EngineNotAvailableError is returned when no usable engine is found.
	EngineNotAvailableError struct {
		Engine string
		Reason string
	}
)

// KeepAliveCommand is the default command of environment containers.
var KeepAliveCommand = []string{"sleep", "infinity"}

func (e *EngineNotAvailableError) Error() string {
	return fmt.Sprintf("container engine '%s' is not available: %s", e.Engine, e.Reason)
}

// Unwrap returns ErrEngineNotAvailable for errors.Is.
func (e *EngineNotAvailableError) Unwrap() error { return ErrEngineNotAvailable }

// NewEngine returns the preferred engine, falling back to the other one.
// An empty preference auto-detects, trying Podman first.
func NewEngine(preferred EngineType, opts ...BaseCLIEngineOption) (Engine, error) {
	podman := func() Engine { return NewPodmanEngine(opts...) }
	docker := func() Engine { return NewDockerEngine(opts...) }

	var order []func() Engine
	switch preferred {
	case EngineTypePodman, "":
		order = []func() Engine{podman, docker}
	case EngineTypeDocker:
		order = []func() Engine{docker, podman}
	default:
		return nil, fmt.Errorf("unknown container engine type: %s", preferred)
	}

	for _, candidate := range order {
		if engine := candidate(); engine.Available() {
			return engine, nil
		}
	}

	name := string(preferred)
	if name == "" {
		name = "any"
	}
	return nil, &EngineNotAvailableError{
		Engine: name,
		Reason: "neither podman nor docker is installed or accessible",
	}
}
