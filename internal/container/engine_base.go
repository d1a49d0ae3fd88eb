// SPDX-License-Identifier: MPL-2.0

package container

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"maps"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/envmatrix/envmatrix/internal/issue"
)

// execWaitDelay bounds how long a cancelled engine CLI may keep its pipes open.
const execWaitDelay = 5 * time.Second

type (
	// ExecCommandFunc creates the exec.Cmd for an engine invocation.
	// Tests inject a TestHelperProcess-backed implementation.
	ExecCommandFunc func(ctx context.Context, name string, arg ...string) *exec.Cmd

	// VolumeFormatFunc renders a parsed mount for the -v flag.
	VolumeFormatFunc func(mount VolumeMount) string

	// BaseCLIEngineOption configures a BaseCLIEngine.
	BaseCLIEngineOption func(*BaseCLIEngine)

	// BaseCLIEngine implements the operations shared by the Docker and Podman CLIs.
	BaseCLIEngine struct {
		name            string
		binaryPath      string
		execCommand     ExecCommandFunc
		volumeFormatter VolumeFormatFunc
	}
)

// WithName sets the engine name used in error messages.
func WithName(name string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.name = name }
}

// WithExecCommand sets a custom exec command function for testing.
func WithExecCommand(fn ExecCommandFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.execCommand = fn }
}

// WithBinaryPath overrides the engine binary found on PATH.
func WithBinaryPath(path string) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.binaryPath = path }
}

// WithVolumeFormatter sets the mount formatter (Podman adds SELinux labels).
func WithVolumeFormatter(fn VolumeFormatFunc) BaseCLIEngineOption {
	return func(e *BaseCLIEngine) { e.volumeFormatter = fn }
}

// NewBaseCLIEngine creates a base engine for the given binary.
func NewBaseCLIEngine(binaryPath string, opts ...BaseCLIEngineOption) *BaseCLIEngine {
	e := &BaseCLIEngine{
		binaryPath:      binaryPath,
		execCommand:     exec.CommandContext,
		volumeFormatter: FormatVolumeMount,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryPath returns the path to the engine binary, empty when not installed.
func (e *BaseCLIEngine) BinaryPath() string {
	return e.binaryPath
}

// BuildArgs constructs: build [-f file] [-t tag] [--build-arg k=v]... <context>
func (e *BaseCLIEngine) BuildArgs(opts BuildOptions) []string {
	args := []string{"build"}

	if opts.Containerfile != "" {
		path := opts.Containerfile
		if !filepath.IsAbs(path) && opts.ContextDir != "" {
			path = filepath.Join(opts.ContextDir, path)
		}
		args = append(args, "-f", path)
	}
	if opts.Tag != "" {
		args = append(args, "-t", opts.Tag)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.BuildArgs)) {
		args = append(args, "--build-arg", k+"="+opts.BuildArgs[k])
	}

	contextDir := opts.ContextDir
	if contextDir == "" {
		contextDir = "."
	}
	return append(args, contextDir)
}

// StartArgs constructs: run -d [--name n] [--label k=v]... [-w dir] [-e k=v]... [-v m]... <image> <command...>
func (e *BaseCLIEngine) StartArgs(opts StartOptions) ([]string, error) {
	args := []string{"run", "-d"}

	if opts.Name != "" {
		args = append(args, "--name", opts.Name)
	}
	for _, k := range slices.Sorted(maps.Keys(opts.Labels)) {
		args = append(args, "--label", k+"="+opts.Labels[k])
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = appendEnvArgs(args, opts.Env)
	for _, v := range opts.Volumes {
		mount, err := ParseVolumeMount(v)
		if err != nil {
			return nil, err
		}
		args = append(args, "-v", e.volumeFormatter(mount))
	}

	args = append(args, opts.Image)
	command := opts.Command
	if len(command) == 0 {
		command = KeepAliveCommand
	}
	return append(args, command...), nil
}

// ExecArgs constructs: exec [-t] [-w dir] [-e k=v]... <container> <command...>
func (e *BaseCLIEngine) ExecArgs(containerID string, command []string, opts ExecOptions) []string {
	args := []string{"exec"}

	if opts.TTY {
		args = append(args, "-t")
	}
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = appendEnvArgs(args, opts.Env)

	args = append(args, containerID)
	return append(args, command...)
}

func appendEnvArgs(args []string, env map[string]string) []string {
	for _, k := range slices.Sorted(maps.Keys(env)) {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// CreateCommand creates an exec.Cmd for the given engine arguments.
func (e *BaseCLIEngine) CreateCommand(ctx context.Context, args ...string) *exec.Cmd {
	cmd := e.execCommand(ctx, e.binaryPath, args...)
	cmd.WaitDelay = execWaitDelay
	return cmd
}

// RunCommandStatus executes a command and returns only the error status.
// Stderr of the engine is folded into the returned error.
func (e *BaseCLIEngine) RunCommandStatus(ctx context.Context, args ...string) error {
	_, err := e.RunCommandWithOutput(ctx, args...)
	return err
}

// RunCommandWithOutput executes a command and returns its stdout.
func (e *BaseCLIEngine) RunCommandWithOutput(ctx context.Context, args ...string) (string, error) {
	cmd := e.CreateCommand(ctx, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return "", fmt.Errorf("command %s %s failed: %w", e.name, args[0], err)
		}
		return "", fmt.Errorf("command %s %s failed: %s: %w", e.name, args[0], msg, err)
	}
	return stdout.String(), nil
}

// Pull fetches an image.
func (e *BaseCLIEngine) Pull(ctx context.Context, image string) error {
	if err := e.RunCommandStatus(ctx, "pull", image); err != nil {
		return pullImageError(e.name, image, err)
	}
	return nil
}

// Build builds an image from a Containerfile.
func (e *BaseCLIEngine) Build(ctx context.Context, opts BuildOptions) error {
	cmd := e.CreateCommand(ctx, e.BuildArgs(opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	if err := cmd.Run(); err != nil {
		return buildImageError(e.name, opts, err)
	}
	return nil
}

// Start launches a detached container and returns its ID.
func (e *BaseCLIEngine) Start(ctx context.Context, opts StartOptions) (string, error) {
	args, err := e.StartArgs(opts)
	if err != nil {
		return "", err
	}
	out, err := e.RunCommandWithOutput(ctx, args...)
	if err != nil {
		return "", startContainerError(e.name, opts, err)
	}
	id := strings.TrimSpace(out)
	if id == "" {
		return "", fmt.Errorf("%s run returned no container id", e.name)
	}
	return id, nil
}

// Exec runs a command in a running container.
func (e *BaseCLIEngine) Exec(ctx context.Context, containerID string, command []string, opts ExecOptions) (*ExecResult, error) {
	cmd := e.CreateCommand(ctx, e.ExecArgs(containerID, command, opts)...)
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr

	result := &ExecResult{ContainerID: containerID}
	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
			result.Error = err
		}
	}
	return result, nil
}

// Running reports whether the container exists and is running.
func (e *BaseCLIEngine) Running(ctx context.Context, containerID string) (bool, error) {
	out, err := e.RunCommandWithOutput(ctx, "container", "inspect", "--format", "{{.State.Running}}", containerID)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		// inspect fails for unknown containers
		return false, nil
	}
	return strings.TrimSpace(out) == "true", nil
}

// Remove force-removes a container.
func (e *BaseCLIEngine) Remove(ctx context.Context, containerID string) error {
	return e.RunCommandStatus(ctx, "rm", "-f", containerID)
}

func pullImageError(engine, image string, cause error) error {
	return issue.NewErrorContext().
		WithOperation("pull image").
		WithResource(image).
		WithIssue(issue.ImageUnavailableId).
		WithSuggestions(
			"Check the image reference for typos",
			"Log in to the registry (try: "+engine+" login <registry>)",
		).
		Wrap(cause).
		BuildError()
}

func buildImageError(engine string, opts BuildOptions, cause error) error {
	ctx := issue.NewErrorContext().
		WithOperation("build container image").
		WithIssue(issue.ImageUnavailableId)

	switch {
	case opts.Containerfile != "":
		ctx.WithResource(opts.Containerfile)
	case opts.Tag != "":
		ctx.WithResource(opts.Tag)
	}

	return ctx.WithSuggestions(
		"Check Containerfile syntax for errors",
		"Verify the build context path exists and is accessible",
		"Ensure base images are available (try: "+engine+" pull <base-image>)",
	).Wrap(cause).BuildError()
}

func startContainerError(engine string, opts StartOptions, cause error) error {
	return issue.NewErrorContext().
		WithOperation("start container").
		WithResource(opts.Image).
		WithIssue(issue.ProvisionFailedId).
		WithSuggestions(
			"Verify the image exists (try: "+engine+" images)",
			"Check that mount paths exist on the host",
			"Make sure the image provides a 'sleep' binary, or override the keep-alive command",
		).
		Wrap(cause).
		BuildError()
}
