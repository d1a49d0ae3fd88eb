// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"maps"
	"os"
	"path"
	"slices"
	"time"

	"github.com/charmbracelet/log"
	"github.com/zeebo/blake3"

	"github.com/envmatrix/envmatrix/internal/container"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	// BuiltImagePrefix names images built from a Containerfile.
	BuiltImagePrefix = "envmatrix/"

	// DefaultContainerWorkDir is used when the environment declares no workdir.
	DefaultContainerWorkDir = "/workspace"

	// livenessTimeout bounds the check made after a failed exec.
	livenessTimeout = 10 * time.Second
)

type (
	// ContainerRuntime runs every environment in its own long-lived container.
	ContainerRuntime struct {
		engine container.Engine
		logger *log.Logger
		// BuildOutput receives image build logs. Discarded when nil.
		BuildOutput io.Writer
	}

	containerInstance struct {
		env     string
		id      string
		workDir string
		engine  container.Engine
		logger  *log.Logger
	}
)

// NewContainerRuntime creates the container runtime. A nil engine yields a
// runtime that reports itself unavailable.
func NewContainerRuntime(engine container.Engine, logger *log.Logger) *ContainerRuntime {
	return &ContainerRuntime{engine: engine, logger: loggerOrDiscard(logger)}
}

// Name returns the runtime name.
func (r *ContainerRuntime) Name() string { return string(matrixfile.RuntimeContainer) }

// Available reports whether a container engine answers.
func (r *ContainerRuntime) Available() bool {
	return r.engine != nil && r.engine.Available()
}

// Validate checks that the environment names an image and that its mounts parse.
func (r *ContainerRuntime) Validate(env *matrixfile.Environment) error {
	if env.Image == "" && env.Build == nil {
		return fmt.Errorf("environment %s: container runtime requires an image or a build", env.Name)
	}
	var errs []error
	for _, m := range env.Mounts {
		if _, err := container.ParseVolumeMount(m); err != nil {
			errs = append(errs, fmt.Errorf("environment %s: %w", env.Name, err))
		}
	}
	return errors.Join(errs...)
}

// PrepareImage makes the environment image available locally. Built images
// are tagged with a hash of their Containerfile and build args and reused
// while those stay unchanged.
func (r *ContainerRuntime) PrepareImage(ctx context.Context, req StartRequest) (string, error) {
	if r.engine == nil {
		return "", r.unavailable()
	}
	env := req.Environment
	if env.Build != nil {
		return r.buildImage(ctx, req)
	}

	exists, err := r.engine.ImageExists(ctx, env.Image)
	if err != nil {
		return "", fmt.Errorf("check image %s: %w", env.Image, err)
	}
	if exists {
		r.logger.Debug("image present", "env", env.Name, "image", env.Image)
		return env.Image, nil
	}
	r.logger.Info("pulling image", "env", env.Name, "image", env.Image)
	if err := r.engine.Pull(ctx, env.Image); err != nil {
		return "", err
	}
	return env.Image, nil
}

func (r *ContainerRuntime) buildImage(ctx context.Context, req StartRequest) (string, error) {
	env := req.Environment
	contextDir := env.Build.Context
	if contextDir == "" {
		contextDir = "."
	}
	contextDir, err := resolvePath(req.BaseDir, contextDir)
	if err != nil {
		return "", fmt.Errorf("build context: %w", err)
	}
	containerfile, err := resolvePath(contextDir, env.Build.Containerfile)
	if err != nil {
		return "", fmt.Errorf("containerfile: %w", err)
	}
	content, err := os.ReadFile(containerfile)
	if err != nil {
		return "", fmt.Errorf("read containerfile: %w", err)
	}

	tag := BuiltImageTag(env.Name, content, env.Build.Args)
	exists, err := r.engine.ImageExists(ctx, tag)
	if err != nil {
		return "", fmt.Errorf("check image %s: %w", tag, err)
	}
	if exists {
		r.logger.Debug("reusing built image", "env", env.Name, "image", tag)
		return tag, nil
	}

	r.logger.Info("building image", "env", env.Name, "image", tag)
	opts := container.BuildOptions{
		ContextDir:    contextDir,
		Containerfile: containerfile,
		Tag:           tag,
		BuildArgs:     env.Build.Args,
	}
	if r.BuildOutput != nil {
		opts.Stdout = r.BuildOutput
		opts.Stderr = r.BuildOutput
	}
	if err := r.engine.Build(ctx, opts); err != nil {
		return "", err
	}
	return tag, nil
}

// BuiltImageTag derives the tag of an image built for env.
func BuiltImageTag(env string, containerfile []byte, args map[string]string) string {
	h := blake3.New()
	_, _ = h.Write(containerfile)
	for _, k := range slices.Sorted(maps.Keys(args)) {
		_, _ = fmt.Fprintf(h, "\x00%s=%s", k, args[k])
	}
	sum := h.Sum(nil)
	return BuiltImagePrefix + env + ":" + hex.EncodeToString(sum[:8])
}

// Start launches the environment container with a keep-alive command.
func (r *ContainerRuntime) Start(ctx context.Context, req StartRequest) (Instance, error) {
	if r.engine == nil {
		return nil, r.unavailable()
	}
	env := req.Environment
	image := req.Image
	if image == "" {
		image = env.Image
	}

	volumes, err := resolveMounts(env.Mounts, req.BaseDir)
	if err != nil {
		return nil, err
	}
	workDir := env.WorkDir
	if workDir == "" {
		workDir = DefaultContainerWorkDir
	}

	name := "envmatrix-" + env.Name
	if req.RunID != "" {
		name += "-" + shortID(req.RunID)
	}
	id, err := r.engine.Start(ctx, container.StartOptions{
		Image:   image,
		Name:    name,
		WorkDir: workDir,
		Env:     req.Env,
		Volumes: volumes,
		Labels: map[string]string{
			container.LabelManaged:     "true",
			container.LabelEnvironment: env.Name,
		},
	})
	if err != nil {
		return nil, err
	}
	r.logger.Debug("container started", "env", env.Name, "id", shortID(id), "image", image)
	return &containerInstance{env: env.Name, id: id, workDir: workDir, engine: r.engine, logger: r.logger}, nil
}

func (r *ContainerRuntime) unavailable() error {
	return &container.EngineNotAvailableError{Engine: "container", Reason: "no docker or podman engine found"}
}

// resolveMounts makes host paths absolute, anchoring relative ones at baseDir.
func resolveMounts(mounts []string, baseDir string) ([]string, error) {
	out := make([]string, 0, len(mounts))
	for _, m := range mounts {
		vm, err := container.ParseVolumeMount(m)
		if err != nil {
			return nil, err
		}
		if vm.HostPath, err = resolvePath(baseDir, vm.HostPath); err != nil {
			return nil, fmt.Errorf("mount %s: %w", m, err)
		}
		out = append(out, container.FormatVolumeMount(vm))
	}
	return out, nil
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

func (i *containerInstance) ID() string      { return i.id }
func (i *containerInstance) WorkDir() string { return i.workDir }

// Exec runs the script with `sh -c` inside the container. A non-zero exit of
// a container that is no longer running is reported as an infrastructure fault.
func (i *containerInstance) Exec(ctx context.Context, c Command) *Result {
	dir := c.WorkDir
	if dir != "" && !path.IsAbs(dir) {
		dir = path.Join(i.workDir, dir)
	}
	stdout := newCapture(c.Stdout)
	stderr := newCapture(c.Stderr)

	res, err := i.engine.Exec(ctx, i.id, []string{"sh", "-c", c.Script}, container.ExecOptions{
		WorkDir: dir,
		Env:     c.Env,
		TTY:     c.TTY,
		Stdout:  stdout,
		Stderr:  stderr,
	})
	result := &Result{Output: stdout.String(), ErrOutput: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		result.Error = ctxErr
		return result
	}
	if err == nil && res.Error != nil {
		err = res.Error
	}
	if err != nil {
		result.ExitCode = -1
		result.Error = infraError(i.env, "exec", err)
		return result
	}

	result.ExitCode = ExitCode(res.ExitCode)
	if result.ExitCode.IsSuccess() {
		return result
	}

	checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), livenessTimeout)
	defer cancel()
	running, err := i.engine.Running(checkCtx, i.id)
	if err == nil && !running {
		result.ExitCode = -1
		result.Error = infraError(i.env, "exec", fmt.Errorf("container %s is no longer running", shortID(i.id)))
	}
	return result
}

// Destroy force-removes the container.
func (i *containerInstance) Destroy(ctx context.Context) error {
	if err := i.engine.Remove(ctx, i.id); err != nil {
		return fmt.Errorf("remove container %s: %w", shortID(i.id), err)
	}
	i.logger.Debug("container removed", "env", i.env, "id", shortID(i.id))
	return nil
}
