// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	goruntime "runtime"
	"strings"
)

// PodmanEngine implements Engine with the Podman CLI.
type PodmanEngine struct {
	*BaseCLIEngine
	lockPath string
}

// NewPodmanEngine creates a Podman engine. On Linux with SELinux enabled,
// bind mounts are labeled :z.
func NewPodmanEngine(opts ...BaseCLIEngineOption) *PodmanEngine {
	path, _ := exec.LookPath("podman")
	allOpts := append([]BaseCLIEngineOption{
		WithName(string(EngineTypePodman)),
		WithVolumeFormatter(selinuxVolumeFormatter(isSELinuxEnabled)),
	}, opts...)
	return &PodmanEngine{
		BaseCLIEngine: NewBaseCLIEngine(path, allOpts...),
		lockPath:      runLockPath(os.Getenv),
	}
}

// Name returns the engine name.
func (e *PodmanEngine) Name() string {
	return string(EngineTypePodman)
}

// Available checks that podman answers.
func (e *PodmanEngine) Available() bool {
	if e.BinaryPath() == "" {
		return false
	}
	_, err := e.Version(context.Background())
	return err == nil
}

// Version returns the Podman version.
func (e *PodmanEngine) Version(ctx context.Context) (string, error) {
	out, err := e.RunCommandWithOutput(ctx, "version", "--format", "{{.Version}}")
	if err != nil {
		return "", fmt.Errorf("failed to get podman version: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// ImageExists checks if an image is present locally.
func (e *PodmanEngine) ImageExists(ctx context.Context, image string) (bool, error) {
	if err := e.RunCommandStatus(ctx, "image", "exists", image); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, nil
	}
	return true, nil
}

// Start launches the container while holding the cross-process run lock.
// Concurrent rootless `podman run` calls race on ping_group_range setup.
func (e *PodmanEngine) Start(ctx context.Context, opts StartOptions) (string, error) {
	lock, err := acquireRunLock(ctx, e.lockPath)
	if err != nil {
		return "", err
	}
	defer lock.Release()
	return e.BaseCLIEngine.Start(ctx, opts)
}

func selinuxVolumeFormatter(enabled func() bool) VolumeFormatFunc {
	return func(mount VolumeMount) string {
		if mount.SELinux == SELinuxLabelNone && enabled() {
			mount.SELinux = SELinuxLabelShared
		}
		return FormatVolumeMount(mount)
	}
}

func isSELinuxEnabled() bool {
	if goruntime.GOOS != "linux" {
		return false
	}
	data, err := os.ReadFile("/sys/fs/selinux/enforce")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(data)) == "1"
}
