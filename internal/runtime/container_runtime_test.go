// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmatrix/envmatrix/internal/container"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// fakeEngine records calls and serves canned answers.
type fakeEngine struct {
	mu       sync.Mutex
	images   map[string]bool
	pulled   []string
	built    []container.BuildOptions
	started  []container.StartOptions
	removed  []string
	execs    [][]string
	exitCode int
	execErr  error
	running  bool
	startErr error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{images: map[string]bool{}, running: true}
}

func (f *fakeEngine) Name() string                            { return "fake" }
func (f *fakeEngine) Available() bool                         { return true }
func (f *fakeEngine) Version(context.Context) (string, error) { return "1.0", nil }

func (f *fakeEngine) ImageExists(_ context.Context, image string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[image], nil
}

func (f *fakeEngine) Pull(_ context.Context, image string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulled = append(f.pulled, image)
	f.images[image] = true
	return nil
}

func (f *fakeEngine) Build(_ context.Context, opts container.BuildOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.built = append(f.built, opts)
	f.images[opts.Tag] = true
	return nil
}

func (f *fakeEngine) Start(_ context.Context, opts container.StartOptions) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, opts)
	return fmt.Sprintf("c%039d", len(f.started)), nil
}

func (f *fakeEngine) Exec(_ context.Context, id string, command []string, opts container.ExecOptions) (*container.ExecResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, append([]string{opts.WorkDir}, command...))
	if opts.Stdout != nil {
		_, _ = fmt.Fprintf(opts.Stdout, "ran %s", command[len(command)-1])
	}
	return &container.ExecResult{ContainerID: id, ExitCode: f.exitCode, Error: f.execErr}, nil
}

func (f *fakeEngine) Running(context.Context, string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running, nil
}

func (f *fakeEngine) Remove(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return nil
}

func containerEnv() *matrixfile.Environment {
	return &matrixfile.Environment{
		Name:    "alpine",
		Runtime: matrixfile.RuntimeContainer,
		Image:   "alpine:3.20",
		Mounts:  []string{"src:/src:ro"},
	}
}

func TestContainerRuntime_PrepareImagePullsMissing(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	rt := NewContainerRuntime(engine, nil)
	req := StartRequest{Environment: containerEnv()}

	image, err := rt.PrepareImage(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, "alpine:3.20", image)
	assert.Equal(t, []string{"alpine:3.20"}, engine.pulled)

	_, err = rt.PrepareImage(t.Context(), req)
	require.NoError(t, err)
	assert.Len(t, engine.pulled, 1, "present images are not pulled again")
}

func TestContainerRuntime_PrepareImageBuildsOnce(t *testing.T) {
	t.Parallel()

	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "Containerfile"), []byte("FROM alpine\n"), 0o644))

	env := containerEnv()
	env.Image = ""
	env.Build = &matrixfile.BuildSpec{Containerfile: "Containerfile", Args: map[string]string{"V": "1"}}

	engine := newFakeEngine()
	rt := NewContainerRuntime(engine, nil)
	req := StartRequest{Environment: env, BaseDir: base}

	tag, err := rt.PrepareImage(t.Context(), req)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(tag, "envmatrix/alpine:"))
	require.Len(t, engine.built, 1)
	assert.Equal(t, base, engine.built[0].ContextDir)
	assert.Equal(t, filepath.Join(base, "Containerfile"), engine.built[0].Containerfile)

	again, err := rt.PrepareImage(t.Context(), req)
	require.NoError(t, err)
	assert.Equal(t, tag, again)
	assert.Len(t, engine.built, 1)
}

func TestContainerRuntime_RelativeBaseDir(t *testing.T) {
	// t.Chdir is incompatible with t.Parallel.
	root := t.TempDir()
	t.Chdir(root)
	require.NoError(t, os.MkdirAll(filepath.Join("ci", "src"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join("ci", "Containerfile"), []byte("FROM alpine\n"), 0o644))

	env := containerEnv()
	env.Image = ""
	env.Build = &matrixfile.BuildSpec{Containerfile: "Containerfile"}

	engine := newFakeEngine()
	rt := NewContainerRuntime(engine, nil)
	req := StartRequest{Environment: env, BaseDir: "ci", RunID: "run"}

	image, err := rt.PrepareImage(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, engine.built, 1)
	built := engine.built[0]
	require.True(t, filepath.IsAbs(built.ContextDir), "context %q", built.ContextDir)
	assert.Equal(t, "ci", filepath.Base(built.ContextDir))
	assert.Equal(t, filepath.Join(built.ContextDir, "Containerfile"), built.Containerfile)

	args := container.NewBaseCLIEngine("docker").BuildArgs(built)
	assert.Equal(t, []string{"build", "-f", built.Containerfile, "-t", image, built.ContextDir}, args)

	req.Image = image
	_, err = rt.Start(t.Context(), req)
	require.NoError(t, err)
	require.Len(t, engine.started, 1)
	require.Len(t, engine.started[0].Volumes, 1)
	host, _, _ := strings.Cut(engine.started[0].Volumes[0], ":")
	assert.True(t, filepath.IsAbs(host), "mount host path %q", host)
	assert.Equal(t, filepath.Join(built.ContextDir, "src"), host)
}

func TestBuiltImageTag(t *testing.T) {
	t.Parallel()

	a := BuiltImageTag("env", []byte("FROM a"), map[string]string{"X": "1", "Y": "2"})
	b := BuiltImageTag("env", []byte("FROM a"), map[string]string{"Y": "2", "X": "1"})
	c := BuiltImageTag("env", []byte("FROM a"), map[string]string{"X": "2", "Y": "2"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestContainerRuntime_StartAndExec(t *testing.T) {
	t.Parallel()

	engine := newFakeEngine()
	rt := NewContainerRuntime(engine, nil)
	inst, err := rt.Start(t.Context(), StartRequest{
		Environment: containerEnv(),
		BaseDir:     "/repo",
		RunID:       "0123456789abcdef",
		Env:         map[string]string{"A": "1"},
	})
	require.NoError(t, err)

	require.Len(t, engine.started, 1)
	opts := engine.started[0]
	assert.Equal(t, "envmatrix-alpine-0123456789ab", opts.Name)
	assert.Equal(t, DefaultContainerWorkDir, opts.WorkDir)
	assert.Equal(t, []string{"/repo/src:/src:ro"}, opts.Volumes)
	assert.Equal(t, "alpine", opts.Labels[container.LabelEnvironment])

	res := inst.Exec(t.Context(), Command{Script: "make test", WorkDir: "pkg"})
	require.NoError(t, res.Error)
	assert.True(t, res.Success())
	assert.Equal(t, "ran make test", res.Output)
	assert.Equal(t, []string{"/workspace/pkg", "sh", "-c", "make test"}, engine.execs[0])

	require.NoError(t, inst.Destroy(t.Context()))
	assert.Equal(t, []string{inst.ID()}, engine.removed)
}

func TestContainerRuntime_ExecFailureClassification(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		exitCode  int
		execErr   error
		running   bool
		wantCode  ExitCode
		wantInfra bool
	}{
		{name: "step failure", exitCode: 2, running: true, wantCode: 2},
		{name: "container gone", exitCode: 137, running: false, wantCode: -1, wantInfra: true},
		{name: "engine error", execErr: errors.New("no such binary"), running: true, wantCode: -1, wantInfra: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			engine := newFakeEngine()
			engine.exitCode = tt.exitCode
			engine.execErr = tt.execErr
			engine.running = tt.running

			inst, err := NewContainerRuntime(engine, nil).Start(t.Context(), StartRequest{Environment: containerEnv()})
			require.NoError(t, err)

			res := inst.Exec(t.Context(), Command{Script: "go test ./..."})
			assert.Equal(t, tt.wantCode, res.ExitCode)
			if tt.wantInfra {
				assert.ErrorIs(t, res.Error, ErrInfrastructure)
			} else {
				assert.NoError(t, res.Error)
			}
		})
	}
}

func TestContainerRuntime_NilEngine(t *testing.T) {
	t.Parallel()

	rt := NewContainerRuntime(nil, nil)
	assert.False(t, rt.Available())

	_, err := rt.Start(t.Context(), StartRequest{Environment: containerEnv()})
	assert.ErrorIs(t, err, container.ErrEngineNotAvailable)
}

func TestContainerRuntime_Validate(t *testing.T) {
	t.Parallel()

	rt := NewContainerRuntime(newFakeEngine(), nil)
	assert.NoError(t, rt.Validate(containerEnv()))

	bad := containerEnv()
	bad.Mounts = []string{"only-one-part"}
	assert.Error(t, rt.Validate(bad))

	noImage := containerEnv()
	noImage.Image = ""
	assert.Error(t, rt.Validate(noImage))
}

func TestCapture_KeepsTail(t *testing.T) {
	t.Parallel()

	c := newCapture(nil)
	chunk := strings.Repeat("a", MaxCapturedOutput)
	_, _ = c.Write([]byte(chunk))
	_, _ = c.Write([]byte("tail"))

	out := c.String()
	assert.True(t, strings.HasPrefix(out, truncatedMarker))
	assert.True(t, strings.HasSuffix(out, "tail"))
	assert.Len(t, out, len(truncatedMarker)+MaxCapturedOutput)
}

func TestRegistry_Get(t *testing.T) {
	t.Parallel()

	reg := NewRegistry()
	reg.Register(matrixfile.RuntimeVirtual, NewVirtualRuntime(nil))
	reg.Register(matrixfile.RuntimeContainer, NewContainerRuntime(nil, nil))

	rt, err := reg.Get(matrixfile.RuntimeVirtual)
	require.NoError(t, err)
	assert.Equal(t, "virtual", rt.Name())

	_, err = reg.Get(matrixfile.RuntimeContainer)
	assert.ErrorIs(t, err, ErrRuntimeNotAvailable)

	_, err = reg.Get(matrixfile.RuntimeNative)
	assert.ErrorIs(t, err, ErrRuntimeNotAvailable)
}
