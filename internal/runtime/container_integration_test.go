// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"

	"github.com/envmatrix/envmatrix/internal/container"
	"github.com/envmatrix/envmatrix/internal/testutil"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const integrationImage = "alpine:3.20"

// checkTestcontainersAvailable reports whether testcontainers can reach a
// Docker-compatible daemon. Provider detection can panic on broken setups.
func checkTestcontainersAvailable() (available bool) {
	defer func() {
		if r := recover(); r != nil {
			available = false
		}
	}()

	provider, err := testcontainers.ProviderDocker.GetProvider()
	if err != nil {
		return false
	}
	defer provider.Close()
	return true
}

// warmImage pulls the test image through testcontainers so that the runtime
// under test finds it locally.
func warmImage(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Minute)
	defer cancel()

	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image: integrationImage,
			Cmd:   []string{"true"},
		},
		Started: false,
	})
	if err != nil {
		t.Skipf("cannot pull %s: %v", integrationImage, err)
	}
	testcontainers.CleanupContainer(t, c)
}

func TestContainerRuntime_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	engine, err := container.NewEngine(container.EngineTypeDocker)
	if err != nil {
		t.Skipf("skipping container integration tests: %v", err)
	}
	if !checkTestcontainersAvailable() {
		t.Skip("skipping container integration tests: testcontainers provider not available")
	}
	testutil.AcquireContainerSlot(t)
	warmImage(t)

	rt := NewContainerRuntime(engine, nil)
	env := &matrixfile.Environment{
		Name:    "integration",
		Runtime: matrixfile.RuntimeContainer,
		Image:   integrationImage,
		WorkDir: "/tmp",
		Test:    []matrixfile.Step{{Run: "true"}},
	}
	req := StartRequest{
		Environment: env,
		BaseDir:     t.TempDir(),
		Env:         map[string]string{"LEVEL": "environment"},
		RunID:       "integration-test",
	}
	require.NoError(t, rt.Validate(env))

	ctx, cancel := context.WithTimeout(t.Context(), 5*time.Minute)
	defer cancel()

	image, err := rt.PrepareImage(ctx, req)
	require.NoError(t, err)
	req.Image = image

	inst, err := rt.Start(ctx, req)
	require.NoError(t, err)
	t.Cleanup(func() {
		destroyCtx, destroyCancel := context.WithTimeout(context.WithoutCancel(ctx), time.Minute)
		defer destroyCancel()
		assert.NoError(t, inst.Destroy(destroyCtx))
	})

	t.Run("Output", func(t *testing.T) {
		res := inst.Exec(ctx, Command{Script: "echo hello from alpine"})
		require.NoError(t, res.Error)
		assert.True(t, res.Success())
		assert.Equal(t, "hello from alpine", strings.TrimSpace(res.Output))
	})

	t.Run("Environment", func(t *testing.T) {
		res := inst.Exec(ctx, Command{
			Script: `echo "$LEVEL $STEP"`,
			Env:    map[string]string{"STEP": "step"},
		})
		require.NoError(t, res.Error)
		assert.Equal(t, "environment step", strings.TrimSpace(res.Output))
	})

	t.Run("StatePersistsBetweenSteps", func(t *testing.T) {
		require.True(t, inst.Exec(ctx, Command{Script: "echo kept > marker"}).Success())
		res := inst.Exec(ctx, Command{Script: "cat /tmp/marker"})
		require.NoError(t, res.Error)
		assert.Equal(t, "kept", strings.TrimSpace(res.Output))
	})

	t.Run("ExitCode", func(t *testing.T) {
		res := inst.Exec(ctx, Command{Script: "echo oops >&2; exit 7"})
		require.NoError(t, res.Error)
		assert.Equal(t, ExitCode(7), res.ExitCode)
		assert.Contains(t, res.ErrOutput, "oops")
	})

	t.Run("Cancellation", func(t *testing.T) {
		stepCtx, stepCancel := context.WithTimeout(ctx, 500*time.Millisecond)
		defer stepCancel()
		res := inst.Exec(stepCtx, Command{Script: "sleep 30", GracePeriod: time.Second})
		assert.Error(t, res.Error)
		assert.False(t, res.Success())
	})
}
