// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/envmatrix/envmatrix/internal/issue"
	"github.com/envmatrix/envmatrix/internal/testutil"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, ConfigFileName+"."+ConfigFileExt)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644), "failed to write config")
	return path
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()

	assert.Equal(t, ContainerEnginePodman, cfg.ContainerEngine)
	assert.Equal(t, 4, cfg.Concurrency)
	assert.Equal(t, 30*time.Minute, cfg.Timeout)
	assert.Equal(t, 10*time.Second, cfg.GracePeriod)
	assert.Equal(t, 2, cfg.ProvisionRetries)
	assert.False(t, cfg.StrictOptional || cfg.IncludeOptional || cfg.FailFast,
		"optional and fail-fast switches should be off by default")
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "text", cfg.Report.Format)
	assert.Equal(t, ColorSchemeAuto, cfg.UI.ColorScheme)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	t.Parallel()

	cfg, path, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	require.NoError(t, err)
	assert.Empty(t, path)
	assert.Equal(t, DefaultConcurrency, cfg.Concurrency)
}

func TestLoad_CUEFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	want := writeConfig(t, dir, `
container_engine: "docker"
concurrency: 0
timeout: "1h30m"
grace_period: "3s"
strict_optional: true
history: {
	enabled: false
	path: "/var/lib/envmatrix/h.db"
}
report: format: "junit"
ui: color_scheme: "dark"
`)

	cfg, path, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: dir})
	require.NoError(t, err)
	assert.Equal(t, want, path)

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"container_engine", cfg.ContainerEngine, ContainerEngineDocker},
		{"concurrency", cfg.Concurrency, 0},
		{"timeout", cfg.Timeout, 90 * time.Minute},
		{"grace_period", cfg.GracePeriod, 3 * time.Second},
		{"provision_retries (default kept)", cfg.ProvisionRetries, DefaultProvisionRetries},
		{"strict_optional", cfg.StrictOptional, true},
		{"history.enabled", cfg.History.Enabled, false},
		{"history.path", cfg.History.Path, "/var/lib/envmatrix/h.db"},
		{"report.format", cfg.Report.Format, "junit"},
		{"ui.color_scheme", cfg.UI.ColorScheme, ColorSchemeDark},
		{"log_level (default kept)", cfg.LogLevel, LogLevelInfo},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.got, tt.name)
	}
}

func TestLoad_SchemaViolations(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		content string
	}{
		{"unknown engine", `container_engine: "lxc"`},
		{"negative concurrency", `concurrency: -1`},
		{"bad duration", `timeout: "soon"`},
		{"unknown field", `parallelism: 3`},
		{"unknown format", `report: format: "pdf"`},
		{"syntax error", `concurrency: {`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			dir := t.TempDir()
			writeConfig(t, dir, tt.content)

			_, _, err := loadWithOptions(context.Background(), LoadOptions{ConfigDirPath: dir})
			require.Error(t, err)
			var ae *issue.ActionableError
			require.ErrorAs(t, err, &ae)
			assert.True(t, ae.HasSuggestions(), "expected suggestions on config errors")
		})
	}
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	t.Parallel()

	missing := filepath.Join(t.TempDir(), "nope.cue")
	_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: missing})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config file not found")
}

func TestLoad_ExplicitFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ci.cue")
	require.NoError(t, os.WriteFile(path, []byte(`fail_fast: true`), 0o644))

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: path})
	require.NoError(t, err)
	assert.True(t, cfg.FailFast, "expected fail_fast from the explicit file")
}

func TestLoad_CancelledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewProvider().Load(ctx, LoadOptions{ConfigDirPath: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, `concurrency: 2
history: enabled: true`)

	t.Setenv("ENVMATRIX_CONCURRENCY", "8")
	t.Setenv("ENVMATRIX_TIMEOUT", "45s")
	t.Setenv("ENVMATRIX_HISTORY_ENABLED", "false")
	t.Setenv("ENVMATRIX_UI_VERBOSE", "true")

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: dir})
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Concurrency)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.False(t, cfg.History.Enabled, "ENVMATRIX_HISTORY_ENABLED=false should win over the file")
	assert.True(t, cfg.UI.Verbose)
}

func TestLoad_InvalidEnvironmentOverride(t *testing.T) {
	t.Setenv("ENVMATRIX_CONTAINER_ENGINE", "lxc")

	_, err := NewProvider().Load(context.Background(), LoadOptions{ConfigDirPath: t.TempDir()})
	require.ErrorIs(t, err, ErrInvalidContainerEngine)
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestApplySettings(t *testing.T) {
	t.Parallel()

	two, zero := 2, 0
	yes := true

	base := DefaultConfig()
	got, err := base.ApplySettings(matrixfile.Settings{
		Concurrency:      &two,
		ProvisionRetries: &zero,
		Timeout:          "20m",
		GracePeriod:      "5s",
		IncludeOptional:  &yes,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, got.Concurrency)
	assert.Equal(t, 0, got.ProvisionRetries)
	assert.Equal(t, 20*time.Minute, got.Timeout)
	assert.Equal(t, 5*time.Second, got.GracePeriod)
	assert.True(t, got.IncludeOptional)
	assert.False(t, got.StrictOptional, "only include_optional should change")
	assert.Equal(t, DefaultConcurrency, base.Concurrency, "ApplySettings must not modify the receiver")
	assert.Equal(t, DefaultTimeout, base.Timeout, "ApplySettings must not modify the receiver")

	unchanged, err := base.ApplySettings(matrixfile.Settings{})
	require.NoError(t, err)
	assert.Equal(t, *base, *unchanged, "an empty settings block should leave the config unchanged")
}

func TestApplySettings_Invalid(t *testing.T) {
	t.Parallel()

	negative := -3
	tests := []struct {
		name     string
		settings matrixfile.Settings
	}{
		{"bad timeout", matrixfile.Settings{Timeout: "forever"}},
		{"bad grace period", matrixfile.Settings{GracePeriod: "1 minute"}},
		{"negative concurrency", matrixfile.Settings{Concurrency: &negative}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := DefaultConfig().ApplySettings(tt.settings)
			assert.Error(t, err)
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, exists, err := ResolvePath(LoadOptions{ConfigDirPath: dir})
	require.NoError(t, err)
	assert.False(t, exists, "expected no config file yet")
	assert.Equal(t, filepath.Join(dir, "config.cue"), path)

	writeConfig(t, dir, `concurrency: 1`)
	_, exists, err = ResolvePath(LoadOptions{ConfigDirPath: dir})
	require.NoError(t, err)
	assert.True(t, exists, "expected the config file to be found")
}

func TestCreateDefaultConfig_RoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.cue")

	written, err := CreateDefaultConfig(path)
	require.NoError(t, err)
	require.True(t, written)

	written, _ = CreateDefaultConfig(path)
	assert.False(t, written, "an existing file must not be overwritten")

	cfg, err := NewProvider().Load(context.Background(), LoadOptions{ConfigFilePath: path})
	require.NoError(t, err, "generated config must load")
	assert.Equal(t, *DefaultConfig(), *cfg)
}

func TestHistoryPath(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "/tmp/state")

	cfg := DefaultConfig()
	got, err := cfg.HistoryPath()
	require.NoError(t, err)
	want := filepath.Join("/tmp/state", "envmatrix", "history.db")
	if runtime.GOOS == "windows" {
		want = filepath.Join(os.Getenv("LOCALAPPDATA"), "envmatrix", "history.db")
	}
	assert.Equal(t, want, got)

	cfg.History.Path = "/data/h.db"
	got, err = cfg.HistoryPath()
	require.NoError(t, err)
	assert.Equal(t, "/data/h.db", got, "explicit path ignored")
}

func TestConfigDirOverride(t *testing.T) {
	SetConfigDirOverride("/custom/dir")
	t.Cleanup(Reset)

	got, err := ConfigDir()
	require.NoError(t, err)
	assert.Equal(t, "/custom/dir", got)
}

func TestStateDirOverride(t *testing.T) {
	SetStateDirOverride("/custom/state")
	t.Cleanup(Reset)

	got, err := DefaultConfig().HistoryPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/custom/state", "history.db"), got)
}

func TestStatic(t *testing.T) {
	t.Parallel()

	base := DefaultConfig()
	base.Concurrency = 7
	p := Static(base)

	first, err := p.Load(context.Background(), LoadOptions{ConfigFilePath: "/ignored.cue"})
	require.NoError(t, err)
	first.Concurrency = 1

	second, err := p.Load(context.Background(), LoadOptions{})
	require.NoError(t, err)
	assert.Equal(t, 7, second.Concurrency, "Static must hand out copies")
}

func TestStateDir_HomeFallback(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("state directory falls back to LOCALAPPDATA on Windows")
	}

	home := t.TempDir()
	testutil.SetHomeDir(t, home)
	t.Setenv("XDG_STATE_HOME", "")

	got, err := StateDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".local", "state", "envmatrix"), got)
}
