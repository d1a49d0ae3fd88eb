// SPDX-License-Identifier: MPL-2.0

package config

import (
	"context"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/spf13/viper"

	"github.com/envmatrix/envmatrix/internal/issue"
	"github.com/envmatrix/envmatrix/pkg/cueutil"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	// AppName is the application name.
	AppName = "envmatrix"
	// ConfigFileName is the name of the config file (without extension).
	ConfigFileName = "config"
	// ConfigFileExt is the config file extension.
	ConfigFileExt = "cue"
	// EnvPrefix prefixes environment variable overrides (ENVMATRIX_CONCURRENCY, ENVMATRIX_HISTORY_PATH).
	EnvPrefix = "ENVMATRIX"

	historyFileName = "history.db"
)

//go:embed config_schema.cue
var configSchema string

// ConfigDir returns the envmatrix configuration directory using platform-specific
// conventions: Windows uses %APPDATA%, macOS uses ~/Library/Application Support,
// and Linux/others use $XDG_CONFIG_HOME (defaulting to ~/.config).
//
//nolint:revive // ConfigDir is more descriptive than Dir for external callers
func ConfigDir() (string, error) {
	if configDirOverride != "" {
		return configDirOverride, nil
	}

	var configDir string

	switch runtime.GOOS {
	case "windows":
		configDir = os.Getenv("APPDATA")
		if configDir == "" {
			configDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		configDir = filepath.Join(home, "Library", "Application Support")
	default:
		configDir = os.Getenv("XDG_CONFIG_HOME")
		if configDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			configDir = filepath.Join(home, ".config")
		}
	}

	return filepath.Join(configDir, AppName), nil
}

// StateDir returns the directory holding persistent run state such as the
// history database: $XDG_STATE_HOME/envmatrix (default ~/.local/state/envmatrix),
// %LOCALAPPDATA%\envmatrix on Windows.
func StateDir() (string, error) {
	if stateDirOverride != "" {
		return stateDirOverride, nil
	}

	var stateDir string

	switch runtime.GOOS {
	case "windows":
		stateDir = os.Getenv("LOCALAPPDATA")
		if stateDir == "" {
			stateDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	default:
		stateDir = os.Getenv("XDG_STATE_HOME")
		if stateDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", fmt.Errorf("failed to get home directory: %w", err)
			}
			stateDir = filepath.Join(home, ".local", "state")
		}
	}

	return filepath.Join(stateDir, AppName), nil
}

// HistoryPath returns the configured history database path, falling back to
// the state directory.
func (c *Config) HistoryPath() (string, error) {
	if c.History.Path != "" {
		return c.History.Path, nil
	}
	dir, err := StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, historyFileName), nil
}

// ApplySettings layers a matrix file settings block over c and returns the
// result. c is not modified.
func (c *Config) ApplySettings(s matrixfile.Settings) (*Config, error) {
	out := *c
	if s.Concurrency != nil {
		out.Concurrency = *s.Concurrency
	}
	if s.ProvisionRetries != nil {
		out.ProvisionRetries = *s.ProvisionRetries
	}
	if s.StrictOptional != nil {
		out.StrictOptional = *s.StrictOptional
	}
	if s.IncludeOptional != nil {
		out.IncludeOptional = *s.IncludeOptional
	}
	if s.FailFast != nil {
		out.FailFast = *s.FailFast
	}
	if s.Timeout != "" {
		d, err := time.ParseDuration(s.Timeout)
		if err != nil {
			return nil, fmt.Errorf("settings.timeout: %w", err)
		}
		out.Timeout = d
	}
	if s.GracePeriod != "" {
		d, err := time.ParseDuration(s.GracePeriod)
		if err != nil {
			return nil, fmt.Errorf("settings.grace_period: %w", err)
		}
		out.GracePeriod = d
	}
	if err := out.Validate(); err != nil {
		return nil, err
	}
	return &out, nil
}

// ResolvePath returns the config file Load would read, and whether it exists.
// Without an explicit file the path is the default location even when absent.
func ResolvePath(opts LoadOptions) (string, bool, error) {
	if opts.ConfigFilePath != "" {
		return opts.ConfigFilePath, fileExists(opts.ConfigFilePath), nil
	}
	cfgDir, err := configDirWithOverride(opts.ConfigDirPath)
	if err != nil {
		return "", false, err
	}
	path := filepath.Join(cfgDir, ConfigFileName+"."+ConfigFileExt)
	return path, fileExists(path), nil
}

// loadWithOptions performs option-driven config loading without mutating
// package-level state.
func loadWithOptions(ctx context.Context, opts LoadOptions) (*Config, string, error) {
	select {
	case <-ctx.Done():
		return nil, "", fmt.Errorf("load config canceled: %w", ctx.Err())
	default:
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path, exists, err := ResolvePath(opts)
	if err != nil {
		return nil, "", err
	}

	resolvedPath := ""
	switch {
	case exists:
		if err := loadCUEIntoViper(v, path); err != nil {
			return nil, "", issue.NewErrorContext().
				WithOperation("load configuration").
				WithResource(path).
				WithIssue(issue.ConfigLoadFailedId).
				WithSuggestion("Check that the file contains valid CUE syntax").
				WithSuggestion("Verify the configuration values match the expected schema").
				WithSuggestion("Use 'envmatrix config show' to see the effective configuration").
				Wrap(err).
				BuildError()
		}
		resolvedPath = path
	case opts.ConfigFilePath != "":
		return nil, "", issue.NewErrorContext().
			WithOperation("load configuration").
			WithResource(opts.ConfigFilePath).
			WithIssue(issue.ConfigLoadFailedId).
			WithSuggestion("Verify the file path is correct").
			WithSuggestion("Check that the file exists and is readable").
			Wrap(fmt.Errorf("config file not found: %s", opts.ConfigFilePath)).
			BuildError()
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, "", fmt.Errorf("failed to parse config: %w", err)
	}

	// Environment overrides bypass the CUE schema.
	if err := cfg.Validate(); err != nil {
		return nil, "", issue.NewErrorContext().
			WithOperation("validate configuration").
			WithIssue(issue.ConfigLoadFailedId).
			WithSuggestion("Check " + EnvPrefix + "_* environment variables for typos").
			Wrap(err).
			BuildError()
	}

	return &cfg, resolvedPath, nil
}

func setDefaults(v *viper.Viper) {
	defaults := DefaultConfig()
	v.SetDefault("container_engine", defaults.ContainerEngine)
	v.SetDefault("concurrency", defaults.Concurrency)
	v.SetDefault("timeout", defaults.Timeout)
	v.SetDefault("grace_period", defaults.GracePeriod)
	v.SetDefault("provision_retries", defaults.ProvisionRetries)
	v.SetDefault("strict_optional", defaults.StrictOptional)
	v.SetDefault("include_optional", defaults.IncludeOptional)
	v.SetDefault("fail_fast", defaults.FailFast)
	v.SetDefault("log_level", defaults.LogLevel)
	v.SetDefault("history.enabled", defaults.History.Enabled)
	v.SetDefault("history.path", defaults.History.Path)
	v.SetDefault("report.format", defaults.Report.Format)
	v.SetDefault("ui.verbose", defaults.UI.Verbose)
	v.SetDefault("ui.color_scheme", defaults.UI.ColorScheme)
}

// configDirWithOverride resolves the configuration directory, honoring
// explicit provider options before platform defaults.
func configDirWithOverride(configDirPath string) (string, error) {
	if configDirPath != "" {
		return configDirPath, nil
	}

	return ConfigDir()
}

// loadCUEIntoViper parses a CUE file, validates it against the #Config schema,
// and merges its contents into Viper.
//
// Config decodes to map[string]any rather than a struct so that Viper keeps
// its defaults and environment overrides, and uses Concrete(false) because
// every field is optional.
func loadCUEIntoViper(v *viper.Viper, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, path); err != nil {
		return err
	}

	ctx := cuecontext.New()

	schemaValue := ctx.CompileString(configSchema)
	if schemaValue.Err() != nil {
		return fmt.Errorf("internal error: failed to compile config schema: %w", schemaValue.Err())
	}

	userValue := ctx.CompileBytes(data, cue.Filename(path))
	if userValue.Err() != nil {
		return cueutil.FormatError(userValue.Err(), path)
	}

	schema := schemaValue.LookupPath(cue.ParsePath("#Config"))
	unified := schema.Unify(userValue)
	if err := unified.Validate(cue.Concrete(false)); err != nil {
		return cueutil.FormatError(err, path)
	}

	var configMap map[string]any
	if err := unified.Decode(&configMap); err != nil {
		return cueutil.FormatError(err, path)
	}

	if err := v.MergeConfigMap(configMap); err != nil {
		return fmt.Errorf("failed to merge config: %w", err)
	}

	return nil
}

// fileExists checks if a file exists and is not a directory
func fileExists(path string) bool {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return err == nil && !info.IsDir()
}

// CreateDefaultConfig writes the default configuration to path unless a file
// already exists there. It reports whether a file was written.
func CreateDefaultConfig(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, []byte(GenerateCUE(DefaultConfig())), 0o644); err != nil {
		return false, fmt.Errorf("failed to write config file: %w", err)
	}

	return true, nil
}

// GenerateCUE generates a CUE representation of the configuration
func GenerateCUE(cfg *Config) string {
	var sb strings.Builder

	sb.WriteString("// envmatrix configuration file\n\n")

	fmt.Fprintf(&sb, "container_engine:  %q\n", cfg.ContainerEngine)
	fmt.Fprintf(&sb, "concurrency:       %d\n", cfg.Concurrency)
	fmt.Fprintf(&sb, "timeout:           %q\n", cfg.Timeout.String())
	fmt.Fprintf(&sb, "grace_period:      %q\n", cfg.GracePeriod.String())
	fmt.Fprintf(&sb, "provision_retries: %d\n", cfg.ProvisionRetries)
	fmt.Fprintf(&sb, "strict_optional:   %v\n", cfg.StrictOptional)
	fmt.Fprintf(&sb, "include_optional:  %v\n", cfg.IncludeOptional)
	fmt.Fprintf(&sb, "fail_fast:         %v\n", cfg.FailFast)
	fmt.Fprintf(&sb, "log_level:         %q\n", cfg.LogLevel)

	sb.WriteString("\nhistory: {\n")
	fmt.Fprintf(&sb, "\tenabled: %v\n", cfg.History.Enabled)
	if cfg.History.Path != "" {
		fmt.Fprintf(&sb, "\tpath:    %q\n", cfg.History.Path)
	}
	sb.WriteString("}\n")

	sb.WriteString("\nreport: {\n")
	fmt.Fprintf(&sb, "\tformat: %q\n", cfg.Report.Format)
	sb.WriteString("}\n")

	sb.WriteString("\nui: {\n")
	fmt.Fprintf(&sb, "\tverbose:      %v\n", cfg.UI.Verbose)
	fmt.Fprintf(&sb, "\tcolor_scheme: %q\n", cfg.UI.ColorScheme)
	sb.WriteString("}\n")

	return sb.String()
}
