// SPDX-License-Identifier: MPL-2.0

package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"
)

const (
	// ContainerEnginePodman uses Podman as the container engine.
	ContainerEnginePodman ContainerEngine = "podman"
	// ContainerEngineDocker uses Docker as the container engine.
	ContainerEngineDocker ContainerEngine = "docker"

	// ColorSchemeAuto detects the terminal color scheme automatically.
	ColorSchemeAuto ColorScheme = "auto"
	// ColorSchemeDark forces the dark color scheme.
	ColorSchemeDark ColorScheme = "dark"
	// ColorSchemeLight forces the light color scheme.
	ColorSchemeLight ColorScheme = "light"

	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"

	// DefaultConcurrency bounds how many environments run at once. Zero is unbounded.
	DefaultConcurrency = 4
	// DefaultTimeout is the per-environment wall-clock limit.
	DefaultTimeout = 30 * time.Minute
	// DefaultGracePeriod is how long a cancelled step may take to exit before it is killed.
	DefaultGracePeriod = 10 * time.Second
	// DefaultProvisionRetries is the number of extra attempts at starting an environment.
	DefaultProvisionRetries = 2
	// DefaultReportFormat is the summary format printed at the end of a run.
	DefaultReportFormat = "text"
)

var (
	// ErrInvalidContainerEngine is returned when a ContainerEngine value is not recognized.
	ErrInvalidContainerEngine = errors.New("invalid container engine")
	// ErrInvalidColorScheme is returned when a ColorScheme value is not recognized.
	ErrInvalidColorScheme = errors.New("invalid color scheme")
	// ErrInvalidLogLevel is returned when a LogLevel value is not recognized.
	ErrInvalidLogLevel = errors.New("invalid log level")
	// ErrInvalidConfig is the sentinel error wrapped by InvalidConfigError.
	ErrInvalidConfig = errors.New("invalid config")

	reportFormats = []string{"text", "json", "yaml", "markdown", "html", "junit"}
)

type (
	// ContainerEngine specifies which container engine to use.
	ContainerEngine string

	// ColorScheme specifies the terminal color scheme preference.
	ColorScheme string

	// LogLevel is the minimum level of diagnostics written to stderr.
	LogLevel string

	// InvalidValueError reports a field holding an unrecognized value.
	// It wraps one of the ErrInvalid* sentinels.
	InvalidValueError struct {
		Field string
		Value string
		Valid []string
		kind  error
	}

	// InvalidConfigError collects every field-level problem of a Config.
	// It wraps ErrInvalidConfig for errors.Is() compatibility.
	InvalidConfigError struct {
		FieldErrors []error
	}

	// Config holds the tool configuration.
	Config struct {
		// ContainerEngine is the preferred engine; the other one is used as a fallback.
		ContainerEngine ContainerEngine `json:"container_engine" mapstructure:"container_engine"`
		// Concurrency bounds parallel environments. Zero means unbounded.
		Concurrency int `json:"concurrency" mapstructure:"concurrency"`
		// Timeout is the default per-environment limit. Zero disables it.
		Timeout time.Duration `json:"timeout" mapstructure:"timeout"`
		// GracePeriod separates the termination signal from the forced kill.
		GracePeriod      time.Duration `json:"grace_period" mapstructure:"grace_period"`
		ProvisionRetries int           `json:"provision_retries" mapstructure:"provision_retries"`
		// StrictOptional makes optional-tier failures fail the environment.
		StrictOptional  bool          `json:"strict_optional" mapstructure:"strict_optional"`
		IncludeOptional bool          `json:"include_optional" mapstructure:"include_optional"`
		FailFast        bool          `json:"fail_fast" mapstructure:"fail_fast"`
		LogLevel        LogLevel      `json:"log_level" mapstructure:"log_level"`
		History         HistoryConfig `json:"history" mapstructure:"history"`
		Report          ReportConfig  `json:"report" mapstructure:"report"`
		UI              UIConfig      `json:"ui" mapstructure:"ui"`
	}

	// HistoryConfig controls the run history database.
	HistoryConfig struct {
		Enabled bool `json:"enabled" mapstructure:"enabled"`
		// Path of the SQLite database. Empty selects the default state directory.
		Path string `json:"path" mapstructure:"path"`
	}

	// ReportConfig controls the final report.
	ReportConfig struct {
		Format string `json:"format" mapstructure:"format"`
	}

	// UIConfig configures terminal output.
	UIConfig struct {
		Verbose     bool        `json:"verbose" mapstructure:"verbose"`
		ColorScheme ColorScheme `json:"color_scheme" mapstructure:"color_scheme"`
	}
)

func (e *InvalidValueError) Error() string {
	return fmt.Sprintf("invalid %s %q (valid: %s)", e.Field, e.Value, strings.Join(e.Valid, ", "))
}

// Unwrap returns the sentinel error for errors.Is() compatibility.
func (e *InvalidValueError) Unwrap() error { return e.kind }

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid config: %d field error(s): %v", len(e.FieldErrors), errors.Join(e.FieldErrors...))
}

// Unwrap returns ErrInvalidConfig followed by the field errors.
func (e *InvalidConfigError) Unwrap() []error {
	return append([]error{ErrInvalidConfig}, e.FieldErrors...)
}

// String returns the engine name.
func (ce ContainerEngine) String() string { return string(ce) }

// Validate returns an error if ce is not a known engine.
func (ce ContainerEngine) Validate() error {
	switch ce {
	case ContainerEnginePodman, ContainerEngineDocker:
		return nil
	default:
		return &InvalidValueError{
			Field: "container_engine", Value: string(ce),
			Valid: []string{"podman", "docker"}, kind: ErrInvalidContainerEngine,
		}
	}
}

// String returns the scheme name.
func (cs ColorScheme) String() string { return string(cs) }

// Validate returns an error if cs is not a known color scheme.
func (cs ColorScheme) Validate() error {
	switch cs {
	case ColorSchemeAuto, ColorSchemeDark, ColorSchemeLight:
		return nil
	default:
		return &InvalidValueError{
			Field: "ui.color_scheme", Value: string(cs),
			Valid: []string{"auto", "dark", "light"}, kind: ErrInvalidColorScheme,
		}
	}
}

// String returns the level name.
func (l LogLevel) String() string { return string(l) }

// Validate returns an error if l is not a known level.
func (l LogLevel) Validate() error {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return nil
	default:
		return &InvalidValueError{
			Field: "log_level", Value: string(l),
			Valid: []string{"debug", "info", "warn", "error"}, kind: ErrInvalidLogLevel,
		}
	}
}

// Validate checks the constraints that survive environment overrides,
// which bypass the CUE schema.
func (c *Config) Validate() error {
	var errs []error
	if err := c.ContainerEngine.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.LogLevel.Validate(); err != nil {
		errs = append(errs, err)
	}
	if err := c.UI.ColorScheme.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.Concurrency < 0 {
		errs = append(errs, fmt.Errorf("concurrency must be >= 0, got %d", c.Concurrency))
	}
	if c.Timeout < 0 {
		errs = append(errs, fmt.Errorf("timeout must be >= 0, got %s", c.Timeout))
	}
	if c.GracePeriod < 0 {
		errs = append(errs, fmt.Errorf("grace_period must be >= 0, got %s", c.GracePeriod))
	}
	if c.ProvisionRetries < 0 {
		errs = append(errs, fmt.Errorf("provision_retries must be >= 0, got %d", c.ProvisionRetries))
	}
	if !slices.Contains(reportFormats, c.Report.Format) {
		errs = append(errs, fmt.Errorf("invalid report.format %q (valid: %s)", c.Report.Format, strings.Join(reportFormats, ", ")))
	}
	if len(errs) > 0 {
		return &InvalidConfigError{FieldErrors: errs}
	}
	return nil
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		ContainerEngine:  ContainerEnginePodman,
		Concurrency:      DefaultConcurrency,
		Timeout:          DefaultTimeout,
		GracePeriod:      DefaultGracePeriod,
		ProvisionRetries: DefaultProvisionRetries,
		LogLevel:         LogLevelInfo,
		History: HistoryConfig{
			Enabled: true,
		},
		Report: ReportConfig{
			Format: DefaultReportFormat,
		},
		UI: UIConfig{
			ColorScheme: ColorSchemeAuto,
		},
	}
}
