// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"

	"github.com/envmatrix/envmatrix/internal/config"
	"github.com/envmatrix/envmatrix/internal/container"
)

type (
	// ConfigProvider loads configuration using explicit options.
	ConfigProvider interface {
		Load(ctx context.Context, opts config.LoadOptions) (*config.Config, error)
	}

	// EngineFactory returns the container engine for the configured preference.
	EngineFactory func(preferred config.ContainerEngine) (container.Engine, error)

	// App wires CLI services and shared dependencies. All Cobra handlers
	// receive an App and write only through its streams.
	App struct {
		Config    ConfigProvider
		NewEngine EngineFactory
		Now       func() time.Time
		// WorkDir is where the default matrix file is looked up.
		WorkDir string
		stdout  io.Writer
		stderr  io.Writer
	}

	// Dependencies defines the injection points for building an App. Nil fields
	// are replaced with production defaults by NewApp.
	Dependencies struct {
		Config    ConfigProvider
		NewEngine EngineFactory
		Now       func() time.Time
		WorkDir   string
		Stdout    io.Writer
		Stderr    io.Writer
	}
)

// NewApp builds an App, filling unset dependencies with production defaults.
func NewApp(deps Dependencies) *App {
	app := &App{
		Config:    deps.Config,
		NewEngine: deps.NewEngine,
		Now:       deps.Now,
		WorkDir:   deps.WorkDir,
		stdout:    deps.Stdout,
		stderr:    deps.Stderr,
	}
	if app.Config == nil {
		app.Config = config.NewProvider()
	}
	if app.NewEngine == nil {
		app.NewEngine = defaultEngine
	}
	if app.Now == nil {
		app.Now = time.Now
	}
	if app.stdout == nil {
		app.stdout = os.Stdout
	}
	if app.stderr == nil {
		app.stderr = os.Stderr
	}
	return app
}

// Logger returns the diagnostic logger for the given verbosity and level.
// --verbose (or ui.verbose) selects debug; log_level may only raise the floor.
func (a *App) Logger(cfg *config.Config, verbose bool) *log.Logger {
	logger := log.NewWithOptions(a.stderr, log.Options{
		Prefix:          "envmatrix",
		ReportTimestamp: verbose,
		TimeFormat:      time.TimeOnly,
	})
	level := log.InfoLevel
	if cfg != nil {
		if parsed, err := log.ParseLevel(string(cfg.LogLevel)); err == nil {
			level = parsed
		}
	}
	if verbose || (cfg != nil && cfg.UI.Verbose) {
		level = log.DebugLevel
	}
	logger.SetLevel(level)
	return logger
}

// stderrIsTerminal reports whether live progress lines can be drawn.
func (a *App) stderrIsTerminal() bool {
	f, ok := a.stderr.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func (a *App) workDir() (string, error) {
	if a.WorkDir != "" {
		return a.WorkDir, nil
	}
	return os.Getwd()
}

func defaultEngine(preferred config.ContainerEngine) (container.Engine, error) {
	return container.NewEngine(container.EngineType(preferred))
}
