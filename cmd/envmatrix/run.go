// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/internal/config"
	"github.com/envmatrix/envmatrix/internal/container"
	"github.com/envmatrix/envmatrix/internal/history"
	"github.com/envmatrix/envmatrix/internal/issue"
	"github.com/envmatrix/envmatrix/internal/matrix"
	"github.com/envmatrix/envmatrix/internal/progress"
	"github.com/envmatrix/envmatrix/internal/provision"
	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/runtime"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/internal/watch"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// runFlagValues holds the flags of `envmatrix run`.
type runFlagValues struct {
	environments     []string
	optional         bool
	noOptional       bool
	strictOptional   bool
	concurrency      int
	timeout          time.Duration
	gracePeriod      time.Duration
	provisionRetries int
	failFast         bool
	format           string
	output           string
	serve            string
	stream           bool
	noHistory        bool
	watch            bool
	watchPatterns    []string
}

// runPlan is the fully resolved input of one run.
type runPlan struct {
	cfg    *config.Config
	matrix *matrixfile.Matrix
	envs   []matrixfile.Environment
	format report.Format
	opts   matrix.Options
}

func newRunCommand(app *App, rootFlags *rootFlagValues) *cobra.Command {
	flags := &runFlagValues{}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the matrix",
		Long: `Run every environment of the matrix, or the ones selected with --env.

Each environment is provisioned, its setup steps run in order, then its test
steps, then (with --optional) its optional tier. The exit status is 0 only
when every selected environment passed its required steps.

With --watch the matrix runs again whenever files next to the matrix file
change, until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMatrix(cmd, app, rootFlags, flags)
		},
	}

	f := runCmd.Flags()
	f.StringSliceVarP(&flags.environments, "env", "e", nil, "run only the named environment (repeatable)")
	f.BoolVar(&flags.optional, "optional", false, "run the optional tier")
	f.BoolVar(&flags.noOptional, "no-optional", false, "skip the optional tier even if enabled by settings")
	f.BoolVar(&flags.strictOptional, "strict-optional", false, "fail an environment when an optional step fails")
	f.IntVarP(&flags.concurrency, "concurrency", "j", 0, "maximum environments running at once (0 = unbounded)")
	f.DurationVar(&flags.timeout, "timeout", 0, "per-environment wall-clock limit")
	f.DurationVar(&flags.gracePeriod, "grace-period", 0, "time a cancelled step gets before it is killed")
	f.IntVar(&flags.provisionRetries, "provision-retries", 0, "extra attempts at starting an environment")
	f.BoolVar(&flags.failFast, "fail-fast", false, "cancel every environment after the first provisioning or infrastructure error")
	f.StringVar(&flags.format, "format", "", "summary format: text, json, yaml, markdown, html, junit")
	f.StringVarP(&flags.output, "output", "o", "", "also write the report to this file (format from the extension)")
	f.StringVar(&flags.serve, "serve", "", "serve live progress over HTTP on this address (e.g. "+progress.DefaultAddr+")")
	f.BoolVar(&flags.stream, "stream", false, "stream step output to stderr, prefixed by environment and step")
	f.BoolVar(&flags.noHistory, "no-history", false, "do not record this run in the history database")
	f.BoolVarP(&flags.watch, "watch", "w", false, "re-run the matrix whenever files next to the matrix file change")
	f.StringSliceVar(&flags.watchPatterns, "watch-pattern", nil, "glob of files that trigger a re-run in --watch mode (repeatable, default all)")
	runCmd.MarkFlagsMutuallyExclusive("optional", "no-optional")

	_ = runCmd.RegisterFlagCompletionFunc("format", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return report.Formats(), cobra.ShellCompDirectiveNoFileComp
	})
	_ = runCmd.RegisterFlagCompletionFunc("env", func(cmd *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
		m, err := loadMatrix(app, rootFlags)
		if err != nil {
			return nil, cobra.ShellCompDirectiveNoFileComp
		}
		return m.Names(), cobra.ShellCompDirectiveNoFileComp
	})

	return runCmd
}

func runMatrix(cmd *cobra.Command, app *App, rootFlags *rootFlagValues, flags *runFlagValues) error {
	plan, err := runOnce(cmd, app, rootFlags, flags)
	if !flags.watch || plan == nil {
		return err
	}
	reportError(app, err, rootFlags.verbose)
	return watchMatrix(cmd, app, rootFlags, flags, plan)
}

// runOnce executes one full run. The returned plan is nil when the run could
// not start.
func runOnce(cmd *cobra.Command, app *App, rootFlags *rootFlagValues, flags *runFlagValues) (*runPlan, error) {
	ctx := cmd.Context()

	plan, err := resolveRunPlan(cmd, app, rootFlags, flags)
	if err != nil {
		return nil, err
	}
	logger := app.Logger(plan.cfg, rootFlags.verbose)
	runID := uuid.NewString()

	registry := buildRegistry(plan, app, logger, rootFlags.verbose)

	runnerOpts := []steprun.Option{
		steprun.WithLogger(logger),
		steprun.WithGracePeriod(plan.cfg.GracePeriod),
		steprun.WithClock(app.Now),
	}
	if flags.stream {
		runnerOpts = append(runnerOpts, steprun.WithStream(steprun.NewStream(app.stderr)))
	}
	runner := steprun.New(runnerOpts...)

	provisioner := provision.New(registry, runner, provision.Config{
		BaseDir:   plan.matrix.Dir(),
		RunID:     runID,
		MatrixEnv: plan.matrix.Env,
		Retries:   plan.cfg.ProvisionRetries,
	}, logger)

	listener := progressLog(logger)
	if app.stderrIsTerminal() && !flags.stream {
		listener = progressLines(app.stderr)
	}
	agg := report.NewAggregator(plan.envs, report.Options{
		RunID:           runID,
		Matrix:          matrixLabel(plan.matrix),
		IncludeOptional: plan.opts.IncludeOptional,
		StrictOptional:  plan.cfg.StrictOptional,
		Listeners:       []report.Listener{listener},
		Now:             app.Now,
	})

	if flags.serve != "" {
		srv := progress.New(progress.Config{Addr: flags.serve}, agg, logger)
		if err := srv.Start(ctx); err != nil {
			agg.Close()
			return nil, configError(fmt.Errorf("start progress server: %w", err))
		}
		defer func() { _ = srv.Stop() }()
		fmt.Fprintf(app.stderr, "%s %s\n", SubtitleStyle.Render("progress:"), srv.URL()+"/report")
	}

	executor := matrix.New(provisioner, runner, logger)
	if err := executor.Run(ctx, plan.matrix, agg, plan.opts); err != nil {
		agg.Close()
		return nil, configError(err)
	}
	final := agg.Close()

	if err := report.Render(app.stdout, plan.format, final); err != nil {
		return plan, fmt.Errorf("render report: %w", err)
	}
	if flags.output != "" {
		if err := writeReportFile(flags.output, plan.format, final); err != nil {
			return plan, err
		}
		logger.Debug("report written", "path", flags.output)
	}
	if plan.cfg.History.Enabled && !flags.noHistory {
		recordHistory(ctx, plan.cfg, final, logger)
	}

	if code := final.ExitCode(); code != ExitOK {
		return plan, &ExitError{Code: code}
	}
	return plan, nil
}

// watchMatrix re-runs the matrix on every batch of file changes under the
// matrix directory until the command is interrupted.
func watchMatrix(cmd *cobra.Command, app *App, rootFlags *rootFlagValues, flags *runFlagValues, plan *runPlan) error {
	logger := app.Logger(plan.cfg, rootFlags.verbose)
	dir := plan.matrix.Dir()

	w, err := watch.New(watch.Config{
		Dir:      dir,
		Patterns: flags.watchPatterns,
		Ignore:   outputIgnores(dir, flags.output),
	}, logger)
	if err != nil {
		return configError(err)
	}

	fmt.Fprintf(app.stderr, "%s %s\n", SubtitleStyle.Render("watching"), w.Dir())
	return w.Run(cmd.Context(), func(ctx context.Context, changed []string) {
		logger.Info("change detected, re-running", "files", changed)
		if _, err := runOnce(cmd, app, rootFlags, flags); err != nil && ctx.Err() == nil {
			reportError(app, err, rootFlags.verbose)
		}
	})
}

// outputIgnores keeps reports written inside the watched tree from
// triggering another run.
func outputIgnores(dir string, paths ...string) []string {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(absDir, abs)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		out = append(out, filepath.ToSlash(rel))
	}
	return out
}

// resolveRunPlan applies precedence: flags > matrix settings > tool config > defaults.
func resolveRunPlan(cmd *cobra.Command, app *App, rootFlags *rootFlagValues, flags *runFlagValues) (*runPlan, error) {
	cfg, err := loadConfig(cmd, app, rootFlags)
	if err != nil {
		return nil, err
	}
	m, err := loadMatrix(app, rootFlags)
	if err != nil {
		return nil, err
	}
	cfg, err = cfg.ApplySettings(m.Settings)
	if err != nil {
		return nil, configError(matrixLoadError(m.FilePath, err))
	}

	changed := cmd.Flags().Changed
	if changed("concurrency") {
		if flags.concurrency < 0 {
			return nil, configError(fmt.Errorf("--concurrency must be >= 0, got %d", flags.concurrency))
		}
		cfg.Concurrency = flags.concurrency
	}
	if changed("timeout") {
		cfg.Timeout = flags.timeout
	}
	if changed("grace-period") {
		cfg.GracePeriod = flags.gracePeriod
	}
	if changed("provision-retries") {
		cfg.ProvisionRetries = flags.provisionRetries
	}
	if changed("optional") {
		cfg.IncludeOptional = flags.optional
	}
	if changed("no-optional") && flags.noOptional {
		cfg.IncludeOptional = false
	}
	if changed("strict-optional") {
		cfg.StrictOptional = flags.strictOptional
	}
	if changed("fail-fast") {
		cfg.FailFast = flags.failFast
	}
	if changed("format") {
		cfg.Report.Format = flags.format
	}

	format, err := report.ParseFormat(cfg.Report.Format)
	if err != nil {
		return nil, configError(err)
	}

	opts := matrix.Options{
		Environments:    flags.environments,
		IncludeOptional: cfg.IncludeOptional,
		Concurrency:     cfg.Concurrency,
		Timeout:         cfg.Timeout,
		GracePeriod:     cfg.GracePeriod,
		FailFast:        cfg.FailFast,
	}
	envs, err := matrix.Plan(m, opts)
	if err != nil {
		if errors.Is(err, matrix.ErrUnknownEnvironment) {
			return nil, unknownEnvironmentError(m, err)
		}
		return nil, configError(err)
	}
	if len(envs) == 0 {
		return nil, configError(fmt.Errorf("%s defines no runnable environment", m.FilePath))
	}

	return &runPlan{cfg: cfg, matrix: m, envs: envs, format: format, opts: opts}, nil
}

// buildRegistry registers every runtime. The container engine is only checked
// when a selected environment needs it; a missing engine fails those
// environments at provisioning time and leaves the others running.
func buildRegistry(plan *runPlan, app *App, logger *log.Logger, verbose bool) *runtime.Registry {
	registry := runtime.NewRegistry()
	registry.Register(matrixfile.RuntimeNative, runtime.NewNativeRuntime(logger))
	registry.Register(matrixfile.RuntimeVirtual, runtime.NewVirtualRuntime(logger))

	var engine container.Engine
	needsContainer := slices.ContainsFunc(plan.envs, func(e matrixfile.Environment) bool {
		return e.Runtime == matrixfile.RuntimeContainer
	})
	if needsContainer {
		var err error
		engine, err = app.NewEngine(plan.cfg.ContainerEngine)
		if err != nil {
			logger.Warn("container environments will error", "error", err)
			engine = nil
		}
	}
	containerRuntime := runtime.NewContainerRuntime(engine, logger)
	if verbose {
		containerRuntime.BuildOutput = app.stderr
	}
	registry.Register(matrixfile.RuntimeContainer, containerRuntime)
	return registry
}

func writeReportFile(path string, fallback report.Format, r *report.RunReport) error {
	format, ok := report.FormatForPath(path)
	if !ok {
		format = fallback
	}
	if err := report.WriteFile(path, format, r); err != nil {
		return issue.NewErrorContext().
			WithOperation("write report").
			WithResource(path).
			WithIssue(issue.PermissionDeniedId).
			WithSuggestion("Check that the directory is writable").
			Wrap(err).
			BuildError()
	}
	return nil
}

// recordHistory saves the run. History is best effort: failures are logged.
func recordHistory(ctx context.Context, cfg *config.Config, r *report.RunReport, logger *log.Logger) {
	path, err := cfg.HistoryPath()
	if err != nil {
		logger.Warn("history disabled", "error", err)
		return
	}
	store, err := history.Open(path)
	if err != nil {
		logger.Warn("history unavailable", "path", path, "error", err)
		return
	}
	defer func() { _ = store.Close() }()

	// a cancelled run is still recorded
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := store.Save(saveCtx, r); err != nil {
		logger.Warn("failed to record run", "path", path, "error", err)
		return
	}
	logger.Debug("run recorded", "run_id", r.RunID, "path", path)
}

func matrixLabel(m *matrixfile.Matrix) string {
	if m.Name != "" {
		return m.Name
	}
	return m.FilePath
}
