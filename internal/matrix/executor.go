// SPDX-License-Identifier: MPL-2.0

package matrix

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/envmatrix/envmatrix/internal/provision"
	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/runtime"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// ReasonNotStarted is the reason of environments cancelled before their pipeline began.
const ReasonNotStarted = "cancelled before start"

// defaultReleaseTimeout bounds Release when no grace period is configured.
const defaultReleaseTimeout = 30 * time.Second

var (
	// ErrUnknownEnvironment is returned when a selected name is not in the matrix.
	ErrUnknownEnvironment = matrixfile.ErrUnknownEnvironment

	errEnvironmentTimeout = errors.New("environment timeout exceeded")
)

type (
	// Provisioner makes an environment ready to run steps.
	Provisioner interface {
		Provision(ctx context.Context, env *matrixfile.Environment, observe provision.Observer) (*runtime.ExecutionContext, error)
	}

	// Sink receives pipeline events. *report.Aggregator implements it.
	Sink interface {
		Start(env string)
		Step(res steprun.StepResult)
		Complete(o report.Outcome)
	}

	// Options controls one run.
	Options struct {
		// Environments selects a subset by name; empty runs every runnable environment.
		Environments []string
		// IncludeOptional runs the optional tier after the test steps pass.
		IncludeOptional bool
		// Concurrency bounds the pipelines running at once; 0 is unbounded.
		Concurrency int
		// Timeout is the wall-clock limit of an environment without its own timeout.
		Timeout time.Duration
		// GracePeriod bounds cleanup after a timeout or cancellation.
		GracePeriod time.Duration
		// FailFast cancels every pipeline after the first provisioning or
		// infrastructure error.
		FailFast bool
	}

	// Executor fans a matrix out into concurrent pipelines.
	Executor struct {
		provisioner Provisioner
		runner      *steprun.Runner
		logger      *log.Logger
	}
)

// New creates an Executor. A nil logger discards output.
func New(p Provisioner, runner *steprun.Runner, logger *log.Logger) *Executor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Executor{provisioner: p, runner: runner, logger: logger}
}

// Plan returns the environments a run with opts executes, in declaration order.
func Plan(m *matrixfile.Matrix, opts Options) ([]matrixfile.Environment, error) {
	return m.Select(opts.Environments)
}

// Run executes the selected environments of m and reports every one of them
// to sink exactly once through Complete. It returns an error only when the
// run cannot begin; environment failures are reported, not returned.
func (e *Executor) Run(ctx context.Context, m *matrixfile.Matrix, sink Sink, opts Options) error {
	envs, err := Plan(m, opts)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	if opts.Concurrency > 0 {
		g.SetLimit(opts.Concurrency)
	} else {
		g.SetLimit(-1)
	}

	e.logger.Info("matrix run started", "matrix", m.Name, "environments", len(envs), "concurrency", opts.Concurrency)
	for i := range envs {
		env := &envs[i]
		if gctx.Err() != nil {
			sink.Complete(report.Outcome{Environment: env.Name, Cancelled: true, Reason: ReasonNotStarted})
			continue
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				sink.Complete(report.Outcome{Environment: env.Name, Cancelled: true, Reason: ReasonNotStarted})
				return nil
			}
			return e.pipeline(gctx, env, sink, opts)
		})
	}

	if err := g.Wait(); err != nil {
		e.logger.Warn("matrix run stopped early", "error", err)
	}
	return nil
}

// pipeline runs one environment. The returned error is only non-nil in
// fail-fast mode, where it cancels the other pipelines.
func (e *Executor) pipeline(ctx context.Context, env *matrixfile.Environment, sink Sink, opts Options) error {
	logger := e.logger.With("env", env.Name)
	sink.Start(env.Name)

	pctx, cancel := environmentContext(ctx, env, opts)
	defer cancel()

	interrupted := false
	observe := func(res steprun.StepResult) {
		if res.Status == steprun.StatusCancelled || res.Reason == steprun.ReasonCancelled {
			interrupted = true
		}
		sink.Step(res)
	}

	outcome := report.Outcome{Environment: env.Name}
	ec, err := e.provisioner.Provision(pctx, env, observe)
	if err != nil {
		outcome.Err = err
		if pctx.Err() != nil {
			interrupted = true
		}
		reason := steprun.ReasonNotProvisioned
		switch {
		case pctx.Err() != nil:
			reason = steprun.ReasonCancelled
		case isSetupError(err):
			reason = steprun.ReasonFatalAbort
		}
		skip(observe, env.Name, matrixfile.PhaseTest, env.Test, 0, reason)
		if opts.IncludeOptional {
			skip(observe, env.Name, matrixfile.PhaseOptional, env.Optional, 0, reason)
		}
	} else {
		outcome.Err = e.execute(pctx, ctx, ec, env, opts, observe, logger)
	}

	if interrupted {
		if errors.Is(context.Cause(pctx), errEnvironmentTimeout) {
			outcome.TimedOut = true
		} else {
			outcome.Cancelled = true
		}
	}
	sink.Complete(outcome)

	switch {
	case outcome.TimedOut:
		logger.Warn("environment timed out")
	case outcome.Err != nil:
		logger.Error("environment errored", "error", outcome.Err)
	default:
		logger.Info("environment finished")
	}

	if opts.FailFast && outcome.Err != nil && !outcome.Cancelled {
		return fmt.Errorf("fail-fast after %s: %w", env.Name, outcome.Err)
	}
	return nil
}

// execute runs the test and optional tiers and releases ec on every path.
// It returns the infrastructure error that ended the run, if any.
func (e *Executor) execute(pctx, parent context.Context, ec *runtime.ExecutionContext, env *matrixfile.Environment, opts Options, observe provision.Observer, logger *log.Logger) (err error) {
	defer func() {
		if relErr := release(parent, ec, opts.GracePeriod); relErr != nil {
			logger.Warn("release failed", "error", relErr)
		}
	}()

	test, err := e.phase(pctx, ec, matrixfile.PhaseTest, env.Test, observe)
	if err != nil {
		skip(observe, env.Name, matrixfile.PhaseTest, env.Test, test.reported, steprun.ReasonFatalAbort)
	}
	if !opts.IncludeOptional {
		return err
	}

	// The optional tier only runs on top of a passing test phase.
	var reason string
	switch {
	case err != nil, test.aborted:
		reason = steprun.ReasonFatalAbort
	case pctx.Err() != nil:
		reason = steprun.ReasonCancelled
	case test.failed:
		reason = steprun.ReasonTestsFailed
	}
	if reason != "" {
		skip(observe, env.Name, matrixfile.PhaseOptional, env.Optional, 0, reason)
		return err
	}

	optional, err := e.phase(pctx, ec, matrixfile.PhaseOptional, env.Optional, observe)
	if err != nil {
		skip(observe, env.Name, matrixfile.PhaseOptional, env.Optional, optional.reported, steprun.ReasonFatalAbort)
	}
	return err
}

// phaseResult summarizes the steps of one phase that were reported.
type phaseResult struct {
	reported int
	aborted  bool
	failed   bool
}

func (e *Executor) phase(ctx context.Context, ec *runtime.ExecutionContext, phase matrixfile.Phase, steps []matrixfile.Step, observe provision.Observer) (phaseResult, error) {
	var pr phaseResult
	for res, stepErr := range e.runner.Run(ctx, ec, phase, steps) {
		observe(res)
		pr.reported++
		if stepErr != nil {
			pr.aborted, pr.failed = true, true
			return pr, stepErr
		}
		if res.Failed() {
			pr.failed = true
		}
		if res.Aborts() {
			pr.aborted = true
		}
	}
	return pr, nil
}

// skip reports steps[from:] as skipped without running them.
func skip(observe provision.Observer, env string, phase matrixfile.Phase, steps []matrixfile.Step, from int, reason string) {
	for _, res := range steprun.Skipped(env, phase, steps, from, reason) {
		observe(res)
	}
}

// isSetupError reports whether err ended provisioning during the setup steps.
func isSetupError(err error) bool {
	var perr *provision.ProvisionError
	return errors.As(err, &perr) && perr.Phase == provision.PhaseSetup
}

// environmentContext derives the pipeline context, bounded by the
// environment timeout or, failing that, the run timeout.
func environmentContext(ctx context.Context, env *matrixfile.Environment, opts Options) (context.Context, context.CancelFunc) {
	timeout := env.TimeoutDuration()
	if timeout <= 0 {
		timeout = opts.Timeout
	}
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeoutCause(ctx, timeout, errEnvironmentTimeout)
}

// release destroys ec on a context that survives cancellation of the run,
// bounded by the grace period.
func release(parent context.Context, ec *runtime.ExecutionContext, grace time.Duration) error {
	timeout := defaultReleaseTimeout
	if grace > 0 {
		timeout = 2 * grace
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), timeout)
	defer cancel()
	return ec.Release(ctx)
}
