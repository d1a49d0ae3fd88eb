// SPDX-License-Identifier: MPL-2.0

package provision

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"

	"github.com/envmatrix/envmatrix/internal/container"
	"github.com/envmatrix/envmatrix/internal/runtime"
	"github.com/envmatrix/envmatrix/internal/steprun"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

const (
	// DefaultRetries is the number of start retries after the first attempt.
	DefaultRetries = 2
	// DefaultBackoff is the wait before the first retry; it doubles each time.
	DefaultBackoff = time.Second
	// DefaultReleaseTimeout bounds the cleanup of a context that failed setup.
	DefaultReleaseTimeout = 30 * time.Second
)

type (
	// Config holds the run-wide inputs of a Provisioner.
	Config struct {
		// BaseDir is the matrix file directory. New makes it absolute.
		BaseDir string
		// RunID tags instances started for the run.
		RunID string
		// MatrixEnv is the matrix-wide variable set, overridden by environment env.
		MatrixEnv map[string]string
		// Retries is the number of start retries after the first attempt.
		Retries int
		// Backoff is the wait before the first retry.
		Backoff time.Duration
		// ReleaseTimeout bounds the cleanup of a context that failed setup.
		ReleaseTimeout time.Duration
	}

	// Observer receives setup step results as they are produced.
	Observer func(steprun.StepResult)

	// Provisioner realizes environments into ready execution contexts.
	Provisioner struct {
		registry *runtime.Registry
		runner   *steprun.Runner
		cfg      Config
		logger   *log.Logger
	}
)

// New creates a Provisioner. A nil logger discards output.
func New(registry *runtime.Registry, runner *steprun.Runner, cfg Config, logger *log.Logger) *Provisioner {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultBackoff
	}
	if cfg.ReleaseTimeout <= 0 {
		cfg.ReleaseTimeout = DefaultReleaseTimeout
	}
	if abs, err := filepath.Abs(cfg.BaseDir); err == nil {
		cfg.BaseDir = abs
	}
	return &Provisioner{registry: registry, runner: runner, cfg: cfg, logger: logger}
}

// Provision starts env and applies its setup steps, streaming their results
// to observe. On success the caller owns the returned context and must
// release it. On failure no context is left behind.
func (p *Provisioner) Provision(ctx context.Context, env *matrixfile.Environment, observe Observer) (*runtime.ExecutionContext, error) {
	logger := p.logger.With("env", env.Name)

	rt, err := p.registry.Get(env.Runtime)
	if err != nil {
		return nil, &ProvisionError{Environment: env.Name, Phase: PhaseStart, Cause: err}
	}
	if err := rt.Validate(env); err != nil {
		return nil, &ProvisionError{Environment: env.Name, Phase: PhaseStart, Cause: err}
	}

	req := runtime.StartRequest{
		Environment: env,
		BaseDir:     p.cfg.BaseDir,
		Env:         p.Env(env),
		RunID:       p.cfg.RunID,
	}
	inst, attempts, err := p.start(ctx, rt, req, logger)
	if err != nil {
		return nil, &ProvisionError{Environment: env.Name, Phase: PhaseStart, Attempts: attempts, Cause: err}
	}
	logger.Info("environment started", "runtime", rt.Name(), "instance", inst.ID(), "attempts", attempts)

	ec := runtime.NewExecutionContext(env.Name, inst, req.Env, env.Capabilities)
	if err := p.setup(ctx, ec, env, observe); err != nil {
		p.release(ctx, ec, logger)
		return nil, err
	}
	return ec, nil
}

// Env returns the variables every step of env receives.
func (p *Provisioner) Env(env *matrixfile.Environment) map[string]string {
	return runtime.MergeEnv(p.cfg.MatrixEnv, env.Env, map[string]string{
		runtime.EnvMarker:      "1",
		runtime.EnvEnvironment: env.Name,
		runtime.EnvRunID:       p.cfg.RunID,
		runtime.EnvSourceDir:   p.cfg.BaseDir,
	})
}

func (p *Provisioner) start(ctx context.Context, rt runtime.Runtime, req runtime.StartRequest, logger *log.Logger) (runtime.Instance, int, error) {
	var (
		inst     runtime.Instance
		attempts int
	)
	err := container.RetryWithBackoff(ctx, p.cfg.Retries+1, p.cfg.Backoff, func(attempt int) (bool, error) {
		attempts = attempt + 1
		r := req
		if preparer, ok := rt.(runtime.ImagePreparer); ok {
			image, err := preparer.PrepareImage(ctx, r)
			if err != nil {
				return retryable(ctx, err), err
			}
			r.Image = image
		}
		started, err := rt.Start(ctx, r)
		if err != nil {
			logger.Warn("start attempt failed", "attempt", attempts, "transient", container.IsTransientError(err), "error", err)
			return retryable(ctx, err), err
		}
		inst = started
		return false, nil
	})
	return inst, attempts, err
}

// retryable reports whether a failed start is worth another attempt. Any
// failure is retried except cancellation and a missing substrate.
func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return !errors.Is(err, container.ErrEngineNotAvailable) && !errors.Is(err, runtime.ErrRuntimeNotAvailable)
}

func (p *Provisioner) setup(ctx context.Context, ec *runtime.ExecutionContext, env *matrixfile.Environment, observe Observer) error {
	var fatal *steprun.StepResult
	for res, err := range p.runner.Run(ctx, ec, matrixfile.PhaseSetup, env.Setup) {
		if observe != nil {
			observe(res)
		}
		if err != nil {
			if observe != nil {
				for _, rest := range steprun.Skipped(env.Name, matrixfile.PhaseSetup, env.Setup, res.Index+1, steprun.ReasonFatalAbort) {
					observe(rest)
				}
			}
			return &ProvisionError{Environment: env.Name, Phase: PhaseSetup, Step: &res, Cause: err}
		}
		if fatal == nil && res.Aborts() {
			fatal = &res
		}
	}
	if fatal == nil {
		return nil
	}
	cause := ErrSetupFailed
	if fatal.Status == steprun.StatusCancelled {
		cause = fmt.Errorf("%w: %w", ErrSetupFailed, context.Cause(ctx))
	}
	return &ProvisionError{Environment: env.Name, Phase: PhaseSetup, Step: fatal, Cause: cause}
}

func (p *Provisioner) release(ctx context.Context, ec *runtime.ExecutionContext, logger *log.Logger) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.ReleaseTimeout)
	defer cancel()
	if err := ec.Release(releaseCtx); err != nil {
		logger.Warn("release after failed setup", "error", err)
	}
}
