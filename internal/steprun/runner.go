// SPDX-License-Identifier: MPL-2.0

package steprun

import (
	"context"
	"errors"
	"io"
	"iter"
	"time"

	"github.com/charmbracelet/log"

	"github.com/envmatrix/envmatrix/internal/runtime"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

type (
	// Target is the execution context steps run in.
	Target interface {
		Environment() string
		Provides(tag string) bool
		Exec(ctx context.Context, cmd runtime.Command) *runtime.Result
	}

	// Runner executes step sequences. It holds no per-run state and is safe
	// for concurrent use by several pipelines.
	Runner struct {
		logger *log.Logger
		stream *Stream
		grace  time.Duration
		now    func() time.Time
	}

	// Option configures a Runner.
	Option func(*Runner)
)

// WithLogger sets the logger.
func WithLogger(l *log.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithStream mirrors live step output onto s.
func WithStream(s *Stream) Option {
	return func(r *Runner) { r.stream = s }
}

// WithGracePeriod sets the time between SIGTERM and SIGKILL on cancellation.
func WithGracePeriod(d time.Duration) Option {
	return func(r *Runner) { r.grace = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// New creates a Runner.
func New(opts ...Option) *Runner {
	r := &Runner{
		logger: log.New(io.Discard),
		grace:  10 * time.Second,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run returns the lazy sequence of results of steps in target. Each
// iteration of the sequence starts over from the first step.
//
// Every step yields exactly one result with a nil error, except a step hit
// by an infrastructure fault: it yields an errored result together with the
// *runtime.InfrastructureError and the sequence ends.
func (r *Runner) Run(ctx context.Context, target Target, phase matrixfile.Phase, steps []matrixfile.Step) iter.Seq2[StepResult, error] {
	return func(yield func(StepResult, error) bool) {
		aborted := false
		for i, step := range steps {
			base := newResult(target.Environment(), phase, i, step)

			if reason, skip := r.skipReason(ctx, target, step, aborted); skip {
				if !yield(skipped(base, reason), nil) {
					return
				}
				continue
			}

			res, err := r.runStep(ctx, target, step, base)
			if !yield(res, err) || err != nil {
				return
			}
			if res.Aborts() {
				aborted = true
			}
		}
	}
}

// Skipped returns the results of steps[from:] reported as skipped with reason,
// for steps that are never handed to an execution context.
func Skipped(environment string, phase matrixfile.Phase, steps []matrixfile.Step, from int, reason string) []StepResult {
	if from >= len(steps) {
		return nil
	}
	out := make([]StepResult, 0, len(steps)-from)
	for i := from; i < len(steps); i++ {
		out = append(out, skipped(newResult(environment, phase, i, steps[i]), reason))
	}
	return out
}

func newResult(environment string, phase matrixfile.Phase, index int, step matrixfile.Step) StepResult {
	return StepResult{
		Environment: environment,
		Phase:       phase,
		Index:       index,
		Name:        step.DisplayName(),
		Command:     step.Run,
		Policy:      step.Policy(phase),
	}
}

func skipped(res StepResult, reason string) StepResult {
	res.Status = StatusSkipped
	res.Reason = reason
	res.ExitCode = -1
	return res
}

func (r *Runner) skipReason(ctx context.Context, target Target, step matrixfile.Step, aborted bool) (string, bool) {
	switch {
	case ctx.Err() != nil:
		return ReasonCancelled, true
	case aborted:
		return ReasonFatalAbort, true
	}
	for _, tag := range step.Requires {
		if !target.Provides(tag) {
			return ReasonCapability, true
		}
	}
	return "", false
}

func (r *Runner) runStep(ctx context.Context, target Target, step matrixfile.Step, res StepResult) (StepResult, error) {
	stepCtx := ctx
	if d := step.TimeoutDuration(); d > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	cmd := runtime.Command{
		Script:      step.Run,
		WorkDir:     step.WorkDir,
		Env:         step.Env,
		TTY:         step.TTY,
		GracePeriod: r.grace,
	}
	if r.stream != nil {
		prefix := res.Environment + " " + res.ID()
		stdout, stderr := r.stream.Writer(prefix), r.stream.Writer(prefix)
		defer stdout.Flush()
		defer stderr.Flush()
		cmd.Stdout, cmd.Stderr = stdout, stderr
	}

	r.logger.Debug("step started", "env", res.Environment, "step", res.ID())
	res.StartedAt = r.now()
	out := target.Exec(stepCtx, cmd)
	res.Duration = r.now().Sub(res.StartedAt)
	res.ExitCode = int(out.ExitCode)
	res.Stdout = out.Output
	res.Stderr = out.ErrOutput

	var err error
	var infra *runtime.InfrastructureError
	switch {
	case out.Error == nil && out.ExitCode.IsSuccess():
		res.Status = StatusPassed
	case out.Error == nil:
		res.Status = StatusFailed
	case errors.As(out.Error, &infra):
		res.Status = StatusErrored
		res.Reason = infra.Error()
		err = infra
	case ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Reason = ReasonCancelled
	case stepCtx.Err() != nil:
		res.Status = StatusFailed
		res.Reason = ReasonTimeout
	default:
		res.Status = StatusErrored
		res.Reason = out.Error.Error()
		err = &runtime.InfrastructureError{Environment: res.Environment, Op: "exec", Cause: out.Error}
	}

	level := log.DebugLevel
	if res.Failed() {
		level = log.InfoLevel
	}
	r.logger.Log(level, "step finished", "env", res.Environment, "step", res.ID(),
		"status", res.Status, "exit", res.ExitCode, "duration", res.Duration.Round(time.Millisecond))
	return res, err
}
