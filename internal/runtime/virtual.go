// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/log"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// syntaxErrorExit is the exit code of a script that fails to parse, as in POSIX shells.
const syntaxErrorExit ExitCode = 2

type (
	// VirtualRuntime runs steps with an embedded POSIX shell interpreter.
	// Builtins run in-process; external commands are resolved from the host PATH.
	VirtualRuntime struct {
		logger *log.Logger
	}

	virtualInstance struct {
		env     string
		workDir string
		scratch bool
		logger  *log.Logger
	}
)

// NewVirtualRuntime creates the virtual runtime.
func NewVirtualRuntime(logger *log.Logger) *VirtualRuntime {
	return &VirtualRuntime{logger: loggerOrDiscard(logger)}
}

// Name returns the runtime name.
func (r *VirtualRuntime) Name() string { return string(matrixfile.RuntimeVirtual) }

// Available always reports true; the interpreter is built in.
func (r *VirtualRuntime) Available() bool { return true }

// Validate parses every step script and rejects terminal steps.
func (r *VirtualRuntime) Validate(env *matrixfile.Environment) error {
	if env.Runtime != matrixfile.RuntimeVirtual {
		return fmt.Errorf("environment %s uses runtime %s, not virtual", env.Name, env.Runtime)
	}
	var errs []error
	for _, phase := range []matrixfile.Phase{matrixfile.PhaseSetup, matrixfile.PhaseTest, matrixfile.PhaseOptional} {
		for i, step := range env.Steps(phase) {
			if step.TTY {
				errs = append(errs, fmt.Errorf("%s[%d]: tty is not supported by the virtual runtime", phase, i))
			}
			if _, err := parseScript(step.Run); err != nil {
				errs = append(errs, fmt.Errorf("%s[%d]: %w", phase, i, err))
			}
		}
	}
	return errors.Join(errs...)
}

// Start prepares the working directory of the environment.
func (r *VirtualRuntime) Start(_ context.Context, req StartRequest) (Instance, error) {
	workDir, scratch, err := prepareWorkDir(req)
	if err != nil {
		return nil, infraError(req.Environment.Name, "start", err)
	}
	r.logger.Debug("virtual instance ready", "env", req.Environment.Name, "workdir", workDir)
	return &virtualInstance{env: req.Environment.Name, workDir: workDir, scratch: scratch, logger: r.logger}, nil
}

func parseScript(script string) (*syntax.File, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(script), "step")
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}
	return prog, nil
}

func (i *virtualInstance) ID() string      { return "virtual:" + i.workDir }
func (i *virtualInstance) WorkDir() string { return i.workDir }

// Exec interprets the script. External commands get SIGTERM on
// cancellation and SIGKILL once the grace period elapses.
func (i *virtualInstance) Exec(ctx context.Context, c Command) *Result {
	dir, res := resolveStepDir(i.env, i.workDir, c.WorkDir)
	if res != nil {
		return res
	}

	stdout := newCapture(c.Stdout)
	stderr := newCapture(c.Stderr)

	prog, err := parseScript(c.Script)
	if err != nil {
		fmt.Fprintf(stderr, "envmatrix: %v\n", err)
		return &Result{ExitCode: syntaxErrorExit, ErrOutput: stderr.String()}
	}

	grace := c.GracePeriod
	runner, err := interp.New(
		interp.Dir(dir),
		interp.Env(expand.ListEnviron(EnvToSlice(MergeEnv(hostEnv(), c.Env))...)),
		interp.StdIO(nil, stdout, stderr),
		interp.ExecHandlers(func(interp.ExecHandlerFunc) interp.ExecHandlerFunc {
			return interp.DefaultExecHandler(grace)
		}),
	)
	if err != nil {
		return &Result{ExitCode: -1, Error: infraError(i.env, "exec", err)}
	}

	err = runner.Run(ctx, prog)
	result := &Result{Output: stdout.String(), ErrOutput: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		result.ExitCode = -1
		result.Error = ctxErr
		return result
	}
	if err == nil {
		return result
	}
	var status interp.ExitStatus
	if errors.As(err, &status) {
		result.ExitCode = ExitCode(status)
		return result
	}
	// Fatal interpreter errors (bad redirections, unset -u variables) fail the step.
	result.ExitCode = 1
	result.ErrOutput += fmt.Sprintf("envmatrix: %v\n", err)
	return result
}

// Destroy removes the scratch directory.
func (i *virtualInstance) Destroy(context.Context) error {
	if !i.scratch {
		return nil
	}
	if err := os.RemoveAll(i.workDir); err != nil {
		return fmt.Errorf("remove scratch directory: %w", err)
	}
	i.logger.Debug("virtual instance removed", "env", i.env, "workdir", i.workDir)
	return nil
}
