// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/charmbracelet/log"
	"github.com/creack/pty"

	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// killWaitSlack is added to the grace period before Wait gives up on pipes.
const killWaitSlack = 2 * time.Second

type (
	// NativeRuntime runs steps with the host shell. Each environment gets a
	// scratch directory, removed on Destroy, unless it declares a workdir.
	NativeRuntime struct {
		// Shell overrides shell discovery.
		Shell  string
		logger *log.Logger
	}

	nativeInstance struct {
		env     string
		shell   string
		workDir string
		scratch bool
		logger  *log.Logger
	}
)

// NewNativeRuntime creates the native runtime.
func NewNativeRuntime(logger *log.Logger) *NativeRuntime {
	return &NativeRuntime{logger: loggerOrDiscard(logger)}
}

// Name returns the runtime name.
func (r *NativeRuntime) Name() string { return string(matrixfile.RuntimeNative) }

// Available reports whether a POSIX shell is on PATH.
func (r *NativeRuntime) Available() bool {
	_, err := r.shell()
	return err == nil
}

// Validate checks the environment. Native steps can use every step feature.
func (r *NativeRuntime) Validate(env *matrixfile.Environment) error {
	if env.Runtime != matrixfile.RuntimeNative {
		return fmt.Errorf("environment %s uses runtime %s, not native", env.Name, env.Runtime)
	}
	return nil
}

// Start prepares the working directory of the environment.
func (r *NativeRuntime) Start(_ context.Context, req StartRequest) (Instance, error) {
	shell, err := r.shell()
	if err != nil {
		return nil, infraError(req.Environment.Name, "start", err)
	}
	workDir, scratch, err := prepareWorkDir(req)
	if err != nil {
		return nil, infraError(req.Environment.Name, "start", err)
	}
	r.logger.Debug("native instance ready", "env", req.Environment.Name, "workdir", workDir)
	return &nativeInstance{
		env:     req.Environment.Name,
		shell:   shell,
		workDir: workDir,
		scratch: scratch,
		logger:  r.logger,
	}, nil
}

func (r *NativeRuntime) shell() (string, error) {
	if r.Shell != "" {
		return r.Shell, nil
	}
	for _, candidate := range []string{"bash", "sh"} {
		if path, err := exec.LookPath(candidate); err == nil {
			return path, nil
		}
	}
	return "", errors.New("no POSIX shell (bash or sh) found on PATH")
}

// prepareWorkDir resolves the declared workdir against the matrix directory,
// or creates a scratch directory.
func prepareWorkDir(req StartRequest) (dir string, scratch bool, err error) {
	if wd := req.Environment.WorkDir; wd != "" {
		wd, err = resolvePath(req.BaseDir, wd)
		if err != nil {
			return "", false, fmt.Errorf("workdir: %w", err)
		}
		info, statErr := os.Stat(wd)
		if statErr != nil {
			return "", false, fmt.Errorf("workdir: %w", statErr)
		}
		if !info.IsDir() {
			return "", false, fmt.Errorf("workdir %s is not a directory", wd)
		}
		return wd, false, nil
	}
	dir, err = os.MkdirTemp("", "envmatrix-"+req.Environment.Name+"-")
	if err != nil {
		return "", false, fmt.Errorf("create scratch directory: %w", err)
	}
	return dir, true, nil
}

func (i *nativeInstance) ID() string      { return i.workDir }
func (i *nativeInstance) WorkDir() string { return i.workDir }

// Exec runs the script with `<shell> -c`. The command runs in its own process
// group; cancellation sends SIGTERM to the group and SIGKILL after the grace period.
func (i *nativeInstance) Exec(ctx context.Context, c Command) *Result {
	dir, res := resolveStepDir(i.env, i.workDir, c.WorkDir)
	if res != nil {
		return res
	}

	cmd := exec.CommandContext(ctx, i.shell, "-c", c.Script)
	cmd.Dir = dir
	cmd.Env = EnvToSlice(MergeEnv(hostEnv(), c.Env))
	cmd.WaitDelay = c.GracePeriod + killWaitSlack

	stdout := newCapture(c.Stdout)
	stderr := newCapture(c.Stderr)

	var err error
	if c.TTY {
		err = runWithPTY(cmd, stdout, c.GracePeriod)
	} else {
		cmd.Stdout = stdout
		cmd.Stderr = stderr
		setProcessGroup(cmd)
		cmd.Cancel = terminateGroup(cmd, c.GracePeriod)
		err = cmd.Run()
	}

	return classifyExit(ctx, i.env, err, stdout, stderr)
}

// runWithPTY runs cmd attached to a pseudo-terminal. pty.Start puts the
// child in a new session, so it leads its own process group.
func runWithPTY(cmd *exec.Cmd, out io.Writer, grace time.Duration) error {
	cmd.Cancel = terminateGroup(cmd, grace)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return err
	}
	defer ptmx.Close()

	copied := make(chan struct{})
	go func() {
		// EIO marks the end of output once the child exits.
		_, _ = io.Copy(out, ptmx)
		close(copied)
	}()
	err = cmd.Wait()
	select {
	case <-copied:
	case <-time.After(killWaitSlack):
	}
	return err
}

// Destroy removes the scratch directory. Declared workdirs are left alone.
func (i *nativeInstance) Destroy(context.Context) error {
	if !i.scratch {
		return nil
	}
	if err := os.RemoveAll(i.workDir); err != nil {
		return fmt.Errorf("remove scratch directory: %w", err)
	}
	i.logger.Debug("native instance removed", "env", i.env, "workdir", i.workDir)
	return nil
}

// resolveStepDir joins a step workdir onto the instance workdir. A missing
// instance workdir is an infrastructure fault; a missing step directory is a
// failure of the step itself.
func resolveStepDir(env, root, stepDir string) (string, *Result) {
	if _, err := os.Stat(root); err != nil {
		return "", &Result{ExitCode: -1, Error: infraError(env, "exec", fmt.Errorf("working directory lost: %w", err))}
	}
	dir := root
	if stepDir != "" {
		dir = stepDir
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(root, dir)
		}
	}
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return "", &Result{ExitCode: 1, ErrOutput: fmt.Sprintf("envmatrix: step workdir %s does not exist\n", dir)}
	}
	return dir, nil
}

// classifyExit turns the error of a finished process into a Result.
func classifyExit(ctx context.Context, env string, err error, stdout, stderr fmt.Stringer) *Result {
	res := &Result{Output: stdout.String(), ErrOutput: stderr.String()}
	if ctxErr := ctx.Err(); ctxErr != nil {
		res.ExitCode = -1
		res.Error = ctxErr
		return res
	}
	if err == nil {
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = ExitCode(exitErr.ExitCode())
		return res
	}
	res.ExitCode = -1
	res.Error = infraError(env, "exec", err)
	return res
}
