// SPDX-License-Identifier: MPL-2.0

//go:build unix

package runtime

import (
	"os/exec"
	"syscall"
	"time"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// terminateGroup sends SIGTERM to the process group of cmd and escalates to
// SIGKILL after grace. A zero grace kills immediately.
func terminateGroup(cmd *exec.Cmd, grace time.Duration) func() error {
	return func() error {
		pgid := -cmd.Process.Pid
		if grace <= 0 {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil {
			return syscall.Kill(pgid, syscall.SIGKILL)
		}
		go func() {
			time.Sleep(grace)
			// ESRCH once the group is gone
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		}()
		return nil
	}
}
