// SPDX-License-Identifier: MPL-2.0

//go:build !unix

package runtime

import (
	"os/exec"
	"time"
)

func setProcessGroup(*exec.Cmd) {}

func terminateGroup(cmd *exec.Cmd, _ time.Duration) func() error {
	return func() error { return cmd.Process.Kill() }
}
