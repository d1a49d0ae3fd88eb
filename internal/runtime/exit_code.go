// SPDX-License-Identifier: MPL-2.0

package runtime

import "strconv"

// ExitCode is a process exit status. -1 means the process was killed by a signal.
type ExitCode int

// IsSuccess reports whether the exit code indicates success.
func (c ExitCode) IsSuccess() bool { return c == 0 }

// IsSignal reports whether the process was terminated by a signal.
func (c ExitCode) IsSignal() bool { return c < 0 }

func (c ExitCode) String() string { return strconv.Itoa(int(c)) }
