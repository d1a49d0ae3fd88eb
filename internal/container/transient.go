// SPDX-License-Identifier: MPL-2.0

package container

import (
	"context"
	"errors"
	"os/exec"
	"strings"
)

var transientMarkers = []string{
	// rootless Podman races and OCI runtime hiccups
	"ping_group_range",
	"OCI runtime error",
	// registry and DNS trouble during pull
	"Temporary failure resolving",
	"Could not resolve host",
	"connection timed out",
	"connection refused",
	"TLS handshake timeout",
	"i/o timeout",
	"toomanyrequests",
	// overlay mount races
	"error creating overlay mount",
	"error mounting layer",
}

// IsTransientError reports whether a container engine error may succeed on
// retry. Context cancellation is never transient.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	// Exit code 125 is the generic engine failure (storage, cgroups).
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 125 {
		return true
	}

	msg := err.Error()
	for _, marker := range transientMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
