// SPDX-License-Identifier: MPL-2.0

// Package container drives Docker and Podman through their CLIs.
//
// An environment realized on the container runtime lives in one long-lived
// container: Start launches it detached, Exec runs each step inside it and
// Remove tears it down. Both engines share BaseCLIEngine, which builds the
// argument lists and runs the binary through an injectable exec function.
package container
