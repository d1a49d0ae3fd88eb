// SPDX-License-Identifier: MPL-2.0

// Package matrix runs every selected environment of a matrix through its own
// pipeline: provision, setup, test steps, optional steps, release.
//
// Pipelines share nothing but the result sink. Each one owns its execution
// context and releases it on every exit path, including timeout and
// cancellation.
package matrix
