// SPDX-License-Identifier: MPL-2.0

// Package steprun executes the ordered steps of one environment phase inside
// a provisioned execution context.
//
// A step failure is data, not control flow: every declared step produces a
// StepResult, and a failed fatal step turns the remaining steps into skipped
// results. Only a fault of the execution substrate ends the sequence with an
// error.
package steprun
