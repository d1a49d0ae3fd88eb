// SPDX-License-Identifier: MPL-2.0

// Package report aggregates streamed step results into a RunReport, derives
// per-environment verdicts and the overall exit status, and renders the
// report for humans and machines.
//
// The Aggregator owns the report. Pipelines send it events; a single
// goroutine applies them in arrival order, so concurrent pipelines never
// write the report directly.
package report
