// SPDX-License-Identifier: MPL-2.0

// Package progress serves a live, read-only view of a running matrix over HTTP.
//
// The server exposes the aggregator snapshot as JSON so that CI dashboards or a
// second terminal can follow long runs without waiting for the final report.
package progress
