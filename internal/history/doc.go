// SPDX-License-Identifier: MPL-2.0

// Package history records finished run reports in a local SQLite database so
// that earlier runs can be listed and inspected. Step output is stored
// zstd-compressed.
package history
