// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the CLI commands for envmatrix.
//
// It builds the Cobra command tree (run, list, validate, history, config,
// completion) around an App composition root, so tests can substitute the
// config provider, container engine factory and output streams.
package cmd
