// SPDX-License-Identifier: MPL-2.0

// Package matrixfile loads and validates matrix definition files.
//
// A matrix file names the environments a package is validated in. Each
// environment declares how its execution context is realized (runtime and
// image), and three ordered step lists: setup, test and the optional tier.
// The same structure can be written in CUE, YAML, TOML or JSON (with
// comments); every format is decoded into a Matrix, environment inheritance
// (`extends`) is resolved, and the result is validated as a whole so a
// ConfigError lists every problem at once.
//
// Loading is pure: no network or process access happens here.
package matrixfile
