// SPDX-License-Identifier: MPL-2.0

// Package provision turns an environment descriptor into a ready execution
// context: it prepares the image, starts the isolated instance with bounded
// retries, and applies the environment's setup steps.
package provision
