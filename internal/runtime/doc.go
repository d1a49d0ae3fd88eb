// SPDX-License-Identifier: MPL-2.0

// Package runtime realizes environment descriptors into isolated execution
// contexts and runs shell steps inside them.
//
// Three substrates are provided: native (host shell in a scratch directory),
// virtual (the embedded mvdan/sh interpreter) and container (one long-lived
// container per environment). Each returns an Instance, which the
// ExecutionContext owns and destroys exactly once.
package runtime
