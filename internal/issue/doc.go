// SPDX-License-Identifier: MPL-2.0

// Package issue turns envmatrix failures into messages a user can act on.
//
// ActionableError carries the failed operation, the resource involved and
// remediation hints. Known failure classes additionally link to a catalog of
// Markdown help pages rendered with glamour.
package issue
