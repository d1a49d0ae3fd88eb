// SPDX-License-Identifier: MPL-2.0

// Package cueutil provides shared CUE parsing utilities.
//
// Both the matrix file loader and the global config loader follow the same flow:
//
//  1. Compile the embedded schema
//  2. Compile user data and unify with the schema's root definition
//  3. Validate and decode to a Go value
//
// # Usage
//
//	//go:embed matrixfile_schema.cue
//	var schemaBytes []byte
//
//	result, err := cueutil.ParseAndDecode[Matrix](
//	    schemaBytes,
//	    userFileBytes,
//	    "#Matrix",
//	    cueutil.WithFilename("envmatrix.cue"),
//	)
//	if err != nil {
//	    return nil, err // carries the CUE path of the offending field
//	}
//	return result.Value, nil
package cueutil
