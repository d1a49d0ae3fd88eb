// SPDX-License-Identifier: MPL-2.0

// Command envmatrix runs a package's test suite across a matrix of environments.
package main

import cmd "github.com/envmatrix/envmatrix/cmd/envmatrix"

func main() {
	cmd.Execute()
}
