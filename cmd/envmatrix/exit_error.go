// SPDX-License-Identifier: MPL-2.0

package cmd

import "fmt"

const (
	// ExitOK means every selected environment passed.
	ExitOK = 0
	// ExitFailed means at least one environment did not pass.
	ExitFailed = 1
	// ExitConfig means the run could not start: bad flags, config or matrix file.
	ExitConfig = 2
)

// ExitError signals a non-zero exit code without forcing os.Exit in RunE handlers.
// A nil Err means the outcome was already reported and nothing more is printed.
type ExitError struct {
	Code int
	Err  error
}

// Error returns the error message for ExitError.
func (e *ExitError) Error() string {
	if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("exit status %d", e.Code)
}

// Unwrap returns the underlying error, if any.
func (e *ExitError) Unwrap() error {
	return e.Err
}

func configError(err error) error {
	return &ExitError{Code: ExitConfig, Err: err}
}
