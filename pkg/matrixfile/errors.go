// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMatrix is wrapped by every ConfigError.
	ErrInvalidMatrix = errors.New("invalid matrix definition")

	// ErrUnknownEnvironment is returned by Select for names the matrix does not define.
	ErrUnknownEnvironment = errors.New("unknown environment")

	// ErrUnsupportedFormat is returned for file extensions no decoder handles.
	ErrUnsupportedFormat = errors.New("unsupported matrix file format")
)

// ConfigError reports every problem found while loading a matrix file.
// It aborts the run before any pipeline starts.
type ConfigError struct {
	Path string
	Errs []error
}

func (e *ConfigError) Error() string {
	var sb strings.Builder
	subject := e.Path
	if subject == "" {
		subject = "matrix"
	}
	if len(e.Errs) == 1 {
		fmt.Fprintf(&sb, "%s: %v", subject, e.Errs[0])
		return sb.String()
	}
	fmt.Fprintf(&sb, "%s: %d problems", subject, len(e.Errs))
	for _, err := range e.Errs {
		sb.WriteString("\n  - ")
		sb.WriteString(err.Error())
	}
	return sb.String()
}

// Unwrap exposes ErrInvalidMatrix and each individual problem to errors.Is/As.
func (e *ConfigError) Unwrap() []error {
	return append([]error{ErrInvalidMatrix}, e.Errs...)
}

// FieldError locates a problem inside the matrix.
type FieldError struct {
	// Field is a dotted path such as environments[min].test[0].run.
	Field   string
	Message string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Message
}

func fieldErr(field, format string, args ...any) error {
	return &FieldError{Field: field, Message: fmt.Sprintf(format, args...)}
}
