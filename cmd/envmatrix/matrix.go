// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"os"

	"github.com/envmatrix/envmatrix/internal/dag"
	"github.com/envmatrix/envmatrix/internal/issue"
	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

// loadMatrix loads the matrix named by --file, or the default file of the
// working directory. Every failure is a configuration error.
func loadMatrix(app *App, flags *rootFlagValues) (*matrixfile.Matrix, error) {
	path := flags.matrixPath
	if path == "" {
		dir, err := app.workDir()
		if err != nil {
			return nil, configError(err)
		}
		path, err = matrixfile.FindDefault(dir)
		if err != nil {
			return nil, configError(issue.NewErrorContext().
				WithOperation("find matrix file").
				WithResource(dir).
				WithIssue(issue.MatrixFileNotFoundId).
				WithSuggestion("Create envmatrix.cue or envmatrix.yaml in this directory").
				WithSuggestion("Point at a file with --file").
				Wrap(err).
				BuildError())
		}
	}

	m, err := matrixfile.Load(path)
	if err != nil {
		return nil, configError(matrixLoadError(path, err))
	}
	return m, nil
}

func matrixLoadError(path string, err error) error {
	ec := issue.NewErrorContext().
		WithOperation("load matrix file").
		WithResource(path)

	switch {
	case errors.Is(err, os.ErrNotExist):
		ec = ec.WithIssue(issue.MatrixFileNotFoundId).
			WithSuggestion("Verify the file path is correct")
	case errors.Is(err, matrixfile.ErrUnsupportedFormat):
		ec = ec.WithIssue(issue.MatrixParseErrorId).
			WithSuggestion("Use one of the extensions .cue, .yaml, .yml, .toml, .json or .jsonc")
	case errors.Is(err, dag.ErrCycle):
		ec = ec.WithIssue(issue.DependencyCycleId).
			WithSuggestion("Remove the extends cycle between environments")
	case errors.Is(err, matrixfile.ErrInvalidMatrix):
		ec = ec.WithIssue(issue.MatrixInvalidId).
			WithSuggestion("Fix every listed problem; 'envmatrix validate' re-checks without running anything")
	default:
		ec = ec.WithIssue(issue.MatrixParseErrorId)
	}
	return ec.Wrap(err).BuildError()
}

func unknownEnvironmentError(m *matrixfile.Matrix, err error) error {
	ec := issue.NewErrorContext().
		WithOperation("select environments").
		WithResource(m.FilePath).
		WithIssue(issue.UnknownEnvironmentId).
		WithSuggestion("Run 'envmatrix list' to see the defined environments")
	return configError(ec.Wrap(err).BuildError())
}
