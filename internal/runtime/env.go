// SPDX-License-Identifier: MPL-2.0

package runtime

import (
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

const (
	// EnvMarker is set to "1" in every step.
	EnvMarker = "ENVMATRIX"
	// EnvEnvironment carries the environment name.
	EnvEnvironment = "ENVMATRIX_ENVIRONMENT"
	// EnvRunID carries the run identifier.
	EnvRunID = "ENVMATRIX_RUN_ID"
	// EnvSourceDir points at the directory of the matrix file on the host.
	EnvSourceDir = "ENVMATRIX_SOURCE_DIR"
)

// MergeEnv returns the union of the given maps; later maps win.
func MergeEnv(layers ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, layer := range layers {
		maps.Copy(out, layer)
	}
	return out
}

// EnvToSlice renders env as sorted KEY=VALUE pairs.
func EnvToSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for _, k := range slices.Sorted(maps.Keys(env)) {
		out = append(out, k+"="+env[k])
	}
	return out
}

// hostEnv returns the current process environment as a map.
func hostEnv() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			env[k] = v
		}
	}
	return env
}

// resolvePath returns path as an absolute path, anchoring relative paths at
// baseDir. A relative baseDir is taken from the working directory.
func resolvePath(baseDir, path string) (string, error) {
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return filepath.Abs(path)
}
