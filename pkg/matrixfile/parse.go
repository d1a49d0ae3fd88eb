// SPDX-License-Identifier: MPL-2.0

package matrixfile

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/envmatrix/envmatrix/pkg/cueutil"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

const (
	FormatCUE  Format = "cue"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
	FormatJSON Format = "json"
)

//go:embed matrixfile_schema.cue
var matrixSchema []byte

// DefaultFileNames are tried, in order, when no matrix file is given.
var DefaultFileNames = []string{
	"envmatrix.cue",
	"envmatrix.yaml",
	"envmatrix.yml",
	"envmatrix.toml",
	"envmatrix.jsonc",
	"envmatrix.json",
}

// Format is the serialization of a matrix file.
type Format string

// DetectFormat derives the format from the file extension.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".cue":
		return FormatCUE, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	case ".json", ".jsonc":
		return FormatJSON, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// FindDefault returns the first default matrix file present in dir.
func FindDefault(dir string) (string, error) {
	for _, name := range DefaultFileNames {
		path := filepath.Join(dir, name)
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no matrix file found in %s (looked for %s): %w",
		dir, strings.Join(DefaultFileNames, ", "), os.ErrNotExist)
}

// Load reads, decodes, resolves and validates the matrix file at path.
func Load(path string) (*Matrix, error) {
	format, err := DetectFormat(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read matrix file: %w", err)
	}
	return Parse(data, format, path)
}

// Parse decodes data in the given format, resolves environment inheritance
// and validates the result. filename is used in messages and as FilePath.
func Parse(data []byte, format Format, filename string) (*Matrix, error) {
	m, err := decode(data, format, filename)
	if err != nil {
		return nil, &ConfigError{Path: filename, Errs: []error{err}}
	}
	m.FilePath = filename

	if errs := m.resolve(); len(errs) > 0 {
		return nil, &ConfigError{Path: filename, Errs: errs}
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func decode(data []byte, format Format, filename string) (*Matrix, error) {
	if err := cueutil.CheckFileSize(data, cueutil.DefaultMaxFileSize, filename); err != nil {
		return nil, err
	}

	var m Matrix
	switch format {
	case FormatCUE:
		result, err := cueutil.ParseAndDecode[Matrix](matrixSchema, data, "#Matrix",
			cueutil.WithFilename(filename), cueutil.WithConcrete(true))
		if err != nil {
			return nil, err
		}
		m = *result.Value
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode yaml: %w", err)
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			var derr *toml.DecodeError
			if errors.As(err, &derr) {
				row, col := derr.Position()
				return nil, fmt.Errorf("decode toml at %d:%d: %w", row, col, err)
			}
			return nil, fmt.Errorf("decode toml: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(jsonc.ToJSON(data)))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("decode json: %w", err)
		}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return &m, nil
}
