// SPDX-License-Identifier: MPL-2.0

package report

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	FormatText     Format = "text"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
	FormatHTML     Format = "html"
	FormatJUnit    Format = "junit"
)

// ErrUnknownFormat is returned for unsupported report formats.
var ErrUnknownFormat = errors.New("unknown report format")

type (
	// Format names a report rendering.
	Format string

	// RenderFunc writes r to w.
	RenderFunc func(w io.Writer, r *RunReport) error
)

var renderers = map[Format]RenderFunc{
	FormatText:     RenderText,
	FormatJSON:     renderJSON,
	FormatYAML:     renderYAML,
	FormatMarkdown: RenderMarkdown,
	FormatHTML:     RenderHTML,
	FormatJUnit:    RenderJUnit,
}

// Formats returns the supported formats, sorted.
func Formats() []string {
	out := make([]string, 0, len(renderers))
	for f := range renderers {
		out = append(out, string(f))
	}
	slices.Sort(out)
	return out
}

// ParseFormat validates a format name.
func ParseFormat(s string) (Format, error) {
	f := Format(s)
	if _, ok := renderers[f]; !ok {
		return "", fmt.Errorf("%w %q (supported: %v)", ErrUnknownFormat, s, Formats())
	}
	return f, nil
}

// FormatForPath infers a format from the extension of path.
func FormatForPath(path string) (Format, bool) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt":
		return FormatText, true
	case ".json":
		return FormatJSON, true
	case ".yaml", ".yml":
		return FormatYAML, true
	case ".md", ".markdown":
		return FormatMarkdown, true
	case ".html", ".htm":
		return FormatHTML, true
	case ".xml":
		return FormatJUnit, true
	default:
		return "", false
	}
}

// Render writes r in the given format.
func Render(w io.Writer, format Format, r *RunReport) error {
	fn, ok := renderers[format]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownFormat, format)
	}
	return fn(w, r)
}

func renderJSON(w io.Writer, r *RunReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}

func renderYAML(w io.Writer, r *RunReport) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return err
	}
	return enc.Close()
}
