// SPDX-License-Identifier: MPL-2.0

package report

import (
	"bytes"
	"fmt"
	"html"
	"io"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

// RenderMarkdown writes the report as GitHub-flavored markdown, suitable for
// CI job summaries.
func RenderMarkdown(w io.Writer, r *RunReport) error {
	_, err := io.WriteString(w, markdown(r))
	return err
}

func markdown(r *RunReport) string {
	var sb strings.Builder
	status := "✅ passed"
	if !r.Passed() {
		status = "❌ failed"
	}
	fmt.Fprintf(&sb, "# envmatrix: %s\n\n", r.Matrix)
	fmt.Fprintf(&sb, "Run `%s` %s", r.RunID, status)
	if d := r.Duration(); d > 0 {
		fmt.Fprintf(&sb, " in %s", formatDuration(d))
	}
	sb.WriteString(".\n\n")

	sb.WriteString("| Environment | Runtime | Verdict | Steps | Duration | Detail |\n")
	sb.WriteString("|---|---|---|---|---|---|\n")
	for _, env := range r.Environments {
		fmt.Fprintf(&sb, "| %s | %s | %s | %s | %s | %s |\n",
			cell(env.Name), env.Runtime, env.Verdict, stepSummary(env.Steps), formatDuration(env.Duration), cell(detail(env)))
	}

	for _, env := range r.Environments {
		for _, s := range env.Steps {
			if !s.Failed() {
				continue
			}
			fmt.Fprintf(&sb, "\n## %s `%s`\n\n", env.Name, s.ID())
			fmt.Fprintf(&sb, "Exit %d (%s).\n\n", s.ExitCode, s.Status)
			sb.WriteString("```\n$ " + s.Command + "\n")
			for _, line := range tail(s.Stdout+s.Stderr, failureLines) {
				sb.WriteString(line + "\n")
			}
			sb.WriteString("```\n")
		}
	}
	return sb.String()
}

// cell escapes text for a markdown table cell.
func cell(s string) string {
	s = strings.ReplaceAll(s, "|", `\|`)
	return strings.ReplaceAll(s, "\n", " ")
}

var htmlRenderer = goldmark.New(goldmark.WithExtensions(extension.GFM))

// RenderHTML writes a standalone HTML page converted from the markdown report.
func RenderHTML(w io.Writer, r *RunReport) error {
	var body bytes.Buffer
	if err := htmlRenderer.Convert([]byte(markdown(r)), &body); err != nil {
		return fmt.Errorf("convert report to html: %w", err)
	}
	_, err := fmt.Fprintf(w, `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>envmatrix: %s</title>
<style>
body { font-family: system-ui, sans-serif; max-width: 72rem; margin: 2rem auto; padding: 0 1rem; }
table { border-collapse: collapse; }
th, td { border: 1px solid #d1d5db; padding: .25rem .5rem; text-align: left; }
pre { background: #f3f4f6; padding: .75rem; overflow-x: auto; }
</style>
</head>
<body>
%s</body>
</html>
`, html.EscapeString(r.Matrix), body.String())
	return err
}
