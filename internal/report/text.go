// SPDX-License-Identifier: MPL-2.0

package report

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/envmatrix/envmatrix/internal/steprun"
)

const (
	colorMuted   = lipgloss.Color("#6B7280")
	colorSuccess = lipgloss.Color("#10B981")
	colorError   = lipgloss.Color("#EF4444")
	colorWarning = lipgloss.Color("#F59E0B")
	colorPrimary = lipgloss.Color("#7C3AED")

	// failureLines is the output tail shown per failed step.
	failureLines = 20
)

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(colorPrimary)
	mutedStyle  = lipgloss.NewStyle().Foreground(colorMuted)
	passStyle   = lipgloss.NewStyle().Foreground(colorSuccess)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(colorError)
	warnStyle   = lipgloss.NewStyle().Foreground(colorWarning)
	headerStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cellStyle   = lipgloss.NewStyle().Padding(0, 1)
)

// RenderText writes the human-readable summary: a verdict table followed by
// the output tail of every failed step.
func RenderText(w io.Writer, r *RunReport) error {
	var sb strings.Builder

	sb.WriteString(titleStyle.Render("envmatrix: " + r.Matrix))
	sb.WriteString(mutedStyle.Render(fmt.Sprintf("  run %s", r.RunID)))
	sb.WriteString("\n\n")

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(mutedStyle).
		Headers("ENVIRONMENT", "RUNTIME", "VERDICT", "STEPS", "DURATION", "DETAIL").
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	for _, env := range r.Environments {
		t.Row(env.Name, string(env.Runtime), verdictStyle(env.Verdict).Render(string(env.Verdict)),
			stepSummary(env.Steps), formatDuration(env.Duration), detail(env))
	}
	sb.WriteString(t.Render())
	sb.WriteString("\n")

	for _, env := range r.Environments {
		for _, s := range env.Steps {
			if !s.Failed() {
				continue
			}
			sb.WriteString("\n")
			sb.WriteString(failStyle.Render(fmt.Sprintf("✗ %s %s", env.Name, s.ID())))
			sb.WriteString(mutedStyle.Render(fmt.Sprintf("  exit %d, %s", s.ExitCode, s.Status)))
			sb.WriteString("\n")
			sb.WriteString(mutedStyle.Render("  $ " + s.Command))
			sb.WriteString("\n")
			for _, line := range tail(s.Stdout+s.Stderr, failureLines) {
				sb.WriteString("  │ " + line + "\n")
			}
		}
	}

	sb.WriteString("\n")
	sb.WriteString(summaryLine(r))
	sb.WriteString("\n")
	_, err := io.WriteString(w, sb.String())
	return err
}

func verdictStyle(v Verdict) lipgloss.Style {
	switch v {
	case VerdictPassed:
		return passStyle
	case VerdictFailed, VerdictErrored, VerdictTimedOut:
		return failStyle
	default:
		return warnStyle
	}
}

func stepSummary(steps []steprun.StepResult) string {
	var passed, failed, skipped int
	for _, s := range steps {
		switch {
		case s.Passed():
			passed++
		case s.Failed():
			failed++
		default:
			skipped++
		}
	}
	out := fmt.Sprintf("%d ok", passed)
	if failed > 0 {
		out += fmt.Sprintf(", %d failed", failed)
	}
	if skipped > 0 {
		out += fmt.Sprintf(", %d skipped", skipped)
	}
	return out
}

func detail(env EnvironmentReport) string {
	parts := make([]string, 0, 1+len(env.Details))
	if env.Reason != "" {
		parts = append(parts, env.Reason)
	}
	parts = append(parts, env.Details...)
	return strings.Join(parts, "; ")
}

func summaryLine(r *RunReport) string {
	counts := r.Counts()
	line := fmt.Sprintf("%d environment(s): %d passed, %d failed, %d errored, %d timed out",
		len(r.Environments), counts[VerdictPassed], counts[VerdictFailed], counts[VerdictErrored], counts[VerdictTimedOut])
	if d := r.Duration(); d > 0 {
		line += " in " + formatDuration(d)
	}
	if r.Passed() {
		return passStyle.Render("✓ " + line)
	}
	return failStyle.Render("✗ " + line)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

// tail returns the last n lines of s, ignoring trailing newlines.
func tail(s string, n int) []string {
	s = strings.TrimRight(s, "\n")
	if s == "" {
		return nil
	}
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}
