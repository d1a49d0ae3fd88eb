// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"
	"time"

	"github.com/charmbracelet/log"

	"github.com/envmatrix/envmatrix/internal/report"
	"github.com/envmatrix/envmatrix/internal/steprun"
)

// progressLines returns a listener that draws one line per event on a terminal.
func progressLines(w io.Writer) report.Listener {
	return func(ev report.Event) {
		env := CmdStyle.Render(ev.Environment.Name)
		switch ev.Kind {
		case report.EventStarted:
			fmt.Fprintf(w, "%s %s\n", SubtitleStyle.Render("▶"), env)
		case report.EventStep:
			s := ev.Step
			fmt.Fprintf(w, "  %s %s %s %s\n", stepIcon(s.Status), env, s.ID(),
				VerboseStyle.Render(stepNote(s)))
		case report.EventCompleted:
			e := ev.Environment
			line := fmt.Sprintf("%s %s %s", verdictIcon(e.Verdict), env, verdictText(e.Verdict))
			if e.Reason != "" {
				line += VerboseStyle.Render(" (" + e.Reason + ")")
			}
			fmt.Fprintln(w, line)
		}
	}
}

// progressLog returns a listener that logs events when stderr is not a terminal.
func progressLog(logger *log.Logger) report.Listener {
	return func(ev report.Event) {
		switch ev.Kind {
		case report.EventStarted:
			logger.Info("environment started", "env", ev.Environment.Name)
		case report.EventStep:
			s := ev.Step
			logger.Info("step finished", "env", s.Environment, "step", s.ID(), "status", s.Status,
				"exit_code", s.ExitCode, "duration", s.Duration.Round(time.Millisecond))
		case report.EventCompleted:
			e := ev.Environment
			logger.Info("environment finished", "env", e.Name, "verdict", e.Verdict, "reason", e.Reason,
				"duration", e.Duration.Round(time.Millisecond))
		}
	}
}

func stepNote(s *steprun.StepResult) string {
	switch s.Status {
	case steprun.StatusSkipped:
		return "skipped: " + s.Reason
	case steprun.StatusPassed:
		return s.Duration.Round(time.Millisecond).String()
	default:
		note := fmt.Sprintf("exit %d, %s", s.ExitCode, s.Duration.Round(time.Millisecond))
		if s.Reason != "" {
			note += ", " + s.Reason
		}
		return note
	}
}

func stepIcon(st steprun.Status) string {
	switch st {
	case steprun.StatusPassed:
		return SuccessStyle.Render("✓")
	case steprun.StatusSkipped:
		return SubtitleStyle.Render("↷")
	case steprun.StatusCancelled:
		return WarningStyle.Render("⊘")
	default:
		return ErrorStyle.Render("✗")
	}
}

func verdictIcon(v report.Verdict) string {
	switch v {
	case report.VerdictPassed:
		return SuccessStyle.Render("●")
	case report.VerdictTimedOut, report.VerdictErrored:
		return WarningStyle.Render("●")
	default:
		return ErrorStyle.Render("●")
	}
}

func verdictText(v report.Verdict) string {
	switch v {
	case report.VerdictPassed:
		return SuccessStyle.Render(string(v))
	case report.VerdictTimedOut, report.VerdictErrored:
		return WarningStyle.Render(string(v))
	default:
		return ErrorStyle.Render(string(v))
	}
}
