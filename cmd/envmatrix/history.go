// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/internal/history"
	"github.com/envmatrix/envmatrix/internal/issue"
	"github.com/envmatrix/envmatrix/internal/report"
)

// verdictOrder fixes the column order of the history counts.
var verdictOrder = []report.Verdict{
	report.VerdictPassed,
	report.VerdictFailed,
	report.VerdictErrored,
	report.VerdictTimedOut,
}

func newHistoryCommand(app *App, rootFlags *rootFlagValues) *cobra.Command {
	historyCmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect previous runs",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := openHistory(cmd, app, rootFlags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			runs, err := store.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), SubtitleStyle.Render("no runs recorded"))
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderHistoryTable(runs))
			return nil
		},
	}
	listCmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to show (0 = all)")

	var format string
	showCmd := &cobra.Command{
		Use:   "show <run-id>",
		Short: "Show the report of a recorded run",
		Long:  "Show the report of a recorded run. A unique prefix of the run ID is enough.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := report.ParseFormat(format)
			if err != nil {
				return configError(err)
			}
			store, err := openHistory(cmd, app, rootFlags)
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			r, err := store.Get(cmd.Context(), args[0])
			if err != nil {
				if errors.Is(err, history.ErrRunNotFound) {
					return &ExitError{Code: ExitFailed, Err: issue.NewErrorContext().
						WithOperation("show run").
						WithResource(args[0]).
						WithSuggestion("Run 'envmatrix history list' to see recorded runs").
						Wrap(err).
						BuildError()}
				}
				return err
			}
			return report.Render(cmd.OutOrStdout(), f, r)
		},
	}
	showCmd.Flags().StringVar(&format, "format", string(report.FormatText), "output format: "+strings.Join(report.Formats(), ", "))

	historyCmd.AddCommand(listCmd, showCmd)
	return historyCmd
}

func openHistory(cmd *cobra.Command, app *App, rootFlags *rootFlagValues) (*history.Store, error) {
	cfg, err := loadConfig(cmd, app, rootFlags)
	if err != nil {
		return nil, err
	}
	path, err := cfg.HistoryPath()
	if err != nil {
		return nil, configError(err)
	}
	store, err := history.Open(path)
	if err != nil {
		return nil, issue.NewErrorContext().
			WithOperation("open run history").
			WithResource(path).
			WithIssue(issue.HistoryUnavailableId).
			WithSuggestion("Set history.path in the config file or ENVMATRIX_HISTORY_PATH").
			Wrap(err).
			BuildError()
	}
	return store, nil
}

func renderHistoryTable(runs []history.RunSummary) string {
	headers := []string{"RUN", "MATRIX", "STARTED", "DURATION", "RESULT"}
	for _, v := range verdictOrder {
		headers = append(headers, strings.ToUpper(string(v)))
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(SubtitleStyle).
		Headers(headers...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle
			}
			return tableCellStyle
		})

	for _, run := range runs {
		result := SuccessStyle.Render("pass")
		if !run.Passed {
			result = ErrorStyle.Render("fail")
		}
		row := []string{
			shortID(run.RunID),
			run.Matrix,
			run.StartedAt.Local().Format(time.DateTime),
			run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond).String(),
			result,
		}
		for _, v := range verdictOrder {
			row = append(row, fmt.Sprint(run.Counts[v]))
		}
		t.Row(row...)
	}
	return t.Render()
}

func shortID(id string) string {
	const n = 8
	if len(id) <= n {
		return id
	}
	return id[:n]
}
