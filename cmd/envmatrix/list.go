// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/pkg/matrixfile"
)

func newListCommand(app *App, rootFlags *rootFlagValues) *cobra.Command {
	var all bool

	listCmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List the environments of the matrix",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m, err := loadMatrix(app, rootFlags)
			if err != nil {
				return err
			}
			envs := m.Runnable()
			if all {
				envs = m.Environments
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderEnvironmentTable(matrixLabel(m), envs, rootFlags.verbose))
			return nil
		},
	}
	listCmd.Flags().BoolVarP(&all, "all", "a", false, "include abstract environments")

	return listCmd
}

func renderEnvironmentTable(title string, envs []matrixfile.Environment, verbose bool) string {
	headers := []string{"NAME", "RUNTIME", "IMAGE", "SETUP", "TEST", "OPTIONAL", "CAPABILITIES"}
	if verbose {
		headers = append(headers, "FINGERPRINT")
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

	for i := range envs {
		env := &envs[i]
		name := env.Name
		if env.Abstract {
			name += " (abstract)"
		}
		row := []string{
			name,
			string(env.Runtime),
			imageLabel(env),
			strconv.Itoa(len(env.Setup)),
			strconv.Itoa(len(env.Test)),
			strconv.Itoa(len(env.Optional)),
			strings.Join(env.Capabilities, ","),
		}
		if verbose {
			row = append(row, env.Fingerprint())
		}
		t.Row(row...)
	}

	return TitleStyle.Render(title) + "\n" + t.Render()
}

func imageLabel(env *matrixfile.Environment) string {
	switch {
	case env.Runtime != matrixfile.RuntimeContainer:
		return "-"
	case env.Build != nil:
		return "build:" + env.Build.Containerfile
	default:
		return env.Image
	}
}
