// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newValidateCommand checks the matrix file and the effective settings
// without provisioning anything.
func newValidateCommand(app *App, rootFlags *rootFlagValues) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the matrix file without running it",
		Long: `Load and validate the matrix file: syntax, schema, extends chains,
capability references and matrix settings. Every problem is reported at once.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, app, rootFlags)
			if err != nil {
				return err
			}
			m, err := loadMatrix(app, rootFlags)
			if err != nil {
				return err
			}
			if _, err := cfg.ApplySettings(m.Settings); err != nil {
				return configError(matrixLoadError(m.FilePath, err))
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s %s: %d environments valid\n",
				SuccessStyle.Render("✓"), m.FilePath, len(m.Runnable()))
			return nil
		},
	}
}
