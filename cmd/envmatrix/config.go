// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/internal/config"
)

// newConfigCommand creates the `envmatrix config` command tree.
func newConfigCommand(app *App, rootFlags *rootFlagValues) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage envmatrix configuration",
		Long: `Manage envmatrix configuration.

Configuration is stored in:
  - Linux: ~/.config/envmatrix/config.cue
  - macOS: ~/Library/Application Support/envmatrix/config.cue
  - Windows: %APPDATA%\envmatrix\config.cue

Every key can be overridden with an ENVMATRIX_ environment variable,
for example ENVMATRIX_CONCURRENCY=8 or ENVMATRIX_HISTORY_ENABLED=false.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, app, rootFlags)
			if err != nil {
				return err
			}
			_, err = io.WriteString(cmd.OutOrStdout(), config.GenerateCUE(cfg))
			return err
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, exists, err := config.ResolvePath(config.LoadOptions{ConfigFilePath: rootFlags.configPath})
			if err != nil {
				return configError(err)
			}
			note := ""
			if !exists {
				note = " " + SubtitleStyle.Render("(not created, using defaults)")
			}
			fmt.Fprintln(cmd.OutOrStdout(), path+note)
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _, err := config.ResolvePath(config.LoadOptions{ConfigFilePath: rootFlags.configPath})
			if err != nil {
				return configError(err)
			}
			created, err := config.CreateDefaultConfig(path)
			if err != nil {
				return err
			}
			if !created {
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s already exists\n", WarningStyle.Render("!"), path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s Created default configuration at %s\n", SuccessStyle.Render("✓"), path)
			return nil
		},
	})

	return cfgCmd
}
