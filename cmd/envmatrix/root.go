// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/envmatrix/envmatrix/internal/config"
	"github.com/envmatrix/envmatrix/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// rootFlagValues holds the persistent flags shared by every subcommand.
type rootFlagValues struct {
	verbose    bool
	configPath string
	matrixPath string
}

// NewRootCommand builds the command tree around app.
func NewRootCommand(app *App) *cobra.Command {
	flags := &rootFlagValues{}

	rootCmd := &cobra.Command{
		Use:   "envmatrix",
		Short: "Run a test matrix across heterogeneous environments",
		Long: TitleStyle.Render("envmatrix") + SubtitleStyle.Render(" - run one package's tests across many environments") + `

envmatrix provisions every environment of a matrix file (containers, the host
shell or an embedded shell interpreter), runs its setup and test steps in
order, and reports a verdict per environment. Environments run concurrently
and are isolated: one failing environment never affects another.

` + SubtitleStyle.Render("Examples:") + `
  envmatrix run                       Run every environment
  envmatrix run -e min -e full        Run a subset
  envmatrix run --optional --strict-optional
  envmatrix run -w -e min             Re-run on every file change
  envmatrix list                      Show the environments of the matrix
  envmatrix history list              Show previous runs`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(app.stdout)
	rootCmd.SetErr(app.stderr)
	rootCmd.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return configError(err)
	})

	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "config file (default is $XDG_CONFIG_HOME/envmatrix/config.cue)")
	rootCmd.PersistentFlags().StringVarP(&flags.matrixPath, "file", "f", "", "matrix file (default: envmatrix.{cue,yaml,yml,toml,jsonc,json} in the working directory)")

	rootCmd.AddCommand(newRunCommand(app, flags))
	rootCmd.AddCommand(newListCommand(app, flags))
	rootCmd.AddCommand(newValidateCommand(app, flags))
	rootCmd.AddCommand(newHistoryCommand(app, flags))
	rootCmd.AddCommand(newConfigCommand(app, flags))
	rootCmd.AddCommand(newCompletionCommand())

	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Main runs the CLI with production dependencies and returns the process exit code.
func Main() int {
	return run(context.Background(), NewApp(Dependencies{}), os.Args[1:])
}

// Execute runs the CLI and exits the process.
func Execute() {
	os.Exit(Main())
}

func run(ctx context.Context, app *App, args []string) int {
	rootCmd := NewRootCommand(app)
	rootCmd.SetArgs(args)

	verbose := func() bool {
		v, _ := rootCmd.PersistentFlags().GetBool("verbose")
		return v
	}

	err := fang.Execute(
		ctx,
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
		fang.WithErrorHandler(func(w io.Writer, styles fang.Styles, err error) {
			renderError(w, styles, err, verbose())
		}),
	)
	if err == nil {
		return ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	return ExitFailed
}

// renderError prints err for the user. Actionable errors get their
// suggestions; already-reported outcomes print nothing.
func renderError(w io.Writer, styles fang.Styles, err error, verbose bool) {
	var exitErr *ExitError
	if errors.As(err, &exitErr) && exitErr.Err == nil {
		return
	}

	var ae *issue.ActionableError
	if !errors.As(err, &ae) {
		fang.DefaultErrorHandler(w, styles, err)
		return
	}

	fmt.Fprintln(w, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verbose))
	if verbose && ae.Issue != 0 {
		if entry := issue.Get(ae.Issue); entry != nil {
			if rendered, renderErr := entry.Render("dark"); renderErr == nil {
				fmt.Fprint(w, rendered)
			}
		}
	}
}

// reportError prints err without ending the process. Used where the command
// keeps running after a failed attempt, such as watch mode.
func reportError(app *App, err error, verbose bool) {
	var exitErr *ExitError
	if err == nil || (errors.As(err, &exitErr) && exitErr.Err == nil) {
		return
	}
	fmt.Fprintln(app.stderr, ErrorStyle.Render("Error: ")+formatErrorForDisplay(err, verbose))
}

// formatErrorForDisplay formats an error for user display.
// If the error is an ActionableError, it uses the Format method.
// In verbose mode, shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}

// loadConfig loads the tool configuration honoring --config.
func loadConfig(cmd *cobra.Command, app *App, flags *rootFlagValues) (*config.Config, error) {
	cfg, err := app.Config.Load(cmd.Context(), config.LoadOptions{ConfigFilePath: flags.configPath})
	if err != nil {
		return nil, configError(err)
	}
	return cfg, nil
}
