// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/issue"
	"github.com/invowk/wasmshim/pkg/types"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"
)

// rootFlags holds the persistent flags shared by every subcommand.
type rootFlags struct {
	verbose bool
	cfgFile string
}

// newRootCommand builds the command tree. Each call returns a fresh tree
// with its own flag state.
func newRootCommand() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:   "wasmshim",
		Short: "Run event-driven WebAssembly applications as container tasks",
		Long: TitleStyle.Render("wasmshim") + SubtitleStyle.Render(" - Run event-driven WebAssembly applications as container tasks") + `

wasmshim loads an application manifest, compiles its components ahead of
time and serves them from HTTP routes, Redis channels, MQTT topics, SQS
queues or one-shot commands. Every event runs in a fresh, isolated
WebAssembly instance.

` + SubtitleStyle.Render("Examples:") + `
  wasmshim run ./bundle              Serve the application in ./bundle
  wasmshim validate ./bundle         Check the manifest without running it
  wasmshim precompile ./bundle       Fill the compiled component cache
  wasmshim exec ./bundle echo        Invoke one component with stdin as input
  wasmshim config show               Show the effective configuration`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&flags.cfgFile, "config", "", "config file (default is $HOME/.config/wasmshim/config.cue)")

	rootCmd.AddCommand(
		newRunCommand(flags),
		newValidateCommand(flags),
		newPrecompileCommand(flags),
		newExecCommand(flags),
		newConfigCommand(flags),
	)
	return rootCmd
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute runs the CLI and exits the process with the resulting code.
// It is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		newRootCommand(),
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(int(exitErr.Code))
		}
		os.Exit(int(types.ExitFailure))
	}
}

// loadConfig resolves the configuration for a subcommand and the file it
// came from ("" for defaults only).
func (f *rootFlags) loadConfig(ctx context.Context) (*config.Config, string, error) {
	return config.LoadWithPath(ctx, config.LoadOptions{ConfigFilePath: f.cfgFile})
}

// newLogger builds the shim logger on w. --verbose forces debug level.
func (f *rootFlags) newLogger(cfg *config.Config, w io.Writer) *log.Logger {
	level, err := log.ParseLevel(cfg.Log.Level.String())
	if err != nil {
		level = log.InfoLevel
	}
	if f.verbose {
		level = log.DebugLevel
	}
	return log.NewWithOptions(w, log.Options{
		Prefix:          "wasmshim",
		Level:           level,
		ReportTimestamp: true,
	})
}

// fail reports err on stderr and returns the ExitError carrying code. In
// verbose mode the matching issue page is rendered first.
func (f *rootFlags) fail(cmd *cobra.Command, code types.ExitCode, err error) error {
	stderr := cmd.ErrOrStderr()
	if f.verbose {
		var ae *issue.ActionableError
		if errors.As(err, &ae) && ae.Issue != 0 {
			if page := issue.Get(ae.Issue); page != nil {
				if rendered, rerr := page.Render("dark"); rerr == nil {
					fmt.Fprint(stderr, rendered)
				}
			}
		}
	}
	fmt.Fprintf(stderr, "%s %s\n", errorIcon, formatErrorForDisplay(err, f.verbose))
	return exitSilently(cmd, code, err)
}

// exitSilently returns an ExitError that fang does not print again.
func exitSilently(cmd *cobra.Command, code types.ExitCode, err error) error {
	cmd.SilenceUsage = true
	cmd.SilenceErrors = true
	return &ExitError{Code: code, Err: err}
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
