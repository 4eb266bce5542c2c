// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/pkg/types"
)

// newConfigCommand creates the `wasmshim config` command tree.
func newConfigCommand(flags *rootFlags) *cobra.Command {
	cfgCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect wasmshim configuration",
		Long: `Inspect wasmshim configuration.

Configuration is read from config.cue in:
  - Linux: ~/.config/wasmshim/
  - macOS: ~/Library/Application Support/wasmshim/
  - Windows: %APPDATA%\wasmshim\

Every key can be overridden with WASMSHIM_<SECTION>_<KEY>, for example
WASMSHIM_SHUTDOWN_GRACE_PERIOD=30s.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as CUE",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, path, err := flags.loadConfig(cmd.Context())
			if err != nil {
				return flags.fail(cmd, types.ExitConfigInvalid, err)
			}
			source := SubtitleStyle.Render("(using defaults)")
			if path != "" {
				source = path
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", CmdStyle.Render("Config file"), source)
			fmt.Fprint(cmd.OutOrStdout(), config.GenerateCUE(cfg))
			return nil
		},
	})

	cfgCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Print the default configuration file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := config.ConfigDir()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), filepath.Join(dir, config.ConfigFileName+"."+config.ConfigFileExt))
			return nil
		},
	})

	return cfgCmd
}
