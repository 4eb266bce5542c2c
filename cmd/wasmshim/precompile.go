// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/invowk/wasmshim/internal/shim"
	"github.com/invowk/wasmshim/pkg/types"
)

// newPrecompileCommand creates the `wasmshim precompile` command.
func newPrecompileCommand(flags *rootFlags) *cobra.Command {
	var cacheDir string
	precompileCmd := &cobra.Command{
		Use:   "precompile [bundle]",
		Short: "Compile every component into the on-disk cache",
		Long: `Compile every component of the bundle ahead of time. With cache.dir (or
--cache-dir) set, the compiled code is kept on disk so later tasks skip
compilation.

Exits with 78 when the bundle does not load and 70 when a component does
not compile.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle := "."
			if len(args) == 1 {
				bundle = args[0]
			}
			ctx := cmd.Context()
			cfg, _, err := flags.loadConfig(ctx)
			if err != nil {
				return flags.fail(cmd, types.ExitConfigInvalid, err)
			}
			if cacheDir != "" {
				cfg.Cache.Dir = cacheDir
			}
			if cfg.Cache.Dir == "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s cache.dir is not set; compiled code is discarded on exit\n", warningIcon)
			}

			results, code, err := shim.Precompile(ctx, bundle, shim.CreateOptions{
				Config: cfg,
				Logger: flags.newLogger(cfg, cmd.ErrOrStderr()),
			})
			out := cmd.OutOrStdout()
			for _, r := range results {
				switch {
				case r.Err != nil:
					fmt.Fprintf(out, "%s %s %s\n", errorIcon, CmdStyle.Render(r.Component), ErrorStyle.Render(r.Err.Error()))
				case r.FromCache:
					fmt.Fprintf(out, "%s %s %s %s\n", successIcon, CmdStyle.Render(r.Component), VerboseStyle.Render(r.Digest), SubtitleStyle.Render("(cached)"))
				default:
					fmt.Fprintf(out, "%s %s %s\n", successIcon, CmdStyle.Render(r.Component), VerboseStyle.Render(r.Digest))
				}
			}
			if err != nil {
				return flags.fail(cmd, code, explain("precompile", bundle, err))
			}
			return nil
		},
	}
	precompileCmd.Flags().StringVar(&cacheDir, "cache-dir", "", "on-disk cache directory (overrides cache.dir)")
	return precompileCmd
}
