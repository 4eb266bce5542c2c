// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/trigger"
	"github.com/invowk/wasmshim/pkg/types"
)

// newValidateCommand creates the `wasmshim validate` command.
func newValidateCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [bundle]",
		Short: "Check an application manifest without running it",
		Long: `Load the manifest, resolve its variables and templates, and check that
every trigger has the configuration it needs. No component is compiled.

Exits with 78 when the manifest or the configuration is rejected.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			bundle := "."
			if len(args) == 1 {
				bundle = args[0]
			}
			return validateBundle(cmd, flags, bundle)
		},
	}
}

func validateBundle(cmd *cobra.Command, flags *rootFlags, bundle string) error {
	ctx := cmd.Context()
	cfg, _, err := flags.loadConfig(ctx)
	if err != nil {
		return flags.fail(cmd, types.ExitConfigInvalid, err)
	}
	app, err := manifest.Load(ctx, bundle)
	if err != nil {
		return flags.fail(cmd, types.ExitConfigInvalid, explain("load manifest", bundle, err))
	}
	if err := trigger.CheckConfig(app, cfg); err != nil {
		return flags.fail(cmd, types.ExitConfigInvalid, explain("check trigger configuration", app.ManifestPath, err))
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s %s is valid\n", successIcon, TitleStyle.Render(appLabel(app)))
	fmt.Fprintf(out, "%s Manifest: %s\n", infoIcon, app.ManifestPath)
	printComponents(out, app)
	printTriggers(out, app)
	return nil
}

func appLabel(app *manifest.App) string {
	if app.Version == "" {
		return app.Name
	}
	return app.Name + " " + app.Version
}

func printComponents(w io.Writer, app *manifest.App) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, SubtitleStyle.Render("Components:"))
	for _, c := range app.Components() {
		fmt.Fprintf(w, "  %s %s\n", CmdStyle.Render(c.ID), VerboseStyle.Render("("+string(c.Source.Kind)+")"))
	}
}

func printTriggers(w io.Writer, app *manifest.App) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, SubtitleStyle.Render("Triggers:"))
	for _, t := range app.Triggers() {
		fmt.Fprintf(w, "  %-8s %s -> %s\n", t.Kind, triggerSource(t), CmdStyle.Render(t.Component))
	}
}

// triggerSource names what a trigger listens on.
func triggerSource(t manifest.Trigger) string {
	switch c := t.Config.(type) {
	case manifest.HTTPConfig:
		return c.Route.String()
	case manifest.RedisConfig:
		return c.Channel
	case manifest.MQTTConfig:
		return c.Topic
	case manifest.SQSConfig:
		return c.QueueURL
	case manifest.CommandConfig:
		return t.ID
	default:
		return t.ID
	}
}
