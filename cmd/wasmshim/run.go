// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/shim"
	"github.com/invowk/wasmshim/pkg/types"
)

const defaultTaskID = "wasmshim"

type runOptions struct {
	id     string
	listen string
}

// newRunCommand creates the `wasmshim run` command.
func newRunCommand(flags *rootFlags) *cobra.Command {
	opts := &runOptions{}
	runCmd := &cobra.Command{
		Use:   "run [bundle] [-- args...]",
		Short: "Serve an application until it is stopped",
		Long: `Create and start a task for the bundle and serve its triggers.

The bundle is a directory holding wasmshim.toml, spin.toml or app.cue, or
the manifest file itself. It defaults to the current directory. Arguments
after -- are appended to every command trigger.

The first SIGINT or SIGTERM drains in-flight invocations for
shutdown.grace_period; a second one cancels them. The process exits with
the task's exit code.

Examples:
  wasmshim run ./bundle
  wasmshim run ./bundle --listen 127.0.0.1:3000
  wasmshim run ./cli-bundle -- --name world`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			positional, extra := args, []string(nil)
			if n := cmd.ArgsLenAtDash(); n >= 0 {
				positional, extra = args[:n], args[n:]
			}
			if len(positional) > 1 {
				return fmt.Errorf("accepts at most one bundle, received %d", len(positional))
			}
			bundle := "."
			if len(positional) == 1 {
				bundle = positional[0]
			}
			return runBundle(cmd, flags, opts, bundle, extra)
		},
	}
	runCmd.Flags().StringVar(&opts.id, "id", defaultTaskID, "task id")
	runCmd.Flags().StringVar(&opts.listen, "listen", "", "HTTP listen address (overrides http.listen_addr)")
	return runCmd
}

func runBundle(cmd *cobra.Command, flags *rootFlags, opts *runOptions, bundle string, args []string) error {
	// Signals become kill requests below; the command context must not
	// abort the drain.
	ctx := context.WithoutCancel(cmd.Context())

	cfg, _, err := flags.loadConfig(ctx)
	if err != nil {
		return flags.fail(cmd, types.ExitConfigInvalid, err)
	}
	if opts.listen != "" {
		cfg.HTTP.ListenAddr = opts.listen
	}
	logger := flags.newLogger(cfg, cmd.ErrOrStderr())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	svc := shim.NewService()
	err = svc.Create(ctx, opts.id, bundle, shim.CreateOptions{
		Config: cfg,
		Args:   args,
		Stdout: cmd.OutOrStdout(),
		Stderr: cmd.ErrOrStderr(),
		Logger: logger,
	})
	if err != nil {
		code := createExitCode(err)
		_, _ = svc.Delete(ctx, opts.id)
		return flags.fail(cmd, code, explain("create task", bundle, err))
	}

	if _, err := svc.Start(ctx, opts.id); err != nil {
		code := types.ExitStartupFailed
		if st, serr := svc.State(opts.id); serr == nil && st.ExitCode != types.ExitSuccess {
			code = st.ExitCode
		}
		_, _ = svc.Delete(ctx, opts.id)
		return flags.fail(cmd, code, explain("start task", bundle, err))
	}

	t, err := svc.Task(opts.id)
	if err != nil {
		return flags.fail(cmd, types.ExitFailure, err)
	}
	printServing(cmd.ErrOrStderr(), t)

	for kills := 0; ; {
		select {
		case sig := <-sigs:
			kill := syscall.SIGTERM
			if kills > 0 {
				kill = syscall.SIGKILL
			}
			kills++
			logger.Info("signal received", "signal", sig, "kill", kill)
			if err := t.Kill(ctx, kill); err != nil {
				logger.Warn("kill failed", "error", err)
			}
		case <-t.Exited():
			code, err := svc.Wait(ctx, opts.id)
			if err != nil {
				return flags.fail(cmd, types.ExitFailure, err)
			}
			if _, err := svc.Delete(ctx, opts.id); err != nil {
				logger.Warn("delete failed", "error", err)
			}
			if code != types.ExitSuccess {
				return exitSilently(cmd, code, nil)
			}
			return nil
		}
	}
}

// printServing lists the HTTP routes a running task serves.
func printServing(w io.Writer, t *shim.Task) {
	addr := t.HTTPAddr()
	if addr == nil {
		return
	}
	base := "http://" + addr.String()
	fmt.Fprintf(w, "%s Serving %s\n", successIcon, CmdStyle.Render(base))
	routes := t.App().TriggersOf(manifest.TriggerHTTP)
	if len(routes) == 0 {
		return
	}
	fmt.Fprintln(w, SubtitleStyle.Render("Available routes:"))
	for _, tr := range routes {
		hc, ok := tr.Config.(manifest.HTTPConfig)
		if !ok {
			continue
		}
		fmt.Fprintf(w, "  %s: %s\n", tr.Component, CmdStyle.Render(base+hc.Route.String()))
	}
}
