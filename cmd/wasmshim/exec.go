// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/invowk/wasmshim/internal/shim"
	"github.com/invowk/wasmshim/pkg/types"
)

type execOptions struct {
	stdin bool
	env   []string
}

// newExecCommand creates the `wasmshim exec` command.
func newExecCommand(flags *rootFlags) *cobra.Command {
	opts := &execOptions{}
	execCmd := &cobra.Command{
		Use:   "exec <bundle> <component> [-- args...]",
		Short: "Invoke one component once",
		Long: `Load the bundle and run a single invocation of one component, without
starting any trigger. The component's stdout and stderr are copied to the
terminal and its exit status becomes the process exit code.

Examples:
  wasmshim exec ./bundle report
  echo '{"id":1}' | wasmshim exec ./bundle handler --stdin
  wasmshim exec ./bundle greet --env NAME=world -- --loud`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if n := cmd.ArgsLenAtDash(); n >= 0 && n != 2 {
				return fmt.Errorf("expected <bundle> <component> before --, received %d arguments", n)
			}
			return execComponent(cmd, flags, opts, args[0], args[1], args[2:])
		},
	}
	execCmd.Flags().BoolVar(&opts.stdin, "stdin", false, "pass stdin to the component as its payload")
	execCmd.Flags().StringArrayVarP(&opts.env, "env", "e", nil, "extra guest environment as KEY=VALUE (repeatable)")
	return execCmd
}

func execComponent(cmd *cobra.Command, flags *rootFlags, opts *execOptions, bundle, component string, args []string) error {
	ctx := cmd.Context()
	env, err := parseEnv(opts.env)
	if err != nil {
		return err
	}
	var payload []byte
	if opts.stdin {
		if payload, err = io.ReadAll(cmd.InOrStdin()); err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
	}

	cfg, _, err := flags.loadConfig(ctx)
	if err != nil {
		return flags.fail(cmd, types.ExitConfigInvalid, err)
	}
	// Only the invoked component needs compiling.
	cfg.Compile.Eager = false

	svc := shim.NewService()
	const id = "exec"
	err = svc.Create(ctx, id, bundle, shim.CreateOptions{
		Config: cfg,
		Logger: flags.newLogger(cfg, cmd.ErrOrStderr()),
	})
	defer func() {
		cleanup := context.WithoutCancel(ctx)
		_ = svc.Kill(cleanup, id, syscall.SIGKILL)
		_, _ = svc.Delete(cleanup, id)
	}()
	if err != nil {
		return flags.fail(cmd, createExitCode(err), explain("create task", bundle, err))
	}

	code, err := svc.Exec(ctx, id, shim.ExecRequest{
		Component: component,
		Args:      args,
		Payload:   payload,
		Env:       env,
		Stdout:    cmd.OutOrStdout(),
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return flags.fail(cmd, code, explain("invoke "+component, bundle, err))
	}
	if code != types.ExitSuccess {
		return exitSilently(cmd, code, nil)
	}
	return nil
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	env := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --env %q: expected KEY=VALUE", p)
		}
		env[k] = v
	}
	return env, nil
}
