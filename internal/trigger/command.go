// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
	"github.com/invowk/wasmshim/pkg/types"
)

// Command runs its component once. Its exit ends the task.
type Command struct {
	*lifecycle
	trigger manifest.Trigger
	args    []string

	mu   sync.Mutex
	code types.ExitCode
}

// NewCommand returns a dispatcher for a command trigger. deps.Args follow
// the trigger's own args.
func NewCommand(t manifest.Trigger, cfg manifest.CommandConfig, deps Deps) *Command {
	args := slices.Concat(cfg.Args, deps.Args)
	return &Command{
		lifecycle: newLifecycle(t.ID, t.Kind, deps),
		trigger:   t,
		args:      args,
	}
}

// Start launches the single invocation.
func (c *Command) Start(ctx context.Context) error {
	if err := c.TransitionToStarting(ctx); err != nil {
		return c.startRejected(err)
	}
	c.AddGoroutine()
	go c.run()
	c.TransitionToRunning()
	return nil
}

// Stop waits up to grace for the invocation, then cancels it.
func (c *Command) Stop(grace time.Duration) Status {
	if !c.TransitionToStopping() {
		return c.waitStopped()
	}
	status := c.drainStatus(grace)
	c.WaitForShutdown()
	status.ExitCode = c.exitCode()

	status = c.finish(status)
	c.TransitionToStopped()
	return status
}

func (c *Command) exitCode() types.ExitCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.code
}

func (c *Command) run() {
	defer c.DoneGoroutine()

	code := c.invoke()
	c.mu.Lock()
	c.code = code
	c.mu.Unlock()

	// Whoever moves to Stopping first reports the result.
	if c.TransitionToStopping() {
		c.finish(Status{Finished: true, ExitCode: code})
		c.TransitionToStopped()
	}
}

func (c *Command) invoke() types.ExitCode {
	release, err := c.admit(c.Context())
	if err != nil {
		return types.ExitCancelled
	}
	defer release()

	ctx, cancel := c.invocationContext(context.Background())
	defer cancel()

	res, err := c.deps.Invoker.Invoke(ctx, c.trigger.Component, sandbox.Request{Args: c.args})
	if res != nil {
		_, _ = c.deps.Stdout.Write(res.Stdout)
		_, _ = c.deps.Stderr.Write(res.Stderr)
	}
	code := CommandExitCode(res, err)
	if err != nil {
		c.logger.Warn("command failed", "component", c.trigger.Component, "exit_code", int(code), "error", err)
	} else {
		c.logger.Debug("command finished", "component", c.trigger.Component, "exit_code", int(code))
	}
	return code
}

// CommandExitCode maps an invocation outcome to a process exit code.
func CommandExitCode(res *sandbox.Result, err error) types.ExitCode {
	switch sandbox.KindOf(err) {
	case 0:
		if err != nil || res == nil {
			return types.ExitFailure
		}
		return types.FromGuest(res.ExitCode)
	case sandbox.KindTimeout:
		return types.ExitTimedOut
	case sandbox.KindCancelled:
		return types.ExitCancelled
	default:
		return types.ExitFailure
	}
}
