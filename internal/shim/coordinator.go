// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"context"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/trigger"
	"github.com/invowk/wasmshim/pkg/types"
)

// noCause marks a shutdown requested through Kill rather than a dispatcher
// finishing on its own.
const noCause = -1

type (
	stopRequest struct {
		forced bool
		signal syscall.Signal
	}

	// coordinator drains a running task. It is reached only through its
	// request channel and is the only writer of the task's terminal state.
	coordinator struct {
		task        *Task
		dispatchers []trigger.Dispatcher
		grace       time.Duration
		logger      *log.Logger

		requests chan stopRequest
		done     chan struct{}
	}
)

func newCoordinator(t *Task, ds []trigger.Dispatcher, grace time.Duration) *coordinator {
	return &coordinator{
		task:        t,
		dispatchers: ds,
		grace:       grace,
		logger:      t.logger.WithPrefix("shutdown"),
		requests:    make(chan stopRequest),
		done:        make(chan struct{}),
	}
}

// request hands r to the coordinator. Requests after the task stopped are
// ignored.
func (c *coordinator) request(ctx context.Context, r stopRequest) error {
	select {
	case c.requests <- r:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *coordinator) run() {
	defer close(c.done)

	finished := make(chan int, len(c.dispatchers))
	for i, d := range c.dispatchers {
		go func() {
			<-d.Done()
			finished <- i
		}()
	}

	cause, forced := noCause, false
	select {
	case r := <-c.requests:
		forced = r.forced
		c.logger.Info("stop requested", "signal", r.signal, "forced", r.forced)
	case i := <-finished:
		cause = i
		c.logger.Info("dispatcher finished, stopping task", "dispatcher", c.dispatchers[i].Name())
	}
	c.task.beginStopping()

	grace := c.grace
	if forced {
		grace = 0
	}
	statuses := make([]trigger.Status, len(c.dispatchers))
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		var g errgroup.Group
		for i, d := range c.dispatchers {
			g.Go(func() error {
				statuses[i] = d.Stop(grace)
				return nil
			})
		}
		_ = g.Wait()
	}()

	for waiting := true; waiting; {
		select {
		case r := <-c.requests:
			if forced {
				continue
			}
			forced = true
			c.logger.Warn("stop escalated, cancelling in-flight invocations", "signal", r.signal)
			for _, d := range c.dispatchers {
				d.Force()
			}
		case <-stopped:
			waiting = false
		}
	}

	for _, s := range statuses {
		if s.GraceExceeded() {
			c.logger.Warn("grace period exceeded", "dispatcher", s.Name, "error", s.Err)
		}
	}
	c.task.markStopped(exitCode(forced, cause, statuses))
}

// exitCode computes the task exit code. A forced stop is ExitKilled. A
// dispatcher that ended the task on its own decides the code: a command
// reports its own, a failed event loop ExitFailure. Otherwise a clean drain
// is ExitSuccess and a drain that ran out of grace ExitKilled.
func exitCode(forced bool, cause int, statuses []trigger.Status) types.ExitCode {
	if forced {
		return types.ExitKilled
	}
	code := types.ExitSuccess
	if cause != noCause {
		s := statuses[cause]
		switch {
		case s.Kind == manifest.TriggerCommand:
			code = s.ExitCode
		case s.Err != nil:
			code = types.ExitFailure
		}
	}
	if code != types.ExitSuccess {
		return code
	}
	for _, s := range statuses {
		if s.GraceExceeded() {
			return types.ExitKilled
		}
	}
	return code
}
