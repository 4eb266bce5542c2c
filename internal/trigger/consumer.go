// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
)

const settleTimeout = 10 * time.Second

var (
	// ErrSourceClosed is returned by Source.Receive after Close.
	ErrSourceClosed = errors.New("message source closed")

	errStopping = errors.New("dispatcher is stopping")
)

type (
	// Source is a broker subscription feeding a Consumer.
	Source interface {
		// Open connects and subscribes.
		Open(ctx context.Context) error
		// Receive blocks for the next delivery.
		Receive(ctx context.Context) (*Delivery, error)
		// BrokerRedelivery reports whether the broker redelivers a message
		// that is neither acked nor dead-lettered, counting attempts itself.
		BrokerRedelivery() bool
		// Close ends the subscription. It is safe to call more than once.
		Close() error
	}

	// Delivery is one message. Nil funcs are capabilities the broker lacks.
	Delivery struct {
		ID      string
		Payload []byte
		// Env is exposed to the component alongside its own environment.
		Env map[string]string
		// Attempt is the broker's 1-based delivery count, 1 when unknown.
		Attempt int
		Ack     func(ctx context.Context) error
		// Nack hands the message back for redelivery after delay.
		Nack func(ctx context.Context, delay time.Duration) error
		// DeadLetter moves the message to the dead-letter destination.
		DeadLetter func(ctx context.Context, cause error) error
	}

	// Consumer runs a Source's messages through one component. Messages
	// start in arrival order: the next message is not received until the
	// previous one's first invocation has begun running the guest, or has
	// failed before it could. Messages are acknowledged only after a
	// successful invocation.
	Consumer struct {
		*lifecycle
		trigger manifest.Trigger
		source  Source
		policy  manifest.RetryPolicy
	}

	// ComponentExitError is a non-zero guest exit treated as a failed delivery.
	ComponentExitError struct {
		Code uint32
	}
)

func (e *ComponentExitError) Error() string {
	return fmt.Sprintf("component exited with code %d", e.Code)
}

// NewConsumer returns a dispatcher for t reading from src. Zero fields of
// policy take the configured retry defaults.
func NewConsumer(t manifest.Trigger, src Source, policy manifest.RetryPolicy, deps Deps) *Consumer {
	l := newLifecycle(t.ID, t.Kind, deps)
	if policy.MaxAttempts == 0 {
		policy.MaxAttempts = l.deps.Config.Retry.MaxAttempts
	}
	if policy.Backoff == 0 {
		policy.Backoff = l.deps.Config.Retry.Backoff
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	return &Consumer{lifecycle: l, trigger: t, source: src, policy: policy}
}

// Start subscribes and begins the receive loop.
func (c *Consumer) Start(ctx context.Context) error {
	if err := c.TransitionToStarting(ctx); err != nil {
		return c.startRejected(err)
	}
	if err := c.source.Open(ctx); err != nil {
		_ = c.source.Close()
		return c.startError(err)
	}

	c.AddGoroutine()
	go c.loop()

	c.TransitionToRunning()
	c.logger.Info("consuming", "component", c.trigger.Component,
		"max_attempts", c.policy.MaxAttempts, "broker_redelivery", c.source.BrokerRedelivery())
	return nil
}

// Stop ends the receive loop, drains in-flight deliveries and closes the source.
func (c *Consumer) Stop(grace time.Duration) Status {
	if !c.TransitionToStopping() {
		return c.waitStopped()
	}
	deadline := time.Now().Add(grace)
	c.WaitForShutdown()
	status := c.drainStatus(time.Until(deadline))
	c.closeSource()

	status = c.finish(status)
	c.TransitionToStopped()
	c.logger.Info("stopped")
	return status
}

func (c *Consumer) closeSource() {
	if err := c.source.Close(); err != nil {
		c.logger.Warn("closing source", "error", err)
	}
}

func (c *Consumer) loop() {
	defer c.DoneGoroutine()
	ctx := c.Context()

	for {
		del, err := c.source.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.fail(err)
			return
		}

		release, err := c.admit(ctx)
		if err != nil {
			c.returnUnstarted(del)
			if ctx.Err() != nil || errors.Is(err, ErrNotAccepting) {
				return
			}
			continue
		}
		started := make(chan struct{})
		go c.handle(del, release, sync.OnceFunc(func() { close(started) }))
		select {
		case <-started:
		case <-ctx.Done():
			return
		}
	}
}

// fail ends the dispatcher after its source broke, unless Stop got there first.
func (c *Consumer) fail(err error) {
	c.logger.Error("receive failed", "error", err)
	if !c.TransitionToStopping() {
		return
	}
	c.finish(Status{Finished: true, Err: err})
	_ = c.Drain(0)
	c.closeSource()
	c.TransitionToFailed(err)
}

func (c *Consumer) returnUnstarted(del *Delivery) {
	if del.Nack == nil {
		c.logger.Warn("message dropped before invocation", "message", del.ID)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := del.Nack(ctx, 0); err != nil {
		c.logger.Warn("returning message", "message", del.ID, "error", err)
	}
}

// handle settles one delivery. began is called when its first invocation
// starts, and at the latest when handle returns.
func (c *Consumer) handle(del *Delivery, release, began func()) {
	defer release()
	defer began()
	ctx, cancel := c.invocationContext(context.Background())
	defer cancel()

	logger := c.logger.With("message", del.ID)
	if c.source.BrokerRedelivery() {
		c.settleBrokerAttempt(ctx, del, c.attempt(ctx, del, began))
		return
	}

	err := RetryWithBackoff(ctx, c.policy.MaxAttempts, c.policy.Backoff, func(attempt int) (bool, error) {
		if attempt > 0 && c.Context().Err() != nil {
			return false, errStopping
		}
		err := c.attempt(ctx, del, began)
		if err == nil || interrupted(ctx, err) {
			return false, err
		}
		logger.Warn("delivery attempt failed", "attempt", attempt+1, "max_attempts", c.policy.MaxAttempts, "error", err)
		return true, err
	})
	switch {
	case err == nil:
		c.ack(del)
	case interrupted(ctx, err) || errors.Is(err, errStopping):
		c.returnUnstarted(del)
	default:
		c.deadLetter(del, err)
	}
}

// settleBrokerAttempt acks, hands back or dead-letters after one attempt of
// a broker-counted delivery.
func (c *Consumer) settleBrokerAttempt(ctx context.Context, del *Delivery, err error) {
	switch {
	case err == nil:
		c.ack(del)
	case interrupted(ctx, err):
		c.returnUnstarted(del)
	case del.Attempt >= c.policy.MaxAttempts:
		c.deadLetter(del, err)
	default:
		c.logger.Warn("delivery attempt failed", "message", del.ID, "attempt", del.Attempt,
			"max_attempts", c.policy.MaxAttempts, "error", err)
		if del.Nack == nil {
			return
		}
		settle, cancel := context.WithTimeout(context.Background(), settleTimeout)
		defer cancel()
		if nerr := del.Nack(settle, c.backoff(del.Attempt)); nerr != nil {
			c.logger.Warn("returning message", "message", del.ID, "error", nerr)
		}
	}
}

func (c *Consumer) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return c.policy.Backoff * time.Duration(1<<(attempt-1))
}

// attempt invokes the component once. began is called when the guest
// starts or the invocation fails.
func (c *Consumer) attempt(ctx context.Context, del *Delivery, began func()) error {
	res, err := c.deps.Invoker.Invoke(ctx, c.trigger.Component, sandbox.Request{
		ID:      del.ID,
		Payload: del.Payload,
		Env:     del.Env,
		Started: began,
	})
	began()
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return &ComponentExitError{Code: res.ExitCode}
	}
	return nil
}

func (c *Consumer) ack(del *Delivery) {
	if del.Ack == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := del.Ack(ctx); err != nil {
		c.logger.Warn("acknowledging message", "message", del.ID, "error", err)
	}
}

// deadLetter gives up on a message after its last attempt.
func (c *Consumer) deadLetter(del *Delivery, cause error) {
	if del.DeadLetter == nil {
		c.logger.Error("discarding message after final attempt", "message", del.ID, "error", cause)
		c.ack(del)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	if err := del.DeadLetter(ctx, cause); err != nil {
		c.logger.Error("dead-lettering message", "message", del.ID, "error", err)
		return
	}
	c.logger.Warn("message dead-lettered", "message", del.ID, "error", cause)
	c.ack(del)
}

// interrupted reports whether err came from cancellation rather than the delivery.
func interrupted(ctx context.Context, err error) bool {
	return ctx.Err() != nil || sandbox.KindOf(err) == sandbox.KindCancelled
}
