// SPDX-License-Identifier: MPL-2.0

package serverbase

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// ErrGraceExceeded is returned by Drain when in-flight work outlived the grace
// period and had to be force-cancelled.
var ErrGraceExceeded = errors.New("grace period exceeded")

// Base provides common fields and lifecycle infrastructure for dispatchers.
// Concrete dispatchers embed this struct.
//
// An instance is single-use: once stopped or failed, create a new instance.
type Base struct {
	// State management (atomic for lock-free reads)
	state atomic.Int32

	// State transition protection
	stateMu sync.Mutex

	// Lifecycle management. ctx stops event loops; invokeCtx is handed to
	// invocations and only ends on Force.
	ctx         context.Context
	cancel      context.CancelFunc
	invokeCtx   context.Context
	forceCancel context.CancelFunc
	wg          sync.WaitGroup
	startedCh   chan struct{}
	doneCh      chan struct{}
	doneOnce    sync.Once
	errCh       chan error
	lastErr     error

	// In-flight invocations. accepting and the Add on inflight share stateMu
	// so no Add can race the Wait in Drain.
	accepting bool
	inflight  sync.WaitGroup
	inCount   atomic.Int64
}

// NewBase creates a new Base.
func NewBase() *Base {
	b := &Base{
		startedCh: make(chan struct{}),
		doneCh:    make(chan struct{}),
		errCh:     make(chan error, 1),
	}
	b.state.Store(int32(StateCreated))
	return b
}

// State returns the current state (atomic, lock-free read).
func (b *Base) State() State {
	return State(b.state.Load())
}

// IsRunning returns true if the dispatcher is in the Running state.
func (b *Base) IsRunning() bool {
	return b.State() == StateRunning
}

// Err returns a channel for receiving async errors.
func (b *Base) Err() <-chan error {
	return b.errCh
}

// Done is closed once the dispatcher reaches a terminal state.
func (b *Base) Done() <-chan struct{} {
	return b.doneCh
}

// LastError returns the error that caused the Failed state, or nil.
func (b *Base) LastError() error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.lastErr
}

// --- Lifecycle helpers for concrete implementations ---

// TransitionToStarting attempts to transition from Created to Starting.
// Returns an error if the current state is not Created or if the context
// is already cancelled.
// Must be called at the beginning of Start().
func (b *Base) TransitionToStarting(ctx context.Context) error {
	// Check for already-cancelled context BEFORE any setup so the loop
	// goroutine can never reach Running with a dead context.
	select {
	case <-ctx.Done():
		b.TransitionToFailed(fmt.Errorf("context cancelled before start: %w", ctx.Err()))
		return b.LastError()
	default:
	}

	// Atomic state transition: Created -> Starting
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		currentState := State(b.state.Load())
		return fmt.Errorf("cannot start dispatcher in state %s", currentState)
	}

	b.stateMu.Lock()
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.invokeCtx, b.forceCancel = context.WithCancel(context.Background())
	b.accepting = true
	b.stateMu.Unlock()

	return nil
}

// TransitionToRunning marks the dispatcher as running.
// Must be called when it is ready to accept events.
// Closes the startedCh channel to signal readiness.
func (b *Base) TransitionToRunning() {
	if b.state.CompareAndSwap(int32(StateStarting), int32(StateRunning)) {
		close(b.startedCh)
	}
}

// TransitionToFailed marks the dispatcher as failed with the given error.
func (b *Base) TransitionToFailed(err error) {
	b.stateMu.Lock()
	b.lastErr = err
	b.accepting = false
	b.stateMu.Unlock()

	b.state.Store(int32(StateFailed))

	b.cancelLoop()
	b.Force()

	// Send error to channel for Err() consumers (non-blocking)
	b.SendError(err)
	b.markDone()
}

// TransitionToStopping attempts to transition to Stopping state.
// Returns true if transition occurred, false if already stopped/stopping.
// Stops accepting invocations and cancels the loop context.
func (b *Base) TransitionToStopping() bool {
	for {
		current := State(b.state.Load())
		switch {
		case current == StateCreated:
			if b.state.CompareAndSwap(int32(StateCreated), int32(StateStopped)) {
				b.markDone()
				return false
			}
		case current.Live():
			if b.state.CompareAndSwap(int32(current), int32(StateStopping)) {
				b.StopAccepting()
				b.cancelLoop()
				return true
			}
		default:
			// Stopping or terminal.
			return false
		}
	}
}

// TransitionToStopped marks the dispatcher as fully stopped.
// Must be called after all goroutines have exited.
func (b *Base) TransitionToStopped() {
	b.state.Store(int32(StateStopped))
	b.Force()
	b.markDone()
}

func (b *Base) cancelLoop() {
	b.stateMu.Lock()
	cancel := b.cancel
	b.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (b *Base) markDone() {
	b.doneOnce.Do(func() { close(b.doneCh) })
}

// WaitForReady blocks until the dispatcher is ready or ctx is cancelled.
func (b *Base) WaitForReady(ctx context.Context) error {
	select {
	case <-b.startedCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for dispatcher ready: %w", ctx.Err())
	}
}

// WaitForShutdown blocks until all goroutines tracked by WG have completed.
func (b *Base) WaitForShutdown() {
	b.wg.Wait()
}

// Context returns the loop context. It is cancelled when stopping begins.
// Returns nil if the dispatcher hasn't started.
func (b *Base) Context() context.Context {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.ctx
}

// InvocationContext returns the context invocations run under. It outlives
// the loop context and is cancelled only by Force.
func (b *Base) InvocationContext() context.Context {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.invokeCtx
}

// AddGoroutine increments the WaitGroup counter.
// Must be called before starting a goroutine.
func (b *Base) AddGoroutine() {
	b.wg.Add(1)
}

// DoneGoroutine decrements the WaitGroup counter.
// Must be deferred at the start of each goroutine.
func (b *Base) DoneGoroutine() {
	b.wg.Done()
}

// SendError sends an error to the error channel (non-blocking).
// If the channel is full, the error is dropped.
func (b *Base) SendError(err error) {
	select {
	case b.errCh <- err:
	default:
	}
}

// StartedChannel returns the started channel for custom waiting logic.
// The channel is closed when the dispatcher transitions to Running.
func (b *Base) StartedChannel() <-chan struct{} {
	return b.startedCh
}

// --- In-flight invocation tracking ---

// TrackInvocation registers one in-flight invocation. ok is false once the
// dispatcher stopped accepting; the caller must then reject the event.
func (b *Base) TrackInvocation() (done func(), ok bool) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !b.accepting {
		return nil, false
	}
	b.inflight.Add(1)
	b.inCount.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			b.inCount.Add(-1)
			b.inflight.Done()
		})
	}, true
}

// InFlight returns the number of tracked invocations still running.
func (b *Base) InFlight() int64 {
	return b.inCount.Load()
}

// StopAccepting makes every later TrackInvocation fail.
func (b *Base) StopAccepting() {
	b.stateMu.Lock()
	b.accepting = false
	b.stateMu.Unlock()
}

// Force cancels the invocation context.
func (b *Base) Force() {
	b.stateMu.Lock()
	cancel := b.forceCancel
	b.stateMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Drain stops accepting and waits up to grace for in-flight invocations.
// When grace runs out it forces cancellation, waits for the cancelled
// invocations to report, and returns ErrGraceExceeded. A zero grace forces
// immediately.
func (b *Base) Drain(grace time.Duration) error {
	b.StopAccepting()

	drained := make(chan struct{})
	go func() {
		b.inflight.Wait()
		close(drained)
	}()

	if grace > 0 {
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-drained:
			return nil
		case <-timer.C:
		}
	}

	remaining := b.InFlight()
	b.Force()
	<-drained
	if remaining > 0 {
		return fmt.Errorf("%w after %s with %d invocations in flight", ErrGraceExceeded, grace, remaining)
	}
	return nil
}
