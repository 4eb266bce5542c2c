// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/core/serverbase"
	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
	"github.com/invowk/wasmshim/pkg/types"
)

type (
	// Invoker runs one invocation of a component. Implementations fill in
	// the component's capabilities, limits and environment.
	Invoker interface {
		Invoke(ctx context.Context, component string, req sandbox.Request) (*sandbox.Result, error)
	}

	// Dispatcher owns the inbound event loop of one trigger protocol.
	Dispatcher interface {
		Name() string
		Kind() manifest.TriggerKind
		// Start brings the event loop up. A failure is a *DispatchStartError
		// and leaves nothing running.
		Start(ctx context.Context) error
		// Stop stops accepting events, drains in-flight invocations for up
		// to grace, force-cancels the rest and reports the final status.
		// It is safe to call more than once.
		Stop(grace time.Duration) Status
		// Force cancels in-flight invocations now. A Stop in progress then
		// finishes without waiting out its grace period.
		Force()
		// Done is closed when the dispatcher reached a terminal state,
		// whether through Stop or on its own.
		Done() <-chan struct{}
		// Result is the final status once Done is closed.
		Result() Status
	}

	// Status is how a dispatcher ended.
	Status struct {
		Name string
		Kind manifest.TriggerKind
		// Finished is set when the dispatcher ended on its own.
		Finished bool
		// ExitCode is set by command dispatchers.
		ExitCode types.ExitCode
		// Err is a *ShutdownTimeoutError when the grace period ran out, or
		// the failure that ended the event loop.
		Err error
	}

	// Deps are the collaborators every dispatcher shares.
	Deps struct {
		Invoker Invoker
		// Pool bounds concurrent invocations across dispatchers; nil means unbounded.
		Pool   *sandbox.Pool
		Config *config.Config
		Logger *log.Logger
		// Args are appended to each command trigger's own args.
		Args []string
		// Stdout and Stderr receive command trigger output; they default
		// to the process streams.
		Stdout io.Writer
		Stderr io.Writer
		// SQS replaces the client built from configuration.
		SQS SQSAPI
	}

	// lifecycle is the state shared by every dispatcher implementation.
	lifecycle struct {
		*serverbase.Base
		name   string
		kind   manifest.TriggerKind
		deps   Deps
		logger *log.Logger

		mu     sync.Mutex
		result Status
		set    bool
	}
)

var (
	_ Dispatcher = (*HTTPDispatcher)(nil)
	_ Dispatcher = (*Consumer)(nil)
	_ Dispatcher = (*Command)(nil)
)

// GraceExceeded reports whether the status records a forced shutdown.
func (s Status) GraceExceeded() bool {
	return errors.Is(s.Err, ErrShutdownTimeout)
}

func newLifecycle(name string, kind manifest.TriggerKind, deps Deps) *lifecycle {
	if deps.Logger == nil {
		deps.Logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "trigger"})
	}
	if deps.Config == nil {
		deps.Config = config.DefaultConfig()
	}
	if deps.Stdout == nil {
		deps.Stdout = os.Stdout
	}
	if deps.Stderr == nil {
		deps.Stderr = os.Stderr
	}
	return &lifecycle{
		Base:   serverbase.NewBase(),
		name:   name,
		kind:   kind,
		deps:   deps,
		logger: deps.Logger.With("dispatcher", name, "kind", string(kind)),
	}
}

func (l *lifecycle) Name() string               { return l.name }
func (l *lifecycle) Kind() manifest.TriggerKind { return l.kind }

func (l *lifecycle) Result() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	s := l.result
	s.Name, s.Kind = l.name, l.kind
	return s
}

// finish records the final status; the first call wins.
func (l *lifecycle) finish(s Status) Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.set {
		l.result, l.set = s, true
	}
	s = l.result
	s.Name, s.Kind = l.name, l.kind
	return s
}

// startRejected wraps a failed TransitionToStarting. A second Start on a
// live dispatcher leaves it untouched.
func (l *lifecycle) startRejected(err error) error {
	serr := &DispatchStartError{Dispatcher: l.name, Kind: l.kind, Err: err}
	if l.State() == serverbase.StateFailed {
		l.finish(Status{Err: serr})
	}
	return serr
}

func (l *lifecycle) startError(err error) error {
	serr := &DispatchStartError{Dispatcher: l.name, Kind: l.kind, Err: err}
	l.finish(Status{Err: serr})
	l.TransitionToFailed(serr)
	return serr
}

// drainStatus drains in-flight invocations and builds the stop status.
func (l *lifecycle) drainStatus(grace time.Duration) Status {
	var s Status
	if err := l.Drain(grace); err != nil {
		s.Err = &ShutdownTimeoutError{Dispatcher: l.name, Grace: grace, Err: err}
		l.logger.Warn("forced shutdown", "error", s.Err)
	}
	return s
}

// admit reserves an in-flight slot and a pool slot for one event.
func (l *lifecycle) admit(ctx context.Context) (release func(), err error) {
	done, ok := l.TrackInvocation()
	if !ok {
		return nil, ErrNotAccepting
	}
	if l.deps.Pool == nil {
		return done, nil
	}
	free, err := l.deps.Pool.Acquire(ctx)
	if err != nil {
		done()
		return nil, err
	}
	return func() {
		free()
		done()
	}, nil
}

// invocationContext returns a context cancelled by parent or by a forced
// stop, whichever comes first.
func (l *lifecycle) invocationContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(l.InvocationContext(), cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}

// waitStopped blocks until a concurrent Stop or self-finish completes.
func (l *lifecycle) waitStopped() Status {
	<-l.Done()
	return l.Result()
}
