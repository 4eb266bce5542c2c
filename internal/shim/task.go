// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"context"
	"errors"
	"net"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/kv"
	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
	"github.com/invowk/wasmshim/internal/store"
	"github.com/invowk/wasmshim/internal/trigger"
	"github.com/invowk/wasmshim/pkg/types"
)

// Task is one lifecycle-managed application instance.
type Task struct {
	id     string
	bundle string
	opts   CreateOptions
	cfg    *config.Config
	logger *log.Logger

	// mu serializes transitions; state is readable without it.
	mu    sync.Mutex
	state atomic.Int32

	app       *manifest.App
	store     *store.Store
	stores    *kv.Registry
	invoker   *invoker
	createErr *CreateError

	pid         int
	dispatchers []trigger.Dispatcher
	coord       *coordinator
	execs       sync.WaitGroup
	deleted     bool

	exitCode types.ExitCode
	exited   chan struct{}
}

func newTask(id, bundle string, opts CreateOptions) *Task {
	if opts.Config == nil {
		opts.Config = config.DefaultConfig()
	}
	if opts.LookupEnv == nil {
		opts.LookupEnv = os.LookupEnv
	}
	if opts.Logger == nil {
		opts.Logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "shim"})
	}
	t := &Task{
		id:     id,
		bundle: bundle,
		opts:   opts,
		cfg:    opts.Config,
		logger: opts.Logger.With("task", id),
		exited: make(chan struct{}),
	}
	t.state.Store(int32(StateCreated))
	return t
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// App returns the loaded application, or nil when loading failed.
func (t *Task) App() *manifest.App { return t.app }

// createLocked loads the manifest and, when configured, compiles every
// component. A failure is recorded on the task, which stays Created.
func (t *Task) createLocked(ctx context.Context) error {
	app, err := manifest.Load(ctx, t.bundle, manifest.WithLookupEnv(t.opts.LookupEnv))
	if err != nil {
		return t.failCreate(types.ExitConfigInvalid, err)
	}
	if err := trigger.CheckConfig(app, t.cfg); err != nil {
		return t.failCreate(types.ExitConfigInvalid, err)
	}
	mem, err := t.cfg.Limits.MemoryBytes()
	if err != nil {
		return t.failCreate(types.ExitConfigInvalid, err)
	}
	t.app = app

	t.store = store.New(store.Config{
		CompileTimeout: t.cfg.Compile.Timeout,
		CacheDir:       t.cfg.Cache.Dir,
		DefaultMemory:  mem,
		HTTPClient:     t.opts.HTTPClient,
		RuntimeInit:    sandbox.HostFunctions,
		Listener:       sandbox.StepMeter(),
		Logger:         t.logger.WithPrefix("store"),
	})
	t.stores = kv.NewRegistry(t.cfg)
	t.invoker = &invoker{
		app:   app,
		store: t.store,
		sandbox: sandbox.New(sandbox.Options{
			HTTPClient: t.opts.HTTPClient,
			Logger:     t.logger.WithPrefix("sandbox"),
		}),
		stores: t.stores,
		defaults: manifest.Limits{
			MemoryBytes: mem,
			MaxSteps:    t.cfg.Limits.MaxSteps,
			Timeout:     t.cfg.Limits.Timeout,
		},
		lookupEnv: t.opts.LookupEnv,
	}

	if t.cfg.Compile.Eager {
		if err := t.precompile(ctx); err != nil {
			return t.failCreate(types.ExitStartupFailed, err)
		}
	}
	t.logger.Info("created", "app", app.Name, "components", len(app.Components()), "triggers", len(app.Triggers()))
	return nil
}

func (t *Task) failCreate(code types.ExitCode, err error) error {
	t.createErr = &CreateError{Task: t.id, Code: code, Err: err}
	t.exitCode = code
	close(t.exited)
	t.logger.Error("create failed", "exit_code", code, "error", err)
	return t.createErr
}

// precompile resolves every component. A failing component does not stop
// its siblings from compiling.
func (t *Task) precompile(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, c := range t.app.Components() {
		g.Go(func() error {
			a, err := t.invoker.resolve(ctx, c.ID)
			if err != nil {
				return err
			}
			t.store.Release(a)
			return nil
		})
	}
	return g.Wait()
}

// Start brings every dispatcher up and returns the pid serving the task.
// Starting a Running task returns the same pid and starts nothing. If a
// dispatcher fails to start, the ones already started are stopped and the
// task ends with types.ExitStartupFailed.
func (t *Task) Start(ctx context.Context) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch st := t.State(); st {
	case StateRunning:
		return t.pid, nil
	case StateCreated:
	default:
		return 0, &InvalidStateError{Task: t.id, Op: "start", State: st}
	}
	if t.createErr != nil {
		return 0, t.createErr
	}

	ds, err := trigger.Build(t.app, trigger.Deps{
		Invoker: t.invoker,
		Pool:    sandbox.NewPool(t.cfg.Pool.MaxConcurrency),
		Config:  t.cfg,
		Logger:  t.logger.WithPrefix("trigger"),
		Args:    t.opts.Args,
		Stdout:  t.opts.Stdout,
		Stderr:  t.opts.Stderr,
		SQS:     t.opts.SQS,
	})
	if err != nil {
		t.stopLocked(types.ExitStartupFailed)
		return 0, err
	}

	for i, d := range ds {
		if err := d.Start(ctx); err != nil {
			t.logger.Error("dispatcher failed to start, rolling back", "dispatcher", d.Name(), "error", err)
			rollback(ds[:i])
			t.stopLocked(types.ExitStartupFailed)
			return 0, err
		}
	}

	t.dispatchers = ds
	t.pid = os.Getpid()
	t.coord = newCoordinator(t, ds, t.cfg.Shutdown.GracePeriod)
	t.state.Store(int32(StateRunning))
	go t.coord.run()

	t.logger.Info("started", "pid", t.pid, "dispatchers", len(ds))
	return t.pid, nil
}

// rollback stops already started dispatchers without a grace period.
func rollback(ds []trigger.Dispatcher) {
	var g errgroup.Group
	for _, d := range ds {
		g.Go(func() error {
			d.Stop(0)
			return nil
		})
	}
	_ = g.Wait()
}

// Kill asks the task to stop. SIGTERM and SIGINT drain for the configured
// grace period; SIGKILL, or any kill while already stopping, forces
// cancellation. A task that never started stops immediately.
func (t *Task) Kill(ctx context.Context, sig syscall.Signal) error {
	var forced bool
	switch sig {
	case syscall.SIGKILL:
		forced = true
	case syscall.SIGTERM, syscall.SIGINT:
	default:
		return unsupportedSignal(sig)
	}

	t.mu.Lock()
	switch t.State() {
	case StateCreated:
		defer t.mu.Unlock()
		if t.createErr != nil {
			t.state.Store(int32(StateStopped))
			return nil
		}
		t.stopLocked(types.ExitKilled)
		return nil
	case StateStopped:
		t.mu.Unlock()
		return nil
	}
	if t.State() == StateRunning {
		t.state.Store(int32(StateStopping))
	}
	c := t.coord
	t.mu.Unlock()
	return c.request(ctx, stopRequest{forced: forced, signal: sig})
}

// Wait blocks until the task stopped, or its creation failed, and returns
// the exit code.
func (t *Task) Wait(ctx context.Context) (types.ExitCode, error) {
	select {
	case <-t.exited:
		return t.exitCode, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Exited is closed once the exit code is final.
func (t *Task) Exited() <-chan struct{} { return t.exited }

// Delete releases the component store and key/value backends. It is valid
// once the task stopped or its creation failed.
func (t *Task) Delete(ctx context.Context) (types.ExitCode, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st := t.State(); st != StateStopped && t.createErr == nil {
		return 0, &InvalidStateError{Task: t.id, Op: "delete", State: st}
	}
	if t.deleted {
		return t.exitCode, nil
	}
	t.deleted = true
	t.execs.Wait()

	var errs []error
	if t.store != nil {
		errs = append(errs, t.store.Close(ctx))
	}
	if t.stores != nil {
		errs = append(errs, t.stores.Close())
	}
	t.logger.Info("deleted", "exit_code", t.exitCode)
	return t.exitCode, errors.Join(errs...)
}

// Exec runs one component invocation outside the trigger set and returns
// its process-style exit code. It is valid while the task is Created or
// Running.
func (t *Task) Exec(ctx context.Context, req ExecRequest) (types.ExitCode, error) {
	t.mu.Lock()
	if t.createErr != nil {
		t.mu.Unlock()
		return types.ExitFailure, t.createErr
	}
	if st := t.State(); st != StateCreated && st != StateRunning {
		t.mu.Unlock()
		return types.ExitFailure, &InvalidStateError{Task: t.id, Op: "exec", State: st}
	}
	t.execs.Add(1)
	t.mu.Unlock()
	defer t.execs.Done()

	res, err := t.invoker.Invoke(ctx, req.Component, sandbox.Request{
		Payload: req.Payload,
		Args:    req.Args,
		Env:     req.Env,
	})
	if res != nil {
		if req.Stdout != nil {
			_, _ = req.Stdout.Write(res.Stdout)
		}
		if req.Stderr != nil {
			_, _ = req.Stderr.Write(res.Stderr)
		}
	}
	return trigger.CommandExitCode(res, err), err
}

// HTTPAddr returns the bound address of the HTTP dispatcher, or nil when
// the task serves no HTTP triggers or is not running.
func (t *Task) HTTPAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, d := range t.dispatchers {
		if h, ok := d.(*trigger.HTTPDispatcher); ok {
			return h.Addr()
		}
	}
	return nil
}

// Status returns a snapshot of the task.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := Status{ID: t.id, Bundle: t.bundle, State: t.State(), Pid: t.pid}
	select {
	case <-t.exited:
		s.ExitCode = t.exitCode
	default:
	}
	if t.createErr != nil {
		s.CreateErr = t.createErr
	}
	return s
}

// beginStopping moves a Running task to Stopping.
func (t *Task) beginStopping() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.State() == StateRunning {
		t.state.Store(int32(StateStopping))
	}
}

// markStopped records the final exit code.
func (t *Task) markStopped(code types.ExitCode) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked(code)
}

func (t *Task) stopLocked(code types.ExitCode) {
	if t.State() == StateStopped {
		return
	}
	t.exitCode = code
	t.state.Store(int32(StateStopped))
	close(t.exited)
	t.logger.Info("stopped", "exit_code", code)
}
