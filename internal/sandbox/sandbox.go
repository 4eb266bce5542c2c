// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/sys"

	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/store"
)

type (
	// Request is one event for one component.
	Request struct {
		// ID identifies the invocation in logs; a UUID is generated when empty.
		ID        string
		Component string
		// Payload is the guest's stdin.
		Payload []byte
		// Args follow the component id as argv[0].
		Args         []string
		Env          map[string]string
		Capabilities manifest.Capabilities
		Variables    map[string]string
		Stores       StoreOpener
		// Timeout is the wall-clock limit; zero means none beyond ctx.
		Timeout time.Duration
		// Started, when set, is called once the instance exists, right
		// before _start runs.
		Started func()
		// MaxSteps is the guest call budget of a metered artifact; zero means
		// none. A budget also bounds wall-clock time, see stepWindow.
		MaxSteps uint64
	}

	// Result is what the guest produced. After an *InvocationError it holds
	// whatever output was written before the failure.
	Result struct {
		ID       string
		ExitCode uint32
		Stdout   []byte
		Stderr   []byte
		Steps    uint64
		Duration time.Duration
	}

	// Options configures a Sandbox.
	Options struct {
		// HTTPClient serves http_get.
		HTTPClient *http.Client
		Logger     *log.Logger
	}

	// Sandbox executes invocations against compiled artifacts.
	Sandbox struct {
		httpClient *http.Client
		logger     *log.Logger
	}
)

// New returns a Sandbox.
func New(opts Options) *Sandbox {
	s := &Sandbox{httpClient: opts.HTTPClient, logger: opts.Logger}
	if s.httpClient == nil {
		s.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if s.logger == nil {
		s.logger = log.NewWithOptions(os.Stderr, log.Options{Prefix: "sandbox"})
	}
	return s
}

// Invoke runs the artifact's _start once with req. A guest that exits via
// proc_exit, with any code, completes normally.
func (s *Sandbox) Invoke(ctx context.Context, a *store.Artifact, req Request) (*Result, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.Component == "" {
		req.Component = a.Component()
	}
	start := time.Now()

	maxSteps := req.MaxSteps
	if !a.Metered() {
		maxSteps = 0
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if req.Timeout > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, req.Timeout, errDeadline)
		defer stop()
	}
	if maxSteps > 0 {
		var stop context.CancelFunc
		ctx, stop = context.WithTimeoutCause(ctx, stepWindow(maxSteps), errStepWindow)
		defer stop()
	}

	inv := &invocation{
		id:         req.ID,
		component:  req.Component,
		caps:       req.Capabilities,
		variables:  req.Variables,
		stores:     req.Stores,
		httpClient: s.httpClient,
		logger:     s.logger.With("invocation", req.ID, "component", req.Component),
		maxSteps:   maxSteps,
		cancel:     cancel,
	}
	ctx = withInvocation(ctx, inv)

	var stdout, stderr bytes.Buffer
	mcfg := wazero.NewModuleConfig().
		WithName("").
		WithStartFunctions().
		WithStdin(bytes.NewReader(req.Payload)).
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithArgs(append([]string{req.Component}, req.Args...)...).
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader)
	for _, k := range sortedKeys(req.Env) {
		mcfg = mcfg.WithEnv(k, req.Env[k])
	}

	result := func() *Result {
		return &Result{
			ID:       req.ID,
			Stdout:   stdout.Bytes(),
			Stderr:   stderr.Bytes(),
			Steps:    inv.steps.Load(),
			Duration: time.Since(start),
		}
	}

	mod, err := a.Runtime().InstantiateModule(ctx, a.Module(), mcfg)
	if err != nil {
		return result(), s.classify(ctx, inv, nil, a.MemoryLimitBytes(), fmt.Errorf("instantiate: %w", err))
	}
	defer func() { _ = mod.Close(context.Background()) }()

	if req.Started != nil {
		req.Started()
	}
	_, callErr := mod.ExportedFunction("_start").Call(ctx)
	res := result()
	if callErr == nil {
		return res, nil
	}

	var exitErr *sys.ExitError
	if errors.As(callErr, &exitErr) && ctx.Err() == nil && inv.denied() == nil {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}
	return res, s.classify(ctx, inv, mod, a.MemoryLimitBytes(), callErr)
}

// classify maps a failed call to an *InvocationError. A recorded denial
// wins over cancellation, which wins over the guest's own fault.
func (s *Sandbox) classify(ctx context.Context, inv *invocation, mod api.Module, limit uint64, err error) error {
	ierr := &InvocationError{Component: inv.component, Err: err}

	switch denial := inv.denied(); {
	case denial != nil:
		ierr.Kind, ierr.Err = KindCapabilityDenied, denial
	case ctx.Err() != nil:
		cause := context.Cause(ctx)
		switch {
		case errors.Is(cause, errStepBudget):
			ierr.Kind = KindResourceExceeded
			ierr.Err = fmt.Errorf("%w after %d of %d steps", cause, inv.steps.Load(), inv.maxSteps)
		case errors.Is(cause, errDeadline), errors.Is(cause, context.DeadlineExceeded):
			ierr.Kind, ierr.Err = KindTimeout, cause
		default:
			ierr.Kind, ierr.Err = KindCancelled, cause
		}
	case mod != nil && nearCeiling(mod, limit):
		ierr.Kind = KindResourceExceeded
		ierr.Err = fmt.Errorf("memory ceiling of %d bytes reached: %w", limit, err)
	default:
		ierr.Kind = KindTrap
	}

	inv.logger.Debug("invocation failed", "kind", ierr.Kind, "error", ierr.Err)
	return ierr
}

// nearCeiling reports whether the module's memory cannot grow by another page.
func nearCeiling(mod api.Module, limit uint64) bool {
	mem := mod.Memory()
	if mem == nil || limit == 0 {
		return false
	}
	return uint64(mem.Size())+store.PageSize > limit
}
