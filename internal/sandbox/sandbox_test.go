// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/kv"
	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/store"
	"github.com/invowk/wasmshim/internal/testutil/wasmtest"
)

func newSandbox() *Sandbox {
	return New(Options{Logger: log.New(io.Discard)})
}

// artifact compiles bin the way a task's store does.
func artifact(t *testing.T, bin []byte, limits manifest.Limits) *store.Artifact {
	t.Helper()
	s := store.New(store.Config{
		RuntimeInit: HostFunctions,
		Listener:    StepMeter(),
		Logger:      log.New(io.Discard),
	})
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	a, err := s.Resolve(context.Background(), manifest.Component{
		ID:     "test",
		Source: manifest.Source{Kind: manifest.SourceInline, Data: bin},
		Limits: limits,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	return a
}

func TestInvoke_Echo(t *testing.T) {
	t.Parallel()

	a := artifact(t, wasmtest.Echo(), manifest.Limits{})
	res, err := newSandbox().Invoke(context.Background(), a, Request{Payload: []byte("ping")})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if string(res.Stdout) != "ping" || res.ExitCode != 0 {
		t.Errorf("Invoke() = %q exit %d", res.Stdout, res.ExitCode)
	}
	if res.ID == "" || res.Duration <= 0 {
		t.Errorf("result metadata missing: %+v", res)
	}
}

func TestInvoke_ExitCodesAreNormalCompletion(t *testing.T) {
	t.Parallel()

	a := artifact(t, wasmtest.Output("out", "oops", 3), manifest.Limits{})
	res, err := newSandbox().Invoke(context.Background(), a, Request{ID: "fixed"})
	if err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if res.ExitCode != 3 || string(res.Stdout) != "out" || string(res.Stderr) != "oops" || res.ID != "fixed" {
		t.Errorf("Invoke() = %+v", res)
	}
}

func TestInvoke_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		bin      []byte
		limits   manifest.Limits
		req      Request
		ctx      func() (context.Context, context.CancelFunc)
		wantKind Kind
		sentinel error
	}{
		{
			name:     "trap",
			bin:      wasmtest.Trap(),
			wantKind: KindTrap,
			sentinel: ErrTrap,
		},
		{
			name:     "wall clock timeout",
			bin:      wasmtest.Spin(),
			req:      Request{Timeout: 100 * time.Millisecond},
			wantKind: KindTimeout,
			sentinel: ErrTimeout,
		},
		{
			name:     "caller deadline",
			bin:      wasmtest.Spin(),
			ctx:      func() (context.Context, context.CancelFunc) { return context.WithTimeout(context.Background(), 100*time.Millisecond) },
			wantKind: KindTimeout,
			sentinel: ErrTimeout,
		},
		{
			name: "cancelled",
			bin:  wasmtest.Spin(),
			ctx: func() (context.Context, context.CancelFunc) {
				ctx, cancel := context.WithCancel(context.Background())
				time.AfterFunc(100*time.Millisecond, cancel)
				return ctx, cancel
			},
			wantKind: KindCancelled,
			sentinel: ErrCancelled,
		},
		{
			name:     "step budget",
			bin:      wasmtest.CallLoop(),
			limits:   manifest.Limits{MaxSteps: 1000},
			req:      Request{MaxSteps: 1000},
			wantKind: KindResourceExceeded,
			sentinel: ErrResourceExceeded,
		},
		{
			name:     "memory ceiling",
			bin:      wasmtest.MemoryHog(),
			limits:   manifest.Limits{MemoryBytes: 2 << 20},
			wantKind: KindResourceExceeded,
			sentinel: ErrResourceExceeded,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			ctx, cancel := context.Background(), context.CancelFunc(func() {})
			if tt.ctx != nil {
				ctx, cancel = tt.ctx()
			}
			defer cancel()

			a := artifact(t, tt.bin, tt.limits)
			started := time.Now()
			res, err := newSandbox().Invoke(ctx, a, tt.req)
			if elapsed := time.Since(started); elapsed > 10*time.Second {
				t.Errorf("invocation took %s to stop", elapsed)
			}

			var ierr *InvocationError
			if !errors.As(err, &ierr) {
				t.Fatalf("expected *InvocationError, got %v", err)
			}
			if ierr.Kind != tt.wantKind {
				t.Errorf("kind = %s, want %s (%v)", ierr.Kind, tt.wantKind, err)
			}
			if !errors.Is(err, tt.sentinel) {
				t.Errorf("error should wrap %v", tt.sentinel)
			}
			if KindOf(err) != tt.wantKind {
				t.Errorf("KindOf() = %s", KindOf(err))
			}
			if res == nil {
				t.Fatal("a result must accompany an invocation error")
			}
			if tt.wantKind == KindResourceExceeded && tt.req.MaxSteps > 0 && res.Steps <= tt.req.MaxSteps {
				t.Errorf("Steps = %d, want more than the budget %d", res.Steps, tt.req.MaxSteps)
			}
		})
	}
}

func TestInvoke_UnmeteredArtifactIgnoresBudget(t *testing.T) {
	t.Parallel()

	a := artifact(t, wasmtest.Echo(), manifest.Limits{})
	if a.Metered() {
		t.Fatal("artifact without max_steps should not be metered")
	}
	res, err := newSandbox().Invoke(context.Background(), a, Request{MaxSteps: 1, Payload: []byte("x")})
	if err != nil || string(res.Stdout) != "x" {
		t.Fatalf("Invoke() = %v, %v", res, err)
	}
}

func TestInvoke_ConcurrentInvocationsAreIsolated(t *testing.T) {
	t.Parallel()

	a := artifact(t, wasmtest.Sentinel(), manifest.Limits{})
	sb := newSandbox()

	const n = 32
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Go(func() {
			payload := fmt.Sprintf("payload-%d", i)
			res, err := sb.Invoke(context.Background(), a, Request{Payload: []byte(payload)})
			switch {
			case err != nil:
				errs <- err
			case res.ExitCode == wasmtest.LeakExitCode:
				errs <- fmt.Errorf("invocation %d observed another invocation's memory", i)
			case string(res.Stdout) != payload:
				errs <- fmt.Errorf("invocation %d got %q", i, res.Stdout)
			}
		})
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestInvoke_KeyValue(t *testing.T) {
	t.Parallel()

	stores := kv.NewRegistry(config.DefaultConfig())
	t.Cleanup(func() { _ = stores.Close() })
	caps := manifest.Capabilities{KeyValueStores: []string{"default"}}
	sb := newSandbox()
	ctx := context.Background()

	run := func(bin []byte, caps manifest.Capabilities) (*Result, error) {
		return sb.Invoke(ctx, artifact(t, bin, manifest.Limits{}), Request{Capabilities: caps, Stores: stores})
	}

	if res, err := run(wasmtest.KeyValueSet("default", "greeting", "hello"), caps); err != nil || res.ExitCode != 0 {
		t.Fatalf("set: %v, %v", res, err)
	}
	res, err := run(wasmtest.KeyValueGet("default", "greeting"), caps)
	if err != nil || string(res.Stdout) != "hello" {
		t.Fatalf("get = %v, %v", res, err)
	}
	if res, err := run(wasmtest.KeyValueDelete("default", "greeting"), caps); err != nil || res.ExitCode != 0 {
		t.Fatalf("delete: %v, %v", res, err)
	}
	res, err = run(wasmtest.KeyValueGet("default", "greeting"), caps)
	if err != nil || res.ExitCode != wasmtest.ErrnoExitBase+1 {
		t.Fatalf("get after delete = %v, %v; want exit %d", res, err, wasmtest.ErrnoExitBase+1)
	}

	_, err = run(wasmtest.KeyValueSet("default", "k", "v"), manifest.Capabilities{})
	if KindOf(err) != KindCapabilityDenied || !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("undeclared store: err = %v", err)
	}
	s, _ := stores.Open(ctx, "default")
	if _, err := s.Get(ctx, "k"); !errors.Is(err, kv.ErrNotFound) {
		t.Error("a denied call must not reach the store")
	}
}

func TestInvoke_HTTPGet(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		hits.Add(1)
		_, _ = io.WriteString(w, "upstream says hi")
	}))
	t.Cleanup(srv.Close)

	a := artifact(t, wasmtest.HTTPGet(srv.URL+"/hello"), manifest.Limits{})
	sb := New(Options{HTTPClient: srv.Client(), Logger: log.New(io.Discard)})

	res, err := sb.Invoke(context.Background(), a, Request{
		Capabilities: manifest.Capabilities{AllowedOutboundHosts: []string{srv.URL}},
	})
	if err != nil || string(res.Stdout) != "upstream says hi" {
		t.Fatalf("allowed request = %v, %v", res, err)
	}

	_, err = sb.Invoke(context.Background(), a, Request{
		Capabilities: manifest.Capabilities{AllowedOutboundHosts: []string{"https://example.com"}},
	})
	if KindOf(err) != KindCapabilityDenied {
		t.Fatalf("disallowed request: err = %v", err)
	}
	if n := hits.Load(); n != 1 {
		t.Errorf("upstream hit %d times, want 1", n)
	}
}

func TestInvoke_HTTPGetRedirects(t *testing.T) {
	t.Parallel()

	var undeclaredHits atomic.Int32
	undeclared := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		undeclaredHits.Add(1)
		_, _ = io.WriteString(w, "secret")
	}))
	t.Cleanup(undeclared.Close)

	declared := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/away":
			http.Redirect(w, r, undeclared.URL+"/", http.StatusFound)
		case "/local":
			http.Redirect(w, r, "/final", http.StatusFound)
		default:
			_, _ = io.WriteString(w, "final")
		}
	}))
	t.Cleanup(declared.Close)

	sb := New(Options{Logger: log.New(io.Discard)})
	caps := manifest.Capabilities{AllowedOutboundHosts: []string{declared.URL}}

	res, err := sb.Invoke(context.Background(), artifact(t, wasmtest.HTTPGet(declared.URL+"/local"), manifest.Limits{}),
		Request{Capabilities: caps})
	if err != nil || string(res.Stdout) != "final" {
		t.Fatalf("redirect within the declared host = %v, %v", res, err)
	}

	res, err = sb.Invoke(context.Background(), artifact(t, wasmtest.HTTPGet(declared.URL+"/away"), manifest.Limits{}),
		Request{Capabilities: caps})
	if KindOf(err) != KindCapabilityDenied {
		t.Fatalf("redirect to an undeclared host: err = %v", err)
	}
	if len(res.Stdout) != 0 {
		t.Errorf("stdout = %q, want nothing from the undeclared host", res.Stdout)
	}
	if n := undeclaredHits.Load(); n != 0 {
		t.Errorf("undeclared host contacted %d times", n)
	}
}

func TestInvoke_StepBudgetBoundsLoopsWithoutCalls(t *testing.T) {
	t.Parallel()

	a := artifact(t, wasmtest.Spin(), manifest.Limits{MaxSteps: 1000})
	started := time.Now()
	res, err := newSandbox().Invoke(context.Background(), a, Request{MaxSteps: 1000})
	if elapsed := time.Since(started); elapsed > 10*time.Second {
		t.Errorf("invocation took %s to stop", elapsed)
	}
	if KindOf(err) != KindResourceExceeded || !errors.Is(err, ErrResourceExceeded) {
		t.Fatalf("Invoke() = %v, want a resource exceeded error", err)
	}
	if res == nil {
		t.Fatal("a result must accompany an invocation error")
	}
}

func TestStepWindow(t *testing.T) {
	t.Parallel()

	if got := stepWindow(1000); got != time.Second+10*time.Millisecond {
		t.Errorf("stepWindow(1000) = %s", got)
	}
	if got := stepWindow(math.MaxUint64); got != time.Duration(math.MaxInt64) {
		t.Errorf("stepWindow(max) = %s, want saturation", got)
	}
}

func TestInvoke_Variables(t *testing.T) {
	t.Parallel()

	sb := newSandbox()
	res, err := sb.Invoke(context.Background(), artifact(t, wasmtest.VariableGet("mode"), manifest.Limits{}),
		Request{Variables: map[string]string{"mode": "fast"}})
	if err != nil || string(res.Stdout) != "fast" {
		t.Fatalf("variable_get = %v, %v", res, err)
	}

	res, err = sb.Invoke(context.Background(), artifact(t, wasmtest.VariableGet("missing"), manifest.Limits{}), Request{})
	if err != nil || res.ExitCode != wasmtest.ErrnoExitBase+1 {
		t.Fatalf("missing variable = %v, %v", res, err)
	}
}

func TestInvoke_Args(t *testing.T) {
	t.Parallel()

	res, err := newSandbox().Invoke(context.Background(), artifact(t, wasmtest.ArgCount(), manifest.Limits{}),
		Request{Args: []string{"--name", "x"}})
	if err != nil {
		t.Fatal(err)
	}
	if res.ExitCode != 3 {
		t.Errorf("argc = %d, want 3 (component id plus two args)", res.ExitCode)
	}
}

func TestBuildEnv(t *testing.T) {
	t.Parallel()

	host := map[string]string{"LANG": "C.UTF-8", "SECRET": "nope", "MODE": "host"}
	lookup := func(k string) (string, bool) { v, ok := host[k]; return v, ok }

	env := BuildEnv([]string{"LANG", "MODE", "ABSENT"}, lookup,
		map[string]string{"MODE": "literal", "GREETING": "hi"},
		map[string]string{"GREETING": "event"})

	want := map[string]string{"LANG": "C.UTF-8", "MODE": "literal", "GREETING": "event"}
	if len(env) != len(want) {
		t.Fatalf("BuildEnv() = %v, want %v", env, want)
	}
	for k, v := range want {
		if env[k] != v {
			t.Errorf("env[%s] = %q, want %q", k, env[k], v)
		}
	}
}

func TestPool(t *testing.T) {
	t.Parallel()

	p := NewPool(2)
	ctx := context.Background()

	r1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatal(err)
	}
	r2, _ := p.Acquire(ctx)
	if p.InFlight() != 2 {
		t.Errorf("InFlight() = %d", p.InFlight())
	}

	waitCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(waitCtx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Acquire on a full pool = %v, want deadline exceeded", err)
	}

	acquired := make(chan struct{})
	go func() {
		release, err := p.Acquire(ctx)
		if err == nil {
			release()
		}
		close(acquired)
	}()
	r1()
	r1()
	select {
	case <-acquired:
	case <-time.After(5 * time.Second):
		t.Fatal("releasing a slot should unblock a waiter")
	}
	r2()
	if p.InFlight() != 0 {
		t.Errorf("InFlight() = %d after releases", p.InFlight())
	}
	if NewPool(0).Size() != 1 {
		t.Error("pool size should be at least one")
	}
}

func TestKindString(t *testing.T) {
	t.Parallel()

	if KindTimeout.String() != "timeout" || Kind(99).String() != "Kind(99)" {
		t.Error("unexpected Kind strings")
	}
	err := &InvocationError{Kind: KindTrap, Component: "c", Err: errors.New("boom")}
	if !bytes.Contains([]byte(err.Error()), []byte(`component "c": trap: boom`)) {
		t.Errorf("Error() = %q", err.Error())
	}
}
