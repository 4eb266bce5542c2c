// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/charmbracelet/log"

	"github.com/invowk/wasmshim/internal/config"
	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
)

type invokerFunc func(ctx context.Context, component string, req sandbox.Request) (*sandbox.Result, error)

func (f invokerFunc) Invoke(ctx context.Context, component string, req sandbox.Request) (*sandbox.Result, error) {
	return f(ctx, component, req)
}

func echoInvoker() invokerFunc {
	return func(_ context.Context, _ string, req sandbox.Request) (*sandbox.Result, error) {
		return &sandbox.Result{Stdout: req.Payload}, nil
	}
}

func testDeps(inv Invoker) Deps {
	cfg := config.DefaultConfig()
	cfg.HTTP.ListenAddr = "127.0.0.1:0"
	cfg.Retry.Backoff = time.Millisecond
	return Deps{
		Invoker: inv,
		Config:  cfg,
		Logger:  log.New(io.Discard),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	}
}

func httpTrigger(t *testing.T, id, route, component string, executor manifest.Executor) manifest.Trigger {
	t.Helper()
	r, err := manifest.ParseRoute(route)
	if err != nil {
		t.Fatal(err)
	}
	if executor == "" {
		executor = manifest.ExecutorRaw
	}
	return manifest.Trigger{
		ID:        id,
		Kind:      manifest.TriggerHTTP,
		Component: component,
		Config:    manifest.HTTPConfig{Route: r, Executor: executor},
	}
}

func waitDone(t *testing.T, d Dispatcher) {
	t.Helper()
	select {
	case <-d.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("dispatcher %s did not finish", d.Name())
	}
}
