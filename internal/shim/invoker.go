// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"context"
	"fmt"

	"github.com/invowk/wasmshim/internal/kv"
	"github.com/invowk/wasmshim/internal/manifest"
	"github.com/invowk/wasmshim/internal/sandbox"
	"github.com/invowk/wasmshim/internal/store"
)

// invoker binds dispatcher requests to the application's components.
type invoker struct {
	app       *manifest.App
	store     *store.Store
	sandbox   *sandbox.Sandbox
	stores    *kv.Registry
	defaults  manifest.Limits
	lookupEnv func(string) (string, bool)
}

// component returns c with the task's default limits filled in.
func (i *invoker) component(id string) (manifest.Component, error) {
	c, ok := i.app.Component(id)
	if !ok {
		return manifest.Component{}, fmt.Errorf("%w %q", ErrUnknownComponent, id)
	}
	c.Limits = c.Limits.WithDefaults(i.defaults)
	return c, nil
}

// resolve compiles id without running it.
func (i *invoker) resolve(ctx context.Context, id string) (*store.Artifact, error) {
	c, err := i.component(id)
	if err != nil {
		return nil, err
	}
	return i.store.Resolve(ctx, c)
}

// Invoke runs component with req. Capabilities, variables and limits come
// from the manifest; req.Env is layered over the component's environment.
func (i *invoker) Invoke(ctx context.Context, component string, req sandbox.Request) (*sandbox.Result, error) {
	c, err := i.component(component)
	if err != nil {
		return nil, err
	}
	a, err := i.store.Resolve(ctx, c)
	if err != nil {
		return nil, err
	}
	defer i.store.Release(a)

	req.Component = c.ID
	req.Capabilities = c.Capabilities
	req.Variables = c.Variables
	req.Stores = i.stores
	req.Env = sandbox.BuildEnv(c.Capabilities.AllowedEnv, i.lookupEnv, c.Environment, req.Env)
	if req.Timeout == 0 {
		req.Timeout = c.Limits.Timeout
	}
	if req.MaxSteps == 0 {
		req.MaxSteps = c.Limits.MaxSteps
	}
	return i.sandbox.Invoke(ctx, a, req)
}
