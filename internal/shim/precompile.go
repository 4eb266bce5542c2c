// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"context"
	"errors"

	"github.com/invowk/wasmshim/pkg/types"
)

// Compiled reports the ahead-of-time compilation of one component.
type Compiled struct {
	Component string
	Digest    string
	// FromCache is set when the on-disk cache already held the component.
	FromCache bool
	Err       error
}

// Precompile loads the bundle and compiles every component, filling the
// on-disk cache when cache.dir is configured. The returned code is
// types.ExitConfigInvalid when the bundle does not load and
// types.ExitStartupFailed when any component fails to compile.
func Precompile(ctx context.Context, bundlePath string, opts CreateOptions) ([]Compiled, types.ExitCode, error) {
	t := newTask("precompile", bundlePath, opts)
	cfg := *t.cfg
	cfg.Compile.Eager = false
	t.cfg = &cfg

	t.mu.Lock()
	err := t.createLocked(ctx)
	t.mu.Unlock()
	if err != nil {
		return nil, t.createErr.Code, err
	}
	defer func() {
		_ = t.store.Close(context.WithoutCancel(ctx))
		_ = t.stores.Close()
	}()

	var (
		out  []Compiled
		errs []error
	)
	for _, c := range t.app.Components() {
		res := Compiled{Component: c.ID}
		a, err := t.invoker.resolve(ctx, c.ID)
		if err != nil {
			res.Err = err
			errs = append(errs, err)
		} else {
			res.Digest = a.Key().Digest
			res.FromCache = a.FromCache()
			t.store.Release(a)
		}
		out = append(out, res)
	}
	if err := errors.Join(errs...); err != nil {
		return out, types.ExitStartupFailed, err
	}
	return out, types.ExitSuccess, nil
}
