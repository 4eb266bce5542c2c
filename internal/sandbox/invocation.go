// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"github.com/invowk/wasmshim/internal/kv"
	"github.com/invowk/wasmshim/internal/manifest"
)

type (
	// StoreOpener opens declared key/value stores by label.
	StoreOpener interface {
		Open(ctx context.Context, label string) (kv.Store, error)
	}

	// invocation is the per-event state host functions and the step meter
	// read from the call context.
	invocation struct {
		id         string
		component  string
		caps       manifest.Capabilities
		variables  map[string]string
		stores     StoreOpener
		httpClient *http.Client
		logger     *log.Logger

		maxSteps uint64
		steps    atomic.Uint64
		cancel   context.CancelCauseFunc

		mu     sync.Mutex
		denial error
	}

	invocationKey struct{}
)

func withInvocation(ctx context.Context, inv *invocation) context.Context {
	return context.WithValue(ctx, invocationKey{}, inv)
}

func invocationFrom(ctx context.Context) *invocation {
	inv, _ := ctx.Value(invocationKey{}).(*invocation)
	return inv
}

func (inv *invocation) recordDenial(err error) {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.denial == nil {
		inv.denial = err
	}
}

func (inv *invocation) denied() error {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.denial
}

// step counts one guest call and cancels the invocation once the budget is spent.
func (inv *invocation) step() {
	if inv.maxSteps == 0 {
		return
	}
	if inv.steps.Add(1) > inv.maxSteps {
		inv.cancel(errStepBudget)
	}
}
