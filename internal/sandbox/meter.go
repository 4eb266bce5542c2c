// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"context"
	"math"
	"time"

	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
)

// StepMeter returns the listener factory metered artifacts are compiled
// with. Only guest-defined functions count; host imports do not.
func StepMeter() experimental.FunctionListenerFactory {
	return stepMeter{}
}

type (
	stepMeter    struct{}
	stepListener struct{}
)

func (stepMeter) NewFunctionListener(def api.FunctionDefinition) experimental.FunctionListener {
	if _, _, isImport := def.Import(); isImport {
		return nil
	}
	return stepListener{}
}

func (stepListener) Before(ctx context.Context, _ api.Module, _ api.FunctionDefinition, _ []uint64, _ experimental.StackIterator) {
	if inv := invocationFrom(ctx); inv != nil {
		inv.step()
	}
}

func (stepListener) After(context.Context, api.Module, api.FunctionDefinition, []uint64) {}

func (stepListener) Abort(context.Context, api.Module, api.FunctionDefinition, error) {}

const (
	stepWindowBase    = time.Second
	stepWindowPerStep = 10 * time.Microsecond
)

// stepWindow is the wall-clock allowance of a step budget. Steps are counted
// per guest call, so a loop that makes no calls never spends its budget;
// the window ends such an invocation as ResourceExceeded.
func stepWindow(maxSteps uint64) time.Duration {
	if maxSteps > uint64(math.MaxInt64-stepWindowBase)/uint64(stepWindowPerStep) {
		return math.MaxInt64
	}
	return stepWindowBase + time.Duration(maxSteps)*stepWindowPerStep
}
