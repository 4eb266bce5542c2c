// SPDX-License-Identifier: MPL-2.0

package trigger

import (
	"errors"
	"fmt"
	"time"

	"github.com/invowk/wasmshim/internal/manifest"
)

var (
	// ErrDispatchStart is wrapped by every *DispatchStartError.
	ErrDispatchStart = errors.New("dispatcher failed to start")
	// ErrShutdownTimeout is wrapped by every *ShutdownTimeoutError.
	ErrShutdownTimeout = errors.New("dispatcher shutdown exceeded its grace period")
	// ErrNotAccepting is returned for events that arrive after stopping began.
	ErrNotAccepting = errors.New("dispatcher is not accepting events")
)

type (
	// DispatchStartError means a listener or consumer could not come up.
	DispatchStartError struct {
		Dispatcher string
		Kind       manifest.TriggerKind
		Err        error
	}

	// ShutdownTimeoutError means in-flight invocations outlived the grace
	// period and were force-cancelled.
	ShutdownTimeoutError struct {
		Dispatcher string
		Grace      time.Duration
		Err        error
	}
)

func (e *DispatchStartError) Error() string {
	return fmt.Sprintf("start %s dispatcher %q: %v", e.Kind, e.Dispatcher, e.Err)
}

// Unwrap returns ErrDispatchStart and the cause.
func (e *DispatchStartError) Unwrap() []error { return []error{ErrDispatchStart, e.Err} }

func (e *ShutdownTimeoutError) Error() string {
	return fmt.Sprintf("dispatcher %q: grace period of %s exceeded: %v", e.Dispatcher, e.Grace, e.Err)
}

// Unwrap returns ErrShutdownTimeout and the cause.
func (e *ShutdownTimeoutError) Unwrap() []error { return []error{ErrShutdownTimeout, e.Err} }
