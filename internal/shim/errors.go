// SPDX-License-Identifier: MPL-2.0

package shim

import (
	"errors"
	"fmt"
	"syscall"

	"github.com/invowk/wasmshim/pkg/types"
)

var (
	// ErrTaskExists is returned by Create for an id already in use.
	ErrTaskExists = errors.New("task already exists")
	// ErrTaskNotFound is returned for an unknown task id.
	ErrTaskNotFound = errors.New("task not found")
	// ErrInvalidState is wrapped by InvalidStateError.
	ErrInvalidState = errors.New("invalid task state")
	// ErrCreateFailed is returned by operations on a task whose creation failed.
	ErrCreateFailed = errors.New("task creation failed")
	// ErrUnsupportedSignal is returned by Kill for signals other than
	// SIGTERM, SIGINT and SIGKILL.
	ErrUnsupportedSignal = errors.New("unsupported signal")
	// ErrUnknownComponent is returned when an invocation names a component
	// the application does not declare.
	ErrUnknownComponent = errors.New("unknown component")
)

type (
	// InvalidStateError is returned when an operation is not valid in the
	// task's current state.
	InvalidStateError struct {
		Task  string
		Op    string
		State State
	}

	// CreateError records why a task could not be created. The task keeps
	// existing in StateCreated so Wait and Delete can report Code.
	CreateError struct {
		Task string
		Code types.ExitCode
		Err  error
	}
)

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("task %q: cannot %s in state %s", e.Task, e.Op, e.State)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

func (e *CreateError) Error() string {
	return fmt.Sprintf("create task %q: %v", e.Task, e.Err)
}

// Unwrap exposes ErrCreateFailed and the cause.
func (e *CreateError) Unwrap() []error {
	return []error{ErrCreateFailed, e.Err}
}

func unsupportedSignal(sig syscall.Signal) error {
	return fmt.Errorf("%w: %s", ErrUnsupportedSignal, sig)
}
