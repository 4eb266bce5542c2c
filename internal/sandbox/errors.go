// SPDX-License-Identifier: MPL-2.0

package sandbox

import (
	"errors"
	"fmt"
)

const (
	// KindTimeout means the wall-clock deadline passed.
	KindTimeout Kind = iota + 1
	// KindResourceExceeded means the step budget or memory ceiling was hit.
	KindResourceExceeded
	// KindCapabilityDenied means a host call was refused at the boundary.
	KindCapabilityDenied
	// KindTrap means the guest faulted.
	KindTrap
	// KindCancelled means the caller cancelled the invocation.
	KindCancelled
)

var (
	// ErrTimeout is wrapped by every KindTimeout InvocationError.
	ErrTimeout = errors.New("invocation timed out")
	// ErrResourceExceeded is wrapped by every KindResourceExceeded InvocationError.
	ErrResourceExceeded = errors.New("invocation exceeded its resource limits")
	// ErrCapabilityDenied is wrapped by every KindCapabilityDenied InvocationError.
	ErrCapabilityDenied = errors.New("capability denied")
	// ErrTrap is wrapped by every KindTrap InvocationError.
	ErrTrap = errors.New("guest trapped")
	// ErrCancelled is wrapped by every KindCancelled InvocationError.
	ErrCancelled = errors.New("invocation cancelled")

	errDeadline   = errors.New("deadline reached")
	errStepBudget = errors.New("step budget exhausted")
	errStepWindow = fmt.Errorf("%w: step window elapsed", errStepBudget)
	errRedirect   = errors.New("redirect not allowed")
)

type (
	// Kind classifies an InvocationError.
	Kind int

	// InvocationError describes why an invocation did not run to a normal
	// exit. It never escapes the dispatcher that made the call.
	InvocationError struct {
		Kind      Kind
		Component string
		Err       error
	}
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindResourceExceeded:
		return "resource exceeded"
	case KindCapabilityDenied:
		return "capability denied"
	case KindTrap:
		return "trap"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) sentinel() error {
	switch k {
	case KindTimeout:
		return ErrTimeout
	case KindResourceExceeded:
		return ErrResourceExceeded
	case KindCapabilityDenied:
		return ErrCapabilityDenied
	case KindCancelled:
		return ErrCancelled
	default:
		return ErrTrap
	}
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("component %q: %s: %v", e.Component, e.Kind, e.Err)
}

// Unwrap returns the kind sentinel and the cause.
func (e *InvocationError) Unwrap() []error {
	return []error{e.Kind.sentinel(), e.Err}
}

// KindOf returns the kind of an *InvocationError in err's chain, or 0.
func KindOf(err error) Kind {
	var ierr *InvocationError
	if errors.As(err, &ierr) {
		return ierr.Kind
	}
	return 0
}
