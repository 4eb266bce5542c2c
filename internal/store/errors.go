// SPDX-License-Identifier: MPL-2.0

package store

import (
	"errors"
	"fmt"
)

var (
	// ErrResolve is wrapped by every *ResolveError.
	ErrResolve = errors.New("component resolve failed")
	// ErrClosed is returned by Resolve after Close.
	ErrClosed = errors.New("component store is closed")
	// ErrDigestMismatch is returned when bytecode does not match its declared digest.
	ErrDigestMismatch = errors.New("digest mismatch")
	// ErrMissingStart is returned for modules that do not export _start.
	ErrMissingStart = errors.New("module does not export _start")
)

// ResolveError reports why one component could not be resolved. It is
// terminal for that component only.
type ResolveError struct {
	Component string
	Err       error
}

func (e *ResolveError) Error() string {
	return fmt.Sprintf("resolve component %q: %v", e.Component, e.Err)
}

// Unwrap returns ErrResolve and the cause.
func (e *ResolveError) Unwrap() []error {
	return []error{ErrResolve, e.Err}
}
