// SPDX-License-Identifier: MPL-2.0

package manifest

import (
	"errors"
	"fmt"
)

const (
	// KindUnresolvedReference covers references to things that do not exist:
	// components, variables, environment variables, source files.
	KindUnresolvedReference ErrorKind = iota + 1
	// KindInvalidExpression covers malformed templates and variable cycles.
	KindInvalidExpression
	// KindMalformedSource covers syntax and schema errors and invalid values.
	KindMalformedSource
)

var (
	// ErrLoad is wrapped by every error Load returns.
	ErrLoad = errors.New("manifest load failed")
	// ErrUnresolvedReference is wrapped by KindUnresolvedReference errors.
	ErrUnresolvedReference = fmt.Errorf("%w: unresolved reference", ErrLoad)
	// ErrInvalidExpression is wrapped by KindInvalidExpression errors.
	ErrInvalidExpression = fmt.Errorf("%w: invalid expression", ErrLoad)
	// ErrMalformedSource is wrapped by KindMalformedSource errors.
	ErrMalformedSource = fmt.Errorf("%w: malformed source", ErrLoad)
	// ErrNotFound is returned when a bundle directory holds no manifest.
	ErrNotFound = fmt.Errorf("%w: no manifest found", ErrLoad)
)

type (
	// ErrorKind classifies a ManifestError.
	ErrorKind int

	// ManifestError describes why a manifest was rejected.
	ManifestError struct {
		Kind ErrorKind
		// File is the manifest path.
		File string
		// Field locates the problem, e.g. "trigger.http[1].component".
		Field string
		Err   error
	}
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnresolvedReference:
		return "unresolved reference"
	case KindInvalidExpression:
		return "invalid expression"
	case KindMalformedSource:
		return "malformed source"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

func (e *ManifestError) Error() string {
	msg := e.File
	if e.Field != "" {
		msg += ": " + e.Field
	}
	return fmt.Sprintf("%s: %s: %v", msg, e.Kind, e.Err)
}

// Unwrap exposes the kind sentinel and the cause.
func (e *ManifestError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindUnresolvedReference:
		sentinel = ErrUnresolvedReference
	case KindInvalidExpression:
		sentinel = ErrInvalidExpression
	default:
		sentinel = ErrMalformedSource
	}
	return []error{sentinel, e.Err}
}

func unresolved(file, field string, format string, args ...any) *ManifestError {
	return &ManifestError{Kind: KindUnresolvedReference, File: file, Field: field, Err: fmt.Errorf(format, args...)}
}

func invalidExpr(file, field string, err error) *ManifestError {
	return &ManifestError{Kind: KindInvalidExpression, File: file, Field: field, Err: err}
}

func malformed(file, field string, err error) *ManifestError {
	return &ManifestError{Kind: KindMalformedSource, File: file, Field: field, Err: err}
}
