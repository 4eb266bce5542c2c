// SPDX-License-Identifier: MPL-2.0

package cueutil

import "cuelang.org/go/cue"

// DefaultMaxFileSize bounds the size of user documents handed to ParseAndDecode.
const DefaultMaxFileSize = 4 << 20

type (
	// Option configures a parse operation.
	Option func(*options)

	// Precheck inspects the user value before it is unified with the schema.
	// Returning an error aborts the parse with that error unchanged.
	Precheck func(cue.Value) error

	options struct {
		filename    string
		maxFileSize int64
		concrete    bool
		prechecks   []Precheck
	}
)

func defaultOptions() options {
	return options{
		maxFileSize: DefaultMaxFileSize,
		concrete:    true,
	}
}

// WithFilename sets the file name used in error messages.
func WithFilename(name string) Option {
	return func(o *options) { o.filename = name }
}

// WithMaxFileSize overrides DefaultMaxFileSize.
func WithMaxFileSize(n int64) Option {
	return func(o *options) { o.maxFileSize = n }
}

// WithConcrete controls whether validation requires every field to be concrete.
func WithConcrete(concrete bool) Option {
	return func(o *options) { o.concrete = concrete }
}

// WithPrecheck adds a check that runs against the raw user value.
func WithPrecheck(check Precheck) Option {
	return func(o *options) { o.prechecks = append(o.prechecks, check) }
}
