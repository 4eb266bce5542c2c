// SPDX-License-Identifier: MPL-2.0

package cueutil

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// ParseResult contains the result of a successful CUE parse operation.
type ParseResult[T any] struct {
	// Value is the decoded Go struct.
	Value *T

	// Unified is the unified CUE value, available for callers that need to
	// inspect fields the Go struct does not carry.
	Unified cue.Value
}

// ParseAndDecode compiles CUE source data, unifies it with the schema
// definition at schemaPath (e.g. "#Manifest") and decodes the result.
// Errors carry JSON-path style locations.
func ParseAndDecode[T any](schema, data []byte, schemaPath string, opts ...Option) (*ParseResult[T], error) {
	options := applyOptions(opts)
	filename := options.filename

	if err := CheckFileSize(data, options.maxFileSize, filename); err != nil {
		return nil, err
	}

	ctx := cuecontext.New()
	userValue := ctx.CompileBytes(data, cue.Filename(filename))
	if userValue.Err() != nil {
		return nil, FormatError(userValue.Err(), filename)
	}
	return unifyAndDecode[T](ctx, schema, userValue, schemaPath, options)
}

// DecodeValue encodes an already-decoded Go value (typically the generic
// map produced by a TOML decoder) and runs it through the same schema
// unification and decode steps as ParseAndDecode.
func DecodeValue[T any](schema []byte, data any, schemaPath string, opts ...Option) (*ParseResult[T], error) {
	options := applyOptions(opts)

	ctx := cuecontext.New()
	userValue := ctx.Encode(data)
	if userValue.Err() != nil {
		return nil, FormatError(userValue.Err(), options.filename)
	}
	return unifyAndDecode[T](ctx, schema, userValue, schemaPath, options)
}

func applyOptions(opts []Option) options {
	options := defaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	if options.filename == "" {
		options.filename = "<input>"
	}
	return options
}

func unifyAndDecode[T any](ctx *cue.Context, schema []byte, userValue cue.Value, schemaPath string, options options) (*ParseResult[T], error) {
	for _, check := range options.prechecks {
		if err := check(userValue); err != nil {
			return nil, err
		}
	}

	schemaValue := ctx.CompileBytes(schema)
	if schemaValue.Err() != nil {
		return nil, fmt.Errorf("internal error: failed to compile schema: %w", schemaValue.Err())
	}

	schemaRoot := schemaValue.LookupPath(cue.ParsePath(schemaPath))
	if schemaRoot.Err() != nil {
		return nil, fmt.Errorf("internal error: schema definition %s not found: %w", schemaPath, schemaRoot.Err())
	}

	unified := schemaRoot.Unify(userValue)
	if err := unified.Validate(cue.Concrete(options.concrete)); err != nil {
		return nil, FormatError(err, options.filename)
	}

	var result T
	if err := unified.Decode(&result); err != nil {
		return nil, FormatError(err, options.filename)
	}

	return &ParseResult[T]{
		Value:   &result,
		Unified: unified,
	}, nil
}

// FieldLabels returns the labels of the regular fields of the struct found
// at path inside v. A missing path yields no labels.
func FieldLabels(v cue.Value, path string) ([]string, error) {
	target := v
	if path != "" {
		target = v.LookupPath(cue.ParsePath(path))
	}
	if !target.Exists() {
		return nil, nil
	}
	iter, err := target.Fields()
	if err != nil {
		return nil, err
	}
	var labels []string
	for iter.Next() {
		labels = append(labels, iter.Selector().Unquoted())
	}
	return labels, nil
}
