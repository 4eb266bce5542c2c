// SPDX-License-Identifier: MPL-2.0

// Package cueutil provides shared CUE parsing utilities.
//
// The package consolidates the CUE parsing pattern used by the manifest and
// config packages:
//
//  1. Compile the embedded schema
//  2. Compile (or encode) user data and unify it with the schema
//  3. Validate and decode to a Go struct
//
// # Usage
//
//	//go:embed schema.cue
//	var schemaBytes []byte
//
//	result, err := cueutil.ParseAndDecode[document](
//	    schemaBytes,
//	    userFileBytes,
//	    "#Manifest",
//	    cueutil.WithFilename("app.cue"),
//	)
//	if err != nil {
//	    return nil, err  // Error includes CUE path for debugging
//	}
//	return result.Value, nil
//
// Data that arrives in another format (TOML) is decoded to a generic map
// first and handed to DecodeValue, which encodes it into the same CUE
// context as the schema.
package cueutil
