// SPDX-License-Identifier: MPL-2.0

// Package config loads the shim configuration using Viper with CUE as the file format.
//
// Values come from, lowest precedence first: built-in defaults, an optional
// config.cue (an explicit path, or the wasmshim directory under the user
// config dir), and WASMSHIM_<SECTION>_<KEY> environment variables. The file is
// validated against the embedded #Config schema (config_schema.cue) before it
// is merged.
package config
