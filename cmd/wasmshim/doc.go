// SPDX-License-Identifier: MPL-2.0

// Package cmd contains the CLI commands for wasmshim.
//
// The root command wires a single in-process shim service. `run` creates
// and starts one task for a bundle and translates process signals into
// kill requests; `exec`, `validate` and `precompile` drive the same
// service without serving triggers.
package cmd
