// SPDX-License-Identifier: MPL-2.0

// Package wasmtest assembles small WebAssembly modules for tests.
//
// Builder emits the binary format directly so tests do not depend on a wasm
// toolchain. The fixtures in fixtures.go are WASI preview1 command modules
// that exercise the sandbox: echo, exit codes, runaway loops, memory
// growth, traps and every wasmshim host import.
package wasmtest
