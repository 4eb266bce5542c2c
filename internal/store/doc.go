// SPDX-License-Identifier: MPL-2.0

// Package store resolves components to compiled WebAssembly artifacts.
//
// A Store belongs to one task. Artifacts are content addressed: the key
// combines the SHA-256 of the bytecode with the memory ceiling and whether
// the module is step metered, so components with identical bytes and
// limits share one artifact. Artifacts are reference counted and closed
// only when the store is closed.
//
// When a cache directory is configured, every store in the process shares
// one wazero on-disk compilation cache for that directory.
package store
