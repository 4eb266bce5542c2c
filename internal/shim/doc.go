// SPDX-License-Identifier: MPL-2.0

// Package shim implements the task lifecycle exposed to an orchestrator.
//
// A Task owns one loaded application: its component store, key/value
// backends, dispatchers and a shutdown coordinator. Lifecycle calls reach
// tasks through a Service keyed by task id. State transitions are
// serialized per task; reads are lock-free.
//
// Termination requests never touch dispatchers directly. Kill sends a
// request to the task's coordinator goroutine, which drains every
// dispatcher concurrently, computes the exit code and moves the task to
// Stopped.
package shim
