// SPDX-License-Identifier: MPL-2.0

// Package serverbase provides the lifecycle state machine shared by trigger
// dispatchers: atomic state reads, CAS transitions, goroutine tracking, and
// an in-flight invocation drain with a grace period followed by forced
// cancellation.
package serverbase
