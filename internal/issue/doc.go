// SPDX-License-Identifier: MPL-2.0

// Package issue provides actionable error handling with user-friendly messages.
//
// ActionableError carries the failed operation, the resource involved and
// remediation hints. Issue pages are Markdown help texts rendered with
// glamour when the CLI reports a failure it recognises.
package issue
